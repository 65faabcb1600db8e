package rating

import (
	"errors"
	"testing"
)

func intp(v int) *int { return &v }

func TestInterpretDecisiveWallWin(t *testing.T) {
	in := NewInterpreter()
	res, err := in.Interpret(RawOutcome{ScoreA: intp(10), ScoreB: intp(2), Rounds: 40, Termination: TermWall})
	if err != nil {
		t.Fatalf("Interpret returned error: %v", err)
	}
	if res.Winner != WinnerA {
		t.Fatalf("expected winner A, got %q", res.Winner)
	}
	if !almostEq(res.Margin, 0.8, 1e-9) {
		t.Fatalf("expected margin 0.8, got %g", res.Margin)
	}
	if res.Confidence < 0.85 {
		t.Fatalf("big-gap wall crash should be near full confidence, got %g", res.Confidence)
	}
}

func TestInterpretShutoutWallIsMaxSignal(t *testing.T) {
	in := NewInterpreter()
	res, err := in.Interpret(RawOutcome{ScoreA: intp(12), ScoreB: intp(0), Rounds: 3, Termination: TermBody})
	if err != nil {
		t.Fatalf("Interpret returned error: %v", err)
	}
	if !almostEq(res.Margin, 1.0, 1e-9) {
		t.Fatalf("shutout margin should be 1, got %g", res.Margin)
	}
	// Decisive endings ignore game length, so three rounds still scores
	// as a full-signal result.
	if !almostEq(res.Confidence, 0.945, 1e-9) {
		t.Fatalf("expected confidence 0.945, got %g", res.Confidence)
	}
}

func TestInterpretHeadCollisionNearTieIsLowConfidence(t *testing.T) {
	in := NewInterpreter()
	res, err := in.Interpret(RawOutcome{ScoreA: intp(5), ScoreB: intp(4), Rounds: 50, Termination: TermHeadCollision})
	if err != nil {
		t.Fatalf("Interpret returned error: %v", err)
	}
	if res.Winner != WinnerA {
		t.Fatalf("expected winner A, got %q", res.Winner)
	}
	if res.Confidence < ConfidenceFloor || res.Confidence > 0.40 {
		t.Fatalf("near-tie head collision should sit in the low band, got %g", res.Confidence)
	}
}

func TestInterpretTimeoutScalesWithLength(t *testing.T) {
	in := NewInterpreter()
	short, err := in.Interpret(RawOutcome{ScoreA: intp(7), ScoreB: intp(6), Rounds: 10, Termination: TermTimeout})
	if err != nil {
		t.Fatalf("Interpret returned error: %v", err)
	}
	full, err := in.Interpret(RawOutcome{ScoreA: intp(7), ScoreB: intp(6), Rounds: 100, Termination: TermTimeout})
	if err != nil {
		t.Fatalf("Interpret returned error: %v", err)
	}
	if short.Confidence >= full.Confidence {
		t.Fatalf("a short ambiguous game should carry less confidence: short=%g full=%g", short.Confidence, full.Confidence)
	}
}

func TestInterpretConfidenceFloor(t *testing.T) {
	in := NewInterpreter()
	res, err := in.Interpret(RawOutcome{ScoreA: intp(0), ScoreB: intp(0), Rounds: 0, Termination: TermHeadCollision})
	if err != nil {
		t.Fatalf("Interpret returned error: %v", err)
	}
	if res.Winner != Draw {
		t.Fatalf("expected draw, got %q", res.Winner)
	}
	if res.Confidence != ConfidenceFloor {
		t.Fatalf("expected floor confidence %g, got %g", ConfidenceFloor, res.Confidence)
	}
}

func TestInterpretConfidenceAlwaysInBounds(t *testing.T) {
	in := NewInterpreter()
	terms := []Termination{TermWall, TermBody, TermHeadCollision, TermTimeout}
	for _, term := range terms {
		for sa := 0; sa <= 12; sa += 3 {
			for sb := 0; sb <= 12; sb += 3 {
				res, err := in.Interpret(RawOutcome{ScoreA: intp(sa), ScoreB: intp(sb), Rounds: 60, Termination: term})
				if err != nil {
					t.Fatalf("Interpret(%d,%d,%q) returned error: %v", sa, sb, term, err)
				}
				if res.Confidence < ConfidenceFloor || res.Confidence > 1.0 {
					t.Fatalf("confidence out of bounds for (%d,%d,%q): %g", sa, sb, term, res.Confidence)
				}
				if res.Margin < 0 || res.Margin > 1 {
					t.Fatalf("margin out of bounds for (%d,%d,%q): %g", sa, sb, term, res.Margin)
				}
			}
		}
	}
}

func TestInterpretMalformedOutcomes(t *testing.T) {
	in := NewInterpreter()
	cases := []struct {
		name string
		o    RawOutcome
	}{
		{"missing score_b", RawOutcome{ScoreA: intp(4), Rounds: 10, Termination: TermWall}},
		{"missing both scores", RawOutcome{Rounds: 10, Termination: TermWall}},
		{"unknown termination", RawOutcome{ScoreA: intp(4), ScoreB: intp(2), Rounds: 10, Termination: "cosmic_ray"}},
		{"error termination", RawOutcome{ScoreA: intp(4), ScoreB: intp(2), Rounds: 10, Termination: TermError}},
		{"negative score", RawOutcome{ScoreA: intp(-1), ScoreB: intp(2), Rounds: 10, Termination: TermWall}},
		{"negative rounds", RawOutcome{ScoreA: intp(4), ScoreB: intp(2), Rounds: -5, Termination: TermWall}},
	}
	for _, tc := range cases {
		_, err := in.Interpret(tc.o)
		if !errors.Is(err, ErrMalformedOutcome) {
			t.Fatalf("%s: expected ErrMalformedOutcome, got %v", tc.name, err)
		}
	}
}

func TestKnownTermination(t *testing.T) {
	for _, term := range []Termination{TermWall, TermBody, TermHeadCollision, TermTimeout, TermError} {
		if !KnownTermination(term) {
			t.Fatalf("%q should be known", term)
		}
	}
	if KnownTermination("disk_full") {
		t.Fatalf("unknown termination accepted")
	}
}
