package rating

import (
	"testing"
	"time"
)

func freshPair() (Participant, Participant) {
	now := time.Now()
	return NewParticipant(1, "alpha", now), NewParticipant(2, "beta", now)
}

func TestUpdateFreshPairDecisiveWin(t *testing.T) {
	u := NewUpdater()
	in := NewInterpreter()
	a, b := freshPair()

	res, err := in.Interpret(RawOutcome{ScoreA: intp(10), ScoreB: intp(2), Rounds: 40, Termination: TermWall})
	if err != nil {
		t.Fatalf("Interpret returned error: %v", err)
	}
	na, nb := u.Update(a, b, res)

	if na.Mu <= Mu0 {
		t.Fatalf("winner mu should rise: got %g", na.Mu)
	}
	if nb.Mu >= Mu0 {
		t.Fatalf("loser mu should fall: got %g", nb.Mu)
	}
	// Equal sigmas make the shift symmetric.
	if !almostEq(na.Mu-Mu0, Mu0-nb.Mu, 1e-9) {
		t.Fatalf("expected symmetric shift, got +%g / -%g", na.Mu-Mu0, Mu0-nb.Mu)
	}
	if na.Sigma >= Sigma0 || nb.Sigma >= Sigma0 {
		t.Fatalf("both sigmas should shrink: %g, %g", na.Sigma, nb.Sigma)
	}
	if na.Games != 1 || nb.Games != 1 {
		t.Fatalf("game counts not advanced: %d, %d", na.Games, nb.Games)
	}
	if na.Placement != Provisional || nb.Placement != Provisional {
		t.Fatalf("one game should not converge anyone")
	}
	// The inputs are values; the caller's copies stay untouched.
	if a.Mu != Mu0 || a.Games != 0 {
		t.Fatalf("input participant mutated: %+v", a)
	}
}

func TestUpdateDrawBetweenEqualsLeavesMu(t *testing.T) {
	u := NewUpdater()
	a, b := freshPair()
	res := Interpreted{Winner: Draw, Margin: 0, Confidence: 0.5}

	na, nb := u.Update(a, b, res)
	if !almostEq(na.Mu, Mu0, 1e-9) || !almostEq(nb.Mu, Mu0, 1e-9) {
		t.Fatalf("draw between equals moved mu: %g, %g", na.Mu, nb.Mu)
	}
	if na.Sigma >= Sigma0 {
		t.Fatalf("even a draw should narrow the belief: %g", na.Sigma)
	}
}

func TestUpdateUpsetMovesMoreThanExpectedResult(t *testing.T) {
	u := NewUpdater()
	now := time.Now()
	favorite := NewParticipant(1, "favorite", now)
	favorite.Mu = 40
	favorite.Sigma = 3
	underdog := NewParticipant(2, "underdog", now)
	underdog.Mu = 20
	underdog.Sigma = 3

	res := Interpreted{Winner: WinnerA, Margin: 0.5, Confidence: 0.8}

	// Expected result: favorite (side A) wins.
	fa, _ := u.Update(favorite, underdog, res)
	expectedShift := fa.Mu - favorite.Mu

	// Upset: underdog (side A) wins.
	ua, _ := u.Update(underdog, favorite, res)
	upsetShift := ua.Mu - underdog.Mu

	if upsetShift <= expectedShift {
		t.Fatalf("upset should move mu more: upset=%g expected=%g", upsetShift, expectedShift)
	}
}

func TestUpdateSigmaMonotoneOverLongSequence(t *testing.T) {
	u := NewUpdater()
	in := NewInterpreter()
	a, b := freshPair()

	outcomes := []RawOutcome{
		{ScoreA: intp(10), ScoreB: intp(2), Rounds: 40, Termination: TermWall},
		{ScoreA: intp(3), ScoreB: intp(9), Rounds: 80, Termination: TermBody},
		{ScoreA: intp(5), ScoreB: intp(5), Rounds: 100, Termination: TermTimeout},
		{ScoreA: intp(6), ScoreB: intp(6), Rounds: 12, Termination: TermHeadCollision},
		{ScoreA: intp(0), ScoreB: intp(11), Rounds: 7, Termination: TermWall},
	}
	for round := 0; round < 40; round++ {
		o := outcomes[round%len(outcomes)]
		res, err := in.Interpret(o)
		if err != nil {
			t.Fatalf("Interpret returned error: %v", err)
		}
		prevA, prevB := a.Sigma, b.Sigma
		a, b = u.Update(a, b, res)
		if a.Sigma > prevA || b.Sigma > prevB {
			t.Fatalf("sigma increased at round %d: %g>%g or %g>%g", round, a.Sigma, prevA, b.Sigma, prevB)
		}
		if a.Sigma < SigmaFloor || b.Sigma < SigmaFloor {
			t.Fatalf("sigma fell below floor at round %d: %g, %g", round, a.Sigma, b.Sigma)
		}
	}
	if a.Sigma != SigmaFloor {
		t.Fatalf("forty games should drive sigma to the floor, got %g", a.Sigma)
	}
	if a.Placement != Converged || b.Placement != Converged {
		t.Fatalf("long sequence should converge both, got %q/%q", a.Placement, b.Placement)
	}
}

func TestUpdateMuClampedAtCeiling(t *testing.T) {
	u := NewUpdater()
	now := time.Now()
	a := NewParticipant(1, "a", now)
	b := NewParticipant(2, "b", now)
	a.Mu = 74.9
	b.Mu = 74.9

	res := Interpreted{Winner: WinnerA, Margin: 1, Confidence: 1}
	na, nb := u.Update(a, b, res)
	if na.Mu != MuMax {
		t.Fatalf("expected mu clamped to %g, got %g", MuMax, na.Mu)
	}
	if nb.Mu >= 74.9 {
		t.Fatalf("loser mu should still fall: %g", nb.Mu)
	}
}

func TestUpdateConvergenceFlipIsOneWay(t *testing.T) {
	u := NewUpdater()
	now := time.Now()
	a := NewParticipant(1, "a", now)
	a.Games = 8
	a.Sigma = 2.8
	b := NewParticipant(2, "b", now)
	b.Games = 8
	b.Sigma = 3.5

	res := Interpreted{Winner: WinnerA, Margin: 0.2, Confidence: ConfidenceFloor}
	na, nb := u.Update(a, b, res)

	if na.Games != 9 || nb.Games != 9 {
		t.Fatalf("expected ninth game, got %d/%d", na.Games, nb.Games)
	}
	if na.Placement != Converged {
		t.Fatalf("nine games at sigma %g should converge", na.Sigma)
	}
	if nb.Sigma <= ConvergeSigma {
		t.Fatalf("test setup drifted: loser sigma %g already under threshold", nb.Sigma)
	}
	if nb.Placement != Provisional {
		t.Fatalf("nine games at sigma %g should stay provisional", nb.Sigma)
	}

	// Once converged, always converged.
	na2, _ := u.Update(na, nb, res)
	if na2.Placement != Converged {
		t.Fatalf("converged participant regressed to %q", na2.Placement)
	}
}

func TestWinProbability(t *testing.T) {
	now := time.Now()
	a := NewParticipant(1, "a", now)
	b := NewParticipant(2, "b", now)
	beta := Sigma0 / 2

	if p := WinProbability(a, b, beta); !almostEq(p, 0.5, 1e-9) {
		t.Fatalf("equal beliefs should be a coin flip, got %g", p)
	}

	a.Mu = 35
	pa := WinProbability(a, b, beta)
	if pa <= 0.5 {
		t.Fatalf("stronger side should be favored, got %g", pa)
	}
	pb := WinProbability(b, a, beta)
	if !almostEq(pa+pb, 1.0, 1e-9) {
		t.Fatalf("probabilities should mirror: %g + %g", pa, pb)
	}
}

func TestMarginScaleBounded(t *testing.T) {
	if got := marginScale(0); !almostEq(got, 1.0, 1e-9) {
		t.Fatalf("zero margin should not scale, got %g", got)
	}
	if got := marginScale(1); got <= 1.0 || got > 1.35 {
		t.Fatalf("full margin scale out of range: %g", got)
	}
	if marginScale(0.3) >= marginScale(0.9) {
		t.Fatalf("margin scale should grow with margin")
	}
}
