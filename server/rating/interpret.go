package rating

import (
	"errors"
	"fmt"
)

// Termination is how a snake contest ended. The reason carries signal: a
// clean wall or body crash is a decisive loss, a mutual head collision is
// close to a coin flip, and a timeout means the round limit decided it.
type Termination string

const (
	TermWall          Termination = "wall"
	TermBody          Termination = "body"
	TermHeadCollision Termination = "head_collision"
	TermTimeout       Termination = "timeout"
	// TermError marks a contest that never produced a result. It is a
	// valid ledger state but never a scorable outcome.
	TermError Termination = "error"
)

// KnownTermination reports whether t is part of the outcome taxonomy
// (including error).
func KnownTermination(t Termination) bool {
	switch t {
	case TermWall, TermBody, TermHeadCollision, TermTimeout, TermError:
		return true
	}
	return false
}

// RawOutcome is what the external contest runner reports. Scores are
// pointers so a missing field is distinguishable from a real zero.
type RawOutcome struct {
	ScoreA      *int        `json:"score_a"`
	ScoreB      *int        `json:"score_b"`
	Rounds      int         `json:"rounds"`
	Termination Termination `json:"termination"`
}

// Winner identifies which side an interpreted outcome favors.
type Winner string

const (
	WinnerA Winner = "A"
	WinnerB Winner = "B"
	Draw    Winner = "draw"
)

// Interpreted is the directional, confidence-weighted signal fed to the
// updater. Margin and Confidence are both in [0,1]; Confidence never goes
// below ConfidenceFloor because any completed match carries information.
type Interpreted struct {
	Winner     Winner
	Margin     float64
	Confidence float64
}

// ErrMalformedOutcome is returned for outcomes that cannot be scored:
// missing scores, unknown termination reasons, negative counts, or an
// error termination. The caller logs and drops; nothing is mutated.
var ErrMalformedOutcome = errors.New("malformed outcome")

// Confidence blend. The distilled source described these only
// qualitatively, so the exact constants are a tuning decision (see
// DESIGN.md): confidence = wReason*reason + wMargin*margin + wLength*len,
// clamped to [ConfidenceFloor, 1]. reason comes from the table below;
// len is 1 for decisive endings and rounds/ExpectedRounds otherwise.
const (
	ConfidenceFloor = 0.25

	confWeightReason = 0.55
	confWeightMargin = 0.30
	confWeightLength = 0.15
)

// reasonWeight maps each scorable termination to how unambiguous it is.
func reasonWeight(t Termination) float64 {
	switch t {
	case TermWall, TermBody:
		return 0.90
	case TermTimeout:
		return 0.55
	case TermHeadCollision:
		return 0.35
	}
	return 0
}

// decisive endings trump game length: a one-round wall crash is still a
// clean result.
func decisive(t Termination) bool {
	return t == TermWall || t == TermBody
}

// Interpreter turns raw outcomes into update signals. ExpectedRounds is
// the nominal full game length used to discount very short ambiguous
// games.
type Interpreter struct {
	ExpectedRounds int
}

// NewInterpreter returns an interpreter with the default expected game
// length.
func NewInterpreter() Interpreter {
	return Interpreter{ExpectedRounds: 100}
}

// Interpret validates o and derives winner, margin, and confidence.
// It never mutates anything; on ErrMalformedOutcome the outcome must be
// discarded.
func (in Interpreter) Interpret(o RawOutcome) (Interpreted, error) {
	if o.ScoreA == nil || o.ScoreB == nil {
		return Interpreted{}, fmt.Errorf("%w: missing score", ErrMalformedOutcome)
	}
	if !KnownTermination(o.Termination) {
		return Interpreted{}, fmt.Errorf("%w: unknown termination %q", ErrMalformedOutcome, o.Termination)
	}
	if o.Termination == TermError {
		return Interpreted{}, fmt.Errorf("%w: error outcomes are not scorable", ErrMalformedOutcome)
	}
	sa, sb := *o.ScoreA, *o.ScoreB
	if sa < 0 || sb < 0 || o.Rounds < 0 {
		return Interpreted{}, fmt.Errorf("%w: negative score or rounds", ErrMalformedOutcome)
	}

	res := Interpreted{Winner: Draw}
	if sa > sb {
		res.Winner = WinnerA
	} else if sb > sa {
		res.Winner = WinnerB
	}

	den := max(sa, sb)
	if den < 1 {
		den = 1
	}
	res.Margin = clamp(absInt(sa-sb)/float64(den), 0, 1)

	length := 1.0
	if !decisive(o.Termination) {
		expected := in.ExpectedRounds
		if expected <= 0 {
			expected = 100
		}
		length = clamp(float64(o.Rounds)/float64(expected), 0, 1)
	}

	conf := confWeightReason*reasonWeight(o.Termination) +
		confWeightMargin*res.Margin +
		confWeightLength*length
	res.Confidence = clamp(conf, ConfidenceFloor, 1)

	return res, nil
}

func absInt(x int) float64 {
	if x < 0 {
		x = -x
	}
	return float64(x)
}
