// Package rating holds the skill-belief math for arena participants:
// the Gaussian rating model, the outcome interpreter, and the updater.
// Everything in this package is pure — no I/O, no clocks beyond the
// creation timestamp the caller passes in, no goroutines.
package rating

import "time"

// Prior and exposure defaults. A fresh participant starts wide open and
// narrows as matches come in.
const (
	Mu0    = 25.0  // prior mean
	Sigma0 = 8.333 // prior standard deviation

	// ExposeK controls how conservative the ranking score is: we rank by
	// mu - ExposeK*sigma so an uncertain participant cannot sit at the top
	// of the leaderboard on two lucky games.
	ExposeK = 3.0

	// DisplayScale maps the exposed score into the 0..~2500 range the
	// dashboard shows.
	DisplayScale = 50.0

	// Mu is clamped to this range on every update. Anything outside it is
	// a bug or a corrupted ledger, not a real skill estimate.
	MuMin = -25.0
	MuMax = 75.0

	// SigmaFloor is the smallest uncertainty we ever report. Sigma never
	// reaches zero: even a long-converged participant can regress when the
	// underlying model is swapped out.
	SigmaFloor = 1.0

	// Placement finishes once a participant has both enough games and a
	// tight enough sigma.
	ConvergeGames = 9
	ConvergeSigma = 3.0
)

// Placement is the lifecycle phase of a participant's rating.
type Placement string

const (
	Provisional Placement = "provisional"
	Converged   Placement = "converged"
)

// Participant is one rated agent. Mu/Sigma describe the belief
// distribution over its skill; Games counts completed (non-error) matches.
type Participant struct {
	ID        int64
	Name      string
	Mu        float64
	Sigma     float64
	Games     int
	Placement Placement
	CreatedAt time.Time
}

// NewParticipant returns a participant at the standard prior.
func NewParticipant(id int64, name string, now time.Time) Participant {
	return Participant{
		ID:        id,
		Name:      name,
		Mu:        Mu0,
		Sigma:     Sigma0,
		Placement: Provisional,
		CreatedAt: now,
	}
}

// ExposedScore is the conservative point estimate used for ranking and
// matchmaking: mu minus ExposeK sigmas.
func (p Participant) ExposedScore() float64 {
	return p.Mu - ExposeK*p.Sigma
}

// DisplayScore is the non-negative, scaled number shown to users.
func (p Participant) DisplayScore() float64 {
	s := p.ExposedScore() * DisplayScale
	if s < 0 {
		return 0
	}
	return s
}

// ---- shared clamps ----
//
// Every mutation path goes through these two functions. In particular
// clampSigma is the single place that enforces "sigma never increases and
// never drops below the floor"; do not re-implement it at call sites.

func clampSigma(next, prev float64) float64 {
	if next > prev {
		next = prev
	}
	if next < SigmaFloor {
		next = SigmaFloor
	}
	return next
}

func clampMu(x float64) float64 {
	return clamp(x, MuMin, MuMax)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
