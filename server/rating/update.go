package rating

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Updater applies an interpreted result to both participants' beliefs.
// It is a value type with fixed tuning, in the spirit of a one-vs-one
// TrueSkill-style update: shift mu toward the surprise, shrink sigma in
// proportion to how much the match told us.
type Updater struct {
	// Beta is the per-game performance variance. Larger beta means a
	// single game says less about true skill.
	Beta float64
	// ReductionRate scales how fast sigma shrinks per update.
	ReductionRate float64
}

// NewUpdater returns an updater with the standard tuning
// (beta = Sigma0/2, full reduction rate).
func NewUpdater() Updater {
	return Updater{Beta: Sigma0 / 2, ReductionRate: 1.0}
}

// unit normal shared by the expectation math.
var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// combinedStddev is the denominator c = sqrt(sigmaA^2 + sigmaB^2 + 2*beta^2)
// used both for the expected-score curve and the sigma shrink.
func combinedStddev(sigmaA, sigmaB, beta float64) float64 {
	return math.Sqrt(sigmaA*sigmaA + sigmaB*sigmaB + 2*beta*beta)
}

// WinProbability is the model's expected probability that a beats b,
// Phi((muA-muB)/c). Exported for the matchmaker's information-gain
// estimate and for reporting.
func WinProbability(a, b Participant, beta float64) float64 {
	c := combinedStddev(a.Sigma, b.Sigma, beta)
	return stdNormal.CDF((a.Mu - b.Mu) / c)
}

// marginScale nudges the mu shift up for blowouts, capped near 1.34 so a
// lopsided score cannot swamp the probabilistic update.
func marginScale(m float64) float64 {
	return 1.0 + 0.35*math.Tanh(2*m)
}

// Update returns post-match snapshots for both participants. It is pure:
// persistence and the ledger write are the caller's job, as one atomic
// unit. Callers must serialize updates per participant; disjoint pairs may
// update in parallel.
func (u Updater) Update(a, b Participant, res Interpreted) (Participant, Participant) {
	c := combinedStddev(a.Sigma, b.Sigma, u.Beta)
	ea := stdNormal.CDF((a.Mu - b.Mu) / c)
	eb := 1.0 - ea

	var sa float64
	switch res.Winner {
	case WinnerA:
		sa = 1.0
	case WinnerB:
		sa = 0.0
	default:
		sa = 0.5
	}
	sb := 1.0 - sa

	weight := res.Confidence * marginScale(res.Margin)

	a.Mu = clampMu(a.Mu + (a.Sigma*a.Sigma/c)*(sa-ea)*weight)
	b.Mu = clampMu(b.Mu + (b.Sigma*b.Sigma/c)*(sb-eb)*weight)

	a.Sigma = u.shrink(a.Sigma, c, res.Confidence)
	b.Sigma = u.shrink(b.Sigma, c, res.Confidence)

	a.Games++
	b.Games++

	a.Placement = advancePlacement(a)
	b.Placement = advancePlacement(b)

	return a, b
}

// shrink applies the sigma reduction through the central clamp so the
// floor and the never-increase invariant hold on every path.
func (u Updater) shrink(sigma, c, confidence float64) float64 {
	delta := sigma * (sigma * sigma / (c * c)) * confidence * u.ReductionRate
	return clampSigma(sigma-delta, sigma)
}

// advancePlacement flips provisional -> converged once the thresholds are
// met. The transition is one-way: a converged participant stays converged
// even if a later tuning change would loosen sigma.
func advancePlacement(p Participant) Placement {
	if p.Placement == Converged {
		return Converged
	}
	if p.Games >= ConvergeGames && p.Sigma <= ConvergeSigma {
		return Converged
	}
	return Provisional
}
