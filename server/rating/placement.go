package rating

// IsConverged reports whether the participant's belief has settled enough
// to count as a stable ranking entry.
func IsConverged(p Participant) bool {
	return p.Placement == Converged
}

// GamesRemaining is the minimum number of additional games before the
// participant can leave placement, ignoring the sigma condition. Zero for
// anyone already past the game threshold.
func GamesRemaining(p Participant) int {
	if p.Games >= ConvergeGames {
		return 0
	}
	return ConvergeGames - p.Games
}

// UncertaintyBand is the two-sigma interval around mu: roughly where the
// participant's true skill sits with 95% belief.
func UncertaintyBand(p Participant) (lo, hi float64) {
	return p.Mu - 2*p.Sigma, p.Mu + 2*p.Sigma
}
