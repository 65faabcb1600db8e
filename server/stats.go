package main

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
	"github.com/82deutschmark/arc-explainer-sub014/server/store"
)

// LeaderboardRow is one ranked participant with its record and a 95%
// interval on the observed win rate.
type LeaderboardRow struct {
	Rank         int              `json:"rank"`
	ID           int64            `json:"id"`
	Name         string           `json:"name"`
	DisplayScore float64          `json:"display_score"`
	ExposedScore float64          `json:"exposed_score"`
	Mu           float64          `json:"mu"`
	Sigma        float64          `json:"sigma"`
	Games        int              `json:"games"`
	Placement    rating.Placement `json:"placement"`
	Wins         int              `json:"wins"`
	Losses       int              `json:"losses"`
	Draws        int              `json:"draws"`
	WinRate      float64          `json:"win_rate"`
	WinRateLo    float64          `json:"win_rate_lo"`
	WinRateHi    float64          `json:"win_rate_hi"`
}

// PopulationSummary describes the whole rated field.
type PopulationSummary struct {
	Participants  int     `json:"participants"`
	Converged     int     `json:"converged"`
	MeanMu        float64 `json:"mean_mu"`
	MeanSigma     float64 `json:"mean_sigma"`
	MedianDisplay float64 `json:"median_display"`
}

// Leaderboard is the full ranking payload.
type Leaderboard struct {
	Rows    []LeaderboardRow  `json:"rows"`
	Summary PopulationSummary `json:"summary"`
}

// buildLeaderboard ranks every participant by exposed score, descending,
// with ID as the stable tie-break.
func buildLeaderboard(ctx context.Context, st store.Store) (Leaderboard, error) {
	parts, err := st.ListParticipants(ctx)
	if err != nil {
		return Leaderboard{}, err
	}
	standings, err := st.Standings(ctx)
	if err != nil {
		return Leaderboard{}, err
	}

	rows := make([]LeaderboardRow, 0, len(parts))
	for _, p := range parts {
		ws := standings[p.ID]
		scored := ws.Wins + ws.Losses + ws.Draws
		rate := 0.0
		if scored > 0 {
			rate = float64(ws.Wins) / float64(scored)
		}
		lo, hi := wilson(ws.Wins, scored)
		rows = append(rows, LeaderboardRow{
			ID:           p.ID,
			Name:         p.Name,
			DisplayScore: p.DisplayScore(),
			ExposedScore: p.ExposedScore(),
			Mu:           p.Mu,
			Sigma:        p.Sigma,
			Games:        p.Games,
			Placement:    p.Placement,
			Wins:         ws.Wins,
			Losses:       ws.Losses,
			Draws:        ws.Draws,
			WinRate:      rate,
			WinRateLo:    lo,
			WinRateHi:    hi,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ExposedScore != rows[j].ExposedScore {
			return rows[i].ExposedScore > rows[j].ExposedScore
		}
		return rows[i].ID < rows[j].ID
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}

	return Leaderboard{Rows: rows, Summary: summarize(parts)}, nil
}

func summarize(parts []rating.Participant) PopulationSummary {
	sum := PopulationSummary{Participants: len(parts)}
	if len(parts) == 0 {
		return sum
	}
	mus := make([]float64, 0, len(parts))
	sigmas := make([]float64, 0, len(parts))
	displays := make([]float64, 0, len(parts))
	for _, p := range parts {
		if rating.IsConverged(p) {
			sum.Converged++
		}
		mus = append(mus, p.Mu)
		sigmas = append(sigmas, p.Sigma)
		displays = append(displays, p.DisplayScore())
	}
	sort.Float64s(displays)
	sum.MeanMu = stat.Mean(mus, nil)
	sum.MeanSigma = stat.Mean(sigmas, nil)
	sum.MedianDisplay = stat.Quantile(0.5, stat.Empirical, displays, nil)
	return sum
}

// wilson is the 95% Wilson score interval for wins out of n games. Wide
// for small n, which is exactly what a leaderboard over a fresh pool
// should show.
func wilson(wins, n int) (lo, hi float64) {
	if n == 0 {
		return 0, 1
	}
	const z = 1.96
	p := float64(wins) / float64(n)
	nf := float64(n)
	denom := 1 + z*z/nf
	center := p + z*z/(2*nf)
	spread := z * math.Sqrt(p*(1-p)/nf+z*z/(4*nf*nf))
	lo = (center - spread) / denom
	hi = (center + spread) / denom
	return math.Max(0, lo), math.Min(1, hi)
}
