package main

import (
	"fmt"
	"io"

	"github.com/mattn/go-runewidth"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// renderLeaderboard prints the ranking as an aligned terminal table.
// Column widths use display width, not byte length, so participant names
// with wide runes stay aligned.
func renderLeaderboard(w io.Writer, board Leaderboard) {
	pr := message.NewPrinter(language.English)

	headers := []string{"#", "PARTICIPANT", "SCORE", "MU", "SIGMA", "GAMES", "W-L-D", "WIN% (95% CI)", "STATE"}
	table := make([][]string, 0, len(board.Rows)+1)
	table = append(table, headers)
	for _, row := range board.Rows {
		table = append(table, []string{
			fmt.Sprintf("%d", row.Rank),
			row.Name,
			pr.Sprintf("%.0f", row.DisplayScore),
			pr.Sprintf("%.2f", row.Mu),
			pr.Sprintf("%.2f", row.Sigma),
			pr.Sprintf("%d", row.Games),
			fmt.Sprintf("%d-%d-%d", row.Wins, row.Losses, row.Draws),
			fmt.Sprintf("%.0f%% (%.0f-%.0f)", row.WinRate*100, row.WinRateLo*100, row.WinRateHi*100),
			string(row.Placement),
		})
	}

	widths := make([]int, len(headers))
	for _, row := range table {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range table {
		for i, cell := range row {
			fmt.Fprint(w, runewidth.FillRight(cell, widths[i]+2))
		}
		fmt.Fprintln(w)
	}

	s := board.Summary
	pr.Fprintf(w, "\n%d participants (%d converged), mean mu %.2f, mean sigma %.2f, median score %.0f\n",
		s.Participants, s.Converged, s.MeanMu, s.MeanSigma, s.MedianDisplay)
}
