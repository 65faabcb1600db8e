package rating

import (
	"testing"
	"time"
)

func TestAdvancePlacementThresholds(t *testing.T) {
	cases := []struct {
		name  string
		games int
		sigma float64
		start Placement
		want  Placement
	}{
		{"fresh", 0, Sigma0, Provisional, Provisional},
		{"enough games tight sigma", 9, 2.8, Provisional, Converged},
		{"enough games loose sigma", 9, 3.5, Provisional, Provisional},
		{"few games tight sigma", 5, 1.2, Provisional, Provisional},
		{"boundary sigma", 9, 3.0, Provisional, Converged},
		{"already converged stays", 9, 3.5, Converged, Converged},
	}
	for _, tc := range cases {
		p := Participant{Games: tc.games, Sigma: tc.sigma, Placement: tc.start}
		if got := advancePlacement(p); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestGamesRemaining(t *testing.T) {
	p := NewParticipant(1, "a", time.Now())
	if got := GamesRemaining(p); got != ConvergeGames {
		t.Fatalf("fresh participant: got %d, want %d", got, ConvergeGames)
	}
	p.Games = 6
	if got := GamesRemaining(p); got != 3 {
		t.Fatalf("after six games: got %d, want 3", got)
	}
	p.Games = 30
	if got := GamesRemaining(p); got != 0 {
		t.Fatalf("past threshold: got %d, want 0", got)
	}
}

func TestUncertaintyBand(t *testing.T) {
	p := NewParticipant(1, "a", time.Now())
	p.Sigma = 2
	lo, hi := UncertaintyBand(p)
	if lo != p.Mu-4 || hi != p.Mu+4 {
		t.Fatalf("got (%g, %g), want (%g, %g)", lo, hi, p.Mu-4, p.Mu+4)
	}
}

func TestIsConverged(t *testing.T) {
	p := NewParticipant(1, "a", time.Now())
	if IsConverged(p) {
		t.Fatalf("fresh participant reported converged")
	}
	p.Placement = Converged
	if !IsConverged(p) {
		t.Fatalf("converged participant reported provisional")
	}
}
