// Package store persists the participant table and the append-only match
// ledger. Two implementations share one interface: Postgres for real
// deployments and an in-memory store for tests and ephemeral runs. The
// rating table is a cache; the ledger is the source of truth and can
// rebuild it at any time (see Rebuild).
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/82deutschmark/arc-explainer-sub014/server/pairing"
	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
)

var (
	// ErrPersistence wraps any storage-layer failure. A failed write never
	// partially commits: the ledger row and both rating rows land together
	// or not at all.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound marks a missing participant or record.
	ErrNotFound = errors.New("not found")
)

// RatingSnapshot captures both sides' belief at one point in time.
type RatingSnapshot struct {
	MuA    float64 `json:"mu_a"`
	SigmaA float64 `json:"sigma_a"`
	MuB    float64 `json:"mu_b"`
	SigmaB float64 `json:"sigma_b"`
}

// MatchRecord is one immutable ledger row. Error rows (termination
// "error") carry no rating change: Before equals After and Confidence is
// zero.
type MatchRecord struct {
	ID             int64             `json:"id"`
	ParticipantA   int64             `json:"participant_a"`
	ParticipantB   int64             `json:"participant_b"`
	PlayedAt       time.Time         `json:"played_at"`
	Outcome        rating.RawOutcome `json:"outcome"`
	Winner         rating.Winner     `json:"winner,omitempty"`
	Confidence     float64           `json:"confidence"`
	Before         RatingSnapshot    `json:"before"`
	After          RatingSnapshot    `json:"after"`
	CostUSD        *float64          `json:"cost_usd,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	FailureDetail  string            `json:"failure_detail,omitempty"`
}

// IsError reports whether the record is a failed contest rather than a
// scored one.
func (r MatchRecord) IsError() bool {
	return r.Outcome.Termination == rating.TermError
}

// WinStats is a participant's win/loss/draw tally over scored matches.
type WinStats struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`
}

// PairStats is the head-to-head tally for one unordered pair, with A
// always the smaller ID.
type PairStats struct {
	A     int64 `json:"participant_a"`
	B     int64 `json:"participant_b"`
	Games int   `json:"games"`
	WinsA int   `json:"wins_a"`
	WinsB int   `json:"wins_b"`
	Draws int   `json:"draws"`
}

// Store is the persistence surface the engine runs against.
type Store interface {
	// UpsertParticipant registers name, returning the existing row when the
	// name is already taken. New participants start at the prior.
	UpsertParticipant(ctx context.Context, name string) (rating.Participant, error)
	GetParticipant(ctx context.Context, id int64) (rating.Participant, error)
	ListParticipants(ctx context.Context) ([]rating.Participant, error)

	// Snapshot returns a consistent matchmaking view: participants, per-pair
	// game counts over scored matches, and the store version. Busy is left
	// for the caller to fill.
	Snapshot(ctx context.Context) (pairing.Snapshot, error)

	// RecordMatch appends rec and applies both post-match participant rows
	// in one transaction. When rec.IdempotencyKey matches an existing row,
	// the stored record is returned and nothing is written.
	RecordMatch(ctx context.Context, rec MatchRecord, a, b rating.Participant) (MatchRecord, error)
	// RecordError appends a failed-contest row without touching ratings.
	RecordError(ctx context.Context, rec MatchRecord) (MatchRecord, error)

	// History returns records involving participantID, newest first.
	// beforeID = 0 starts from the newest; otherwise only records with a
	// smaller ID are returned.
	History(ctx context.Context, participantID int64, limit int, beforeID int64) ([]MatchRecord, error)

	Standings(ctx context.Context) (map[int64]WinStats, error)
	Matrix(ctx context.Context) ([]PairStats, error)

	// LedgerScan calls fn for every record in ascending ID order.
	LedgerScan(ctx context.Context, fn func(MatchRecord) error) error
	// ResetRatings replaces the current rating rows in one transaction.
	// Used by ledger replay only.
	ResetRatings(ctx context.Context, participants []rating.Participant) error

	Close()
}

/* -----------------------------
   Shared result tallies
------------------------------*/

// resultRow is the slice of a record the standings and matrix need.
type resultRow struct {
	a, b   int64
	winner rating.Winner
}

func tallyStandings(rows []resultRow) map[int64]WinStats {
	out := make(map[int64]WinStats)
	for _, r := range rows {
		sa, sb := out[r.a], out[r.b]
		switch r.winner {
		case rating.WinnerA:
			sa.Wins++
			sb.Losses++
		case rating.WinnerB:
			sa.Losses++
			sb.Wins++
		default:
			sa.Draws++
			sb.Draws++
		}
		out[r.a], out[r.b] = sa, sb
	}
	return out
}

func tallyMatrix(rows []resultRow) []PairStats {
	acc := make(map[pairing.PairKey]*PairStats)
	for _, r := range rows {
		key := pairing.NewPairKey(r.a, r.b)
		ps, ok := acc[key]
		if !ok {
			ps = &PairStats{A: key.Lo, B: key.Hi}
			acc[key] = ps
		}
		ps.Games++
		winner := r.winner
		// Normalize to the canonical order before tallying sides.
		if r.a != key.Lo {
			switch winner {
			case rating.WinnerA:
				winner = rating.WinnerB
			case rating.WinnerB:
				winner = rating.WinnerA
			}
		}
		switch winner {
		case rating.WinnerA:
			ps.WinsA++
		case rating.WinnerB:
			ps.WinsB++
		default:
			ps.Draws++
		}
	}
	out := make([]PairStats, 0, len(acc))
	for _, ps := range acc {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}
