// Package runner reaches the external arena service that actually plays
// the contests. The engine never simulates a game itself; it hands two
// participant IDs to a Client and gets back a raw outcome to interpret.
package runner

import (
	"context"
	"errors"

	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
)

// ErrRunnerFailure wraps any failure to obtain an outcome: transport
// errors, non-2xx responses, an open breaker, or cancellation while
// waiting for a slot. The caller records an error ledger row and moves
// on; ratings are never touched.
var ErrRunnerFailure = errors.New("runner failure")

// Outcome is what the arena reports for one completed contest.
type Outcome struct {
	rating.RawOutcome
	CostUSD *float64 `json:"cost_usd,omitempty"`
}

// Client runs one contest between two registered participants. RunMatch
// blocks until the contest finishes or ctx is done.
type Client interface {
	RunMatch(ctx context.Context, participantA, participantB int64) (Outcome, error)
}
