package tourney

import (
	"errors"
	"sync"
	"time"

	"github.com/82deutschmark/arc-explainer-sub014/server/pairing"
)

// BatchState is the lifecycle phase of one scheduled batch.
type BatchState string

const (
	BatchIdle      BatchState = "idle"
	BatchPreparing BatchState = "preparing"
	BatchRunning   BatchState = "running"
	BatchRecording BatchState = "recording"
	BatchComplete  BatchState = "complete"
	BatchError     BatchState = "error"
)

// NextAction tells the driver what Advance left to do.
type NextAction string

const (
	ActionNextPairing NextAction = "next_pairing"
	ActionComplete    NextAction = "batch_complete"
)

// ErrUnknownBatch marks a batch ID the scheduler has never issued.
var ErrUnknownBatch = errors.New("unknown batch")

// PairingResult is the per-pairing outcome surfaced in batch status. Err
// is empty for scored pairings; failed contests carry the failure text
// and the ID of the error ledger row.
type PairingResult struct {
	A        int64  `json:"participant_a"`
	B        int64  `json:"participant_b"`
	RecordID int64  `json:"record_id"`
	Err      string `json:"error,omitempty"`
}

// BatchStatus is a point-in-time copy of a batch's progress.
type BatchStatus struct {
	ID        int64             `json:"id"`
	State     BatchState        `json:"state"`
	Total     int               `json:"pairings_total"`
	Completed int               `json:"pairings_completed"`
	Failed    int               `json:"pairings_failed"`
	Current   *pairing.Proposal `json:"current_pairing,omitempty"`
	Results   []PairingResult   `json:"results"`
	Errors    []string          `json:"errors"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

// batch is the scheduler's mutable record of one run. Its mutex guards
// every field; it is never held across a contest.
type batch struct {
	mu        sync.Mutex
	id        int64
	state     BatchState
	pool      []int64
	size      int
	completed int
	failed    int
	used      map[int64]bool
	current   *pairing.Proposal
	results   []PairingResult
	errs      []string
	started   time.Time
	ended     *time.Time
}

func (b *batch) status() BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BatchStatus{
		ID:        b.id,
		State:     b.state,
		Total:     b.size,
		Completed: b.completed,
		Failed:    b.failed,
		Results:   append([]PairingResult(nil), b.results...),
		Errors:    append([]string(nil), b.errs...),
		StartedAt: b.started,
	}
	if b.current != nil {
		cp := *b.current
		st.Current = &cp
	}
	if b.ended != nil {
		t := *b.ended
		st.EndedAt = &t
	}
	return st
}

// done reports whether every requested pairing has been resolved one way
// or the other.
func (b *batch) done() bool {
	return b.completed+b.failed >= b.size
}
