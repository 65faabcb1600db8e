// Package tourney orchestrates batches: it asks the matchmaker for a
// pairing, hands it to the external runner, feeds the outcome through the
// interpreter and updater, and persists the result — one pairing at a
// time, always against the freshest ratings. It also owns the
// per-participant lock table that serializes rating mutation.
package tourney

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrParticipantLocked means another in-flight match holds one of the
// requested participants. Nothing was changed; the caller retries with
// backoff or picks a different pairing.
var ErrParticipantLocked = errors.New("participant locked")

// LockTable hands out exclusive, non-blocking holds on participant IDs.
// A hold covers the whole contest-and-update cycle for a pairing, so two
// workers can never apply rating updates to the same participant
// concurrently. Acquisition is all-or-nothing: either every requested ID
// is free and all become held, or none do.
type LockTable struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[int64]bool)}
}

// Acquire takes all ids atomically. On success it returns a release
// function that must be called exactly once, on every exit path. If any
// id is already held it returns ErrParticipantLocked and holds nothing.
func (t *LockTable) Acquire(ids ...int64) (func(), error) {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range sorted {
		if t.held[id] {
			return nil, fmt.Errorf("participant %d: %w", id, ErrParticipantLocked)
		}
	}
	for _, id := range sorted {
		t.held[id] = true
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for _, id := range sorted {
				delete(t.held, id)
			}
		})
	}, nil
}

// Busy returns a snapshot of every currently held ID. The matchmaker uses
// it to keep in-flight participants out of new proposals.
func (t *LockTable) Busy() map[int64]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]bool, len(t.held))
	for id := range t.held {
		out[id] = true
	}
	return out
}
