package tourney

import (
	"errors"
	"testing"
)

func TestLockTableAcquireConflictRelease(t *testing.T) {
	lt := NewLockTable()

	release, err := lt.Acquire(1, 2)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := lt.Acquire(2, 3); !errors.Is(err, ErrParticipantLocked) {
		t.Fatalf("overlapping acquire: got %v, want ErrParticipantLocked", err)
	}
	// A failed acquire must hold nothing, so a disjoint pair still works.
	r2, err := lt.Acquire(3, 4)
	if err != nil {
		t.Fatalf("disjoint acquire after conflict: %v", err)
	}
	r2()

	busy := lt.Busy()
	if !busy[1] || !busy[2] || busy[3] || busy[4] {
		t.Fatalf("busy set wrong: %v", busy)
	}

	release()
	release() // double release is a no-op
	if len(lt.Busy()) != 0 {
		t.Fatalf("busy after release: %v", lt.Busy())
	}
	if _, err := lt.Acquire(1, 2); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}
