package tourney

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/82deutschmark/arc-explainer-sub014/server/metrics"
	"github.com/82deutschmark/arc-explainer-sub014/server/pairing"
	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
	"github.com/82deutschmark/arc-explainer-sub014/server/runner"
	"github.com/82deutschmark/arc-explainer-sub014/server/store"
)

// Config wires the scheduler's collaborators and tuning. Store, Runner,
// and Logger are required; everything else has a working default.
type Config struct {
	Store       store.Store
	Runner      runner.Client
	Interpreter rating.Interpreter
	Updater     rating.Updater
	Matchmaker  pairing.Matchmaker
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	// ArenaSlots bounds contests in flight across all batches. The arena
	// usually drives a live viewer, so the default is one at a time.
	ArenaSlots int64
}

// Scheduler runs batches of contests and is the single write path into
// the rating table: both batch pairings and directly submitted results go
// through it, under the per-participant lock table.
type Scheduler struct {
	st      store.Store
	runner  runner.Client
	interp  rating.Interpreter
	updater rating.Updater
	mm      pairing.Matchmaker
	locks   *LockTable
	arena   *semaphore.Weighted
	met     *metrics.Metrics
	log     *zap.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	nextID  int64
	batches map[int64]*batch
}

// New builds a scheduler from cfg.
func New(cfg Config) *Scheduler {
	slots := cfg.ArenaSlots
	if slots < 1 {
		slots = 1
	}
	return &Scheduler{
		st:      cfg.Store,
		runner:  cfg.Runner,
		interp:  cfg.Interpreter,
		updater: cfg.Updater,
		mm:      cfg.Matchmaker,
		locks:   NewLockTable(),
		arena:   semaphore.NewWeighted(slots),
		met:     cfg.Metrics,
		log:     cfg.Logger,
		tracer:  otel.Tracer("tourney"),
		batches: make(map[int64]*batch),
	}
}

// Snapshot returns the store's consistent matchmaking view with the busy
// set filled from the lock table.
func (s *Scheduler) Snapshot(ctx context.Context) (pairing.Snapshot, error) {
	snap, err := s.st.Snapshot(ctx)
	if err != nil {
		return pairing.Snapshot{}, err
	}
	snap.Busy = s.locks.Busy()
	return snap, nil
}

// NextOpponent proposes the most informative opponent for focalID.
func (s *Scheduler) NextOpponent(ctx context.Context, focalID int64) (pairing.Proposal, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return pairing.Proposal{}, err
	}
	prop, err := s.mm.ProposeOpponent(focalID, snap)
	if err != nil {
		return pairing.Proposal{}, err
	}
	if s.met != nil {
		s.met.ProposalsTotal.WithLabelValues("opponent").Inc()
	}
	return prop, nil
}

// SubmitResult records an externally supplied outcome for a pairing and
// applies the rating update, all as one atomic persistence unit. With an
// idempotency key, a repeated submit returns the original record and
// changes nothing.
func (s *Scheduler) SubmitResult(ctx context.Context, aID, bID int64, out rating.RawOutcome, costUSD *float64, idemKey string) (store.MatchRecord, error) {
	if aID == bID {
		return store.MatchRecord{}, fmt.Errorf("%w: participant %d cannot play itself", rating.ErrMalformedOutcome, aID)
	}
	res, err := s.interp.Interpret(out)
	if err != nil {
		return store.MatchRecord{}, err
	}

	release, err := s.locks.Acquire(aID, bID)
	if err != nil {
		return store.MatchRecord{}, err
	}
	defer release()

	a, err := s.st.GetParticipant(ctx, aID)
	if err != nil {
		return store.MatchRecord{}, err
	}
	b, err := s.st.GetParticipant(ctx, bID)
	if err != nil {
		return store.MatchRecord{}, err
	}

	na, nb := s.updater.Update(a, b, res)
	rec := store.MatchRecord{
		ParticipantA:   aID,
		ParticipantB:   bID,
		Outcome:        out,
		Winner:         res.Winner,
		Confidence:     res.Confidence,
		Before:         snapshotOf(a, b),
		After:          snapshotOf(na, nb),
		CostUSD:        costUSD,
		IdempotencyKey: idemKey,
	}
	stored, err := s.st.RecordMatch(ctx, rec, na, nb)
	if err != nil {
		return store.MatchRecord{}, err
	}
	s.observeScored(stored, a, b, na, nb)
	return stored, nil
}

func snapshotOf(a, b rating.Participant) store.RatingSnapshot {
	return store.RatingSnapshot{MuA: a.Mu, SigmaA: a.Sigma, MuB: b.Mu, SigmaB: b.Sigma}
}

func (s *Scheduler) observeScored(rec store.MatchRecord, a, b, na, nb rating.Participant) {
	if s.met != nil {
		s.met.MatchesRecorded.WithLabelValues(string(rec.Outcome.Termination)).Inc()
		s.met.RatingShift.Observe(abs(na.Mu - a.Mu))
		s.met.RatingShift.Observe(abs(nb.Mu - b.Mu))
	}
	s.log.Info("match recorded",
		zap.Int64("record_id", rec.ID),
		zap.Int64("participant_a", rec.ParticipantA),
		zap.Int64("participant_b", rec.ParticipantB),
		zap.String("winner", string(rec.Winner)),
		zap.Float64("confidence", rec.Confidence))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// ScheduleBatch registers a batch of size pairings over poolIDs and
// returns its ID. The batch starts in the preparing state; Advance or Run
// moves it forward. Matchmaking happens pairing by pairing, so every
// proposal sees the ratings produced by the previous one.
func (s *Scheduler) ScheduleBatch(ctx context.Context, poolIDs []int64, size int) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("batch size %d: %w", size, pairing.ErrInsufficientPool)
	}
	if len(poolIDs) < 2 {
		return 0, fmt.Errorf("pool of %d: %w", len(poolIDs), pairing.ErrInsufficientPool)
	}
	for _, id := range poolIDs {
		if _, err := s.st.GetParticipant(ctx, id); err != nil {
			return 0, fmt.Errorf("batch pool: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	b := &batch{
		id:      s.nextID,
		state:   BatchPreparing,
		pool:    append([]int64(nil), poolIDs...),
		size:    size,
		used:    make(map[int64]bool),
		started: time.Now().UTC(),
	}
	s.batches[b.id] = b
	s.log.Info("batch scheduled",
		zap.Int64("batch_id", b.id),
		zap.Int("pool", len(poolIDs)),
		zap.Int("pairings", size))
	return b.id, nil
}

// Status reports a batch's progress.
func (s *Scheduler) Status(batchID int64) (BatchStatus, error) {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	s.mu.Unlock()
	if !ok {
		return BatchStatus{}, fmt.Errorf("batch %d: %w", batchID, ErrUnknownBatch)
	}
	return b.status(), nil
}

// Advance runs exactly one pairing of the batch end to end: propose
// against the current ratings, lock both sides, run the contest, record
// the outcome, unlock. A failed contest becomes an error ledger row and
// the batch keeps going; only an empty pool or a canceled context stops
// it early.
func (s *Scheduler) Advance(ctx context.Context, batchID int64) (NextAction, error) {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("batch %d: %w", batchID, ErrUnknownBatch)
	}

	b.mu.Lock()
	switch b.state {
	case BatchComplete:
		b.mu.Unlock()
		return ActionComplete, nil
	case BatchError:
		b.mu.Unlock()
		return "", fmt.Errorf("batch %d is in the error state", batchID)
	}
	b.state = BatchRunning
	b.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "tourney.advance",
		trace.WithAttributes(attribute.Int64("batch.id", batchID)))
	defer span.End()

	prop, err := s.proposeNext(ctx, b)
	if err != nil {
		return s.handleProposeFailure(b, err)
	}

	release, err := s.locks.Acquire(prop.A, prop.B)
	if err != nil {
		// Raced with another batch between snapshot and lock; the batch
		// stays runnable and the caller just advances again.
		return "", err
	}
	defer release()

	b.mu.Lock()
	b.current = &prop
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.current = nil
		b.mu.Unlock()
	}()

	out, runErr := s.runContest(ctx, prop)

	b.mu.Lock()
	b.state = BatchRecording
	b.mu.Unlock()

	if runErr != nil {
		if ctx.Err() != nil {
			// Cancellation is not a contest failure: no ledger row, the
			// pairing stays unplayed, locks release via the defers.
			b.mu.Lock()
			b.state = BatchRunning
			b.mu.Unlock()
			return "", runErr
		}
		return s.recordFailure(ctx, b, prop, runErr)
	}

	res, err := s.interp.Interpret(out.RawOutcome)
	if err != nil {
		return s.recordFailure(ctx, b, prop, err)
	}
	return s.recordScored(ctx, b, prop, out, res)
}

// proposeNext picks the next pairing from the batch pool, honoring the
// participants already used in this batch and anyone locked elsewhere.
func (s *Scheduler) proposeNext(ctx context.Context, b *batch) (pairing.Proposal, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return pairing.Proposal{}, err
	}

	b.mu.Lock()
	inPool := make(map[int64]bool, len(b.pool))
	for _, id := range b.pool {
		inPool[id] = true
	}
	relaxed := s.mm.AllowRepeats && len(b.pool) < 2*b.size
	used := make(map[int64]bool, len(b.used))
	if !relaxed {
		for id := range b.used {
			used[id] = true
		}
	}
	b.mu.Unlock()

	kept := snap.Participants[:0:0]
	for _, p := range snap.Participants {
		if inPool[p.ID] && !used[p.ID] {
			kept = append(kept, p)
		}
	}
	snap.Participants = kept

	props, err := s.mm.ProposeBatch(snap, 1)
	if err != nil {
		return pairing.Proposal{}, err
	}
	if s.met != nil {
		s.met.ProposalsTotal.WithLabelValues("batch").Inc()
	}
	return props[0], nil
}

// handleProposeFailure decides whether an exhausted pool ends the batch
// cleanly or, when nothing ever ran, marks it failed.
func (s *Scheduler) handleProposeFailure(b *batch, err error) (NextAction, error) {
	if !errors.Is(err, pairing.ErrInsufficientPool) {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completed+b.failed > 0 {
		// The pool ran dry after some pairings; that is a short batch,
		// not a failed one.
		s.finishLocked(b, BatchComplete)
		return ActionComplete, nil
	}
	b.errs = append(b.errs, err.Error())
	s.finishLocked(b, BatchError)
	return "", err
}

// runContest hands the pairing to the external arena under the slot
// semaphore. The wait is cancellable and the slot is always returned.
func (s *Scheduler) runContest(ctx context.Context, prop pairing.Proposal) (runner.Outcome, error) {
	if err := s.arena.Acquire(ctx, 1); err != nil {
		return runner.Outcome{}, fmt.Errorf("%w: arena slot: %v", runner.ErrRunnerFailure, err)
	}
	defer s.arena.Release(1)

	ctx, span := s.tracer.Start(ctx, "tourney.contest",
		trace.WithAttributes(
			attribute.Int64("participant.a", prop.A),
			attribute.Int64("participant.b", prop.B)))
	defer span.End()

	start := time.Now()
	out, err := s.runner.RunMatch(ctx, prop.A, prop.B)
	if s.met != nil {
		s.met.RunnerLatency.Observe(time.Since(start).Seconds())
	}
	return out, err
}

// recordFailure writes an error ledger row for a contest that produced no
// scorable outcome. Ratings are untouched and the batch continues.
func (s *Scheduler) recordFailure(ctx context.Context, b *batch, prop pairing.Proposal, cause error) (NextAction, error) {
	a, errA := s.st.GetParticipant(ctx, prop.A)
	pb, errB := s.st.GetParticipant(ctx, prop.B)
	before := store.RatingSnapshot{}
	if errA == nil && errB == nil {
		before = snapshotOf(a, pb)
	}
	rec := store.MatchRecord{
		ParticipantA:  prop.A,
		ParticipantB:  prop.B,
		Outcome:       rating.RawOutcome{Termination: rating.TermError},
		Before:        before,
		After:         before,
		FailureDetail: cause.Error(),
	}
	stored, err := s.st.RecordError(ctx, rec)
	if err != nil {
		// The failure could not even be journaled; count the pairing as
		// failed so the batch still terminates.
		s.log.Error("error row write failed", zap.Int64("batch_id", b.id), zap.Error(err))
	}
	if s.met != nil {
		s.met.RunnerFailures.Inc()
		s.met.MatchesRecorded.WithLabelValues(string(rating.TermError)).Inc()
	}
	s.log.Warn("contest failed",
		zap.Int64("batch_id", b.id),
		zap.Int64("participant_a", prop.A),
		zap.Int64("participant_b", prop.B),
		zap.Error(cause))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed++
	b.used[prop.A] = true
	b.used[prop.B] = true
	b.results = append(b.results, PairingResult{A: prop.A, B: prop.B, RecordID: stored.ID, Err: cause.Error()})
	b.errs = append(b.errs, fmt.Sprintf("pairing %d vs %d: %v", prop.A, prop.B, cause))
	return s.advanceStateLocked(b)
}

// recordScored applies the rating update and persists the match row as
// one unit.
func (s *Scheduler) recordScored(ctx context.Context, b *batch, prop pairing.Proposal, out runner.Outcome, res rating.Interpreted) (NextAction, error) {
	a, err := s.st.GetParticipant(ctx, prop.A)
	if err != nil {
		return s.recordFailure(ctx, b, prop, err)
	}
	pb, err := s.st.GetParticipant(ctx, prop.B)
	if err != nil {
		return s.recordFailure(ctx, b, prop, err)
	}

	na, nb := s.updater.Update(a, pb, res)
	rec := store.MatchRecord{
		ParticipantA: prop.A,
		ParticipantB: prop.B,
		Outcome:      out.RawOutcome,
		Winner:       res.Winner,
		Confidence:   res.Confidence,
		Before:       snapshotOf(a, pb),
		After:        snapshotOf(na, nb),
		CostUSD:      out.CostUSD,
	}
	stored, err := s.st.RecordMatch(ctx, rec, na, nb)
	if err != nil {
		// The write never partially commits, so the ratings are still
		// consistent; the pairing is reported failed and the batch goes on.
		return s.recordFailure(ctx, b, prop, err)
	}
	s.observeScored(stored, a, pb, na, nb)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed++
	b.used[prop.A] = true
	b.used[prop.B] = true
	b.results = append(b.results, PairingResult{A: prop.A, B: prop.B, RecordID: stored.ID})
	return s.advanceStateLocked(b)
}

// advanceStateLocked moves the batch to its next state after a pairing
// resolved. Callers hold b.mu.
func (s *Scheduler) advanceStateLocked(b *batch) (NextAction, error) {
	if b.done() {
		s.finishLocked(b, BatchComplete)
		return ActionComplete, nil
	}
	b.state = BatchRunning
	return ActionNextPairing, nil
}

func (s *Scheduler) finishLocked(b *batch, final BatchState) {
	b.state = final
	now := time.Now().UTC()
	b.ended = &now
	if s.met != nil {
		s.met.BatchDuration.Observe(now.Sub(b.started).Seconds())
	}
	s.log.Info("batch finished",
		zap.Int64("batch_id", b.id),
		zap.String("state", string(final)),
		zap.Int("completed", b.completed),
		zap.Int("failed", b.failed))
}

// Run drives a batch to completion. A pairing that loses a lock race is
// retried after a short pause; any other error stops the run. progress
// may be nil.
func (s *Scheduler) Run(ctx context.Context, batchID int64, progress func(done, total int)) error {
	if s.met != nil {
		s.met.BatchesActive.Inc()
		defer s.met.BatchesActive.Dec()
	}
	for {
		action, err := s.Advance(ctx, batchID)
		switch {
		case err == nil:
		case errors.Is(err, ErrParticipantLocked):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
			continue
		default:
			return err
		}
		if progress != nil {
			st, serr := s.Status(batchID)
			if serr == nil {
				progress(st.Completed+st.Failed, st.Total)
			}
		}
		if action == ActionComplete {
			return nil
		}
	}
}
