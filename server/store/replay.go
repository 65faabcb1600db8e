package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
)

// Rebuild replays the full ledger from the prior and rewrites the
// current-rating table. This is the canonical recovery path: whatever
// state the rating rows are in, the ledger wins. Replay must reproduce
// exactly what live updates produced, so the caller passes the same
// interpreter and updater tuning the deployment runs with. Error rows
// and rows that no longer interpret cleanly are skipped. Returns the
// number of records applied.
func Rebuild(ctx context.Context, st Store, interp rating.Interpreter, updater rating.Updater, log *zap.Logger) (int, error) {
	parts, err := st.ListParticipants(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	beliefs := make(map[int64]rating.Participant, len(parts))
	for _, p := range parts {
		fresh := rating.NewParticipant(p.ID, p.Name, p.CreatedAt)
		beliefs[p.ID] = fresh
	}

	applied := 0
	err = st.LedgerScan(ctx, func(rec MatchRecord) error {
		if rec.IsError() {
			return nil
		}
		res, err := interp.Interpret(rec.Outcome)
		if err != nil {
			log.Warn("skipping unscorable ledger row",
				zap.Int64("record_id", rec.ID),
				zap.Error(err))
			return nil
		}
		a, okA := beliefs[rec.ParticipantA]
		b, okB := beliefs[rec.ParticipantB]
		if !okA || !okB {
			log.Warn("ledger row references unknown participant",
				zap.Int64("record_id", rec.ID),
				zap.Int64("participant_a", rec.ParticipantA),
				zap.Int64("participant_b", rec.ParticipantB))
			return nil
		}
		na, nb := updater.Update(a, b, res)
		beliefs[rec.ParticipantA] = na
		beliefs[rec.ParticipantB] = nb
		applied++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}

	rebuilt := make([]rating.Participant, 0, len(beliefs))
	for _, p := range parts {
		rebuilt = append(rebuilt, beliefs[p.ID])
	}
	if err := st.ResetRatings(ctx, rebuilt); err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	log.Info("ledger replay complete",
		zap.Int("participants", len(rebuilt)),
		zap.Int("records_applied", applied))
	return applied, nil
}
