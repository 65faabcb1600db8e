package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/82deutschmark/arc-explainer-sub014/server/pairing"
	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
)

// Memory is the in-process store used by tests and --ephemeral runs. It
// holds the same shapes as Postgres and bumps its version on every
// recorded match so snapshot staleness is observable.
type Memory struct {
	mu         sync.RWMutex
	version    int64
	nextPartID int64
	nextRecID  int64
	parts      map[int64]rating.Participant
	byName     map[string]int64
	records    []MatchRecord
	byKey      map[string]int64
	pairGames  map[pairing.PairKey]int
	now        func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		parts:     make(map[int64]rating.Participant),
		byName:    make(map[string]int64),
		byKey:     make(map[string]int64),
		pairGames: make(map[pairing.PairKey]int),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close() {}

func (m *Memory) UpsertParticipant(ctx context.Context, name string) (rating.Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return rating.Participant{}, fmt.Errorf("%w: empty participant name", ErrPersistence)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[name]; ok {
		return m.parts[id], nil
	}
	m.nextPartID++
	p := rating.NewParticipant(m.nextPartID, name, m.now())
	m.parts[p.ID] = p
	m.byName[name] = p.ID
	return p, nil
}

func (m *Memory) GetParticipant(ctx context.Context, id int64) (rating.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[id]
	if !ok {
		return rating.Participant{}, fmt.Errorf("participant %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ListParticipants(ctx context.Context) ([]rating.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedParticipants(), nil
}

func (m *Memory) sortedParticipants() []rating.Participant {
	out := make([]rating.Participant, 0, len(m.parts))
	for _, p := range m.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Snapshot(ctx context.Context) (pairing.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pg := make(map[pairing.PairKey]int, len(m.pairGames))
	for k, v := range m.pairGames {
		pg[k] = v
	}
	return pairing.Snapshot{
		Version:      m.version,
		Participants: m.sortedParticipants(),
		PairGames:    pg,
	}, nil
}

func (m *Memory) RecordMatch(ctx context.Context, rec MatchRecord, a, b rating.Participant) (MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.IdempotencyKey != "" {
		if id, ok := m.byKey[rec.IdempotencyKey]; ok {
			return m.records[id-1], nil
		}
	}
	if _, ok := m.parts[a.ID]; !ok {
		return MatchRecord{}, fmt.Errorf("participant %d: %w", a.ID, ErrNotFound)
	}
	if _, ok := m.parts[b.ID]; !ok {
		return MatchRecord{}, fmt.Errorf("participant %d: %w", b.ID, ErrNotFound)
	}
	rec = m.append(rec)
	m.parts[a.ID] = a
	m.parts[b.ID] = b
	if !rec.IsError() {
		m.pairGames[pairing.NewPairKey(rec.ParticipantA, rec.ParticipantB)]++
	}
	return rec, nil
}

func (m *Memory) RecordError(ctx context.Context, rec MatchRecord) (MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.IdempotencyKey != "" {
		if id, ok := m.byKey[rec.IdempotencyKey]; ok {
			return m.records[id-1], nil
		}
	}
	rec.Outcome.Termination = rating.TermError
	rec.Confidence = 0
	rec.After = rec.Before
	return m.append(rec), nil
}

// append assigns the next record ID and bumps the version. Callers hold
// the write lock.
func (m *Memory) append(rec MatchRecord) MatchRecord {
	m.nextRecID++
	rec.ID = m.nextRecID
	if rec.PlayedAt.IsZero() {
		rec.PlayedAt = m.now()
	}
	m.records = append(m.records, rec)
	if rec.IdempotencyKey != "" {
		m.byKey[rec.IdempotencyKey] = rec.ID
	}
	m.version++
	return rec
}

func (m *Memory) History(ctx context.Context, participantID int64, limit int, beforeID int64) ([]MatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MatchRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.records[i]
		if beforeID > 0 && rec.ID >= beforeID {
			continue
		}
		if rec.ParticipantA != participantID && rec.ParticipantB != participantID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) Standings(ctx context.Context) (map[int64]WinStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tallyStandings(m.resultRows()), nil
}

func (m *Memory) Matrix(ctx context.Context) ([]PairStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tallyMatrix(m.resultRows()), nil
}

func (m *Memory) resultRows() []resultRow {
	out := make([]resultRow, 0, len(m.records))
	for _, rec := range m.records {
		if rec.IsError() {
			continue
		}
		out = append(out, resultRow{a: rec.ParticipantA, b: rec.ParticipantB, winner: rec.Winner})
	}
	return out
}

func (m *Memory) LedgerScan(ctx context.Context, fn func(MatchRecord) error) error {
	m.mu.RLock()
	recs := make([]MatchRecord, len(m.records))
	copy(recs, m.records)
	m.mu.RUnlock()
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ResetRatings(ctx context.Context, participants []rating.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range participants {
		if _, ok := m.parts[p.ID]; !ok {
			return fmt.Errorf("participant %d: %w", p.ID, ErrNotFound)
		}
		m.parts[p.ID] = p
	}
	m.version++
	return nil
}
