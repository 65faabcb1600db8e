package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/82deutschmark/arc-explainer-sub014/server/pairing"
	"github.com/82deutschmark/arc-explainer-sub014/server/rating"
)

//go:embed schema.sql
var schema embed.FS

// idemCacheSize bounds the in-process idempotency cache. Misses fall
// through to the unique index, so the size only affects how often a
// retried submit costs a round trip.
const idemCacheSize = 4096

var errDuplicateKey = errors.New("duplicate idempotency key")

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	keys *lru.Cache[string, int64]
}

// OpenPostgres connects to dsn. It does not migrate; run Migrate (or the
// --migrate flag) first on a fresh database.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open pool: %v", ErrPersistence, err)
	}
	keys, err := lru.New[string, int64](idemCacheSize)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: idempotency cache: %v", ErrPersistence, err)
	}
	return &Postgres{pool: pool, keys: keys}, nil
}

func (s *Postgres) Close()                         { s.pool.Close() }
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate applies schema.sql. All statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	sqlBytes, err := schema.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("%w: read schema: %v", ErrPersistence, err)
	}
	if _, err := s.pool.Exec(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}
	return nil
}

const participantCols = `id, name, mu, sigma, games, placement, created_at`

func scanParticipant(row pgx.Row) (rating.Participant, error) {
	var p rating.Participant
	var placement string
	err := row.Scan(&p.ID, &p.Name, &p.Mu, &p.Sigma, &p.Games, &placement, &p.CreatedAt)
	if err != nil {
		return rating.Participant{}, err
	}
	p.Placement = rating.Placement(placement)
	return p, nil
}

func (s *Postgres) UpsertParticipant(ctx context.Context, name string) (rating.Participant, error) {
	row := s.pool.QueryRow(ctx, `
        INSERT INTO participants(name, mu, sigma, games, placement)
        VALUES ($1,$2,$3,0,$4)
        ON CONFLICT (name) DO UPDATE
          SET name = EXCLUDED.name
        RETURNING `+participantCols,
		name, rating.Mu0, rating.Sigma0, string(rating.Provisional))
	p, err := scanParticipant(row)
	if err != nil {
		return rating.Participant{}, fmt.Errorf("%w: upsert participant: %v", ErrPersistence, err)
	}
	return p, nil
}

func (s *Postgres) GetParticipant(ctx context.Context, id int64) (rating.Participant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+participantCols+` FROM participants WHERE id = $1`, id)
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rating.Participant{}, fmt.Errorf("participant %d: %w", id, ErrNotFound)
		}
		return rating.Participant{}, fmt.Errorf("%w: get participant: %v", ErrPersistence, err)
	}
	return p, nil
}

func (s *Postgres) ListParticipants(ctx context.Context) ([]rating.Participant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+participantCols+` FROM participants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list participants: %v", ErrPersistence, err)
	}
	defer rows.Close()
	var out []rating.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan participant: %v", ErrPersistence, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list participants: %v", ErrPersistence, err)
	}
	return out, nil
}

// Snapshot reads participants, pair counts, and the version inside one
// transaction so the matchmaker never sees a torn view. The version is
// the newest ledger ID.
func (s *Postgres) Snapshot(ctx context.Context) (pairing.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return pairing.Snapshot{}, fmt.Errorf("%w: begin snapshot: %v", ErrPersistence, err)
	}
	defer tx.Rollback(ctx) // safe if already committed

	var snap pairing.Snapshot
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM match_records`).Scan(&snap.Version); err != nil {
		return pairing.Snapshot{}, fmt.Errorf("%w: snapshot version: %v", ErrPersistence, err)
	}

	rows, err := tx.Query(ctx, `SELECT `+participantCols+` FROM participants ORDER BY id`)
	if err != nil {
		return pairing.Snapshot{}, fmt.Errorf("%w: snapshot participants: %v", ErrPersistence, err)
	}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			rows.Close()
			return pairing.Snapshot{}, fmt.Errorf("%w: snapshot participants: %v", ErrPersistence, err)
		}
		snap.Participants = append(snap.Participants, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pairing.Snapshot{}, fmt.Errorf("%w: snapshot participants: %v", ErrPersistence, err)
	}

	snap.PairGames = make(map[pairing.PairKey]int)
	pairRows, err := tx.Query(ctx, `
        SELECT LEAST(participant_a, participant_b),
               GREATEST(participant_a, participant_b),
               COUNT(*)::int
          FROM match_records
         WHERE termination <> 'error'
         GROUP BY 1, 2`)
	if err != nil {
		return pairing.Snapshot{}, fmt.Errorf("%w: snapshot pairs: %v", ErrPersistence, err)
	}
	for pairRows.Next() {
		var lo, hi int64
		var n int
		if err := pairRows.Scan(&lo, &hi, &n); err != nil {
			pairRows.Close()
			return pairing.Snapshot{}, fmt.Errorf("%w: snapshot pairs: %v", ErrPersistence, err)
		}
		snap.PairGames[pairing.PairKey{Lo: lo, Hi: hi}] = n
	}
	pairRows.Close()
	if err := pairRows.Err(); err != nil {
		return pairing.Snapshot{}, fmt.Errorf("%w: snapshot pairs: %v", ErrPersistence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return pairing.Snapshot{}, fmt.Errorf("%w: snapshot commit: %v", ErrPersistence, err)
	}
	return snap, nil
}

func (s *Postgres) RecordMatch(ctx context.Context, rec MatchRecord, a, b rating.Participant) (MatchRecord, error) {
	if rec.IdempotencyKey != "" {
		if id, ok := s.keys.Get(rec.IdempotencyKey); ok {
			return s.recordByID(ctx, id)
		}
		existing, err := s.recordByKey(ctx, rec.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return MatchRecord{}, err
		}
	}
	stored, err := s.insertMatch(ctx, rec, &a, &b)
	if errors.Is(err, errDuplicateKey) {
		// Lost the race with a concurrent submit carrying the same key.
		return s.recordByKey(ctx, rec.IdempotencyKey)
	}
	return stored, err
}

func (s *Postgres) RecordError(ctx context.Context, rec MatchRecord) (MatchRecord, error) {
	rec.Outcome.Termination = rating.TermError
	rec.Confidence = 0
	rec.After = rec.Before
	stored, err := s.insertMatch(ctx, rec, nil, nil)
	if errors.Is(err, errDuplicateKey) {
		return s.recordByKey(ctx, rec.IdempotencyKey)
	}
	return stored, err
}

// insertMatch appends the ledger row and, when a and b are given, applies
// both rating rows in the same transaction. Row locks are taken in
// ascending ID order so two writers touching overlapping pairs cannot
// deadlock.
func (s *Postgres) insertMatch(ctx context.Context, rec MatchRecord, a, b *rating.Participant) (MatchRecord, error) {
	if rec.PlayedAt.IsZero() {
		rec.PlayedAt = time.Now().UTC()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return MatchRecord{}, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback(ctx) // safe if already committed

	if a != nil && b != nil {
		ids := []int64{a.ID, b.ID}
		if ids[0] > ids[1] {
			ids[0], ids[1] = ids[1], ids[0]
		}
		for _, id := range ids {
			tag, err := tx.Exec(ctx, `SELECT 1 FROM participants WHERE id = $1 FOR UPDATE`, id)
			if err != nil {
				return MatchRecord{}, fmt.Errorf("%w: lock participant %d: %v", ErrPersistence, id, err)
			}
			if tag.RowsAffected() == 0 {
				return MatchRecord{}, fmt.Errorf("participant %d: %w", id, ErrNotFound)
			}
		}
	}

	var winner any
	if rec.Winner != "" {
		winner = string(rec.Winner)
	}
	var idem any
	if rec.IdempotencyKey != "" {
		idem = rec.IdempotencyKey
	}
	err = tx.QueryRow(ctx, `
        INSERT INTO match_records(
            participant_a, participant_b, played_at,
            score_a, score_b, rounds, termination, winner, confidence,
            mu_a_before, sigma_a_before, mu_b_before, sigma_b_before,
            mu_a_after, sigma_a_after, mu_b_after, sigma_b_after,
            cost_usd, idempotency_key, failure_detail
        ) VALUES (
            $1,$2,$3,
            $4,$5,$6,$7,$8,$9,
            $10,$11,$12,$13,
            $14,$15,$16,$17,
            $18,$19,$20
        )
        RETURNING id`,
		rec.ParticipantA, rec.ParticipantB, rec.PlayedAt,
		rec.Outcome.ScoreA, rec.Outcome.ScoreB, rec.Outcome.Rounds, string(rec.Outcome.Termination), winner, rec.Confidence,
		rec.Before.MuA, rec.Before.SigmaA, rec.Before.MuB, rec.Before.SigmaB,
		rec.After.MuA, rec.After.SigmaA, rec.After.MuB, rec.After.SigmaB,
		rec.CostUSD, idem, rec.FailureDetail,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return MatchRecord{}, errDuplicateKey
		}
		return MatchRecord{}, fmt.Errorf("%w: insert record: %v", ErrPersistence, err)
	}

	if a != nil && b != nil {
		for _, p := range []rating.Participant{*a, *b} {
			tag, err := tx.Exec(ctx, `
                UPDATE participants
                   SET mu = $2, sigma = $3, games = $4, placement = $5, updated_at = now()
                 WHERE id = $1`,
				p.ID, p.Mu, p.Sigma, p.Games, string(p.Placement))
			if err != nil {
				return MatchRecord{}, fmt.Errorf("%w: update participant %d: %v", ErrPersistence, p.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return MatchRecord{}, fmt.Errorf("participant %d: %w", p.ID, ErrNotFound)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return MatchRecord{}, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	if rec.IdempotencyKey != "" {
		s.keys.Add(rec.IdempotencyKey, rec.ID)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const recordCols = `id, participant_a, participant_b, played_at,
    score_a, score_b, rounds, termination, winner, confidence,
    mu_a_before, sigma_a_before, mu_b_before, sigma_b_before,
    mu_a_after, sigma_a_after, mu_b_after, sigma_b_after,
    cost_usd, idempotency_key, failure_detail`

func scanRecord(row pgx.Row) (MatchRecord, error) {
	var rec MatchRecord
	var term string
	var winner, idem *string
	err := row.Scan(
		&rec.ID, &rec.ParticipantA, &rec.ParticipantB, &rec.PlayedAt,
		&rec.Outcome.ScoreA, &rec.Outcome.ScoreB, &rec.Outcome.Rounds, &term, &winner, &rec.Confidence,
		&rec.Before.MuA, &rec.Before.SigmaA, &rec.Before.MuB, &rec.Before.SigmaB,
		&rec.After.MuA, &rec.After.SigmaA, &rec.After.MuB, &rec.After.SigmaB,
		&rec.CostUSD, &idem, &rec.FailureDetail,
	)
	if err != nil {
		return MatchRecord{}, err
	}
	rec.Outcome.Termination = rating.Termination(term)
	if winner != nil {
		rec.Winner = rating.Winner(*winner)
	}
	if idem != nil {
		rec.IdempotencyKey = *idem
	}
	return rec, nil
}

func (s *Postgres) recordByID(ctx context.Context, id int64) (MatchRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordCols+` FROM match_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatchRecord{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
		}
		return MatchRecord{}, fmt.Errorf("%w: get record: %v", ErrPersistence, err)
	}
	return rec, nil
}

func (s *Postgres) recordByKey(ctx context.Context, key string) (MatchRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordCols+` FROM match_records WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatchRecord{}, fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return MatchRecord{}, fmt.Errorf("%w: get record by key: %v", ErrPersistence, err)
	}
	s.keys.Add(key, rec.ID)
	return rec, nil
}

func (s *Postgres) History(ctx context.Context, participantID int64, limit int, beforeID int64) ([]MatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
        SELECT `+recordCols+`
          FROM match_records
         WHERE (participant_a = $1 OR participant_b = $1)
           AND ($2::bigint = 0 OR id < $2)
         ORDER BY id DESC
         LIMIT $3`, participantID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrPersistence, err)
	}
	defer rows.Close()
	var out []MatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: history scan: %v", ErrPersistence, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrPersistence, err)
	}
	return out, nil
}

func (s *Postgres) Standings(ctx context.Context) (map[int64]WinStats, error) {
	rows, err := s.scoredRows(ctx)
	if err != nil {
		return nil, err
	}
	return tallyStandings(rows), nil
}

func (s *Postgres) Matrix(ctx context.Context) ([]PairStats, error) {
	rows, err := s.scoredRows(ctx)
	if err != nil {
		return nil, err
	}
	return tallyMatrix(rows), nil
}

func (s *Postgres) scoredRows(ctx context.Context) ([]resultRow, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT participant_a, participant_b, COALESCE(winner, '')
          FROM match_records
         WHERE termination <> 'error'`)
	if err != nil {
		return nil, fmt.Errorf("%w: scored rows: %v", ErrPersistence, err)
	}
	defer rows.Close()
	var out []resultRow
	for rows.Next() {
		var r resultRow
		var winner string
		if err := rows.Scan(&r.a, &r.b, &winner); err != nil {
			return nil, fmt.Errorf("%w: scored rows scan: %v", ErrPersistence, err)
		}
		r.winner = rating.Winner(winner)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scored rows: %v", ErrPersistence, err)
	}
	return out, nil
}

func (s *Postgres) LedgerScan(ctx context.Context, fn func(MatchRecord) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+recordCols+` FROM match_records ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("%w: ledger scan: %v", ErrPersistence, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("%w: ledger scan: %v", ErrPersistence, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: ledger scan: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Postgres) ResetRatings(ctx context.Context, participants []rating.Participant) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin reset: %v", ErrPersistence, err)
	}
	defer tx.Rollback(ctx) // safe if already committed
	for _, p := range participants {
		if _, err := tx.Exec(ctx, `
            UPDATE participants
               SET mu = $2, sigma = $3, games = $4, placement = $5, updated_at = now()
             WHERE id = $1`,
			p.ID, p.Mu, p.Sigma, p.Games, string(p.Placement)); err != nil {
			return fmt.Errorf("%w: reset participant %d: %v", ErrPersistence, p.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: reset commit: %v", ErrPersistence, err)
	}
	return nil
}
