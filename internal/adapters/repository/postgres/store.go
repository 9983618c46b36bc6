// Package postgres implements repository.Store on PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/metrics"
)

// Schema creates the tables used by the store. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS entries (
	entry_id         TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	entry_type       TEXT NOT NULL,
	entry_date       DATE NOT NULL,
	seq              BIGINT NOT NULL,
	submitted_at     TIMESTAMPTZ NOT NULL,
	duration_seconds DOUBLE PRECISION,
	answers          JSONB NOT NULL,
	quality_passed   BOOLEAN NOT NULL,
	quality_reasons  JSONB NOT NULL,
	score            JSONB,
	admitted         BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_user_order ON entries (user_id, entry_date, seq);

CREATE TABLE IF NOT EXISTS baselines (
	user_id    TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS crisis_events (
	position    BIGSERIAL PRIMARY KEY,
	event_id    TEXT NOT NULL UNIQUE,
	entry_id    TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	entry_type  TEXT NOT NULL,
	entry_date  TEXT NOT NULL,
	reasons     JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crisis_events_user ON crisis_events (user_id, position);

CREATE SEQUENCE IF NOT EXISTS entry_seq;
`

// chainLockKey is the advisory lock serializing appends to the crisis log.
const chainLockKey int64 = 0x6d696e6474726961

const entryColumns = `entry_id, user_id, entry_type, entry_date, seq, submitted_at, duration_seconds,
	answers, quality_passed, quality_reasons, score, admitted`

const eventColumns = `event_id, entry_id, user_id, entry_type, entry_date, reasons, occurred_at, prev_hash, hash`

// Store manages entries, baselines and the crisis log in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ repository.Store = (*Store)(nil)

// Config holds connection settings.
type Config struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// New connects to the database, verifies the connection and applies Schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping implements repository.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Truncate removes every stored row and restarts the sequence.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE entries, baselines, crisis_events RESTART IDENTITY; ALTER SEQUENCE entry_seq RESTART`)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

// SaveEntry implements repository.Store.
func (s *Store) SaveEntry(ctx context.Context, rec model.Record) error {
	start := time.Now()
	defer observe(start, metrics.RecordRepositoryUpdateLatency)

	row, err := repository.EncodeRecord(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (entry_id) DO NOTHING`,
		row.EntryID, row.UserID, row.EntryType, rec.Entry.Date.Time(), row.Seq,
		row.SubmittedAt, row.Duration, row.Answers, row.QualityPassed, row.QualityReasons,
		nullJSON(row.Score), row.Admitted,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s: %w", rec.Entry.ID, repository.ErrAlreadyExists)
	}
	return nil
}

// GetEntry implements repository.Store.
func (s *Store) GetEntry(ctx context.Context, entryID string) (model.Record, error) {
	start := time.Now()
	defer observe(start, metrics.RecordRepositoryQueryLatency)

	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE entry_id = $1`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, fmt.Errorf("entry %s: %w", entryID, repository.ErrNotFound)
	}
	return rec, err
}

// PreviousEntry implements repository.Store.
func (s *Store) PreviousEntry(ctx context.Context, userID string, t model.EntryType, beforeSeq int64) (model.Entry, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE user_id = $1 AND entry_type = $2 AND seq < $3
		ORDER BY seq DESC LIMIT 1`, userID, string(t), beforeSeq))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Entry{}, fmt.Errorf("previous %s entry of %s: %w", t, userID, repository.ErrNotFound)
	}
	if err != nil {
		return model.Entry{}, err
	}
	return rec.Entry, nil
}

// ListEntries implements repository.Store.
func (s *Store) ListEntries(ctx context.Context, userID string, f repository.Filter) ([]model.Record, error) {
	start := time.Now()
	defer observe(start, metrics.RecordRepositoryQueryLatency)

	where := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("entry_type = $%d", string(f.Type))
	}
	if !f.Since.IsZero() {
		add("entry_date >= $%d", f.Since.Time())
	}
	if !f.SubmittedAfter.IsZero() {
		add("submitted_at > $%d", f.SubmittedAfter)
	}
	query := `SELECT ` + entryColumns + ` FROM entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY entry_date DESC, seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	query = `SELECT * FROM (` + query + `) AS recent ORDER BY entry_date, seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// History implements repository.Store.
func (s *Store) History(ctx context.Context, userID string) ([]model.Point, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, entry_date, seq, (score->>'value')::double precision
		FROM entries
		WHERE user_id = $1 AND admitted AND score IS NOT NULL
		ORDER BY entry_date, seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	out := []model.Point{}
	for rows.Next() {
		var (
			p    model.Point
			date time.Time
		)
		if err := rows.Scan(&p.EntryID, &date, &p.Seq, &p.Score); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		p.Date = model.DateOf(date)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveBaseline implements repository.Store.
func (s *Store) SaveBaseline(ctx context.Context, st model.BaselineState) error {
	data, err := repository.EncodeBaseline(st)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO baselines (user_id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		st.UserID, data)
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// GetBaseline implements repository.Store.
func (s *Store) GetBaseline(ctx context.Context, userID string) (model.BaselineState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM baselines WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BaselineState{}, fmt.Errorf("baseline of %s: %w", userID, repository.ErrNotFound)
	}
	if err != nil {
		return model.BaselineState{}, fmt.Errorf("load baseline: %w", err)
	}
	return repository.DecodeBaseline(data)
}

// AppendCrisisEvent implements repository.Store. Appends are serialized with
// a transaction-scoped advisory lock so concurrent writers cannot fork the
// chain.
func (s *Store) AppendCrisisEvent(ctx context.Context, ev model.CrisisEvent) (model.CrisisEvent, error) {
	start := time.Now()
	defer observe(start, metrics.RecordRepositoryUpdateLatency)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.CrisisEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return model.CrisisEvent{}, fmt.Errorf("lock crisis log: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM crisis_events WHERE event_id = $1)`, ev.ID).Scan(&exists); err != nil {
		return model.CrisisEvent{}, fmt.Errorf("check crisis event: %w", err)
	}
	if exists {
		return model.CrisisEvent{}, fmt.Errorf("crisis event %s: %w", ev.ID, repository.ErrAlreadyExists)
	}

	prev := model.GenesisHash
	err = tx.QueryRow(ctx, `SELECT hash FROM crisis_events ORDER BY position DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.CrisisEvent{}, fmt.Errorf("read chain head: %w", err)
	}
	ev.Seal(prev)

	row, err := repository.EncodeEvent(ev)
	if err != nil {
		return model.CrisisEvent{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO crisis_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.EventID, row.EntryID, row.UserID, row.EntryType, row.EntryDate,
		row.Reasons, row.OccurredAt, row.PrevHash, row.Hash)
	if err != nil {
		return model.CrisisEvent{}, fmt.Errorf("insert crisis event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.CrisisEvent{}, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

// ListCrisisEvents implements repository.Store.
func (s *Store) ListCrisisEvents(ctx context.Context, userID string) ([]model.CrisisEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM crisis_events`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY position`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list crisis events: %w", err)
	}
	defer rows.Close()

	out := []model.CrisisEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastCrisisEvent implements repository.Store.
func (s *Store) LastCrisisEvent(ctx context.Context) (model.CrisisEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM crisis_events ORDER BY position DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CrisisEvent{}, fmt.Errorf("crisis log head: %w", repository.ErrNotFound)
	}
	return ev, err
}

// ListUsers implements repository.Store.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM entries ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return users, nil
}

// NextSeq implements repository.Store.
func (s *Store) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('entry_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

// Counts implements repository.Store.
func (s *Store) Counts(ctx context.Context) (repository.Counts, error) {
	var entries, users, events int64
	err := s.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM entries),
		(SELECT COUNT(DISTINCT user_id) FROM entries),
		(SELECT COUNT(*) FROM crisis_events)`).Scan(&entries, &users, &events)
	if err != nil {
		return repository.Counts{}, fmt.Errorf("count records: %w", err)
	}
	c := repository.Counts{Entries: int(entries), Users: int(users), CrisisEvents: int(events)}
	repository.UpdateCountMetrics(c)
	return c, nil
}

func scanRecord(row pgx.Row) (model.Record, error) {
	var (
		r    repository.EntryRow
		date time.Time
	)
	err := row.Scan(&r.EntryID, &r.UserID, &r.EntryType, &date, &r.Seq, &r.SubmittedAt, &r.Duration,
		&r.Answers, &r.QualityPassed, &r.QualityReasons, &r.Score, &r.Admitted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Record{}, err
		}
		return model.Record{}, fmt.Errorf("scan entry: %w", err)
	}
	r.EntryDate = model.DateOf(date).String()
	return r.Record()
}

func scanEvent(row pgx.Row) (model.CrisisEvent, error) {
	var r repository.EventRow
	err := row.Scan(&r.EventID, &r.EntryID, &r.UserID, &r.EntryType, &r.EntryDate,
		&r.Reasons, &r.OccurredAt, &r.PrevHash, &r.Hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CrisisEvent{}, err
		}
		return model.CrisisEvent{}, fmt.Errorf("scan crisis event: %w", err)
	}
	return r.Event()
}

// nullJSON maps a missing document to SQL NULL.
func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func observe(start time.Time, record func(float64)) {
	record(float64(time.Since(start).Microseconds()) / 1000)
}
