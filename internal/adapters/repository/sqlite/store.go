// Package sqlite implements repository.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/metrics"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS entries (
	entry_id             TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	entry_type           TEXT NOT NULL,
	entry_date           TEXT NOT NULL,
	seq                  INTEGER NOT NULL,
	submitted_at         TEXT NOT NULL,
	duration_seconds     REAL,
	answers_json         TEXT NOT NULL,
	quality_passed       INTEGER NOT NULL,
	quality_reasons_json TEXT NOT NULL,
	score_json           TEXT,
	admitted             INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_user_order ON entries (user_id, entry_date, seq);

CREATE TABLE IF NOT EXISTS baselines (
	user_id    TEXT PRIMARY KEY,
	state_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS crisis_events (
	position     INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id     TEXT NOT NULL UNIQUE,
	entry_id     TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	entry_type   TEXT NOT NULL,
	entry_date   TEXT NOT NULL,
	reasons_json TEXT NOT NULL,
	occurred_at  TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	hash         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crisis_events_user ON crisis_events (user_id, position);

CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

INSERT OR IGNORE INTO counters (name, value) VALUES ('entry_seq', 0);
`

// #endregion schema

// timeLayout is fixed-width so stored instants compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const entryColumns = `entry_id, user_id, entry_type, entry_date, seq, submitted_at, duration_seconds,
	answers_json, quality_passed, quality_reasons_json, score_json, admitted`

// Store manages entries, baselines and the crisis log in SQLite.
type Store struct {
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and runs the schema.
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping implements repository.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveEntry implements repository.Store.
func (s *Store) SaveEntry(ctx context.Context, rec model.Record) error {
	start := time.Now()
	defer observe(start, metrics.RecordRepositoryUpdateLatency)

	row, err := repository.EncodeRecord(rec)
	if err != nil {
		return err
	}
	var score any
	if row.Score != nil {
		score = string(row.Score)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entry_id) DO NOTHING`,
		row.EntryID, row.UserID, row.EntryType, row.EntryDate, row.Seq,
		formatTime(row.SubmittedAt), row.Duration, string(row.Answers),
		row.QualityPassed, string(row.QualityReasons), score, row.Admitted,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entry %s: %w", rec.Entry.ID, repository.ErrAlreadyExists)
	}
	return nil
}

// GetEntry implements repository.Store.
func (s *Store) GetEntry(ctx context.Context, entryID string) (model.Record, error) {
	start := time.Now()
	defer observe(start, metrics.RecordRepositoryQueryLatency)

	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE entry_id = ?`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, fmt.Errorf("entry %s: %w", entryID, repository.ErrNotFound)
	}
	return rec, err
}

// PreviousEntry implements repository.Store.
func (s *Store) PreviousEntry(ctx context.Context, userID string, t model.EntryType, beforeSeq int64) (model.Entry, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE user_id = ? AND entry_type = ? AND seq < ?
		 ORDER BY seq DESC LIMIT 1`, userID, string(t), beforeSeq))
	if errors.Is(err, sql.ErrNoRows) {
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

	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Type != "" {
		where = append(where, "entry_type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "entry_date >= ?")
		args = append(args, f.Since.String())
	}
	if !f.SubmittedAfter.IsZero() {
		where = append(where, "submitted_at > ?")
		args = append(args, formatTime(f.SubmittedAfter))
	}
	query := `SELECT ` + entryColumns + ` FROM entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY entry_date DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	query = `SELECT * FROM (` + query + `) ORDER BY entry_date, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, entry_date, seq, score_json FROM entries
		 WHERE user_id = ? AND admitted = 1 AND score_json IS NOT NULL
		 ORDER BY entry_date, seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	out := []model.Point{}
	for rows.Next() {
		var (
			row   repository.EntryRow
			score string
		)
		if err := rows.Scan(&row.EntryID, &row.EntryDate, &row.Seq, &score); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		row.Score = []byte(score)
		row.Answers, row.QualityReasons = []byte("{}"), []byte("[]")
		row.Admitted = true
		rec, err := row.Record()
		if err != nil {
			return nil, err
		}
		if p, ok := repository.HistoryPoint(rec); ok {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// SaveBaseline implements repository.Store.
func (s *Store) SaveBaseline(ctx context.Context, st model.BaselineState) error {
	data, err := repository.EncodeBaseline(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO baselines (user_id, state_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		st.UserID, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// GetBaseline implements repository.Store.
func (s *Store) GetBaseline(ctx context.Context, userID string) (model.BaselineState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM baselines WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BaselineState{}, fmt.Errorf("baseline of %s: %w", userID, repository.ErrNotFound)
	}
	if err != nil {
		return model.BaselineState{}, fmt.Errorf("load baseline: %w", err)
	}
	return repository.DecodeBaseline([]byte(data))
}

// AppendCrisisEvent implements repository.Store.
func (s *Store) AppendCrisisEvent(ctx context.Context, ev model.CrisisEvent) (model.CrisisEvent, error) {
	start := time.Now()
	defer observe(start, metrics.RecordRepositoryUpdateLatency)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CrisisEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM crisis_events WHERE event_id = ?`, ev.ID).Scan(&exists)
	if err != nil {
		return model.CrisisEvent{}, fmt.Errorf("check crisis event: %w", err)
	}
	if exists > 0 {
		return model.CrisisEvent{}, fmt.Errorf("crisis event %s: %w", ev.ID, repository.ErrAlreadyExists)
	}

	prev := model.GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT hash FROM crisis_events ORDER BY position DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.CrisisEvent{}, fmt.Errorf("read chain head: %w", err)
	}
	ev.Seal(prev)

	row, err := repository.EncodeEvent(ev)
	if err != nil {
		return model.CrisisEvent{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO crisis_events (event_id, entry_id, user_id, entry_type, entry_date, reasons_json, occurred_at, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.EventID, row.EntryID, row.UserID, row.EntryType, row.EntryDate,
		string(row.Reasons), formatTime(row.OccurredAt), row.PrevHash, row.Hash)
	if err != nil {
		return model.CrisisEvent{}, fmt.Errorf("insert crisis event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.CrisisEvent{}, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

// ListCrisisEvents implements repository.Store.
func (s *Store) ListCrisisEvents(ctx context.Context, userID string) ([]model.CrisisEvent, error) {
	query := `SELECT event_id, entry_id, user_id, entry_type, entry_date, reasons_json, occurred_at, prev_hash, hash
		FROM crisis_events`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT event_id, entry_id, user_id, entry_type, entry_date, reasons_json, occurred_at, prev_hash, hash
		 FROM crisis_events ORDER BY position DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return model.CrisisEvent{}, fmt.Errorf("crisis log head: %w", repository.ErrNotFound)
	}
	return ev, err
}

// ListUsers implements repository.Store.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM entries ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	users := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// NextSeq implements repository.Store.
func (s *Store) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE counters SET value = value + 1 WHERE name = 'entry_seq' RETURNING value`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

// Counts implements repository.Store.
func (s *Store) Counts(ctx context.Context) (repository.Counts, error) {
	var c repository.Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM entries),
		(SELECT COUNT(DISTINCT user_id) FROM entries),
		(SELECT COUNT(*) FROM crisis_events)`).Scan(&c.Entries, &c.Users, &c.CrisisEvents)
	if err != nil {
		return repository.Counts{}, fmt.Errorf("count records: %w", err)
	}
	repository.UpdateCountMetrics(c)
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (model.Record, error) {
	var (
		row       repository.EntryRow
		submitted string
		duration  sql.NullFloat64
		answers   string
		reasons   string
		score     sql.NullString
	)
	err := sc.Scan(&row.EntryID, &row.UserID, &row.EntryType, &row.EntryDate, &row.Seq, &submitted,
		&duration, &answers, &row.QualityPassed, &reasons, &score, &row.Admitted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Record{}, err
		}
		return model.Record{}, fmt.Errorf("scan entry: %w", err)
	}
	if row.SubmittedAt, err = parseTime(submitted); err != nil {
		return model.Record{}, err
	}
	if duration.Valid {
		d := duration.Float64
		row.Duration = &d
	}
	row.Answers, row.QualityReasons = []byte(answers), []byte(reasons)
	if score.Valid {
		row.Score = []byte(score.String)
	}
	return row.Record()
}

func scanEvent(sc scanner) (model.CrisisEvent, error) {
	var (
		row      repository.EventRow
		reasons  string
		occurred string
	)
	err := sc.Scan(&row.EventID, &row.EntryID, &row.UserID, &row.EntryType, &row.EntryDate,
		&reasons, &occurred, &row.PrevHash, &row.Hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CrisisEvent{}, err
		}
		return model.CrisisEvent{}, fmt.Errorf("scan crisis event: %w", err)
	}
	if row.OccurredAt, err = parseTime(occurred); err != nil {
		return model.CrisisEvent{}, err
	}
	row.Reasons = []byte(reasons)
	return row.Event()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func observe(start time.Time, record func(float64)) {
	record(float64(time.Since(start).Microseconds()) / 1000)
}
