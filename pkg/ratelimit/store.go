package ratelimit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed-width so that lexicographic comparison of stored
// timestamps matches chronological order. All values are normalized to UTC.
const timeLayout = "2006-01-02 15:04:05.000000000+00:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// Store is the durable side of the rate limiter: the fixed-window counters
// and the completion log for rolling windows. It is opened with a single
// connection; every tier serializes through it.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// windowIncrement credits one fixed-window counter, resetting it when the
// stored window no longer covers the current instant.
type windowIncrement struct {
	period Period
	start  time.Time
	end    time.Time
}

// OpenStore opens (creating if needed) the SQLite store at path and applies
// pending migrations. The literal path ":memory:" selects a private
// in-memory database that lives as long as the store.
func OpenStore(path string, log *zap.Logger) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000"
	if path == ":memory:" {
		// A plain :memory: DSN would give every pool connection its own
		// database; the shared cache keeps them on one.
		dsn = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening rate limit store: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring migrations: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating rate limit store: %w", err)
	}

	log.Info("rate limit store ready", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CompletionsBetween counts completion records in (after, until]. The lower
// bound is exclusive so a completion ages out exactly one full period after
// it was recorded.
func (s *Store) CompletionsBetween(ctx context.Context, after, until time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM task_completions WHERE completed_at > ? AND completed_at <= ?`,
		formatTime(after), formatTime(until))
	if err != nil {
		return 0, fmt.Errorf("counting completions: %w", err)
	}
	return n, nil
}

// WindowCount returns the stored counter for the fixed window covering now,
// initializing a zero row when the stored window has rolled over.
func (s *Store) WindowCount(ctx context.Context, p Period, now, start, end time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count FROM rate_limits WHERE period = ? AND window_start <= ? AND window_end > ?`,
		string(p), formatTime(now), formatTime(now))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("reading %s window: %w", p, err)
	}
	if _, execErr := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rate_limits (period, count, window_start, window_end, updated_at)
		 VALUES (?, 0, ?, ?, ?)`,
		string(p), formatTime(start), formatTime(end), formatTime(now)); execErr != nil {
		return 0, fmt.Errorf("initializing %s window: %w", p, execErr)
	}
	return 0, nil
}

// Credit records n completions at the given instant in one transaction:
// optionally one completion row per task (rolling strategy), plus an
// increment of every supplied fixed-window counter.
func (s *Store) Credit(ctx context.Context, n int, kind string, ids []string, at time.Time, appendRecords bool, windows []windowIncrement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting credit transaction: %w", err)
	}
	defer tx.Rollback()

	if appendRecords {
		if err := insertCompletions(ctx, tx, n, kind, ids, at); err != nil {
			return err
		}
	}

	for _, w := range windows {
		// The COALESCE subquery returns NULL once the stored window no
		// longer covers now, which resets the counter on rollover.
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO rate_limits (period, count, window_start, window_end, updated_at)
			 VALUES (?,
			         COALESCE((SELECT count FROM rate_limits
			                   WHERE period = ? AND window_start <= ? AND window_end > ?), 0) + ?,
			         ?, ?, ?)`,
			string(w.period),
			string(w.period), formatTime(at), formatTime(at),
			n,
			formatTime(w.start), formatTime(w.end), formatTime(at))
		if err != nil {
			return fmt.Errorf("crediting %s window: %w", w.period, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing credit transaction: %w", err)
	}
	return nil
}

func insertCompletions(ctx context.Context, tx *sqlx.Tx, n int, kind string, ids []string, at time.Time) error {
	const stmt = `INSERT INTO task_completions (completed_at, kind, task_id) VALUES (?, ?, ?)`
	if len(ids) > 0 {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, stmt, formatTime(at), kind, id); err != nil {
				return fmt.Errorf("recording completion %s: %w", id, err)
			}
		}
		return nil
	}
	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx, stmt, formatTime(at), kind, nil); err != nil {
			return fmt.Errorf("recording completion: %w", err)
		}
	}
	return nil
}

// Prune deletes completion records older than the cutoff and reports how
// many rows were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_completions WHERE completed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning completions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
