package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

// Upload records a document or text that replaced a user's content.
type Upload struct {
	ID        int64
	UserID    int64
	Label     string
	Segments  int
	Runes     int
	CreatedAt time.Time
}

// Outcome records how one advance request ended.
type Outcome struct {
	ID        int64
	UserID    int64
	JobID     string
	Label     string
	Part      int
	Total     int
	Status    string
	Attempts  int
	Detail    string
	CreatedAt time.Time
}

// Store is the SQLite-backed audit trail of uploads and delivery outcomes.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps
// nothing and every write is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS uploads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    label TEXT NOT NULL,
    segments INTEGER NOT NULL,
    runes INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    job_id TEXT,
    label TEXT,
    part INTEGER,
    total INTEGER,
    status TEXT NOT NULL,
    attempts INTEGER,
    detail TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_user_created ON uploads(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_user_created ON outcomes(user_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordUpload notes that a user's content was replaced.
func (s *Store) RecordUpload(ctx context.Context, up Upload) error {
	if s.disabled() {
		return nil
	}
	if up.CreatedAt.IsZero() {
		up.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads(user_id, label, segments, runes, created_at) VALUES(?, ?, ?, ?, ?)`,
		up.UserID, up.Label, up.Segments, up.Runes, up.CreatedAt)
	return err
}

// RecordOutcome writes the result of an advance request.
func (s *Store) RecordOutcome(ctx context.Context, out Outcome) error {
	if s.disabled() {
		return nil
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(user_id, job_id, label, part, total, status, attempts, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.UserID, out.JobID, out.Label, out.Part, out.Total, out.Status, out.Attempts, out.Detail, out.CreatedAt)
	return err
}

// ListOutcomes retrieves up to limit outcomes for a user ordered ascending by time.
func (s *Store) ListOutcomes(ctx context.Context, userID int64, limit int) ([]Outcome, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, job_id, label, part, total, status, attempts, detail, created_at
		 FROM outcomes WHERE user_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.ID, &o.UserID, &o.JobID, &o.Label, &o.Part, &o.Total, &o.Status, &o.Attempts, &o.Detail, &o.CreatedAt); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// CountUploads reports how many uploads are retained for a user.
func (s *Store) CountUploads(ctx context.Context, userID int64) (int, error) {
	if s.disabled() {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// Prune applies configured retention (called on startup and can be scheduled).
// MaxSessions caps the number of distinct users whose history is kept.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM uploads WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		stale := `SELECT user_id FROM (
			SELECT user_id, MAX(created_at) AS last FROM uploads GROUP BY user_id
			ORDER BY last DESC LIMIT -1 OFFSET ?
		)`
		if _, err = tx.ExecContext(ctx, `DELETE FROM outcomes WHERE user_id IN (`+stale+`)`, s.cfg.MaxSessions); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM uploads WHERE user_id IN (`+stale+`)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store never holds a database.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
