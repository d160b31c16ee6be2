// Package sink persists terminal task outcomes to SQLite and settles the
// matching queue entry. Results are deduplicated on (task_id,
// retry_count), so a replayed result frame cannot double-apply.
package sink

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mizuki-ota/conductor/internal/model"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite-backed result archive.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the result database at path and
// applies migrations.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open result db: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert stores a result record. Returns (false, nil) when a record with
// the same (task_id, retry_count) already exists: the duplicate is
// silently ignored.
func (s *Store) Insert(ctx context.Context, rec *model.ResultRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO results
		 (id, task_id, retry_count, final_status, output, error_detail, duration_ms, worker_id, completed_at, applied_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskID, rec.RetryCount, string(rec.FinalStatus),
		nullStr(rec.Output), nullStr(rec.ErrorDetail),
		rec.DurationMS, rec.WorkerID, rec.CompletedAt,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns the most recent result row for a task.
func (s *Store) Get(ctx context.Context, taskID string) (*model.ResultRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, retry_count, final_status,
		        COALESCE(output, ''), COALESCE(error_detail, ''),
		        duration_ms, worker_id, completed_at
		 FROM results WHERE task_id = ?
		 ORDER BY retry_count DESC LIMIT 1`, taskID)

	var rec model.ResultRecord
	var status string
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.RetryCount, &status,
		&rec.Output, &rec.ErrorDetail, &rec.DurationMS, &rec.WorkerID, &rec.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query result: %w", err)
	}
	rec.FinalStatus = model.TaskStatus(status)
	return &rec, nil
}

// Recent returns the latest limit results, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.ResultRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, retry_count, final_status,
		        COALESCE(output, ''), COALESCE(error_detail, ''),
		        duration_ms, worker_id, completed_at
		 FROM results ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []model.ResultRecord
	for rows.Next() {
		var rec model.ResultRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.RetryCount, &status,
			&rec.Output, &rec.ErrorDetail, &rec.DurationMS, &rec.WorkerID, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		rec.FinalStatus = model.TaskStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
