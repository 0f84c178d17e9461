package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/takeru403/Ipoca-network/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    process_id   TEXT PRIMARY KEY,
    status       TEXT NOT NULL CHECK(status IN ('processing', 'completed', 'failed')),
    progress     INTEGER NOT NULL,
    current_step TEXT NOT NULL,
    message      TEXT NOT NULL,
    filename     TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    finished_at  INTEGER,
    result       BLOB
);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
`

// SQLite persists terminal job records in a SQLite database.
// Timestamps are stored as Unix nanoseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveJob inserts or replaces a record.
func (s *SQLite) SaveJob(ctx context.Context, rec models.JobRecord) error {
	var finished sql.NullInt64
	if rec.FinishedAt != nil {
		finished = sql.NullInt64{Int64: rec.FinishedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (process_id, status, progress, current_step, message, filename, created_at, updated_at, finished_at, result)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(process_id) DO UPDATE SET
    status = excluded.status,
    progress = excluded.progress,
    current_step = excluded.current_step,
    message = excluded.message,
    filename = excluded.filename,
    updated_at = excluded.updated_at,
    finished_at = excluded.finished_at,
    result = excluded.result`,
		rec.ProcessID, string(rec.Status), rec.Progress, rec.CurrentStep, rec.Message, rec.Filename,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), finished, []byte(rec.Result),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", rec.ProcessID, err)
	}
	return nil
}

// LoadJobs returns every stored record, oldest first.
func (s *SQLite) LoadJobs(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT process_id, status, progress, current_step, message, filename, created_at, updated_at, finished_at, result
FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var recs []models.JobRecord
	for rows.Next() {
		var (
			rec              models.JobRecord
			status           string
			created, updated int64
			finished         sql.NullInt64
			result           []byte
		)
		if err := rows.Scan(&rec.ProcessID, &status, &rec.Progress, &rec.CurrentStep, &rec.Message,
			&rec.Filename, &created, &updated, &finished, &result); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		rec.Status = models.JobStatus(status)
		rec.CreatedAt = time.Unix(0, created)
		rec.UpdatedAt = time.Unix(0, updated)
		if finished.Valid {
			t := time.Unix(0, finished.Int64)
			rec.FinishedAt = &t
		}
		if len(result) > 0 {
			rec.Result = result
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteJobs removes the given records.
func (s *SQLite) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE process_id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	return nil
}
