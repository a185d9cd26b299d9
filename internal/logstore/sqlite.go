package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/crucible/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists log rows in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed log store at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS log_rows (
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts DATETIME NOT NULL,
			stream TEXT NOT NULL,
			chunk BLOB NOT NULL,
			PRIMARY KEY (job_id, seq)
		)
	`)
	if err != nil {
		return fmt.Errorf("create log_rows table: %w", err)
	}
	_, err = s.db.Exec("CREATE INDEX IF NOT EXISTS idx_log_rows_ts ON log_rows(ts)")
	if err != nil {
		return fmt.Errorf("create log_rows index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, row models.LogRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_rows (job_id, seq, ts, stream, chunk)
		VALUES (?, ?, ?, ?, ?)
	`, row.JobID, row.Seq, row.Timestamp.UTC(), string(row.Stream), row.Chunk)
	if err != nil {
		return fmt.Errorf("append log row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, jobID string, afterSeq int64, limit int) ([]models.LogRow, error) {
	query := `
		SELECT job_id, seq, ts, stream, chunk
		FROM log_rows
		WHERE job_id = ? AND seq > ?
		ORDER BY seq ASC
	`
	args := []any{jobID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list log rows: %w", err)
	}
	defer rows.Close()

	var out []models.LogRow
	for rows.Next() {
		var r models.LogRow
		var stream string
		if err := rows.Scan(&r.JobID, &r.Seq, &r.Timestamp, &stream, &r.Chunk); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		r.Stream = models.LogStream(stream)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM log_rows WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("delete job log rows: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	res, err := s.db.ExecContext(ctx, "DELETE FROM log_rows WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune log rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
