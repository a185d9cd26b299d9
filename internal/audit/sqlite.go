package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/crucible/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists audit records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed audit store at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(auditSchemaSQLite)
	if err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

const auditSchemaSQLite = `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		ts DATETIME NOT NULL,
		tool TEXT NOT NULL,
		call_id TEXT NOT NULL,
		input_json TEXT NOT NULL,
		output_json TEXT NOT NULL,
		status TEXT NOT NULL,
		elapsed_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user_ts ON audit_records(user_id, ts);
`

func (s *SQLiteStore) Record(ctx context.Context, rec models.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, user_id, ts, tool, call_id, input_json, output_json, status, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.Timestamp.UTC(), rec.Tool, rec.CallID,
		rec.InputJSON, rec.OutputJSON, string(rec.Status), rec.ElapsedMS)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string, limit int) ([]models.AuditRecord, error) {
	query := `
		SELECT id, user_id, ts, tool, call_id, input_json, output_json, status, elapsed_ms
		FROM audit_records
	`
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY ts DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_records WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanAuditRows(rows *sql.Rows) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		var status string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Timestamp, &r.Tool, &r.CallID,
			&r.InputJSON, &r.OutputJSON, &status, &r.ElapsedMS); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Status = models.AuditStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
