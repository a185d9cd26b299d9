package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/haasonsaas/crucible/pkg/models"
)

func TestPostgresRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewPostgresStoreWithDB(db)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs("id-1", "alice", ts, "vfs.read", "call-9", `{"path":"a.txt"}`, `{"ok":true}`, "ok", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.Record(context.Background(), models.AuditRecord{
		ID:         "id-1",
		UserID:     "alice",
		Timestamp:  ts,
		Tool:       "vfs.read",
		CallID:     "call-9",
		InputJSON:  `{"path":"a.txt"}`,
		OutputJSON: `{"ok":true}`,
		Status:     models.AuditOK,
		ElapsedMS:  7,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresListAndPrune(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := NewPostgresStoreWithDB(db)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "user_id", "ts", "tool", "call_id", "input_json", "output_json", "status", "elapsed_ms"}).
		AddRow("id-2", "alice", ts, "runner.spawn", "call-1", "{}", "{}", "policy_error", int64(1))
	mock.ExpectQuery("SELECT id, user_id, ts, tool").
		WithArgs("alice", 10).
		WillReturnRows(rows)

	recs, err := s.List(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != models.AuditPolicyError {
		t.Errorf("List = %+v", recs)
	}

	mock.ExpectExec("DELETE FROM audit_records").
		WillReturnResult(sqlmock.NewResult(0, 3))
	pruned, err := s.Prune(context.Background(), 24*time.Hour)
	if err != nil || pruned != 3 {
		t.Errorf("Prune = %d, %v", pruned, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
