package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/crucible/internal/audit"
	"github.com/haasonsaas/crucible/internal/logstore"
	"github.com/haasonsaas/crucible/pkg/models"
)

func TestSweepPrunesStores(t *testing.T) {
	ctx := context.Background()

	logs := logstore.NewMemoryStore()
	old := models.LogRow{JobID: "j1", Seq: 1, Timestamp: time.Now().Add(-48 * time.Hour), Stream: models.StreamStdout, Chunk: "old"}
	fresh := models.LogRow{JobID: "j1", Seq: 2, Timestamp: time.Now(), Stream: models.StreamStdout, Chunk: "fresh"}
	if err := logs.Append(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := logs.Append(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	audits := audit.NewMemoryStore()
	if err := audits.Record(ctx, models.AuditRecord{ID: "a1", UserID: "u", Tool: "vfs.read", Timestamp: time.Now().Add(-200 * 24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := audits.Record(ctx, models.AuditRecord{ID: "a2", UserID: "u", Tool: "vfs.read", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	s := New(Config{LogRetention: 24 * time.Hour, AuditRetention: 90 * 24 * time.Hour}, nil, nil, nil, logs, audits, nil)
	s.Sweep(ctx)

	rows, err := logs.List(ctx, "j1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Chunk != "fresh" {
		t.Errorf("rows after sweep = %+v", rows)
	}

	recs, err := audits.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "a2" {
		t.Errorf("audit records after sweep = %+v", recs)
	}
}

func TestSweepSkipsNilStores(t *testing.T) {
	s := New(Config{}, nil, nil, nil, nil, nil, nil)
	s.Sweep(context.Background())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(Config{Schedule: "not a cron spec"}, nil, nil, nil, nil, nil, nil)
	if err := s.Start(); err == nil {
		t.Fatal("expected error for bad schedule")
	}
}

func TestStartAndStop(t *testing.T) {
	s := New(Config{Schedule: "@every 1h"}, nil, nil, nil, nil, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
