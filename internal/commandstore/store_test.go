package commandstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sentrypoint/agent/internal/persistence"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "commands.db"), nil)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(ctx, db, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestStoreAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	entry := Entry{ID: "cmd-1", Module: "logcollector", Command: "restart", Mode: Sync, Status: InProgress}
	if err := s.Store(ctx, entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected entry, got nil")
	}
	if got.Module != "logcollector" || got.Status != InProgress {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing entry, got %+v", got)
	}
}

func TestUpdateElidesUnknownStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_ = s.Store(ctx, Entry{ID: "cmd-2", Module: "m", Command: "fetch-config", Status: InProgress})

	if err := s.Update(ctx, Entry{ID: "cmd-2", Status: Unknown, Result: "partial"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, "cmd-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != InProgress {
		t.Fatalf("expected status to remain InProgress when update status is Unknown, got %v", got.Status)
	}
	if got.Result != "partial" {
		t.Fatalf("expected result to update, got %q", got.Result)
	}
}

func TestGetByStatusEmptyIsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetByStatus(context.Background(), Failure)
	if err != nil {
		t.Fatalf("get by status: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil slice when no rows match, got %v", got)
	}
}

func TestCountAndClear(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_ = s.Store(ctx, Entry{ID: "a", Module: "m", Command: "set-group", Status: InProgress})
	_ = s.Store(ctx, Entry{ID: "b", Module: "m", Command: "set-group", Status: Success})

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected count 2, got %d", n)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	n, err = s.Count(ctx)
	if err != nil {
		t.Fatalf("count after clear: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected count 0 after clear, got %d", n)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_ = s.Store(ctx, Entry{ID: "cmd-3", Module: "m", Command: "restart", Status: InProgress})

	if err := s.Delete(ctx, "cmd-3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.Get(ctx, "cmd-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected entry to be deleted")
	}
}
