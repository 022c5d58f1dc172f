package runs

import (
	"context"
	"path/filepath"
	"testing"

	"featurebot/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "runs.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGetRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := &storage.RunRecord{
		RequestID:  "req-1",
		Repository: "acme/features",
		Event:      "check_run",
		Action:     "prune",
		Outcome:    "success",
		Payload:    []byte(`{"action":"completed"}`),
	}
	if err := store.CreateRun(ctx, record); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if record.ID == 0 {
		t.Fatalf("expected id to be assigned")
	}

	got, err := store.GetRun(ctx, record.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil || got.RequestID != "req-1" || string(got.Payload) != `{"action":"completed"}` {
		t.Fatalf("unexpected run: %+v", got)
	}

	missing, err := store.GetRun(ctx, record.ID+100)
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing run")
	}
}

func TestListRunsFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, rec := range []storage.RunRecord{
		{Repository: "acme/a", Outcome: "failure"},
		{Repository: "acme/a", Outcome: "success"},
		{Repository: "acme/b", Outcome: "failure"},
	} {
		rec := rec
		if err := store.CreateRun(ctx, &rec); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}

	failed, err := store.ListRuns(ctx, storage.RunFilter{Outcome: "failure"})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(failed) != 2 || failed[0].Repository != "acme/b" {
		t.Fatalf("expected newest failure first, got %+v", failed)
	}

	limited, err := store.ListRuns(ctx, storage.RunFilter{Repository: "acme/a", Limit: 1})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(limited) != 1 || limited[0].Outcome != "success" {
		t.Fatalf("unexpected runs: %+v", limited)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
