package store

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(serial string, start time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Serial:    serial,
		Bundle:    "main-hub-1.4.0",
		Port:      "/dev/ttyUSB0",
		Status:    "running",
		StartTime: start,
	}
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store := newTestStore(t)

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}

	var version int
	if err := store.db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hubflash.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s, err := New(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	run := newRun("ABC123", time.Now())
	if err := s.CreateRun(run); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(path, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(run.ID); err != nil {
		t.Errorf("GetRun() after reopen: %v", err)
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := store.ListRuns("", 0); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

// ============================================================================
// Run Tests
// ============================================================================

func TestCreateAndGetRun(t *testing.T) {
	store := newTestStore(t)
	start := time.Now().UTC().Truncate(time.Second)

	run := newRun("ABC123", start)
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if got.Serial != "ABC123" || got.Status != "running" || got.Port != "/dev/ttyUSB0" {
		t.Errorf("GetRun() = %+v", got)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, start)
	}
}

func TestCreateRunRequiresID(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateRun(&Run{Serial: "x"}); err == nil {
		t.Error("Expected error for run without id")
	}
}

func TestUpdateRun(t *testing.T) {
	store := newTestStore(t)
	run := newRun("ABC123", time.Now())
	if err := store.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	run.Status = "wifi_failed"
	run.Encrypted = true
	run.Compression = "-u"
	run.WifiRequested = true
	run.ErrorMessage = "device unreachable"
	run.EndTime = time.Now()
	if err := store.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "wifi_failed" || !got.Encrypted || got.Compression != "-u" || !got.WifiRequested {
		t.Errorf("GetRun() after update = %+v", got)
	}
	if got.ErrorMessage != "device unreachable" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestUpdateRunNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateRun(&Run{ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRun() error = %v, want ErrNotFound", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i, serial := range []string{"A", "B", "A"} {
		if err := store.CreateRun(newRun(serial, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListRuns("", 0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListRuns() returned %d runs, want 3", len(all))
	}
	if !all[0].StartTime.After(all[2].StartTime) {
		t.Error("Expected runs newest first")
	}

	onlyA, err := store.ListRuns("A", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 2 {
		t.Errorf("ListRuns(A) returned %d runs, want 2", len(onlyA))
	}

	limited, err := store.ListRuns("", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("ListRuns(limit 1) returned %d runs", len(limited))
	}
}

func TestCountRunsByStatus(t *testing.T) {
	store := newTestStore(t)
	for _, status := range []string{"wired_only", "failed", "wired_only"} {
		run := newRun("A", time.Now())
		run.Status = status
		if err := store.CreateRun(run); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := store.CountRunsByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts["wired_only"] != 2 || counts["failed"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

// ============================================================================
// RunEvent Tests
// ============================================================================

func TestEvents(t *testing.T) {
	store := newTestStore(t)
	run := newRun("ABC123", time.Now())
	if err := store.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	steps := []string{"resolve_transport", "select_artifacts", "invoke_flash_tool"}
	for _, step := range steps {
		ev := &RunEvent{RunID: run.ID, Step: step, Status: "ok", Time: time.Now()}
		if err := store.AddEvent(ev); err != nil {
			t.Fatalf("AddEvent() failed: %v", err)
		}
		if ev.ID == 0 {
			t.Error("Expected event ID to be set")
		}
	}
	if err := store.AddEvent(&RunEvent{RunID: "other", Step: "x", Status: "ok", Time: time.Now()}); err != nil {
		t.Fatal(err)
	}

	events, err := store.ListEvents(run.ID)
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	if len(events) != len(steps) {
		t.Fatalf("ListEvents() returned %d events, want %d", len(events), len(steps))
	}
	for i, ev := range events {
		if ev.Step != steps[i] {
			t.Errorf("events[%d].Step = %q, want %q", i, ev.Step, steps[i])
		}
	}
}
