package runstore

import (
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	coreerrors "github.com/DustinTheismann/omniforge/core/errors"
	"github.com/DustinTheismann/omniforge/core/schema/v1/foundry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New(t.TempDir(), nil)
	fixed := time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)
	store.Now = func() time.Time { return fixed }
	return store
}

func TestNewRunIDFormat(t *testing.T) {
	now := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	runID := NewRunID(now)
	if !regexp.MustCompile(`^20260102T020405Z-[0-9a-f]{8}$`).MatchString(runID) {
		t.Fatalf("unexpected run id: %s", runID)
	}
	if runID == NewRunID(now) {
		t.Fatal("expected distinct run ids for the same second")
	}
	if err := ValidateRunID(runID); err != nil {
		t.Fatalf("generated run id should validate: %v", err)
	}
}

func TestValidateRunID(t *testing.T) {
	for _, bad := range []string{"", "../escape", "a/b", "-lead", "a..b"} {
		if err := ValidateRunID(bad); !coreerrors.HasCategory(err, coreerrors.CategoryInvalidInput) {
			t.Fatalf("expected invalid run id for %q, got %v", bad, err)
		}
	}
}

func TestLifecycle(t *testing.T) {
	store := newTestStore(t)
	ref := foundry.ContractRef{Version: "0.2.0", Digest: "abc"}
	record, err := store.Create(CreateOptions{
		RunID:       "run-a",
		ContractRef: ref,
		Contract:    foundry.EvalContract{Version: "0.2.0", Lane: "sat"},
		Config:      foundry.RunConfig{Lane: "sat", Seed: 3},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if record.Status != foundry.StatusPending || record.Revision != 1 {
		t.Fatalf("unexpected created record: %+v", record)
	}

	if _, err := store.RecordExecution("run-a", Execution{}); err == nil {
		t.Fatal("expected record execution to require running status")
	}
	if _, err := store.Start("run-a"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	usage := foundry.ResourceUsage{Measured: true, WallMS: 12, CPUMS: 10, MaxRSSKB: 2048}
	if _, err := store.RecordExecution("run-a", Execution{Usage: usage, Toolchain: map[string]string{"cadical": "rel-2.1.3"}, Result: "SAT"}); err != nil {
		t.Fatalf("record execution: %v", err)
	}
	finished, err := store.Finish("run-a", foundry.StatusCompleted, map[string]any{"verdict": "accepted"})
	if err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if finished.Status != foundry.StatusCompleted || finished.StartedAt == nil || finished.EndedAt == nil {
		t.Fatalf("unexpected finished record: %+v", finished)
	}
	if finished.Revision != 4 {
		t.Fatalf("unexpected revision: %d", finished.Revision)
	}

	loaded, err := store.Load("run-a")
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if diff := cmp.Diff(finished, loaded); diff != "" {
		t.Fatalf("loaded record differs (-want +got):\n%s", diff)
	}
	contract, err := store.LoadContract("run-a")
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	if contract.Version != "0.2.0" {
		t.Fatalf("unexpected contract: %+v", contract)
	}

	events, err := store.Events("run-a")
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	if diff := cmp.Diff([]string{"created", "started", "executed", "completed"}, types); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
}

func TestTerminalRecordIsImmutable(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(CreateOptions{RunID: "run-b"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.Finish("run-b", foundry.StatusFailed, nil); err != nil {
		t.Fatalf("finish pending run: %v", err)
	}
	for name, attempt := range map[string]func() error{
		"start":  func() error { _, err := store.Start("run-b"); return err },
		"record": func() error { _, err := store.RecordExecution("run-b", Execution{}); return err },
		"finish": func() error { _, err := store.Finish("run-b", foundry.StatusCompleted, nil); return err },
	} {
		err := attempt()
		if !errors.Is(err, ErrTerminalStatus) {
			t.Fatalf("%s: expected ErrTerminalStatus, got %v", name, err)
		}
	}
	if _, err := store.Finish("run-b", foundry.StatusRunning, nil); !coreerrors.HasCategory(err, coreerrors.CategoryInvalidInput) {
		t.Fatalf("expected non-terminal finish to be invalid input, got %v", err)
	}
}

func TestCreateIsExclusiveAcrossConcurrentCallers(t *testing.T) {
	store := newTestStore(t)
	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(CreateOptions{RunID: "run-shared"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	created := 0
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrRunExists):
			if !coreerrors.HasCategory(err, coreerrors.CategoryStateContention) {
				t.Fatalf("expected state contention category, got %q", coreerrors.CategoryOf(err))
			}
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creator, got %d", created)
	}
}

func TestUnknownRun(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.Start("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound from start, got %v", err)
	}
	if _, err := store.Events("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound from events, got %v", err)
	}
}

func TestCreateGeneratesRunID(t *testing.T) {
	store := newTestStore(t)
	record, err := store.Create(CreateOptions{})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if !regexp.MustCompile(`^20260304T050607Z-[0-9a-f]{8}$`).MatchString(record.RunID) {
		t.Fatalf("unexpected generated run id: %s", record.RunID)
	}
	if record.ProducerVersion != foundry.ProducerVersionDev {
		t.Fatalf("unexpected producer version: %s", record.ProducerVersion)
	}
}
