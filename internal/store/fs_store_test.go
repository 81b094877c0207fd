package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/opt"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, tempDir
}

// createTestRecord creates a converged run record with test data.
func createTestRecord(runID string) *RunRecord {
	return &RunRecord{
		RunID:       runID,
		SessionID:   "session-" + runID,
		Status:      opt.StatusConverged,
		StatusCode:  0,
		F:           1.5e-12,
		Initial:     []float64{0, 0},
		Weights:     []float64{3, -1},
		Iterations:  4,
		Evaluations: 7,
		Elapsed:     12 * time.Millisecond,
		Timestamp:   time.Now(),
		Settings: RunSettings{
			Evaluator: "builtin",
			Function:  "quadratic",
			Dimension: 2,
			Delivery:  "copy",
			Params:    opt.DefaultParams(),
		},
	}
}

func TestNewFSStore(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(baseDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != baseDir {
		t.Errorf("Expected base dir %s, got %s", baseDir, store.BaseDir())
	}
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveRun("run-1", createTestRecord("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	path := filepath.Join(tempDir, "runs", "run-1", "result.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Result file not created: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file was left behind")
	}
}

func TestSaveRun_InvalidInput(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveRun("", createTestRecord("x")); err == nil {
		t.Error("Expected error for empty runID")
	}
	if err := store.SaveRun("run-1", nil); err == nil {
		t.Error("Expected error for nil record")
	}
}

func TestSaveRun_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	first := createTestRecord("run-1")
	if err := store.SaveRun("run-1", first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	second := createTestRecord("run-1")
	second.Status = opt.StatusStopped
	second.StatusCode = 1
	second.Iterations = 2
	if err := store.SaveRun("run-1", second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if loaded.Status != opt.StatusStopped || loaded.Iterations != 2 {
		t.Errorf("Expected overwritten record, got status %v after %d iterations", loaded.Status, loaded.Iterations)
	}
}

func TestLoadRun(t *testing.T) {
	store, _ := setupTestStore(t)

	original := createTestRecord("run-1")
	if err := store.SaveRun("run-1", original); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	loaded, err := store.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}

	if loaded.RunID != original.RunID || loaded.SessionID != original.SessionID {
		t.Errorf("Identifiers mismatch: got %s/%s", loaded.RunID, loaded.SessionID)
	}
	if loaded.Status != opt.StatusConverged {
		t.Errorf("Expected status converged, got %v", loaded.Status)
	}
	if len(loaded.Weights) != 2 || loaded.Weights[0] != 3 || loaded.Weights[1] != -1 {
		t.Errorf("Weights mismatch: got %v", loaded.Weights)
	}
	if loaded.Elapsed != original.Elapsed {
		t.Errorf("Expected elapsed %v, got %v", original.Elapsed, loaded.Elapsed)
	}
	if loaded.Settings.Params != original.Settings.Params {
		t.Errorf("Params mismatch: got %+v", loaded.Settings.Params)
	}
	if !loaded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp mismatch: got %v, want %v", loaded.Timestamp, original.Timestamp)
	}
}

func TestLoadRun_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadRun("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.RunID != "missing" {
		t.Errorf("Expected NotFoundError for run 'missing', got %v", err)
	}
}

func TestLoadRun_Corrupt(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := os.MkdirAll(store.RunDir("bad"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(store.RunDir("bad"), "result.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := store.LoadRun("bad")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected decode error, got %v", err)
	}
}

func TestListRuns_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected 0 runs, got %d", len(infos))
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	store, _ := setupTestStore(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		rec := createTestRecord(fmt.Sprintf("run-%d", i))
		rec.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := store.SaveRun(rec.RunID, rec); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(infos))
	}
	for i, want := range []string{"run-2", "run-1", "run-0"} {
		if infos[i].RunID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, infos[i].RunID)
		}
	}
	if infos[0].Dimension != 2 || infos[0].Evaluator != "builtin" {
		t.Errorf("Unexpected info contents: %+v", infos[0])
	}
}

func TestListRuns_SkipsIncompleteDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	if err := store.SaveRun("good", createTestRecord("good")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	// A run that only produced a trace so far.
	if err := os.MkdirAll(filepath.Join(tempDir, "runs", "in-progress"), 0755); err != nil {
		t.Fatal(err)
	}
	// A stray file next to the run directories.
	if err := os.WriteFile(filepath.Join(tempDir, "runs", "stray.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// A corrupt result.
	if err := os.MkdirAll(filepath.Join(tempDir, "runs", "corrupt"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "runs", "corrupt", "result.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 1 || infos[0].RunID != "good" {
		t.Errorf("Expected only 'good', got %+v", infos)
	}
}

func TestDeleteRun(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveRun("run-1", createTestRecord("run-1")); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.RunDir("run-1"), "trace.jsonl"), []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRun("run-1"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := os.Stat(store.RunDir("run-1")); !os.IsNotExist(err) {
		t.Error("Run directory still exists after delete")
	}
	if _, err := store.LoadRun("run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteRun_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.DeleteRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteRun(""); err == nil {
		t.Error("Expected error for empty runID")
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", i)
			errs <- store.SaveRun(runID, createTestRecord(runID))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent save failed: %v", err)
		}
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 10 {
		t.Errorf("Expected 10 runs, got %d", len(infos))
	}
}
