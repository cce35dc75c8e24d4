package docrepo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestCommitAndHistory(t *testing.T) {
	svc := New(t.TempDir())

	doc1 := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"v1"}]}]}`)
	rev1, err := svc.Commit("ctx-1", doc1, "Avery", "Save description")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if rev1.Hash == "" {
		t.Fatal("expected a revision hash")
	}

	doc2 := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"v2"}]}]}`)
	rev2, err := svc.Commit("ctx-1", doc2, "Avery", "Save description")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if rev2.Hash == rev1.Hash {
		t.Fatal("expected a new revision per save")
	}

	history, err := svc.History("ctx-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	// Two saves plus the init commit.
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Hash != rev2.Hash {
		t.Fatalf("history not newest first: %+v", history)
	}
}

func TestReadAtReturnsOldRevision(t *testing.T) {
	svc := New(t.TempDir())

	doc1 := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"old"}]}]}`)
	rev1, err := svc.Commit("ctx-1", doc1, "Avery", "Save description")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	doc2 := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"new"}]}]}`)
	if _, err := svc.Commit("ctx-1", doc2, "Avery", "Save description"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	raw, err := svc.ReadAt("ctx-1", rev1.Hash)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !strings.Contains(string(raw), `"old"`) {
		t.Fatalf("ReadAt() returned the wrong revision: %s", raw)
	}
}

func TestHistoryOfUnknownContextIsEmpty(t *testing.T) {
	svc := New(t.TempDir())

	history, err := svc.History("ctx-missing", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}
}

func TestCommitInitializesRepo(t *testing.T) {
	dir := t.TempDir()
	svc := New(dir)

	if _, err := svc.Commit("ctx-1", json.RawMessage(`{"type":"doc"}`), "Avery", "Save description"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ctx-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
}

func TestConcurrentCommitsSameContext(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			doc := json.RawMessage(fmt.Sprintf(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"save %02d"}]}]}`, idx))
			if _, err := svc.Commit("ctx-1", doc, "Avery", fmt.Sprintf("Save %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Commit() concurrent error = %v", err)
	}

	history, err := svc.History("ctx-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < writers+1 {
		t.Fatalf("expected at least %d commits, got %d", writers+1, len(history))
	}
}
