package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/rl4/internal/model"
	"github.com/hazyhaar/rl4/internal/tracker"
)

func TestBurstAggregatesIntoOneEvent(t *testing.T) {
	root := t.TempDir()

	var mu sync.Mutex
	var events []model.Event

	w, err := New(Options{
		Root: root,
		Ingest: func(ev model.Event) error {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := 0; i < 3; i++ {
		path := filepath.Join(root, "file"+string(rune('a'+i))+".go")
		if err := os.WriteFile(path, []byte("package a\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	time.Sleep(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 burst event, got %d: %+v", len(events), events)
	}
	if len(events[0].IndexedFields.Files) != 3 {
		t.Fatalf("expected 3 files in burst, got %+v", events[0].IndexedFields.Files)
	}
}

func TestSelfWriteSuppressed(t *testing.T) {
	root := t.TempDir()
	tr, err := tracker.New(filepath.Join(root, ".reasoning_rl4", "wal.jsonl"), func() int64 { return 1 })
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	var mu sync.Mutex
	var events []model.Event

	w, err := New(Options{
		Root:    root,
		Tracker: tr,
		Ingest: func(ev model.Event) error {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	target := filepath.Join(root, "self.json")
	tr.MarkInternalWrite(target)
	if err := os.WriteFile(target, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 0 {
		t.Fatalf("expected self-write to be suppressed, got %+v", events)
	}
}

func TestExcludesReservedDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ReservedDirName), 0o755); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []model.Event
	w, err := New(Options{
		Root: root,
		Ingest: func(ev model.Event) error {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	path := filepath.Join(root, ReservedDirName, "state.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 0 {
		t.Fatalf("expected reserved-dir write to be excluded, got %+v", events)
	}
}
