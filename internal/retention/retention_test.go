package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/rl4/internal/model"
)

// fakeIngester stands in for C9's gate (internal/ingest.Layer):
// AcceptRetention rejects HOT logs exactly the way the real layer's
// hotLogs table does, and only a non-rejected event is indexed.
type fakeIngester struct {
	hot    map[string]bool
	events []model.Event
}

func (f *fakeIngester) Ingest(ev model.Event, source model.Source) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeIngester) AcceptRetention(ev model.Event, targetLog string) error {
	if f.hot[targetLog] {
		return fmt.Errorf("fakeIngester: %q is a HOT log and cannot be rotated", targetLog)
	}
	return f.Ingest(ev, model.SourceSystem)
}

func TestShouldRotateNeverTrueForHot(t *testing.T) {
	m := New(Options{MaxFileSize: 1})
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	os.WriteFile(path, []byte(`{"a":1}`), 0o644)

	rotate, err := m.ShouldRotate(path, model.MemoryHot)
	if err != nil {
		t.Fatal(err)
	}
	if rotate {
		t.Fatal("expected HOT never to rotate")
	}
}

func TestShouldRotateOnMaxFileSize(t *testing.T) {
	m := New(Options{MaxFileSize: 1})
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	os.WriteFile(path, []byte(`{"big":"record"}`), 0o644)

	rotate, err := m.ShouldRotate(path, model.MemoryWarm)
	if err != nil {
		t.Fatal(err)
	}
	if !rotate {
		t.Fatal("expected rotation due to size")
	}
}

func TestRotateFileRejectsHot(t *testing.T) {
	fi := &fakeIngester{hot: map[string]bool{"events": true}}
	m := New(Options{Ingest: fi})
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	os.WriteFile(path, []byte(`{"timestamp":1}`), 0o644)

	err := m.RotateFile("events", path, model.MemoryHot, model.ReasonMaxFileSize)
	if err == nil {
		t.Fatal("expected HOT rotation to be rejected")
	}
	if len(fi.events) != 0 {
		t.Fatal("expected the retention event never to be indexed for a rejected rotation")
	}
}

func TestRotateFileEmitsEventBeforeDestroyingData(t *testing.T) {
	fi := &fakeIngester{}
	m := New(Options{Ingest: fi})
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	content := []byte("{\"timestamp\":1000,\"sequence\":1}\n{\"timestamp\":2000,\"sequence\":2}\n")
	os.WriteFile(path, content, 0o644)

	if err := m.RotateFile("cache", path, model.MemoryCold, model.ReasonMaxAgeDays); err != nil {
		t.Fatal(err)
	}

	if len(fi.events) != 1 {
		t.Fatalf("expected exactly 1 retention event, got %d", len(fi.events))
	}
	if fi.events[0].Type != model.EventRetention {
		t.Fatalf("expected retention event type, got %s", fi.events[0].Type)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected live file truncated to 0, got size %d", info.Size())
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "log.*.jsonl"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 rotated sibling, got %+v", matches)
	}
	rotatedData, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(rotatedData) != string(content) {
		t.Fatal("rotated copy does not match original content")
	}
}

func TestShouldRotateFalseWhenFileMissing(t *testing.T) {
	m := New(Options{})
	rotate, err := m.ShouldRotate(filepath.Join(t.TempDir(), "nope.jsonl"), model.MemoryWarm)
	if err != nil {
		t.Fatal(err)
	}
	if rotate {
		t.Fatal("expected no rotation for missing file")
	}
}
