package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/rl4/internal/clock"
	"github.com/hazyhaar/rl4/internal/model"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	dir := t.TempDir()
	l, err := New(Options{
		Clock:       clock.New(),
		EventLogDir: dir,
		SpatialPath: filepath.Join(dir, "spatial.json"),
		TypePath:    filepath.Join(dir, "type.json"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestIngestAssignsSequenceAndIndexes(t *testing.T) {
	l := newTestLayer(t)
	defer l.Close()

	ev := model.Event{
		Type:          model.EventFileModified,
		IndexedFields: model.IndexedFields{Files: []string{"a/b.go"}},
	}
	if err := l.Ingest(ev, model.SourceFS); err != nil {
		t.Fatal(err)
	}

	ids := l.QueryByFile("a/b.go")
	if len(ids) != 1 {
		t.Fatalf("expected 1 indexed id, got %+v", ids)
	}

	typeIDs := l.QueryByType(model.EventFileModified)
	if len(typeIDs) != 1 {
		t.Fatalf("expected 1 type-indexed id, got %+v", typeIDs)
	}
}

func TestQueryTemporalRange(t *testing.T) {
	l := newTestLayer(t)
	defer l.Close()

	now := model.NowMillis()
	l.Ingest(model.Event{Type: model.EventCommit, Timestamp: now - 10000}, model.SourceVCS)
	l.Ingest(model.Event{Type: model.EventCommit, Timestamp: now}, model.SourceVCS)
	l.Ingest(model.Event{Type: model.EventCommit, Timestamp: now + 10000000}, model.SourceVCS)

	got := l.QueryTemporal(now-20000, now+5000)
	if len(got) != 2 {
		t.Fatalf("expected 2 events in range, got %d", len(got))
	}
}

func TestRejectsRotationOfHotLog(t *testing.T) {
	l := newTestLayer(t)
	defer l.Close()

	err := l.AcceptRetention(model.Event{Type: model.EventRetention}, "events")
	if err == nil {
		t.Fatal("expected HOT log rotation to be rejected")
	}
}

func TestIndicesRebuildFromLogOnRestart(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Clock:       clock.New(),
		EventLogDir: dir,
		SpatialPath: filepath.Join(dir, "spatial.json"),
		TypePath:    filepath.Join(dir, "type.json"),
	}

	l1, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	l1.Ingest(model.Event{Type: model.EventFileModified, IndexedFields: model.IndexedFields{Files: []string{"x.go"}}}, model.SourceFS)
	time.Sleep(20 * time.Millisecond)
	l1.Close()

	l2, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	ids := l2.QueryByFile("x.go")
	if len(ids) != 1 {
		t.Fatalf("expected rebuilt index to contain 1 id, got %+v", ids)
	}
}
