package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/rl4/internal/cacheindex"
	"github.com/hazyhaar/rl4/internal/model"
	"github.com/hazyhaar/rl4/internal/timeline"
	"github.com/hazyhaar/rl4/internal/writer"
)

type fakeIngest struct {
	events []model.Event
}

func (f *fakeIngest) Ingest(ev model.Event, source model.Source) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeIngest) QueueDepth() int { return 0 }

func newTestScheduler(t *testing.T, fi *fakeIngest) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	ix := cacheindex.New(cacheindex.Options{IndexPath: filepath.Join(dir, "cache_index.json")})
	agg := timeline.New(timeline.Options{Dir: filepath.Join(dir, "timelines"), Index: ix})

	s, err := New(Options{
		Ingest:           fi,
		CacheIndex:       ix,
		Timeline:         agg,
		CycleLogPath:     filepath.Join(dir, "cycles.jsonl"),
		RbomPath:         filepath.Join(dir, "rbom.jsonl"),
		Tick:             20 * time.Millisecond,
		GapThreshold:     50 * time.Millisecond,
		RotationInterval: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestRunCycleIncrementsCycleIDAndPersists(t *testing.T) {
	fi := &fakeIngest{}
	s, dir := newTestScheduler(t, fi)

	rec := s.runCycle()
	s.appendCycle(rec)
	if rec.CycleID != 1 {
		t.Fatalf("expected first cycle id 1, got %d", rec.CycleID)
	}
	if !rec.Success {
		t.Fatalf("expected success, got phases %+v", rec.Phases)
	}

	// The cycle log is written by an asynchronous writer; Close drains it.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	lines, err := writer.ReadLines(filepath.Join(dir, "cycles.jsonl"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 cycle record persisted, got %d", len(lines))
	}
}

func TestCycleIDRestoresAcrossRestarts(t *testing.T) {
	fi := &fakeIngest{}
	s1, dir := newTestScheduler(t, fi)
	rec := s1.runCycle()
	s1.appendCycle(rec)
	s1.Close()

	ix := cacheindex.New(cacheindex.Options{IndexPath: filepath.Join(dir, "cache_index2.json")})
	agg := timeline.New(timeline.Options{Dir: filepath.Join(dir, "timelines2"), Index: ix})
	s2, err := New(Options{
		Ingest:       fi,
		CacheIndex:   ix,
		Timeline:     agg,
		CycleLogPath: filepath.Join(dir, "cycles.jsonl"),
		RbomPath:     filepath.Join(dir, "rbom2.jsonl"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if s2.CycleID() != 1 {
		t.Fatalf("expected restored cycle id 1, got %d", s2.CycleID())
	}
}

func TestGapDetectionDedupesByFiveMinuteBucket(t *testing.T) {
	fi := &fakeIngest{}
	s, _ := newTestScheduler(t, fi)
	defer s.Close()

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-60 * time.Minute)
	s.mu.Unlock()

	s.detectGap()
	s.detectGap()

	var gapEvents int
	for _, ev := range fi.events {
		if ev.Type == model.EventGapDetect {
			gapEvents++
		}
	}
	if gapEvents != 1 {
		t.Fatalf("expected exactly 1 gap event for the same bucket, got %d", gapEvents)
	}
}

func TestPhaseFailureDoesNotAbortCycle(t *testing.T) {
	fi := &fakeIngest{}
	s, dir := newTestScheduler(t, fi)
	defer s.Close()

	// Root the timeline under a regular file so the health phase's
	// persist fails; the cycle must still complete.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s.timeline = timeline.New(timeline.Options{Dir: filepath.Join(blocker, "timelines"), Index: s.cacheIndex})

	rec := s.runCycle()
	if rec.CycleID == 0 {
		t.Fatal("expected cycle to still complete")
	}
	if rec.Phases["health_status"].Success || rec.Success {
		t.Fatalf("expected the health phase to fail, got phases %+v", rec.Phases)
	}
}

func TestNotifyActivityResetsGapClock(t *testing.T) {
	fi := &fakeIngest{}
	s, _ := newTestScheduler(t, fi)
	defer s.Close()

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-60 * time.Minute)
	s.mu.Unlock()

	s.NotifyActivity()
	s.detectGap()

	for _, ev := range fi.events {
		if ev.Type == model.EventGapDetect {
			t.Fatal("expected no gap event right after NotifyActivity")
		}
	}
}
