package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, th *Thresholds) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(Options{Dir: dir, Thresholds: th})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSaveAndScanUpdatesSize(t *testing.T) {
	m := newTestManager(t, nil)
	art, err := m.Save("c1", TypeFull, []byte("hello world"), 30)
	if err != nil {
		t.Fatal(err)
	}
	if art.Size != int64(len("hello world")) {
		t.Fatalf("unexpected size %d", art.Size)
	}
	if err := m.Scan(); err != nil {
		t.Fatal(err)
	}
}

func TestTriggerCheckOnMaxSnapshots(t *testing.T) {
	th := defaultThresholds()
	th.MaxSnapshots = 2
	m := newTestManager(t, &th)
	for i := 0; i < 3; i++ {
		if _, err := m.Save(string(rune('a'+i)), TypeIncremental, []byte("x"), 30); err != nil {
			t.Fatal(err)
		}
	}
	if !m.TriggerCheck() {
		t.Fatal("expected trigger due to snapshot count")
	}
}

func TestTriggerCheckFalseWhenUnderThresholds(t *testing.T) {
	m := newTestManager(t, nil)
	m.Save("c1", TypeFull, []byte("small"), 30)
	if m.TriggerCheck() {
		t.Fatal("expected no trigger for fresh small snapshot set")
	}
}

func TestCompressEligibleRoundTripVerifies(t *testing.T) {
	th := defaultThresholds()
	th.CompressionThreshold = 1
	m := newTestManager(t, &th)
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i % 251)
	}
	art, err := m.Save("old1", TypeFull, content, 30)
	if err != nil {
		t.Fatal(err)
	}
	// Backdate so it's eligible (older than 1 day).
	m.metadata[0].Timestamp = time.Now().Add(-48 * time.Hour).UnixMilli()

	if err := m.CompressEligible(); err != nil {
		t.Fatal(err)
	}

	got := m.metadata[0]
	if !got.Compressed {
		t.Fatal("expected artifact to be compressed")
	}
	if got.Filename == art.Filename {
		t.Fatal("expected filename to change to .gz")
	}
	if _, err := os.Stat(filepath.Join(m.dir, art.Filename)); !os.IsNotExist(err) {
		t.Fatal("expected original file removed after compression")
	}

	data, err := m.readArtifact(got)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(content) {
		t.Fatalf("expected round-trip length %d, got %d", len(content), len(data))
	}
}

func TestArchiveEligibleMovesFile(t *testing.T) {
	th := defaultThresholds()
	th.ArchiveAfterDays = 1
	m := newTestManager(t, &th)
	m.Save("a1", TypeFull, []byte("data"), 30)
	m.metadata[0].Timestamp = time.Now().Add(-48 * time.Hour).UnixMilli()

	if err := m.ArchiveEligible(); err != nil {
		t.Fatal(err)
	}
	if !m.metadata[0].Archived {
		t.Fatal("expected artifact archived")
	}
	if _, err := os.Stat(filepath.Join(m.archiveDir, m.metadata[0].Filename)); err != nil {
		t.Fatalf("expected file present in archive dir: %v", err)
	}
}

func TestConsolidateGroupsSurplusIncremental(t *testing.T) {
	th := defaultThresholds()
	th.IncrementalPreserveN = 2
	m := newTestManager(t, &th)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		m.Save(id, TypeIncremental, []byte("chunk-"+id), 30)
		for j := range m.metadata {
			if m.metadata[j].ID == id {
				m.metadata[j].Timestamp = int64(1000 + i)
			}
		}
	}

	if err := m.Consolidate(); err != nil {
		t.Fatal(err)
	}

	var diffCount, incCount int
	for _, a := range m.metadata {
		switch a.Type {
		case TypeDiff:
			diffCount++
		case TypeIncremental:
			incCount++
		}
	}
	if diffCount != 1 {
		t.Fatalf("expected exactly 1 DIFF artifact, got %d", diffCount)
	}
	if incCount != 2 {
		t.Fatalf("expected 2 INCREMENTAL remaining, got %d", incCount)
	}
}

func TestDeleteExpiredRemovesOldArtifacts(t *testing.T) {
	m := newTestManager(t, nil)
	m.Save("e1", TypeActivity, []byte("x"), 1)
	m.metadata[0].Timestamp = time.Now().Add(-48 * time.Hour).UnixMilli()

	if err := m.DeleteExpired(); err != nil {
		t.Fatal(err)
	}
	if len(m.metadata) != 0 {
		t.Fatalf("expected artifact deleted, got %d remaining", len(m.metadata))
	}
}

func TestQuotaTrimKeepsRecentAndWindow(t *testing.T) {
	th := defaultThresholds()
	th.KeepRecentFull = 1
	th.KeepRecentIncremental = 1
	m := newTestManager(t, &th)

	old := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		m.Save(id, TypeFull, []byte("x"), 0)
		for j := range m.metadata {
			if m.metadata[j].ID == id {
				m.metadata[j].Timestamp = old - int64(i)
			}
		}
	}

	if err := m.QuotaTrim(); err != nil {
		t.Fatal(err)
	}
	if len(m.metadata) != 1 {
		t.Fatalf("expected only 1 FULL kept, got %d", len(m.metadata))
	}
}
