package blobstore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Options{Dir: filepath.Join(dir, "rcep"), IndexPath: filepath.Join(dir, "rcep_index.json")})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStoreAndGetByChecksum(t *testing.T) {
	s := newTestStore(t)
	blob := []byte(`{"hello":"world"}`)

	checksum, err := s.Store(blob, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if checksum != Checksum(blob) {
		t.Fatalf("checksum mismatch")
	}

	got, ok := s.GetByChecksum(checksum)
	if !ok {
		t.Fatal("expected blob to be found")
	}
	if string(got) != string(blob) {
		t.Fatalf("got %s", got)
	}
}

func TestDedupByChecksum(t *testing.T) {
	s := newTestStore(t)
	blob := []byte("same content")

	c1, err := s.Store(blob, 1000)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := s.Store(blob, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatalf("expected same checksum, got %s vs %s", c1, c2)
	}

	matches := s.GetByTimeRange(0, 3000)
	if len(matches) != 2 {
		t.Fatalf("expected 2 index entries (one per timestamp), got %d", len(matches))
	}
}

func TestGetByTimeRangeFiltersOutsideWindow(t *testing.T) {
	s := newTestStore(t)
	s.Store([]byte("a"), 1000)
	s.Store([]byte("b"), 500000)

	matches := s.GetByTimeRange(0, 2000)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match in range, got %d", len(matches))
	}
}
