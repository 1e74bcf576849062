package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMarkExpiresAndSuppresses(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(filepath.Join(dir, "wal.jsonl"), func() int64 { return 1 })
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	tr.ttl = 20 * time.Millisecond

	target := filepath.Join(dir, "state.json")
	tr.MarkInternalWrite(target)

	if !tr.IsSelfWrite(target) {
		t.Fatal("expected live mark to suppress")
	}

	time.Sleep(40 * time.Millisecond)

	if tr.IsSelfWrite(target) {
		t.Fatal("expected mark to expire")
	}
}

func TestWriteFileRecordsWALBeforeWrite(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.jsonl")
	tr, err := New(walPath, func() int64 { return 42 })
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	target := filepath.Join(dir, "nested", "file.json")
	if err := tr.WriteFile(target, []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("target not written: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %s", data)
	}

	walData, err := os.ReadFile(walPath)
	if err != nil {
		t.Fatalf("wal not written: %v", err)
	}
	if len(walData) == 0 {
		t.Fatal("expected WAL entry")
	}

	if !tr.IsSelfWrite(target) {
		t.Fatal("expected WriteFile to mark path as self-write")
	}
}
