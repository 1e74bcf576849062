// Package tracker implements the write tracker and write-ahead log
// that let the file watcher (C7) distinguish the core's own writes
// from user edits, and that give crash recovery a before-image to
// replay (spec §4.4).
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/rl4/internal/atomicfile"
)

// DefaultMarkTTL is how long a self-write mark suppresses watcher
// notifications for a path.
const DefaultMarkTTL = 2 * time.Second

// Tracker marks paths the core is about to write so the watcher can
// drop the resulting filesystem notification, and records a durable
// before-image WAL entry ahead of every atomic whole-file update.
type Tracker struct {
	mu      sync.Mutex
	marks   map[string]time.Time
	ttl     time.Duration
	seqFn   func() int64
	walPath string
	walMu   sync.Mutex
	walFile *os.File
}

// New creates a Tracker. walPath is the WAL file path (spec §6:
// "wal.jsonl"); seqFn supplies sequence numbers for WAL entries
// (normally the shared clock's Next).
func New(walPath string, seqFn func() int64) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(walPath), 0o755); err != nil {
		return nil, fmt.Errorf("tracker: mkdir: %w", err)
	}
	f, err := os.OpenFile(walPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tracker: open wal: %w", err)
	}
	return &Tracker{
		marks:   make(map[string]time.Time),
		ttl:     DefaultMarkTTL,
		seqFn:   seqFn,
		walPath: walPath,
		walFile: f,
	}, nil
}

// MarkInternalWrite records that the core is about to write path; the
// mark expires automatically after the tracker's TTL.
func (t *Tracker) MarkInternalWrite(path string) {
	abs, _ := filepath.Abs(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[abs] = time.Now().Add(t.ttl)
}

// IsSelfWrite reports whether path currently carries a live
// self-write mark. Expired marks are lazily cleaned up here.
func (t *Tracker) IsSelfWrite(path string) bool {
	abs, _ := filepath.Abs(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.marks[abs]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(t.marks, abs)
		return false
	}
	return true
}

// WriteFile performs the WAL-then-atomic-write sequence spec §4.4
// requires for every whole-file update: the WAL entry is
// flushed+fsynced before the atomic write begins, and the path is
// marked as a self-write so the watcher ignores the resulting event.
func (t *Tracker) WriteFile(path string, content []byte) error {
	seq := int64(0)
	if t.seqFn != nil {
		seq = t.seqFn()
	}

	if err := t.appendWAL(map[string]any{
		"seq":       seq,
		"type":      "update_file",
		"file":      path,
		"content":   string(content),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("tracker: wal write failed, update aborted: %w", err) // spec §7: on-disk file unchanged
	}

	t.MarkInternalWrite(path)
	return atomicfile.Write(path, content)
}

// appendWAL synchronously writes and fsyncs one WAL line before
// returning, so the before-image is durable ahead of the atomic
// write that follows it (spec §4.4).
func (t *Tracker) appendWAL(record map[string]any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	t.walMu.Lock()
	defer t.walMu.Unlock()
	if _, err := t.walFile.Write(append(line, '\n')); err != nil {
		return err
	}
	return t.walFile.Sync()
}

// Close releases the WAL file handle.
func (t *Tracker) Close() error {
	t.walMu.Lock()
	defer t.walMu.Unlock()
	return t.walFile.Close()
}
