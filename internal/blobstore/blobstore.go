// Package blobstore implements the content-addressed reasoning-context
// blob store (C11): blobs are keyed by SHA-256, deduplicated by
// checksum, and indexed by timestamp for range queries.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hazyhaar/rl4/internal/atomicfile"
	"github.com/hazyhaar/rl4/internal/tracker"
)

// Store persists opaque blobs under storage/rcep/<sha256>.blob and
// keeps a timestamp -> []checksum index at storage/rcep_index.json.
type Store struct {
	dir       string
	indexPath string
	tr        *tracker.Tracker

	mu    sync.Mutex
	index map[int64][]string // timestamp -> checksums
}

// Options configures a Store.
type Options struct {
	Dir       string
	IndexPath string
	Tracker   *tracker.Tracker
}

// New creates a Store rooted at Dir, loading any existing index.
func New(opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir: %w", err)
	}
	s := &Store{
		dir:       opts.Dir,
		indexPath: opts.IndexPath,
		tr:        opts.Tracker,
		index:     make(map[int64][]string),
	}
	s.loadIndex()
	return s, nil
}

func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		return
	}
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for k, v := range raw {
		var ts int64
		fmt.Sscanf(k, "%d", &ts)
		s.index[ts] = v
	}
}

func (s *Store) blobPath(checksum string) string {
	return filepath.Join(s.dir, checksum+".blob")
}

// Checksum returns the SHA-256 hex digest of a blob, the key this
// store addresses blobs by.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Store writes blob if it isn't already present (dedup by checksum);
// either way, it records a timestamp index entry for it.
func (s *Store) Store(blob []byte, timestamp int64) (string, error) {
	checksum := Checksum(blob)
	path := s.blobPath(checksum)

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("blobstore: stat: %w", err)
		}
		if err := atomicfile.Write(path, blob); err != nil {
			return "", fmt.Errorf("blobstore: write blob: %w", err)
		}
	}

	s.mu.Lock()
	s.index[timestamp] = append(s.index[timestamp], checksum)
	s.mu.Unlock()

	if err := s.flushIndex(); err != nil {
		return "", err
	}
	return checksum, nil
}

func (s *Store) flushIndex() error {
	s.mu.Lock()
	raw := make(map[string][]string, len(s.index))
	for ts, sums := range s.index {
		raw[fmt.Sprintf("%d", ts)] = sums
	}
	s.mu.Unlock()

	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("blobstore: marshal index: %w", err)
	}
	if s.tr != nil {
		return s.tr.WriteFile(s.indexPath, b)
	}
	return atomicfile.Write(s.indexPath, b)
}

// GetByChecksum returns the blob bytes for checksum, or ok=false if
// absent.
func (s *Store) GetByChecksum(checksum string) ([]byte, bool) {
	data, err := os.ReadFile(s.blobPath(checksum))
	if err != nil {
		return nil, false
	}
	return data, true
}

// GetByTimeRange returns every blob checksummed in [t0,t1], ordered by
// timestamp ascending.
func (s *Store) GetByTimeRange(t0, t1 int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var timestamps []int64
	for ts := range s.index {
		if ts >= t0 && ts <= t1 {
			timestamps = append(timestamps, ts)
		}
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	var out []string
	for _, ts := range timestamps {
		out = append(out, s.index[ts]...)
	}
	return out
}
