// Package snapshot implements snapshot rotation (C14): the directory
// of persisted snapshot artifacts is scanned, compressed, archived,
// consolidated and trimmed to quota on a schedule driven by the
// scheduler (C18), with metadata persisted atomically via C3/C4.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/tracker"
)

// ArtifactType enumerates the kinds of snapshot artifacts.
type ArtifactType string

const (
	TypeFull        ArtifactType = "FULL"
	TypeIncremental ArtifactType = "INCREMENTAL"
	TypeDiff        ArtifactType = "DIFF"
	TypeState       ArtifactType = "STATE"
	TypeActivity    ArtifactType = "ACTIVITY"
)

// Artifact is one persisted snapshot's metadata record.
type Artifact struct {
	ID               string       `json:"id"`
	Filename         string       `json:"filename"`
	OriginalFilename string       `json:"original_filename"`
	Timestamp        int64        `json:"timestamp"`
	Size             int64        `json:"size"`
	CompressedSize   int64        `json:"compressed_size,omitempty"`
	Type             ArtifactType `json:"type"`
	Checksum         string       `json:"checksum"`
	Tags             []string     `json:"tags,omitempty"`
	RetentionDays    int          `json:"retention_days"`
	Compressed       bool         `json:"compressed"`
	Archived         bool         `json:"archived"`
}

// Thresholds bounds the rotation triggers (spec §4.15).
type Thresholds struct {
	MaxSnapshots          int
	MaxAgeDays            int
	MaxTotalSize          int64
	CompressionThreshold  int64
	ArchiveAfterDays      int
	IncrementalPreserveN  int // keep this many newest INCREMENTAL out of consolidation
	KeepRecentFull        int
	KeepRecentIncremental int
}

func defaultThresholds() Thresholds {
	return Thresholds{
		MaxSnapshots:          500,
		MaxAgeDays:            60,
		MaxTotalSize:          500 * 1024 * 1024,
		CompressionThreshold:  64 * 1024,
		ArchiveAfterDays:      14,
		IncrementalPreserveN:  20,
		KeepRecentFull:        5,
		KeepRecentIncremental: 20,
	}
}

// Manager owns the snapshot directory and its metadata.
type Manager struct {
	dir        string
	archiveDir string
	metaPath   string
	thresholds Thresholds
	tr         *tracker.Tracker
	log        *zap.Logger

	metadata []Artifact
}

// Options configures a Manager.
type Options struct {
	Dir        string
	Thresholds *Thresholds
	Tracker    *tracker.Tracker
	Logger     *zap.Logger
}

// New creates a Manager rooted at Dir (spec's snapshots/ directory).
func New(opts Options) (*Manager, error) {
	th := defaultThresholds()
	if opts.Thresholds != nil {
		th = *opts.Thresholds
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	archiveDir := filepath.Join(opts.Dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir archive: %w", err)
	}

	m := &Manager{
		dir:        opts.Dir,
		archiveDir: archiveDir,
		metaPath:   filepath.Join(opts.Dir, "metadata.json"),
		thresholds: th,
		tr:         opts.Tracker,
		log:        log.With(zap.String("component", "snapshot")),
	}
	m.loadMetadata()
	return m, nil
}

func (m *Manager) loadMetadata() {
	data, err := os.ReadFile(m.metaPath)
	if err != nil {
		return
	}
	json.Unmarshal(data, &m.metadata)
}

// PersistMetadata writes metadata.json via an atomic whole-file
// update (spec §4.15 step 8).
func (m *Manager) PersistMetadata() error {
	b, err := json.Marshal(m.metadata)
	if err != nil {
		return fmt.Errorf("snapshot: marshal metadata: %w", err)
	}
	if m.tr != nil {
		return m.tr.WriteFile(m.metaPath, b)
	}
	return os.WriteFile(m.metaPath, b, 0o644)
}

// writeArtifact routes a snapshot artifact's content through the
// write-tracker, as PersistMetadata does for metadata.json, so the
// watcher never re-ingests the core's own writes (spec §4.4, §4.15
// "all writes go through C3").
func (m *Manager) writeArtifact(path string, content []byte) error {
	if m.tr != nil {
		return m.tr.WriteFile(path, content)
	}
	return os.WriteFile(path, content, 0o644)
}

// Save persists a new snapshot artifact for the given cycle/type.
func (m *Manager) Save(id string, artifactType ArtifactType, content []byte, retentionDays int) (Artifact, error) {
	filename := fmt.Sprintf("%s-%s.json", strings.ToLower(string(artifactType)), id)
	path := filepath.Join(m.dir, filename)
	if err := m.writeArtifact(path, content); err != nil {
		return Artifact{}, fmt.Errorf("snapshot: write: %w", err)
	}

	sum := sha256.Sum256(content)
	art := Artifact{
		ID:               id,
		Filename:         filename,
		OriginalFilename: filename,
		Timestamp:        time.Now().UnixMilli(),
		Size:             int64(len(content)),
		Type:             artifactType,
		Checksum:         hex.EncodeToString(sum[:]),
		RetentionDays:    retentionDays,
	}
	m.metadata = append(m.metadata, art)
	return art, m.PersistMetadata()
}

// Scan walks the snapshot directory and refreshes the size of every
// file that has a metadata entry (spec §4.15 step 1). Checksums stay
// as recorded by Save and are not recomputed; files without a
// metadata entry are skipped.
func (m *Manager) Scan() error {
	byFilename := make(map[string]*Artifact, len(m.metadata))
	for i := range m.metadata {
		byFilename[m.metadata[i].Filename] = &m.metadata[i]
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("snapshot: readdir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "metadata.json" {
			continue
		}
		art, ok := byFilename[e.Name()]
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		art.Size = info.Size()
	}
	return m.PersistMetadata()
}

// TriggerCheck reports whether a rotation cycle should run (spec
// §4.15 step 2).
func (m *Manager) TriggerCheck() bool {
	if len(m.metadata) > m.thresholds.MaxSnapshots {
		return true
	}

	var total int64
	var oldest int64 = time.Now().UnixMilli()
	for _, a := range m.metadata {
		total += a.Size
		if a.Timestamp < oldest {
			oldest = a.Timestamp
		}
	}
	if total > m.thresholds.MaxTotalSize {
		return true
	}
	if len(m.metadata) > 0 {
		age := time.Since(time.UnixMilli(oldest))
		if age > time.Duration(m.thresholds.MaxAgeDays)*24*time.Hour {
			return true
		}
	}
	return false
}

// CompressEligible compresses every artifact older than 1 day and
// larger than CompressionThreshold, verifying a round-trip decompress
// before deleting the original (spec §4.15 step 3).
func (m *Manager) CompressEligible() error {
	now := time.Now()
	for i := range m.metadata {
		a := &m.metadata[i]
		if a.Compressed || a.Archived {
			continue
		}
		age := now.Sub(time.UnixMilli(a.Timestamp))
		if age < 24*time.Hour || a.Size < m.thresholds.CompressionThreshold {
			continue
		}
		if err := m.compressOne(a); err != nil {
			m.log.Warn("compression failed", zap.String("file", a.Filename), zap.Error(err))
			return err
		}
	}
	return m.PersistMetadata()
}

func (m *Manager) compressOne(a *Artifact) error {
	srcPath := filepath.Join(m.dir, a.Filename)
	original, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("snapshot: read original: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(original); err != nil {
		return fmt.Errorf("snapshot: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("snapshot: gzip close: %w", err)
	}

	gzPath := srcPath + ".gz"
	if err := m.writeArtifact(gzPath, buf.Bytes()); err != nil {
		return fmt.Errorf("snapshot: write compressed: %w", err)
	}

	// Verify round-trip before deleting the original.
	decompressed, err := decompressFile(gzPath)
	if err != nil || len(decompressed) != len(original) {
		os.Remove(gzPath)
		return fmt.Errorf("snapshot: round-trip verification failed for %s", a.Filename)
	}

	if err := os.Remove(srcPath); err != nil {
		return fmt.Errorf("snapshot: remove original after compression: %w", err)
	}

	a.Filename = a.Filename + ".gz"
	a.CompressedSize = int64(len(buf.Bytes()))
	a.Compressed = true

	m.log.Info("compressed snapshot",
		zap.String("file", a.Filename),
		zap.String("before", humanize.Bytes(uint64(a.Size))),
		zap.String("after", humanize.Bytes(uint64(a.CompressedSize))))
	return nil
}

func decompressFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// ArchiveEligible moves artifacts older than ArchiveAfterDays into the
// archive subdirectory without mutating their contents (spec §4.15
// step 4).
func (m *Manager) ArchiveEligible() error {
	now := time.Now()
	for i := range m.metadata {
		a := &m.metadata[i]
		if a.Archived {
			continue
		}
		age := now.Sub(time.UnixMilli(a.Timestamp))
		if age < time.Duration(m.thresholds.ArchiveAfterDays)*24*time.Hour {
			continue
		}
		src := filepath.Join(m.dir, a.Filename)
		dst := filepath.Join(m.archiveDir, a.Filename)
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("snapshot: archive move: %w", err)
		}
		a.Archived = true
	}
	return m.PersistMetadata()
}

// Consolidate groups the oldest surplus INCREMENTAL artifacts (beyond
// IncrementalPreserveN, at least 3 per group) into a single DIFF
// artifact by concatenating their decompressed bytes with a fixed
// separator, verifying the result before removing the inputs (spec
// §4.15 step 5).
var consolidationSeparator = []byte("\n---rl4-snapshot-boundary---\n")

func (m *Manager) Consolidate() error {
	var incIdx []int
	for i, a := range m.metadata {
		if a.Type == TypeIncremental && !a.Archived {
			incIdx = append(incIdx, i)
		}
	}
	sort.Slice(incIdx, func(i, j int) bool {
		return m.metadata[incIdx[i]].Timestamp < m.metadata[incIdx[j]].Timestamp
	})

	surplus := len(incIdx) - m.thresholds.IncrementalPreserveN
	if surplus < 3 {
		return nil
	}
	group := incIdx[:surplus]

	var combined bytes.Buffer
	var inputPaths []string
	for n, idx := range group {
		a := m.metadata[idx]
		path := filepath.Join(m.dir, a.Filename)
		data, err := m.readArtifact(a)
		if err != nil {
			return fmt.Errorf("snapshot: read consolidation input: %w", err)
		}
		if n > 0 {
			combined.Write(consolidationSeparator)
		}
		combined.Write(data)
		inputPaths = append(inputPaths, path)
	}

	id := fmt.Sprintf("consolidated-%d", time.Now().UnixMilli())
	newArt, err := m.Save(id, TypeDiff, combined.Bytes(), m.thresholds.ArchiveAfterDays)
	if err != nil {
		return fmt.Errorf("snapshot: save consolidated artifact: %w", err)
	}

	// Verify before removing inputs.
	verifyPath := filepath.Join(m.dir, newArt.Filename)
	verifyData, err := os.ReadFile(verifyPath)
	if err != nil || len(verifyData) != combined.Len() {
		return fmt.Errorf("snapshot: consolidated artifact verification failed")
	}

	kept := m.metadata[:0]
	removeSet := make(map[int]bool, len(group))
	for _, idx := range group {
		removeSet[idx] = true
	}
	for i, a := range m.metadata {
		if removeSet[i] {
			continue
		}
		kept = append(kept, a)
	}
	m.metadata = kept

	for _, p := range inputPaths {
		os.Remove(p)
	}

	return m.PersistMetadata()
}

func (m *Manager) readArtifact(a Artifact) ([]byte, error) {
	dir := m.dir
	if a.Archived {
		dir = m.archiveDir
	}
	path := filepath.Join(dir, a.Filename)
	if a.Compressed {
		return decompressFile(path)
	}
	return os.ReadFile(path)
}

// DeleteExpired removes artifacts older than their own retention-days
// (spec §4.15 step 6).
func (m *Manager) DeleteExpired() error {
	now := time.Now()
	kept := m.metadata[:0]
	for _, a := range m.metadata {
		age := now.Sub(time.UnixMilli(a.Timestamp))
		if a.RetentionDays > 0 && age > time.Duration(a.RetentionDays)*24*time.Hour {
			dir := m.dir
			if a.Archived {
				dir = m.archiveDir
			}
			os.Remove(filepath.Join(dir, a.Filename))
			continue
		}
		kept = append(kept, a)
	}
	m.metadata = kept
	return m.PersistMetadata()
}

// QuotaTrim keeps the N most recent FULL and M most recent
// INCREMENTAL artifacts, and everything from the last 7 days; deletes
// the rest (spec §4.15 step 7).
func (m *Manager) QuotaTrim() error {
	cutoff := time.Now().Add(-7 * 24 * time.Hour).UnixMilli()

	var fulls, incs, others []int
	for i, a := range m.metadata {
		switch a.Type {
		case TypeFull:
			fulls = append(fulls, i)
		case TypeIncremental:
			incs = append(incs, i)
		default:
			others = append(others, i)
		}
	}
	sortByTimestampDesc(m.metadata, fulls)
	sortByTimestampDesc(m.metadata, incs)

	keep := make(map[int]bool)
	for i, idx := range fulls {
		if i < m.thresholds.KeepRecentFull || m.metadata[idx].Timestamp >= cutoff {
			keep[idx] = true
		}
	}
	for i, idx := range incs {
		if i < m.thresholds.KeepRecentIncremental || m.metadata[idx].Timestamp >= cutoff {
			keep[idx] = true
		}
	}
	for _, idx := range others {
		if m.metadata[idx].Timestamp >= cutoff {
			keep[idx] = true
		} else {
			keep[idx] = false
		}
	}

	var kept []Artifact
	for i, a := range m.metadata {
		if keep[i] {
			kept = append(kept, a)
			continue
		}
		dir := m.dir
		if a.Archived {
			dir = m.archiveDir
		}
		os.Remove(filepath.Join(dir, a.Filename))
	}
	m.metadata = kept
	return m.PersistMetadata()
}

func sortByTimestampDesc(all []Artifact, idx []int) {
	sort.Slice(idx, func(i, j int) bool { return all[idx[i]].Timestamp > all[idx[j]].Timestamp })
}

// RotateIfNeeded runs the full rotation pipeline if TriggerCheck
// passes: scan, compress, archive, consolidate, delete, quota-trim.
func (m *Manager) RotateIfNeeded() error {
	if err := m.Scan(); err != nil {
		return err
	}
	if !m.TriggerCheck() {
		return nil
	}
	if err := m.CompressEligible(); err != nil {
		return err
	}
	if err := m.ArchiveEligible(); err != nil {
		return err
	}
	if err := m.Consolidate(); err != nil {
		return err
	}
	if err := m.DeleteExpired(); err != nil {
		return err
	}
	return m.QuotaTrim()
}

// Metadata returns a copy of the current artifact metadata.
func (m *Manager) Metadata() []Artifact {
	out := make([]Artifact, len(m.metadata))
	copy(out, m.metadata)
	return out
}
