// Package cacheindex implements the cache indexer (C15): an
// incrementally maintained inverted index over scheduler cycles,
// backed by a single whole-file write per update and rebuildable from
// the cycle log the scheduler (C18) already writes (spec §4.16).
package cacheindex

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/tracker"
	"github.com/hazyhaar/rl4/internal/writer"
)

// Entry is one indexed cycle.
type Entry struct {
	CycleID   int64    `json:"cycle_id"`
	Timestamp int64    `json:"timestamp"`
	Files     []string `json:"files"`
}

// Index is the persisted shape of the cache index file.
type Index struct {
	ByDay       map[string][]int64 `json:"by_day"`
	ByHour      map[string][]int64 `json:"by_hour"`
	ByFile      map[string][]int64 `json:"by_file"`
	Entries     []Entry            `json:"entries"`
	DateRange   [2]string          `json:"date_range"`
	TotalCycles int                `json:"total_cycles"`
}

func newIndex() *Index {
	return &Index{
		ByDay:  map[string][]int64{},
		ByHour: map[string][]int64{},
		ByFile: map[string][]int64{},
	}
}

// Indexer owns the in-memory index and its on-disk mirror.
type Indexer struct {
	path     string
	cycleLog string
	tr       *tracker.Tracker
	log      *zap.Logger

	idx *Index
}

// Options configures an Indexer.
type Options struct {
	IndexPath string // cache/index.json
	CycleLog  string // ledger/cycles.jsonl, used only by Rebuild
	Tracker   *tracker.Tracker
	Logger    *zap.Logger
}

// New creates an Indexer, loading any existing on-disk index.
func New(opts Options) *Indexer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ix := &Indexer{
		path:     opts.IndexPath,
		cycleLog: opts.CycleLog,
		tr:       opts.Tracker,
		log:      log.With(zap.String("component", "cacheindex")),
		idx:      newIndex(),
	}
	ix.load()
	return ix
}

func (ix *Indexer) load() {
	data, err := os.ReadFile(ix.path)
	if err != nil {
		return
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return
	}
	if idx.ByDay == nil {
		idx.ByDay = map[string][]int64{}
	}
	if idx.ByHour == nil {
		idx.ByHour = map[string][]int64{}
	}
	if idx.ByFile == nil {
		idx.ByFile = map[string][]int64{}
	}
	ix.idx = &idx
}

// UpdateIncremental appends one entry and updates the three inverted
// indices in O(1) plus one whole-file write (spec §4.16). It never
// touches the cycle log.
func (ix *Indexer) UpdateIncremental(cycleID int64, timestamp int64, files []string) error {
	entry := Entry{CycleID: cycleID, Timestamp: timestamp, Files: append([]string(nil), files...)}
	ix.idx.Entries = append(ix.idx.Entries, entry)
	ix.idx.TotalCycles++

	day := dayKey(timestamp)
	hour := hourKey(timestamp)
	ix.idx.ByDay[day] = append(ix.idx.ByDay[day], cycleID)
	ix.idx.ByHour[hour] = append(ix.idx.ByHour[hour], cycleID)
	for _, f := range files {
		ix.idx.ByFile[f] = append(ix.idx.ByFile[f], cycleID)
	}

	if ix.idx.DateRange[0] == "" || day < ix.idx.DateRange[0] {
		ix.idx.DateRange[0] = day
	}
	if day > ix.idx.DateRange[1] {
		ix.idx.DateRange[1] = day
	}

	return ix.persist()
}

// Rebuild reconstructs the whole index from the cycle log, discarding
// whatever is currently in memory or on disk.
func (ix *Indexer) Rebuild() error {
	lines, err := writer.ReadLines(ix.cycleLog, ix.log)
	if err != nil {
		return err
	}
	ix.idx = newIndex()
	for _, rec := range lines {
		cycleID := asInt64(rec["cycle_id"])
		ts := asInt64(rec["timestamp"])
		var files []string
		if mem, ok := rec["memory"].(map[string]any); ok {
			if raw, ok := mem["files"].([]any); ok {
				for _, f := range raw {
					if s, ok := f.(string); ok {
						files = append(files, s)
					}
				}
			}
		}
		entry := Entry{CycleID: cycleID, Timestamp: ts, Files: files}
		ix.idx.Entries = append(ix.idx.Entries, entry)
		ix.idx.TotalCycles++

		day := dayKey(ts)
		hour := hourKey(ts)
		ix.idx.ByDay[day] = append(ix.idx.ByDay[day], cycleID)
		ix.idx.ByHour[hour] = append(ix.idx.ByHour[hour], cycleID)
		for _, f := range files {
			ix.idx.ByFile[f] = append(ix.idx.ByFile[f], cycleID)
		}
		if ix.idx.DateRange[0] == "" || day < ix.idx.DateRange[0] {
			ix.idx.DateRange[0] = day
		}
		if day > ix.idx.DateRange[1] {
			ix.idx.DateRange[1] = day
		}
	}
	return ix.persist()
}

func (ix *Indexer) persist() error {
	b, err := json.Marshal(ix.idx)
	if err != nil {
		return err
	}
	if ix.tr != nil {
		return ix.tr.WriteFile(ix.path, b)
	}
	return os.WriteFile(ix.path, b, 0o644)
}

// EntriesForDay returns the entries recorded for the given YYYY-MM-DD
// day, sorted by cycle ID.
func (ix *Indexer) EntriesForDay(day string) []Entry {
	cycleIDs := ix.idx.ByDay[day]
	set := make(map[int64]bool, len(cycleIDs))
	for _, id := range cycleIDs {
		set[id] = true
	}
	var out []Entry
	for _, e := range ix.idx.Entries {
		if set[e.CycleID] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleID < out[j].CycleID })
	return out
}

// TotalCycles returns the number of indexed cycles.
func (ix *Indexer) TotalCycles() int { return ix.idx.TotalCycles }

func dayKey(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("2006-01-02")
}

func hourKey(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("2006-01-02T15")
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	}
	return 0
}
