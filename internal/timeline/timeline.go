// Package timeline implements the timeline aggregator (C16): a pure
// function over a day's cycles (sourced from C15) that bins activity
// by hour and produces a persisted daily summary (spec §4.17).
package timeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hazyhaar/rl4/internal/cacheindex"
	"github.com/hazyhaar/rl4/internal/tracker"
)

// HourlySnapshot summarizes one hour's worth of cycles.
type HourlySnapshot struct {
	Hour           int      `json:"hour"`
	Timestamp      int64    `json:"timestamp"`
	Pattern        string   `json:"pattern,omitempty"`
	Forecast       string   `json:"forecast,omitempty"`
	Intent         string   `json:"intent,omitempty"`
	Cycles         int      `json:"cycles"`
	Events         int      `json:"events"`
	CognitiveLoad  float64  `json:"cognitive_load"`
	RecentFiles    []string `json:"recent_files,omitempty"`
}

// DailyTimeline is one day's aggregated activity.
type DailyTimeline struct {
	Date            string           `json:"date"`
	Hours           [24]HourlySnapshot `json:"hours"`
	TotalCycles     int              `json:"total_cycles"`
	TotalEvents     int              `json:"total_events"`
	CognitiveLoadAvg float64         `json:"cognitive_load_avg"`
	TopPattern      string           `json:"top_pattern,omitempty"`
	TopForecast     string           `json:"top_forecast,omitempty"`
	DominantIntent  string           `json:"dominant_intent,omitempty"`
	MostActiveHour  int              `json:"most_active_hour"`
}

// cognitiveLoadDivisor normalizes cycle density to [0,1] (spec §4.17:
// min(count/360, 1)).
const cognitiveLoadDivisor = 360.0

// Aggregator builds and persists DailyTimeline records.
type Aggregator struct {
	dir string // timelines/ directory
	tr  *tracker.Tracker
	ix  *cacheindex.Indexer
}

// Options configures an Aggregator.
type Options struct {
	Dir     string
	Tracker *tracker.Tracker
	Index   *cacheindex.Indexer
}

// New creates an Aggregator.
func New(opts Options) *Aggregator {
	return &Aggregator{dir: opts.Dir, tr: opts.Tracker, ix: opts.Index}
}

// Build computes the DailyTimeline for the given YYYY-MM-DD day. It is
// a pure function of the cache index's entries for that day.
func (a *Aggregator) Build(day string) DailyTimeline {
	entries := a.ix.EntriesForDay(day)

	dt := DailyTimeline{Date: day}
	for h := 0; h < 24; h++ {
		dt.Hours[h] = HourlySnapshot{Hour: h}
	}

	byHour := make(map[int][]cacheindex.Entry, 24)
	for _, e := range entries {
		hour := time.UnixMilli(e.Timestamp).UTC().Hour()
		byHour[hour] = append(byHour[hour], e)
	}

	intentCounts := map[string]int{}
	var maxCycles int
	for h := 0; h < 24; h++ {
		hourEntries, ok := byHour[h]
		if !ok {
			continue
		}
		sort.Slice(hourEntries, func(i, j int) bool { return hourEntries[i].CycleID < hourEntries[j].CycleID })

		snap := HourlySnapshot{
			Hour:      h,
			Timestamp: hourEntries[0].Timestamp,
			Cycles:    len(hourEntries),
		}
		snap.CognitiveLoad = minFloat(float64(len(hourEntries))/cognitiveLoadDivisor, 1.0)

		fileFreq := map[string]int{}
		var eventCount int
		for _, e := range hourEntries {
			for _, f := range e.Files {
				fileFreq[f]++
			}
			eventCount += len(e.Files)
		}
		snap.Events = eventCount
		snap.RecentFiles = topRecentFiles(hourEntries, 3)
		snap.Pattern = highestFrequencyFile(fileFreq)

		dt.Hours[h] = snap
		dt.TotalCycles += snap.Cycles
		dt.TotalEvents += snap.Events
		if snap.Cycles > maxCycles {
			maxCycles = snap.Cycles
			dt.MostActiveHour = h
		}
		if snap.Pattern != "" {
			intentCounts[snap.Pattern]++
		}
	}

	if dt.TotalCycles > 0 {
		var sumLoad float64
		for _, h := range dt.Hours {
			sumLoad += h.CognitiveLoad
		}
		dt.CognitiveLoadAvg = sumLoad / 24
	}
	dt.TopPattern = maxKeyByValue(intentCounts)
	dt.DominantIntent = dt.TopPattern

	return dt
}

// Persist writes a DailyTimeline to its per-day file via an atomic
// whole-file update.
func (a *Aggregator) Persist(dt DailyTimeline) error {
	path := filepath.Join(a.dir, dt.Date+".json")
	b, err := json.Marshal(dt)
	if err != nil {
		return err
	}
	if a.tr != nil {
		return a.tr.WriteFile(path, b)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func topRecentFiles(entries []cacheindex.Entry, n int) []string {
	seen := map[string]bool{}
	var out []string
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		for _, f := range entries[i].Files {
			if seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

func highestFrequencyFile(freq map[string]int) string {
	var best string
	var bestCount int
	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if freq[k] > bestCount {
			best = k
			bestCount = freq[k]
		}
	}
	return best
}

func maxKeyByValue(m map[string]int) string {
	var best string
	var bestCount int
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m[k] > bestCount {
			best = k
			bestCount = m[k]
		}
	}
	return best
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
