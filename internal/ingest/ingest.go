// Package ingest implements the event ingest & indexing layer (C9,
// "MIL" in spec terms): the single point through which every event
// source — the file watcher, the commit listener, the chat listener,
// the scheduler — normalizes into the unified schema, gets a sequence
// number, and lands durably in the append-only event log, while three
// in-memory indices (temporal, spatial, type) stay current for
// queries without re-scanning the log.
package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/clock"
	"github.com/hazyhaar/rl4/internal/model"
	"github.com/hazyhaar/rl4/internal/tracker"
	"github.com/hazyhaar/rl4/internal/writer"
)

// HOT logs are never rotated; requesting their rotation is an error.
var hotLogs = map[string]bool{
	"events":          true,
	"decisions":       true,
	"decision_status": true,
}

// Layer is the MIL: event log writer plus the three in-memory indices.
type Layer struct {
	clock *clock.Clock
	w     *writer.Writer
	tr    *tracker.Tracker
	log   *zap.Logger

	spatialPath string
	typePath    string

	mu       sync.RWMutex
	temporal map[int64][]string // timestamp -> event ids, ascending insertion
	spatial  map[string]map[string]bool
	byType   map[model.EventType]map[string]bool
	events   map[string]model.Event // id -> event, for queryTemporal payload

	dirty      bool
	flushTimer *time.Timer
}

// Options configures a Layer.
type Options struct {
	Clock       *clock.Clock
	EventLogDir string
	SpatialPath string
	TypePath    string
	Tracker     *tracker.Tracker
	Logger      *zap.Logger
}

// New creates a Layer backed by an append-only event log at
// eventLogDir/events.jsonl.
func New(opts Options) (*Layer, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	w, err := writer.New(writer.Options{
		Path:     opts.EventLogDir + "/events.jsonl",
		Capacity: 4096,
		Policy:   writer.BLOCK,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: event writer: %w", err)
	}

	l := &Layer{
		clock:       opts.Clock,
		w:           w,
		tr:          opts.Tracker,
		log:         log.With(zap.String("component", "ingest")),
		spatialPath: opts.SpatialPath,
		typePath:    opts.TypePath,
		temporal:    make(map[int64][]string),
		spatial:     make(map[string]map[string]bool),
		byType:      make(map[model.EventType]map[string]bool),
		events:      make(map[string]model.Event),
	}

	l.loadFromLog(opts.EventLogDir + "/events.jsonl")

	return l, nil
}

// loadFromLog rebuilds the indices from the durable log at startup —
// the log is truth, the indices are caches (spec §4.9).
func (l *Layer) loadFromLog(path string) {
	records, err := writer.ReadLines(path, l.log)
	if err != nil {
		l.log.Warn("failed to rebuild indices from log", zap.Error(err))
		return
	}
	for _, rec := range records {
		ev, ok := decodeEvent(rec)
		if !ok {
			continue
		}
		l.index(ev)
	}
}

func decodeEvent(rec map[string]any) (model.Event, bool) {
	b, err := json.Marshal(rec)
	if err != nil {
		return model.Event{}, false
	}
	var ev model.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return model.Event{}, false
	}
	if ev.ID == "" {
		return model.Event{}, false
	}
	return ev, true
}

// Ingest normalizes ev (assigning a sequence via the clock if absent),
// appends it to the log, and updates indices. It blocks only on
// writer backpressure, never on index flush.
func (l *Layer) Ingest(ev model.Event, source model.Source) error {
	if ev.Source == "" {
		ev.Source = source
	}
	if ev.Sequence == 0 && l.clock != nil {
		ev.Sequence = l.clock.Next()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = model.NowMillis()
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s-%d", string(ev.Source), ev.Sequence)
	}
	if ev.Category == "" {
		ev.Category = model.CategoryForType(ev.Type)
	}

	rec := eventToRecord(ev)

	if err := l.w.Append(rec); err != nil {
		return fmt.Errorf("ingest: append: %w", err)
	}

	l.index(ev)
	l.scheduleFlush()
	return nil
}

func eventToRecord(ev model.Event) map[string]any {
	b, _ := json.Marshal(ev)
	var rec map[string]any
	json.Unmarshal(b, &rec)
	return rec
}

func (l *Layer) index(ev model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[ev.ID] = ev
	l.temporal[ev.Timestamp] = append(l.temporal[ev.Timestamp], ev.ID)

	for _, f := range ev.IndexedFields.Files {
		if l.spatial[f] == nil {
			l.spatial[f] = make(map[string]bool)
		}
		l.spatial[f][ev.ID] = true
	}

	if l.byType[ev.Type] == nil {
		l.byType[ev.Type] = make(map[string]bool)
	}
	l.byType[ev.Type][ev.ID] = true

	l.dirty = true
}

// scheduleFlush ensures exactly one pending flush timer is in flight,
// firing 5s after the first dirty write (spec §4.9).
func (l *Layer) scheduleFlush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.flushTimer != nil {
		return
	}
	l.flushTimer = time.AfterFunc(5*time.Second, l.flushIndices)
}

// flushIndices writes the spatial and type indices to disk; only one
// flush is ever in flight because the timer is cleared before the
// write begins and re-armed only by the next dirty Ingest.
func (l *Layer) flushIndices() {
	l.mu.Lock()
	if !l.dirty {
		l.flushTimer = nil
		l.mu.Unlock()
		return
	}
	spatialOut := toStringSlices(l.spatial)
	typeOut := make(map[string][]string, len(l.byType))
	for t, set := range l.byType {
		typeOut[string(t)] = setToSlice(set)
	}
	l.dirty = false
	l.flushTimer = nil
	l.mu.Unlock()

	if l.spatialPath != "" && l.tr != nil {
		if b, err := json.Marshal(spatialOut); err == nil {
			if err := l.tr.WriteFile(l.spatialPath, b); err != nil {
				l.log.Error("spatial index flush failed", zap.Error(err))
			}
		}
	}
	if l.typePath != "" && l.tr != nil {
		if b, err := json.Marshal(typeOut); err == nil {
			if err := l.tr.WriteFile(l.typePath, b); err != nil {
				l.log.Error("type index flush failed", zap.Error(err))
			}
		}
	}
}

func toStringSlices(m map[string]map[string]bool) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, set := range m {
		out[k] = setToSlice(set)
	}
	return out
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// QueryTemporal returns events with timestamp in [from,to], ascending
// by sequence.
func (l *Layer) QueryTemporal(from, to int64) []model.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Event
	for ts, ids := range l.temporal {
		if ts < from || ts > to {
			continue
		}
		for _, id := range ids {
			if ev, ok := l.events[id]; ok {
				out = append(out, ev)
			}
		}
	}
	model.SortEventsBySequence(out)
	return out
}

// QueryByFile returns event identifiers referring to path.
func (l *Layer) QueryByFile(path string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return setToSlice(l.spatial[path])
}

// QueryByType returns event identifiers of the given type.
func (l *Layer) QueryByType(t model.EventType) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return setToSlice(l.byType[t])
}

// AcceptRetention indexes a retention event and reports whether the
// requested rotation may proceed: HOT logs are never rotated (spec
// §4.9/§4.18).
func (l *Layer) AcceptRetention(ev model.Event, targetLog string) error {
	if hotLogs[targetLog] {
		return fmt.Errorf("ingest: %q is a HOT log and cannot be rotated", targetLog)
	}
	return l.Ingest(ev, model.SourceSystem)
}

// QueueDepth reports the event log writer's pending-append queue
// length, used by the scheduler's system-metrics phase (spec §4.19).
func (l *Layer) QueueDepth() int {
	return l.w.QueueLen()
}

// Close flushes indices and the writer.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.flushTimer != nil {
		l.flushTimer.Stop()
		l.flushTimer = nil
	}
	l.mu.Unlock()
	l.flushIndices()
	return l.w.Close()
}
