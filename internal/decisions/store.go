// Package decisions implements the decision store (C10): two
// append-only streams (decisions and decision-status), a mechanically
// computed confidence gate that never trusts a caller-supplied value,
// and an LRU cache of the most recently stored decisions backed by a
// lazy scan of the log for anything older.
package decisions

import (
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/clock"
	"github.com/hazyhaar/rl4/internal/model"
	"github.com/hazyhaar/rl4/internal/tracker"
	"github.com/hazyhaar/rl4/internal/writer"
)

// DefaultCacheSize is the default number of most-recent decisions kept
// in the LRU cache (spec §4.10: "default 1000").
const DefaultCacheSize = 1000

// Store owns the decisions and decision-status append-only streams.
type Store struct {
	clock *clock.Clock
	tr    *tracker.Tracker
	log   *zap.Logger

	decisionsW *writer.Writer
	statusW    *writer.Writer
	decPath    string
	statusPath string

	mu    sync.RWMutex
	cache *lru.Cache[string, model.Decision]
}

// Options configures a Store.
type Options struct {
	Clock          *clock.Clock
	Tracker        *tracker.Tracker
	DecisionsPath  string
	StatusPath     string
	CacheSize      int
	Logger         *zap.Logger
}

// New creates a Store backed by the two streams at the given paths.
func New(opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	dw, err := writer.New(writer.Options{Path: opts.DecisionsPath, Capacity: 1024, Policy: writer.BLOCK, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("decisions: decisions writer: %w", err)
	}
	sw, err := writer.New(writer.Options{Path: opts.StatusPath, Capacity: 1024, Policy: writer.BLOCK, Logger: log})
	if err != nil {
		dw.Close()
		return nil, fmt.Errorf("decisions: status writer: %w", err)
	}

	cache, err := lru.New[string, model.Decision](opts.CacheSize)
	if err != nil {
		dw.Close()
		sw.Close()
		return nil, fmt.Errorf("decisions: lru: %w", err)
	}

	s := &Store{
		clock:      opts.Clock,
		tr:         opts.Tracker,
		log:        log.With(zap.String("component", "decisions")),
		decisionsW: dw,
		statusW:    sw,
		decPath:    opts.DecisionsPath,
		statusPath: opts.StatusPath,
		cache:      cache,
	}

	s.warmCache(opts.CacheSize)

	return s, nil
}

func (s *Store) warmCache(n int) {
	records, err := writer.ReadLines(s.decPath, s.log)
	if err != nil || len(records) == 0 {
		return
	}
	start := 0
	if len(records) > n {
		start = len(records) - n
	}
	for _, rec := range records[start:] {
		if d, ok := decodeDecision(rec); ok {
			s.cache.Add(d.ID, d)
		}
	}
}

func decodeDecision(rec map[string]any) (model.Decision, bool) {
	b, err := json.Marshal(rec)
	if err != nil {
		return model.Decision{}, false
	}
	var d model.Decision
	if err := json.Unmarshal(b, &d); err != nil {
		return model.Decision{}, false
	}
	if d.ID == "" {
		return model.Decision{}, false
	}
	return d, true
}

// Store validates, computes the gate mechanically, appends the
// decision, and inserts it into the LRU cache (spec §4.10).
func (s *Store) Store(d model.Decision) (model.Decision, error) {
	if d.Intent == "" {
		return model.Decision{}, fmt.Errorf("decisions: intent must not be empty")
	}
	if model.IsGovernedUpdate(d.Intent) && d.ConfidenceLLM < 95 {
		return model.Decision{}, fmt.Errorf("decisions: governed-update intent %q rejected: confidence_llm %d < 95", d.Intent, d.ConfidenceLLM)
	}
	if !model.ValidContextRefs(d.ContextRefs) {
		return model.Decision{}, fmt.Errorf("decisions: context-refs must all be non-empty")
	}

	d.ConfidenceGate = model.ComputeGate(d.Intent, d.ConfidenceLLM)

	if d.Sequence == 0 && s.clock != nil {
		d.Sequence = s.clock.Next()
	}
	if d.Timestamp == 0 {
		d.Timestamp = model.NowMillis()
	}
	if d.ID == "" {
		d.ID = fmt.Sprintf("decision-%d", d.Sequence)
	}
	if d.ValidationStatus == "" {
		d.ValidationStatus = model.StatusPending
	}

	if s.tr != nil {
		s.tr.MarkInternalWrite(s.decPath)
	}

	rec := decisionToRecord(d)
	if err := s.decisionsW.Append(rec); err != nil {
		return model.Decision{}, fmt.Errorf("decisions: append: %w", err)
	}

	s.mu.Lock()
	s.cache.Add(d.ID, d)
	s.mu.Unlock()

	return d, nil
}

func decisionToRecord(d model.Decision) map[string]any {
	b, _ := json.Marshal(d)
	var rec map[string]any
	json.Unmarshal(b, &rec)
	return rec
}

// Invalidate appends an INVALIDATED status event. It never touches the
// original decision record.
func (s *Store) Invalidate(decisionID, causeEventID, rationale string) error {
	if _, ok := s.GetByID(decisionID); !ok {
		return fmt.Errorf("decisions: unknown decision %q", decisionID)
	}

	seq := int64(0)
	if s.clock != nil {
		seq = s.clock.Next()
	}
	ev := model.DecisionStatusEvent{
		ID:           fmt.Sprintf("status-%d", seq),
		Type:         model.StatusInvalidatedEvent,
		DecisionID:   decisionID,
		CauseEventID: causeEventID,
		Timestamp:    model.NowMillis(),
		Rationale:    rationale,
	}
	b, _ := json.Marshal(ev)
	var rec map[string]any
	json.Unmarshal(b, &rec)
	return s.statusW.Append(rec)
}

// GetByID returns a decision from the cache, falling back to a lazy
// scan of the log.
func (s *Store) GetByID(id string) (model.Decision, bool) {
	s.mu.RLock()
	if d, ok := s.cache.Get(id); ok {
		s.mu.RUnlock()
		return d, true
	}
	s.mu.RUnlock()

	records, err := writer.ReadLines(s.decPath, s.log)
	if err != nil {
		return model.Decision{}, false
	}
	for _, rec := range records {
		if d, ok := decodeDecision(rec); ok && d.ID == id {
			s.mu.Lock()
			s.cache.Add(d.ID, d)
			s.mu.Unlock()
			return d, true
		}
	}
	return model.Decision{}, false
}

// GetByIntent returns cache-scoped decisions matching intent, in
// sequence order.
func (s *Store) GetByIntent(intent string) []model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Decision
	for _, d := range s.cache.Values() {
		if d.Intent == intent {
			out = append(out, d)
		}
	}
	sortBySequence(out)
	return out
}

// GetByTimeRange returns cache-scoped decisions with timestamp in
// [t0,t1].
func (s *Store) GetByTimeRange(t0, t1 int64) []model.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Decision
	for _, d := range s.cache.Values() {
		if d.Timestamp >= t0 && d.Timestamp <= t1 {
			out = append(out, d)
		}
	}
	sortBySequence(out)
	return out
}

func sortBySequence(ds []model.Decision) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && ds[j-1].Sequence > ds[j].Sequence; j-- {
			ds[j-1], ds[j] = ds[j], ds[j-1]
		}
	}
}

// DecisionWithStatus pairs a decision with its currently folded status.
type DecisionWithStatus struct {
	Decision model.Decision
	Status   model.ValidationStatus
}

// GetDecisionWithStatus returns the decision and its current status,
// derived by folding the status log (spec §4.10).
func (s *Store) GetDecisionWithStatus(id string) (DecisionWithStatus, bool) {
	d, ok := s.GetByID(id)
	if !ok {
		return DecisionWithStatus{}, false
	}

	records, err := writer.ReadLines(s.statusPath, s.log)
	if err != nil {
		return DecisionWithStatus{Decision: d, Status: d.ValidationStatus}, true
	}
	var events []model.DecisionStatusEvent
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		var ev model.DecisionStatusEvent
		if err := json.Unmarshal(b, &ev); err != nil || ev.DecisionID != id {
			continue
		}
		events = append(events, ev)
	}

	status := model.FoldStatus(d.ValidationStatus, events)
	return DecisionWithStatus{Decision: d, Status: status}, true
}

// Close flushes both streams.
func (s *Store) Close() error {
	err1 := s.decisionsW.Close()
	err2 := s.statusW.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
