// Package scheduler implements the scheduler (C18): a single periodic
// loop that drives the cycle pipeline (persist, snapshot, index,
// health), gap detection, hourly summaries and system metrics
// (spec §4.19).
package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/cacheindex"
	"github.com/hazyhaar/rl4/internal/model"
	"github.com/hazyhaar/rl4/internal/snapshot"
	"github.com/hazyhaar/rl4/internal/timeline"
	"github.com/hazyhaar/rl4/internal/writer"
)

const (
	defaultTick           = 10 * time.Second
	defaultGapThreshold   = 15 * time.Minute
	gapBucket             = 5 * time.Minute
	defaultRotationEvery  = 100
	activityReconInterval = 10
	consistencyInterval   = 1000
)

// Ingester is the subset of C9 the scheduler needs to index the
// scheduler-tick, cycle-complete and gap-detected events it emits.
type Ingester interface {
	Ingest(ev model.Event, source model.Source) error
	QueueDepth() int
}

// Options configures a Scheduler.
type Options struct {
	Ingest     Ingester
	Snapshot   *snapshot.Manager
	CacheIndex *cacheindex.Indexer
	Timeline   *timeline.Aggregator

	CycleLogPath string // ledger/cycles.jsonl
	RbomPath     string // ledger/rbom.jsonl
	Logger       *zap.Logger

	Tick             time.Duration
	GapThreshold     time.Duration
	RotationInterval int64
}

// Scheduler drives the periodic cycle loop.
type Scheduler struct {
	ingest     Ingester
	snapshot   *snapshot.Manager
	cacheIndex *cacheindex.Indexer
	timeline   *timeline.Aggregator

	cycleLog *writer.Writer
	rbomLog  *writer.Writer
	log      *zap.Logger

	tick             time.Duration
	gapThreshold     time.Duration
	rotationInterval int64

	mu                sync.Mutex
	cycleID           int64
	lastActivity      time.Time
	lastGapBucket     int64
	lastHourlySummary time.Time
	lastRbomChecksum  string
	lastCycle         model.CycleRecord
	haveLastCycle     bool

	stop chan struct{}
	done chan struct{}
}

// New creates a Scheduler, restoring cycleID from the last cycle
// record on disk so numbering survives restarts (spec §4.19 step 2).
func New(opts Options) (*Scheduler, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	gapThreshold := opts.GapThreshold
	if gapThreshold <= 0 {
		gapThreshold = defaultGapThreshold
	}
	rotationInterval := opts.RotationInterval
	if rotationInterval <= 0 {
		rotationInterval = defaultRotationEvery
	}

	cycleLog, err := writer.New(writer.Options{Path: opts.CycleLogPath, Capacity: 1024, Policy: writer.BLOCK})
	if err != nil {
		return nil, fmt.Errorf("scheduler: open cycle log: %w", err)
	}
	rbomLog, err := writer.New(writer.Options{Path: opts.RbomPath, Capacity: 1024, Policy: writer.BLOCK})
	if err != nil {
		return nil, fmt.Errorf("scheduler: open rbom log: %w", err)
	}

	s := &Scheduler{
		ingest:           opts.Ingest,
		snapshot:         opts.Snapshot,
		cacheIndex:       opts.CacheIndex,
		timeline:         opts.Timeline,
		cycleLog:         cycleLog,
		rbomLog:          rbomLog,
		log:              log.With(zap.String("component", "scheduler")),
		tick:             tick,
		gapThreshold:     gapThreshold,
		rotationInterval: rotationInterval,
		lastActivity:     time.Now(),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	s.restoreCycleID(opts.CycleLogPath, log)
	return s, nil
}

func (s *Scheduler) restoreCycleID(path string, log *zap.Logger) {
	lines, err := writer.ReadLines(path, log)
	if err != nil || len(lines) == 0 {
		return
	}
	last := lines[len(lines)-1]
	if id, ok := last["cycle_id"]; ok {
		s.cycleID = asInt64(id)
	}
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

// NotifyActivity records that an FS/commit/chat event or external
// command arrived; it only updates lastActivityTimestamp (spec
// §4.19, "Activity input").
func (s *Scheduler) NotifyActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// Start launches the tick loop in a goroutine.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.onTick()
		}
	}
}

func (s *Scheduler) onTick() {
	s.detectGap()
	rec := s.runCycle()
	s.appendCycle(rec)
	s.maybeHourlySummary()
	s.emitSystemMetrics()
	s.emitSchedulerTick()
}

// detectGap emits at most one gap-detected record per floor(gap, 5
// min) bucket (spec §4.19 step 1).
func (s *Scheduler) detectGap() {
	s.mu.Lock()
	since := time.Since(s.lastActivity)
	bucket := int64(since / gapBucket)
	already := bucket == s.lastGapBucket
	needsGap := since > s.gapThreshold
	if needsGap && !already {
		s.lastGapBucket = bucket
	}
	s.mu.Unlock()

	if !needsGap || already {
		return
	}
	if s.ingest == nil {
		return
	}
	ev := model.Event{
		Type:         model.EventGapDetect,
		SourceFormat: "scheduler",
		Payload: map[string]any{
			"gap_ms": since.Milliseconds(),
			"bucket": bucket,
		},
	}
	if err := s.ingest.Ingest(ev, model.SourceSystem); err != nil {
		s.log.Warn("gap event ingest failed", zap.Error(err))
	}
}

// runCycle increments cycleId and executes the phase pipeline,
// isolating each phase's failure so it never aborts the loop (spec
// §4.19 step 2, failure semantics).
func (s *Scheduler) runCycle() model.CycleRecord {
	s.mu.Lock()
	s.cycleID++
	cycleID := s.cycleID
	s.mu.Unlock()

	startedAt := time.Now().UnixMilli()
	rec := model.CycleRecord{
		CycleID:   cycleID,
		Timestamp: startedAt,
		StartedAt: startedAt,
		Phases:    map[string]model.PhaseResult{},
		Memory:    map[string]any{},
		Success:   true,
	}

	s.runPhase(&rec, "persist", s.phasePersist)
	s.runPhase(&rec, "snapshot", func() error { return s.phaseSnapshot(cycleID) })
	s.runPhase(&rec, "index", func() error { return s.phaseIndex(cycleID, startedAt) })
	s.runPhase(&rec, "health_status", func() error { return s.phaseHealth(startedAt) })

	if cycleID%activityReconInterval == 0 {
		s.runPhase(&rec, "activity_reconstruction", s.phaseActivityReconstruction)
	}
	if cycleID%consistencyInterval == 0 {
		s.runPhase(&rec, "consistency", s.phaseConsistency)
	}

	rec.Duration = time.Now().UnixMilli() - startedAt
	return rec
}

func (s *Scheduler) runPhase(rec *model.CycleRecord, name string, fn func() error) {
	start := time.Now().UnixMilli()
	result := model.PhaseResult{Name: name, StartedAt: start, Success: true}
	if err := fn(); err != nil {
		result.Success = false
		result.Error = err.Error()
		rec.Success = false
		s.log.Warn("phase failed", zap.String("phase", name), zap.Error(err))
	}
	result.Duration = time.Now().UnixMilli() - start
	rec.Phases[name] = result
}

func (s *Scheduler) phasePersist() error {
	// The cycle-summary line itself is appended by appendCycle after
	// runCycle returns; this phase exists so its timing/success is
	// recorded like every other phase even though the actual append
	// happens once, after the full record is assembled.
	return nil
}

func (s *Scheduler) phaseSnapshot(cycleID int64) error {
	if s.snapshot == nil {
		return nil
	}
	content, err := json.Marshal(map[string]any{"cycle_id": cycleID, "timestamp": time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	if _, err := s.snapshot.Save(fmt.Sprintf("%d", cycleID), snapshot.TypeIncremental, content, 30); err != nil {
		return err
	}
	if cycleID%s.rotationInterval == 0 {
		return s.snapshot.RotateIfNeeded()
	}
	return nil
}

func (s *Scheduler) phaseIndex(cycleID int64, timestamp int64) error {
	if s.cacheIndex == nil {
		return nil
	}
	return s.cacheIndex.UpdateIncremental(cycleID, timestamp, nil)
}

func (s *Scheduler) phaseActivityReconstruction() error {
	// Ground-truth activity reconstruction replays the ingest layer's
	// own recent window; nothing to recompute beyond what C9 already
	// maintains, so this phase is a placeholder hook for future work.
	return nil
}

func (s *Scheduler) phaseHealth(timestamp int64) error {
	if s.timeline == nil {
		return nil
	}
	day := time.UnixMilli(timestamp).UTC().Format("2006-01-02")
	dt := s.timeline.Build(day)
	return s.timeline.Persist(dt)
}

func (s *Scheduler) phaseConsistency() error {
	// No cross-file checks are run here: the phase always succeeds and
	// only records its timing in every consistencyInterval-th cycle.
	return nil
}

// appendCycle writes the cycle-summary line through the cycle-log
// writer and appends a hash-chained checksum entry to the rbom audit
// ledger (spec §4.19 step 2, "persist").
func (s *Scheduler) appendCycle(rec model.CycleRecord) {
	content, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("marshal cycle record failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.lastCycle = rec
	s.haveLastCycle = true
	s.mu.Unlock()

	record := map[string]any{
		"cycle_id":   rec.CycleID,
		"timestamp":  rec.Timestamp,
		"started_at": rec.StartedAt,
		"duration_ms": rec.Duration,
		"phases":     rec.Phases,
		"memory":     rec.Memory,
		"success":    rec.Success,
	}
	if err := s.cycleLog.Append(record); err != nil {
		s.log.Error("cycle log append failed", zap.Error(err))
	}

	s.mu.Lock()
	prev := s.lastRbomChecksum
	s.mu.Unlock()

	sum := sha256.Sum256(append([]byte(prev), content...))
	checksum := hex.EncodeToString(sum[:])
	if err := s.rbomLog.Append(map[string]any{
		"cycle_id": rec.CycleID,
		"checksum": checksum,
		"prev":     prev,
	}); err != nil {
		s.log.Error("rbom append failed", zap.Error(err))
	}

	s.mu.Lock()
	s.lastRbomChecksum = checksum
	s.mu.Unlock()

	if s.ingest != nil {
		ev := model.Event{
			Type:         model.EventCycleDone,
			SourceFormat: "scheduler",
			Payload:      map[string]any{"cycle_id": rec.CycleID, "success": rec.Success},
		}
		if err := s.ingest.Ingest(ev, model.SourceSystem); err != nil {
			s.log.Warn("cycle-complete event ingest failed", zap.Error(err))
		}
	}
}

// maybeHourlySummary emits a summary when the last one is >= 1h old
// (spec §4.19 step 3).
func (s *Scheduler) maybeHourlySummary() {
	s.mu.Lock()
	due := time.Since(s.lastHourlySummary) >= time.Hour
	if due {
		s.lastHourlySummary = time.Now()
	}
	s.mu.Unlock()
	if !due || s.timeline == nil {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	dt := s.timeline.Build(day)
	if err := s.timeline.Persist(dt); err != nil {
		s.log.Warn("hourly timeline persist failed", zap.Error(err))
	}
}

// emitSystemMetrics records memory usage and writer queue depth every
// tick (spec §4.19 step 4).
func (s *Scheduler) emitSystemMetrics() {
	var mstats runtime.MemStats
	runtime.ReadMemStats(&mstats)

	queueDepth := 0
	if s.ingest != nil {
		queueDepth = s.ingest.QueueDepth()
	}

	s.log.Debug("system metrics",
		zap.String("heap_alloc", humanize.Bytes(mstats.HeapAlloc)),
		zap.Int("writer_queue_depth", queueDepth))
}

func (s *Scheduler) emitSchedulerTick() {
	if s.ingest == nil {
		return
	}
	ev := model.Event{Type: model.EventSchedTick, SourceFormat: "scheduler"}
	if err := s.ingest.Ingest(ev, model.SourceSystem); err != nil {
		s.log.Warn("scheduler-tick event ingest failed", zap.Error(err))
	}
}

// CycleID returns the current (last completed) cycle ID.
func (s *Scheduler) CycleID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycleID
}

// LastCycle returns the most recently completed cycle record, for the
// "get_last_cycle_health" IPC query (spec §6). ok is false before any
// cycle has run.
func (s *Scheduler) LastCycle() (model.CycleRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle, s.haveLastCycle
}

// Close closes both logs.
func (s *Scheduler) Close() error {
	err1 := s.cycleLog.Close()
	err2 := s.rbomLog.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
