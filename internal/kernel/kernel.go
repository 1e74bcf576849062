// Package kernel wires the eighteen components into one running
// core: it owns startup order, the PID lock, the commit-poll loop,
// and ordered graceful shutdown (spec §5, §6).
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/blobstore"
	"github.com/hazyhaar/rl4/internal/cacheindex"
	"github.com/hazyhaar/rl4/internal/clock"
	"github.com/hazyhaar/rl4/internal/decisions"
	"github.com/hazyhaar/rl4/internal/ingest"
	"github.com/hazyhaar/rl4/internal/model"
	"github.com/hazyhaar/rl4/internal/pool"
	"github.com/hazyhaar/rl4/internal/replay"
	"github.com/hazyhaar/rl4/internal/retention"
	"github.com/hazyhaar/rl4/internal/scheduler"
	"github.com/hazyhaar/rl4/internal/snapshot"
	"github.com/hazyhaar/rl4/internal/timeline"
	"github.com/hazyhaar/rl4/internal/timers"
	"github.com/hazyhaar/rl4/internal/tracker"
	"github.com/hazyhaar/rl4/internal/vcs"
	"github.com/hazyhaar/rl4/internal/watcher"
)

// ReservedDir is the only directory the core is allowed to write
// inside, rooted at the workspace (spec §1, §4.7).
const ReservedDir = ".reasoning_rl4"

// Core owns every component for one workspace.
type Core struct {
	workspaceRoot string
	reservedDir   string
	log           *zap.Logger
	startedAt     time.Time

	clock    *clock.Clock
	tracker  *tracker.Tracker
	timers   *timers.Registry
	pool     *pool.Pool
	events   *ingest.Layer
	decs     *decisions.Store
	blobs    *blobstore.Store
	replayer *replay.Engine
	retain   *retention.Manager
	snap     *snapshot.Manager
	cacheIx  *cacheindex.Indexer
	tl       *timeline.Aggregator
	sched    *scheduler.Scheduler
	watch    *watcher.Watcher
	vcsMgr   *vcs.Manager

	cancelCommitPoll context.CancelFunc
	pidPath          string
	mode             string
}

// Options configures a Core.
type Options struct {
	WorkspaceRoot string
	Logger        *zap.Logger
}

// New validates the workspace root, wires every component and
// acquires the PID lock. The file watcher is live once New returns;
// the scheduler and the commit-poll loop start only when Start is
// called.
func New(opts Options) (*Core, error) {
	info, err := os.Stat(opts.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("kernel: workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("kernel: workspace root %q is not a directory", opts.WorkspaceRoot)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	reserved := filepath.Join(opts.WorkspaceRoot, ReservedDir)
	dirs := []string{
		"events", "memory/indices", "ledger", "cognitive",
		"storage/rcep", "snapshots/archive", "cache", "timelines", "state", "kernel",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(reserved, d), 0o755); err != nil {
			return nil, fmt.Errorf("kernel: mkdir %s: %w", d, err)
		}
	}

	c := clock.New()

	pidPath := filepath.Join(reserved, "kernel", "kernel.pid")
	if err := acquirePIDLock(pidPath); err != nil {
		return nil, fmt.Errorf("kernel: pid lock: %w", err)
	}

	tr, err := tracker.New(filepath.Join(reserved, "wal.jsonl"), c.Next)
	if err != nil {
		return nil, fmt.Errorf("kernel: tracker: %w", err)
	}

	events, err := ingest.New(ingest.Options{
		Clock:       c,
		EventLogDir: filepath.Join(reserved, "events"),
		SpatialPath: filepath.Join(reserved, "memory/indices/spatial.json"),
		TypePath:    filepath.Join(reserved, "memory/indices/type.json"),
		Tracker:     tr,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: ingest: %w", err)
	}

	decs, err := decisions.New(decisions.Options{
		Clock:         c,
		Tracker:       tr,
		DecisionsPath: filepath.Join(reserved, "cognitive/decisions.jsonl"),
		StatusPath:    filepath.Join(reserved, "cognitive/decision_status.jsonl"),
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: decisions: %w", err)
	}

	blobs, err := blobstore.New(blobstore.Options{
		Dir:       filepath.Join(reserved, "storage/rcep"),
		IndexPath: filepath.Join(reserved, "storage/rcep_index.json"),
		Tracker:   tr,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: blobstore: %w", err)
	}

	replayer := replay.New(events, decs, blobs)

	retain := retention.New(retention.Options{Ingest: events})

	snap, err := snapshot.New(snapshot.Options{
		Dir:     filepath.Join(reserved, "snapshots"),
		Tracker: tr,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: snapshot: %w", err)
	}

	cacheIx := cacheindex.New(cacheindex.Options{
		IndexPath: filepath.Join(reserved, "cache/index.json"),
		CycleLog:  filepath.Join(reserved, "ledger/cycles.jsonl"),
		Tracker:   tr,
		Logger:    log,
	})

	tl := timeline.New(timeline.Options{
		Dir:     filepath.Join(reserved, "timelines"),
		Tracker: tr,
		Index:   cacheIx,
	})

	sched, err := scheduler.New(scheduler.Options{
		Ingest:       events,
		Snapshot:     snap,
		CacheIndex:   cacheIx,
		Timeline:     tl,
		CycleLogPath: filepath.Join(reserved, "ledger/cycles.jsonl"),
		RbomPath:     filepath.Join(reserved, "ledger/rbom.jsonl"),
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: scheduler: %w", err)
	}

	tmrs := timers.New(log, func(name string, err error) {
		log.Error("timer error", zap.String("timer", name), zap.Error(err))
	})

	execPool := pool.New(pool.Options{Logger: log})

	w, err := watcher.New(watcher.Options{
		Root:       opts.WorkspaceRoot,
		Tracker:    tr,
		MirrorPath: filepath.Join(reserved, "events/watcher-bursts.jsonl"),
		Logger:     log,
		SeqFn:      c.Next,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: watcher: %w", err)
	}
	w.Ingest = func(ev model.Event) error {
		return events.Ingest(ev, model.SourceFS)
	}

	vcsMgr := vcs.NewManager(opts.WorkspaceRoot, execPool)

	return &Core{
		workspaceRoot: opts.WorkspaceRoot,
		reservedDir:   reserved,
		log:           log,
		startedAt:     time.Now(),
		clock:         c,
		tracker:       tr,
		timers:        tmrs,
		pool:          execPool,
		events:        events,
		decs:          decs,
		blobs:         blobs,
		replayer:      replayer,
		retain:        retain,
		snap:          snap,
		cacheIx:       cacheIx,
		tl:            tl,
		sched:         sched,
		watch:         w,
		vcsMgr:        vcsMgr,
		pidPath:       pidPath,
		mode:          "active",
	}, nil
}
