// Package watcher implements the file-change watcher (spec §4.7): it
// watches the workspace tree with fsnotify, drops self-writes using
// the write tracker, aggregates bursts of activity into a single
// synthesized event, and mirrors every burst to an append-only file.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hazyhaar/rl4/internal/intent"
	"github.com/hazyhaar/rl4/internal/model"
	"github.com/hazyhaar/rl4/internal/tracker"
	"github.com/hazyhaar/rl4/internal/writer"
)

// ReservedDirName is the core's own data directory; it is always
// excluded regardless of caller configuration.
const ReservedDirName = ".reasoning_rl4"

// defaultExclusions covers hidden, generated and common system/vendor
// directories the watcher should never recurse into.
var defaultExclusions = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".cache":       true,
}

// burstWindow is how long the watcher waits for inactivity before
// synthesizing a burst event.
const burstWindow = 1 * time.Second

// Change records one raw filesystem notification folded into a burst.
type Change struct {
	Path    string
	Created bool
}

// Watcher recursively watches a workspace root and emits synthesized
// burst events through Ingest.
type Watcher struct {
	root       string
	exclusions map[string]bool
	tr         *tracker.Tracker
	fsw        *fsnotify.Watcher
	mirror     *writer.Writer
	log        *zap.Logger
	seqFn      func() int64

	// Ingest receives the synthesized burst event; required.
	Ingest func(model.Event) error

	mu          sync.Mutex
	pending     map[string]Change
	timer       *time.Timer
	permErrors  int
	lastPermLog time.Time

	done chan struct{}
}

// Options configures a Watcher.
type Options struct {
	Root           string
	Tracker        *tracker.Tracker
	MirrorPath     string
	Logger         *zap.Logger
	SeqFn          func() int64
	ExtraExclusion []string
	Ingest         func(model.Event) error
}

// New creates a Watcher and starts recursively watching Root. The
// caller must call Close to release the fsnotify handle and the
// mirror writer.
func New(opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: new fsnotify: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	excl := make(map[string]bool, len(defaultExclusions)+len(opts.ExtraExclusion)+1)
	for k, v := range defaultExclusions {
		excl[k] = v
	}
	excl[ReservedDirName] = true
	for _, e := range opts.ExtraExclusion {
		excl[e] = true
	}

	var mirror *writer.Writer
	if opts.MirrorPath != "" {
		mirror, err = writer.New(writer.Options{Path: opts.MirrorPath, Capacity: 512, Policy: writer.DropOldest, Logger: log})
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watcher: mirror writer: %w", err)
		}
	}

	w := &Watcher{
		root:       opts.Root,
		exclusions: excl,
		tr:         opts.Tracker,
		fsw:        fsw,
		mirror:     mirror,
		log:        log.With(zap.String("component", "watcher")),
		seqFn:      opts.SeqFn,
		Ingest:     opts.Ingest,
		pending:    make(map[string]Change),
		done:       make(chan struct{}),
	}

	if err := w.addTree(opts.Root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// excluded reports whether any path component matches the exclusion
// set (by directory name) or is hidden (dotfile/dotdir other than ".").
func (w *Watcher) excluded(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		if w.exclusions[part] {
			return true
		}
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				w.notePermError()
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.excluded(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// loop is the watcher's single event-consumption goroutine.
func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if os.IsPermission(err) {
				w.notePermError()
			} else {
				w.log.Warn("watcher error", zap.Error(err))
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) notePermError() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.permErrors++
	if time.Since(w.lastPermLog) > time.Minute {
		w.log.Warn("permission errors aggregated", zap.Int("count", w.permErrors))
		w.lastPermLog = time.Now()
		w.permErrors = 0
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if w.excluded(ev.Name) {
		return
	}
	if w.tr != nil && w.tr.IsSelfWrite(ev.Name) {
		return
	}

	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.excluded(ev.Name) {
			w.fsw.Add(ev.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	created := ev.Op&fsnotify.Create == fsnotify.Create
	if existing, ok := w.pending[ev.Name]; ok {
		created = created || existing.Created
	}
	w.pending[ev.Name] = Change{Path: ev.Name, Created: created}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(burstWindow, w.flushBurst)
}

// flushBurst synthesizes one burst event from everything accumulated
// since the last flush and hands it to ingest and the mirror file.
func (w *Watcher) flushBurst() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	changes := w.pending
	w.pending = make(map[string]Change)
	w.mu.Unlock()

	paths := make([]string, 0, len(changes))
	anyCreated := false
	for p, c := range changes {
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			rel = p
		}
		paths = append(paths, rel)
		if c.Created {
			anyCreated = true
		}
	}

	kind := intent.ClassifyPaths(paths, anyCreated)

	seq := int64(0)
	if w.seqFn != nil {
		seq = w.seqFn()
	}

	ev := model.Event{
		ID:           fmt.Sprintf("fs-%d", seq),
		Sequence:     seq,
		Timestamp:    model.NowMillis(),
		Source:       model.SourceFS,
		Type:         model.EventFileModified,
		Category:     model.CategoryForType(model.EventFileModified),
		SourceFormat: "watcher-burst",
		Payload: map[string]any{
			"files":  paths,
			"intent": string(kind),
		},
		IndexedFields: model.IndexedFields{
			Files:       paths,
			Directories: uniqueDirs(paths),
		},
	}

	if w.Ingest != nil {
		if err := w.Ingest(ev); err != nil {
			w.log.Error("ingest burst event failed", zap.Error(err))
		}
	}
	if w.mirror != nil {
		w.mirror.Append(map[string]any{
			"id":        ev.ID,
			"sequence":  ev.Sequence,
			"files":     paths,
			"intent":    string(kind),
			"timestamp": model.ISOString(ev.Timestamp),
		})
	}
}

func uniqueDirs(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	if w.mirror != nil {
		if cerr := w.mirror.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
