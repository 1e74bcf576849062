// Package timers implements the timer registry (spec §4.5): named
// intervals and one-shot timeouts, each under a unique "module:purpose"
// name, with soft/hard timeouts and cancel safety. The kernel creates
// one Registry, but the scheduler tick, commit poll, watcher burst
// timer and ingest index flush use their own time.NewTicker or
// time.AfterFunc timers and are not registered here.
package timers

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stats tracks execution history for one registered timer.
type Stats struct {
	ExecutionCount int
	LastRuntimes   []time.Duration // most recent runs, bounded to lastNRuntimes
	Registered     time.Time
	LastFired      time.Time
}

const lastNRuntimes = 20

// entry is the internal bookkeeping record for one timer.
type entry struct {
	name         string
	soft, hard   time.Duration
	cancel       context.CancelFunc
	cancelled    bool
	stats        Stats
	mu           sync.Mutex
}

// Registry owns every named timer in the process. Names are unique;
// registering a duplicate name is rejected.
type Registry struct {
	mu      sync.Mutex
	timers  map[string]*entry
	log     *zap.Logger
	onError func(name string, err error)
}

// New creates an empty Registry. onError, if non-nil, receives errors
// returned by callbacks; otherwise they are logged and dropped.
func New(log *zap.Logger, onError func(name string, err error)) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		timers:  make(map[string]*entry),
		log:     log,
		onError: onError,
	}
}

// Options configures one timer registration.
type Options struct {
	// Soft is a warning threshold: if the callback is still running
	// past this duration, a warning is logged but the callback is not
	// touched.
	Soft time.Duration
	// Hard force-cancels the callback's context once exceeded.
	Hard time.Duration
}

// RegisterInterval runs fn every period until the returned cancel func
// is called or the registry is cleared. name must be unique and should
// follow the "module:purpose" convention.
func (r *Registry) RegisterInterval(name string, period time.Duration, opts Options, fn func(ctx context.Context) error) (func(), error) {
	return r.register(name, opts, func(ctx context.Context, e *entry) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runOnce(ctx, e, fn)
			}
		}
	})
}

// RegisterTimeout runs fn once after delay, unless cancelled first.
func (r *Registry) RegisterTimeout(name string, delay time.Duration, opts Options, fn func(ctx context.Context) error) (func(), error) {
	return r.register(name, opts, func(ctx context.Context, e *entry) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.runOnce(ctx, e, fn)
		}
	})
}

func (r *Registry) register(name string, opts Options, loop func(ctx context.Context, e *entry)) (func(), error) {
	r.mu.Lock()
	if _, exists := r.timers[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("timers: %q already registered", name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{name: name, soft: opts.Soft, hard: opts.Hard, cancel: cancel, stats: Stats{Registered: time.Now()}}
	r.timers[name] = e
	r.mu.Unlock()

	go loop(ctx, e)

	return func() { r.Cancel(name) }, nil
}

// runOnce wraps one invocation of a callback so a cancelled timer
// cannot execute, errors are routed to onError, soft-timeout warnings
// are logged, and the hard-timeout aborts the callback's context.
func (r *Registry) runOnce(parent context.Context, e *entry, fn func(ctx context.Context) error) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx := parent
	var cancel context.CancelFunc
	if e.hard > 0 {
		ctx, cancel = context.WithTimeout(parent, e.hard)
		defer cancel()
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("timers: callback panic: %v", rec)
			}
		}()
		done <- fn(ctx)
	}()

	var softC <-chan time.Time
	if e.soft > 0 {
		t := time.NewTimer(e.soft)
		defer t.Stop()
		softC = t.C
	}

	for {
		select {
		case <-softC:
			r.log.Warn("timer exceeded soft timeout", zap.String("timer", e.name), zap.Duration("soft", e.soft))
			softC = nil
		case err := <-done:
			e.mu.Lock()
			e.stats.ExecutionCount++
			e.stats.LastFired = time.Now()
			rt := time.Since(start)
			e.stats.LastRuntimes = append(e.stats.LastRuntimes, rt)
			if len(e.stats.LastRuntimes) > lastNRuntimes {
				e.stats.LastRuntimes = e.stats.LastRuntimes[len(e.stats.LastRuntimes)-lastNRuntimes:]
			}
			e.mu.Unlock()
			if err != nil {
				if r.onError != nil {
					r.onError(e.name, err)
				} else {
					r.log.Error("timer callback error", zap.String("timer", e.name), zap.Error(err))
				}
			}
			return
		}
	}
}

// Cancel stops and removes a timer by name. Cancellation is idempotent
// and immediate: a cancelled timer's callback will never run again,
// even if already in flight when Cancel is called it is allowed to
// finish but no subsequent tick will fire.
func (r *Registry) Cancel(name string) {
	r.mu.Lock()
	e, ok := r.timers[name]
	if ok {
		delete(r.timers, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
	e.cancel()
}

// ClearByPattern cancels every timer whose name matches re.
func (r *Registry) ClearByPattern(re *regexp.Regexp) int {
	r.mu.Lock()
	var names []string
	for name := range r.timers {
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	r.mu.Unlock()
	for _, name := range names {
		r.Cancel(name)
	}
	return len(names)
}

// LeakReport names a timer flagged by CheckMemoryLeaks.
type LeakReport struct {
	Name           string
	Age            time.Duration
	ExecutionCount int
}

// CheckMemoryLeaks flags timers that have been alive longer than
// maxAge or fired more than maxExecutions times, either of which
// suggests a forgotten interval accumulating state.
func (r *Registry) CheckMemoryLeaks(maxAge time.Duration, maxExecutions int) []LeakReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []LeakReport
	now := time.Now()
	for name, e := range r.timers {
		e.mu.Lock()
		age := now.Sub(e.stats.Registered)
		count := e.stats.ExecutionCount
		e.mu.Unlock()
		if age > maxAge || count > maxExecutions {
			out = append(out, LeakReport{Name: name, Age: age, ExecutionCount: count})
		}
	}
	return out
}

// Stats returns a snapshot of one timer's execution history.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.Lock()
	e, ok := r.timers[name]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	out.LastRuntimes = append([]time.Duration(nil), e.stats.LastRuntimes...)
	return out, true
}

// Len reports the number of currently registered timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
