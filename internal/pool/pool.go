// Package pool implements the bounded-concurrency execution pool (spec
// §4.6) used to run external command invocations — version-control CLI
// calls from the commit listener, primarily — with soft-timeout abort
// and hard-kill escalation.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EventKind enumerates the lifecycle events a task can emit.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventTimeout  EventKind = "timeout"
	EventHardKill EventKind = "hard_killed"
	EventEnd      EventKind = "end"
	EventError    EventKind = "error"
)

// Event is emitted exactly once per kind-per-task for Start/End/Error
// (End and Error are mutually exclusive and exactly one fires), with
// Timeout/HardKill firing at most once each when the corresponding
// deadline is crossed.
type Event struct {
	Kind   EventKind
	TaskID string
	Err    error
}

// Task is a unit of work submitted to the pool. Fn receives a context
// that is cancelled when the task is aborted (soft timeout) or
// hard-killed.
type Task struct {
	ID          string
	Fn          func(ctx context.Context) error
	SoftTimeout time.Duration
	HardKillMs  time.Duration
}

// Pool is a bounded FIFO execution pool: Submit enqueues, and a single
// dispatch loop dequeues each task once a semaphore slot is free and
// runs it in its own goroutine, so concurrency stays bounded.
type Pool struct {
	sem       *semaphore.Weighted
	maxQueue  int
	log       *zap.Logger
	onEvent   func(Event)

	mu    sync.Mutex
	queue []*Task
	qcond *sync.Cond

	closed bool
}

// Options configures a Pool.
type Options struct {
	Concurrency int
	MaxQueue    int
	Logger      *zap.Logger
	OnEvent     func(Event)
}

// New creates a Pool and starts its dispatch loop.
func New(opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 256
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		maxQueue: opts.MaxQueue,
		log:      log,
		onEvent:  opts.OnEvent,
	}
	p.qcond = sync.NewCond(&p.mu)
	go p.dispatchLoop()
	return p
}

// Submit enqueues a task. It fails if the queue is at capacity or the
// pool is shutting down; submission is the only point that can reject
// work, per spec §4.6 ("asserts queue-length under the limit or
// fails").
func (p *Pool) Submit(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pool: closed")
	}
	if len(p.queue) >= p.maxQueue {
		return fmt.Errorf("pool: queue full (%d)", p.maxQueue)
	}
	p.queue = append(p.queue, t)
	p.qcond.Signal()
	return nil
}

// dispatchLoop pulls tasks off the FIFO queue in order and runs each in
// its own goroutine once a concurrency slot is available, so dispatch
// order is deterministic even though execution overlaps.
func (p *Pool) dispatchLoop() {
	ctx := context.Background()
	for {
		// Take a slot before dequeuing, so a task waiting for a slot
		// still counts against maxQueue.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.qcond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		go func(task *Task) {
			defer p.sem.Release(1)
			p.run(task)
		}(t)
	}
}

func (p *Pool) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

// run executes one task end to end: start event, soft-timeout abort
// with a timeout event, hard-kill escalation if the task has not
// settled hardKillMs after the soft timeout, and exactly one of
// end/error at completion.
func (p *Pool) run(t *Task) {
	p.emit(Event{Kind: EventStart, TaskID: t.ID})

	ctx, abort := context.WithCancel(context.Background())
	defer abort()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("pool: task panic: %v", rec)
			}
		}()
		done <- t.Fn(ctx)
	}()

	var softC <-chan time.Time
	if t.SoftTimeout > 0 {
		timer := time.NewTimer(t.SoftTimeout)
		defer timer.Stop()
		softC = timer.C
	}

	var hardC <-chan time.Time

	for {
		select {
		case <-softC:
			softC = nil
			p.emit(Event{Kind: EventTimeout, TaskID: t.ID})
			abort()
			if t.HardKillMs > 0 {
				timer := time.NewTimer(t.HardKillMs)
				defer timer.Stop()
				hardC = timer.C
			}
		case <-hardC:
			hardC = nil
			p.emit(Event{Kind: EventHardKill, TaskID: t.ID})
			p.emit(Event{Kind: EventError, TaskID: t.ID, Err: fmt.Errorf("pool: task %s hard-killed", t.ID)})
			return
		case err := <-done:
			if err != nil {
				p.emit(Event{Kind: EventError, TaskID: t.ID, Err: err})
			} else {
				p.emit(Event{Kind: EventEnd, TaskID: t.ID})
			}
			return
		}
	}
}

// Shutdown stops accepting new tasks and returns without waiting. The
// dispatch loop still runs the tasks already queued and exits once the
// queue is empty; in-flight tasks run to completion (or are
// hard-killed by their own timeouts).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.qcond.Broadcast()
	p.mu.Unlock()
}

// QueueLen reports the current number of queued (not yet dispatched)
// tasks.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
