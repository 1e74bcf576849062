// Package writer implements the serialized, retrying, bounded-queue
// append-only writer every durable stream in this repository uses
// (spec §4.2): one open file handle per target path, one JSON line per
// enqueued record, one cooperative drain loop per instance.
package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OverflowPolicy selects what happens when the in-memory queue is
// full.
type OverflowPolicy int

const (
	// BLOCK awaits space; used for durable streams such as decisions.
	BLOCK OverflowPolicy = iota
	// DropOldest evicts the head of the queue to make room.
	DropOldest
	// DropNewest refuses the incoming write, keeping the queue as is.
	DropNewest
)

// Options configures a Writer.
type Options struct {
	Path        string
	Capacity    int
	Policy      OverflowPolicy
	Fsync       bool
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
}

// Writer serializes JSON-line appends to a single file through a
// bounded queue drained by exactly one goroutine at a time.
type Writer struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	queue    [][]byte
	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool

	processing bool // guarded by mu; true while the drain loop holds a batch

	file *os.File
	bw   *bufio.Writer

	fileMu sync.Mutex
}

// New opens (creating if needed) the target file and returns a ready
// Writer. The caller must call Close to flush and release the handle.
func New(opts Options) (*Writer, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 10 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(dirOf(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("writer: mkdir: %w", err)
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("writer: open %s: %w", opts.Path, err)
	}

	w := &Writer{
		opts: opts,
		log:  log.With(zap.String("component", "writer"), zap.String("path", opts.Path)),
		file: f,
		bw:   bufio.NewWriter(f),
	}
	w.notEmpty = sync.NewCond(&w.mu)
	w.notFull = sync.NewCond(&w.mu)

	go w.drainLoop()

	return w, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Append enqueues one record. The record is marshaled to JSON; if it
// has no timestamp field, an ISO timestamp is added first (spec §4.2).
// Append may block under the BLOCK policy until queue space is
// available.
func (w *Writer) Append(record map[string]any) error {
	if _, ok := record["timestamp"]; !ok {
		record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("writer: marshal: %w", err)
	}
	return w.appendLine(line)
}

func (w *Writer) appendLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer: closed")
	}

	for len(w.queue) >= w.opts.Capacity {
		switch w.opts.Policy {
		case BLOCK:
			w.notFull.Wait()
			if w.closed {
				return fmt.Errorf("writer: closed while blocked")
			}
		case DropOldest:
			w.queue = w.queue[1:]
		case DropNewest:
			return nil
		}
		if w.opts.Policy != BLOCK {
			break
		}
	}

	w.queue = append(w.queue, line)
	if len(w.queue) >= (w.opts.Capacity*80)/100 {
		w.log.Warn("queue above 80% capacity", zap.Int("len", len(w.queue)), zap.Int("capacity", w.opts.Capacity))
	}
	w.notEmpty.Signal()
	return nil
}

// drainLoop is the single cooperative drain loop for this writer
// instance; only one may run at a time (enforced structurally: New
// starts exactly one).
func (w *Writer) drainLoop() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.notEmpty.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		w.processing = true
		w.notFull.Broadcast()
		w.mu.Unlock()

		for _, line := range batch {
			if err := w.writeWithRetry(line); err != nil {
				w.log.Error("persistent write failure", zap.Error(err))
			}
		}
		w.flush()

		w.mu.Lock()
		w.processing = false
		w.mu.Unlock()
	}
}

func (w *Writer) writeWithRetry(line []byte) error {
	backoff := w.opts.BaseBackoff
	var lastErr error
	for attempt := 0; attempt <= w.opts.MaxRetries; attempt++ {
		w.fileMu.Lock()
		_, err := w.bw.Write(line)
		if err == nil {
			err = w.bw.WriteByte('\n')
		}
		w.fileMu.Unlock()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == w.opts.MaxRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > w.opts.MaxBackoff {
			backoff = w.opts.MaxBackoff
		}
	}
	return fmt.Errorf("writer: exhausted retries: %w", lastErr)
}

func (w *Writer) flush() {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()
	w.bw.Flush()
	if w.opts.Fsync {
		w.file.Sync()
	}
}

// Close drains any remaining queued records, flushes, and releases the
// file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.notEmpty.Broadcast()
	w.notFull.Broadcast()
	w.mu.Unlock()

	// Give the drain loop a chance to finish; since Append is the only
	// producer and we've marked closed, the loop exits once the queue
	// drains.
	for {
		w.mu.Lock()
		idle := len(w.queue) == 0 && !w.processing
		w.mu.Unlock()
		if idle {
			break
		}
		time.Sleep(time.Millisecond)
	}

	w.flush()
	return w.file.Close()
}

// QueueLen reports the current in-memory queue depth, used by the
// scheduler's system-metrics phase (spec §4.19).
func (w *Writer) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}
