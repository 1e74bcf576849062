package timers

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterIntervalFiresAndCancels(t *testing.T) {
	r := New(nil, nil)
	var n int32

	cancel, err := r.RegisterInterval("watcher:poll", 5*time.Millisecond, Options{}, func(ctx context.Context) error {
		atomic.AddInt32(&n, 1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(40 * time.Millisecond)
	cancel()
	seenAtCancel := atomic.LoadInt32(&n)
	if seenAtCancel == 0 {
		t.Fatal("expected at least one fire before cancel")
	}

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&n) != seenAtCancel {
		t.Fatal("timer fired after cancel")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New(nil, nil)
	cancel, err := r.RegisterInterval("core:tick", time.Hour, Options{}, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	_, err = r.RegisterInterval("core:tick", time.Hour, Options{}, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected duplicate registration to be rejected")
	}
}

func TestClearByPattern(t *testing.T) {
	r := New(nil, nil)
	r.RegisterInterval("watcher:poll", time.Hour, Options{}, func(ctx context.Context) error { return nil })
	r.RegisterInterval("watcher:flush", time.Hour, Options{}, func(ctx context.Context) error { return nil })
	tickCancel, _ := r.RegisterInterval("scheduler:tick", time.Hour, Options{}, func(ctx context.Context) error { return nil })
	defer tickCancel()

	n := r.ClearByPattern(regexp.MustCompile(`^watcher:`))
	if n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", r.Len())
	}
}

func TestErrorRoutedToHandler(t *testing.T) {
	errs := make(chan error, 1)
	r := New(nil, func(name string, err error) { errs <- err })

	cancel, err := r.RegisterTimeout("module:fail", time.Millisecond, Options{}, func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("onError never called")
	}
}

func TestCancelledTimerNeverFires(t *testing.T) {
	r := New(nil, nil)
	var n int32
	cancel, err := r.RegisterTimeout("module:later", 30*time.Millisecond, Options{}, func(ctx context.Context) error {
		atomic.AddInt32(&n, 1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&n) != 0 {
		t.Fatal("cancelled timeout fired")
	}
}
