package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "feedwatch/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestOverlappingTickIsDropped(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 4})
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)

	err := s.Enqueue(Task{Name: "forum", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, Done: func(err error) { done <- err }})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	if err := s.Enqueue(Task{Name: "forum", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("expected ErrOverlapSkip, got %v", err)
	}
	if got := s.Snapshot().DroppedOverlap; got != 1 {
		t.Fatalf("dropped_overlap=%d want 1", got)
	}

	// A different key is not affected.
	other := make(chan struct{})
	if err := s.Enqueue(Task{Name: "prices", Run: func(context.Context) error { close(other); return nil }}); err != nil {
		t.Fatalf("enqueue other: %v", err)
	}
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatalf("distinct key did not run in parallel")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("task error: %v", err)
	}
	if s.StateFor("forum").Running() {
		t.Fatalf("state still held after completion")
	}
	if err := s.Enqueue(Task{Name: "forum", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "a", Run: func(context.Context) error { close(started); <-block; return nil }})
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if s.StateFor("c").Running() {
		t.Fatalf("dropped task must release its gate")
	}
	close(block)
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("dropped_queue_full=%d", got)
	}
}

func TestWorkerCapBoundsParallelism(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 16})
	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		err := s.Enqueue(Task{Name: name, Run: func(context.Context) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			cur.Add(-1)
			return nil
		}, Done: func(error) { wg.Done() }})
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}
	wg.Wait()
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak parallelism %d exceeds worker cap", p)
	}
	snap := s.Snapshot()
	if snap.Completed != 6 || snap.Failed != 0 {
		t.Fatalf("completed=%d failed=%d", snap.Completed, snap.Failed)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("bad") }, Done: func(err error) { done <- err }})
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected panic error")
		}
	case <-time.After(time.Second):
		t.Fatalf("task never finished")
	}
	if s.Snapshot().Failed != 1 {
		t.Fatalf("failed counter not updated")
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var finished atomic.Bool
	_ = s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			finished.Store(true)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if !finished.Load() {
		t.Fatalf("stop returned before the in-flight task finished")
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}

func TestStopTimeoutCancelsRunningTasks(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{Name: "stuck", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Done: func(err error) { done <- err }})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("running task was not canceled after stop timeout")
	}
}
