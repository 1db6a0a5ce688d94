package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "feedwatch/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(false, logx.Nop())
	n.notify = rec.notify
	if n.Ready("up") || n.Stopping() {
		t.Fatalf("disabled notifier reported delivery")
	}
	if len(rec.got()) != 0 {
		t.Fatalf("states=%v", rec.got())
	}

	var nilNotifier *Notifier
	if nilNotifier.Ready("x") {
		t.Fatalf("nil notifier reported delivery")
	}
}

func TestReadyAndStopping(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(true, logx.Nop())
	n.notify = rec.notify
	n.Ready("watching 3 sources")
	n.Stopping()

	got := rec.got()
	if len(got) != 2 || got[0] != "READY=1\nSTATUS=watching 3 sources" || got[1] != "STOPPING=1" {
		t.Fatalf("states=%q", got)
	}
}

func TestWatchdogPingsAtHalfInterval(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(true, logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return 40 * time.Millisecond, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Millisecond)
	defer cancel()
	if err := n.Watchdog(ctx); err != nil {
		t.Fatalf("watchdog: %v", err)
	}
	got := rec.got()
	if len(got) < 3 {
		t.Fatalf("expected several pings, got %q", got)
	}
	for _, s := range got {
		if s != "WATCHDOG=1" {
			t.Fatalf("unexpected state %q", s)
		}
	}
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()

	n := New(true, logx.Nop())
	n.watchdog = func() (time.Duration, error) { return 0, nil }
	done := make(chan struct{})
	go func() {
		_ = n.Watchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watchdog without WatchdogSec must return")
	}
}
