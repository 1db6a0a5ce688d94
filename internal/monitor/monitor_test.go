package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedwatch/internal/event"
	"feedwatch/internal/extract"
	"feedwatch/internal/fetch"
	"feedwatch/internal/notifier"
	"feedwatch/internal/source"
	logx "feedwatch/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	body  string
	stale bool
	err   error
}

func (f *fakeFetcher) Fetch(context.Context, source.Request) (*fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Response{URL: "https://api.example/rows", Status: 200, Body: []byte(f.body), Stale: f.stale}, nil
}

func (f *fakeFetcher) set(body string, err error) {
	f.mu.Lock()
	f.body, f.err = body, err
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu     sync.Mutex
	down   bool
	events []event.Event
	groups []string
}

func (n *fakeNotifier) Deliver(_ context.Context, ev event.Event, group string) (notifier.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	n.groups = append(n.groups, group)
	res := notifier.Result{Group: group}
	cr := notifier.ChannelResult{Channel: "chat", Kind: notifier.KindTelegram, Status: notifier.StatusSent, Parts: 1, Sent: 1}
	if n.down {
		cr.Status, cr.Sent, cr.Err = notifier.StatusFailed, 0, errors.New("chat down")
	}
	res.Channels = append(res.Channels, cr)
	return res, nil
}

func (n *fakeNotifier) setDown(v bool) {
	n.mu.Lock()
	n.down = v
	n.mu.Unlock()
}

func (n *fakeNotifier) take() []event.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.events
	n.events = nil
	return out
}

func rowsSource(policy source.DiffPolicy) source.Descriptor {
	return source.Descriptor{
		ID:   "raises",
		Kind: source.KindJSONAPI,
		Rules: source.Rules{
			Items:  "rows",
			Fields: []source.FieldRule{{Name: "id", Required: true}, {Name: "tier"}, {Name: "amount"}},
			Key:    "raise_{id}",
			Score:  "tier",
		},
		Policy:        policy,
		CriticalScore: 9,
	}
}

func newTestMonitor(t *testing.T, d source.Descriptor, cfg Config, f *fakeFetcher, n *fakeNotifier) *Monitor {
	t.Helper()
	m, err := New(d, Deps{
		Fetcher:   f,
		Extractor: extract.New(logx.Nop()),
		Store:     openStore(t),
		Notifier:  n,
		Now:       func() time.Time { return fixedNow },
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m
}

func TestUndeliveredEventIsRetriedNextCycle(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: `{"rows":[{"id":"1"}]}`}
	n := &fakeNotifier{down: true}
	m := newTestMonitor(t, rowsSource(source.DiffPolicy{}), Config{}, f, n)
	ctx := context.Background()

	st, err := m.RunOnce(ctx)
	if !errors.Is(err, ErrUndelivered) {
		t.Fatalf("expected ErrUndelivered, got %v", err)
	}
	if st.Failed != 1 || st.Delivered != 0 || st.FailedChannels != 1 {
		t.Fatalf("stats=%+v", st)
	}
	n.take()

	n.setDown(false)
	st, err = m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if st.Delivered != 1 || len(n.take()) != 1 {
		t.Fatalf("event not redelivered: %+v", st)
	}
	if h := m.Health(); h.ConsecutiveErr != 0 || h.Alerting {
		t.Fatalf("undelivered cycles must not count as source failures: %+v", h)
	}
}

func TestFailureAlertAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	f.set("", errors.New("connection refused"))
	n := &fakeNotifier{}
	m := newTestMonitor(t, rowsSource(source.DiffPolicy{}), Config{AlertGroup: "ops"}, f, n)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		st, err := m.RunOnce(ctx)
		if err == nil || st.Failed != 1 {
			t.Fatalf("cycle %d: err=%v stats=%+v", i, err, st)
		}
	}
	evs := n.take()
	if len(evs) != 1 || evs[0].Class != event.ClassFailure || !evs[0].Critical {
		t.Fatalf("expected exactly one failure alert, got %+v", evs)
	}
	if n.groups[0] != "ops" {
		t.Fatalf("alert group=%q", n.groups[0])
	}
	if h := m.Health(); h.ConsecutiveErr != 5 || !h.Alerting {
		t.Fatalf("health=%+v", h)
	}

	f.set(`{"rows":[]}`, nil)
	if _, err := m.RunOnce(ctx); err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	evs = n.take()
	if len(evs) != 1 || evs[0].Class != event.ClassRecovered {
		t.Fatalf("expected a recovery notice, got %+v", evs)
	}
	if _, err := m.RunOnce(ctx); err != nil {
		t.Fatalf("healthy cycle: %v", err)
	}
	if evs := n.take(); len(evs) != 0 {
		t.Fatalf("healthy cycle sent %+v", evs)
	}
}

func TestFailureAlertDisabled(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{err: errors.New("boom")}
	n := &fakeNotifier{}
	m := newTestMonitor(t, rowsSource(source.DiffPolicy{}), Config{FailureThreshold: -1}, f, n)
	for i := 0; i < 4; i++ {
		_, _ = m.RunOnce(context.Background())
	}
	if evs := n.take(); len(evs) != 0 {
		t.Fatalf("alerts disabled but got %+v", evs)
	}
}

func TestStaleResponse(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		allow bool
	}{
		{"rejected", false},
		{"allowed", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeFetcher{body: `{"rows":[{"id":"1"}]}`, stale: true}
			n := &fakeNotifier{}
			d := rowsSource(source.DiffPolicy{})
			d.AllowStale = tc.allow
			m := newTestMonitor(t, d, Config{}, f, n)
			st, err := m.RunOnce(context.Background())
			if tc.allow {
				if err != nil || st.Delivered != 1 || !st.Stale {
					t.Fatalf("err=%v stats=%+v", err, st)
				}
				return
			}
			if !errors.Is(err, ErrStale) || len(n.take()) != 0 {
				t.Fatalf("stale body must fail the cycle: err=%v", err)
			}
		})
	}
}

func TestHardExtractErrorFailsCycle(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: `{not json`}
	n := &fakeNotifier{}
	m := newTestMonitor(t, rowsSource(source.DiffPolicy{}), Config{}, f, n)
	st, err := m.RunOnce(context.Background())
	if err == nil || st.Failed != 1 || st.Fetched != 1 {
		t.Fatalf("err=%v stats=%+v", err, st)
	}
}

func TestHighlightAndCriticalFlags(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: `{"rows":[{"id":"1","tier":"3"},{"id":"2","tier":"7"},{"id":"3","tier":"10"}]}`}
	n := &fakeNotifier{}
	m := newTestMonitor(t, rowsSource(source.DiffPolicy{}), Config{}, f, n)
	if _, err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	evs := n.take()
	if len(evs) != 3 {
		t.Fatalf("events=%d", len(evs))
	}
	want := []struct{ hl, crit bool }{{false, false}, {true, false}, {true, true}}
	for i, w := range want {
		if evs[i].Highlighted != w.hl || evs[i].Critical != w.crit {
			t.Fatalf("event %d: highlighted=%v critical=%v", i, evs[i].Highlighted, evs[i].Critical)
		}
		if evs[i].CycleID == "" {
			t.Fatalf("event %d has no cycle id", i)
		}
	}
}

func TestDuplicateKeysInOneBodyCollapse(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: `{"rows":[{"id":"1"},{"id":"1"}]}`}
	n := &fakeNotifier{}
	m := newTestMonitor(t, rowsSource(source.DiffPolicy{}), Config{}, f, n)
	st, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if st.New != 1 || st.Dropped != 1 || st.Unchanged != 0 || len(n.take()) != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRetentionKeepsItemsStillListed(t *testing.T) {
	t.Parallel()

	policies := []struct {
		name string
		pol  source.DiffPolicy
		body string
	}{
		{"new-only", source.DiffPolicy{}, `{"rows":[{"id":"1"},{"id":"2"}]}`},
		{"top-n", source.DiffPolicy{Kind: source.PolicyTopN, N: 2}, `{"rows":[{"id":"1"},{"id":"2"}]}`},
		{"threshold", source.DiffPolicy{Kind: source.PolicyThreshold, Field: "amount", Delta: 5, AlertOnFirst: true}, `{"rows":[{"id":"1","amount":"10"}]}`},
	}
	for _, tc := range policies {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := openStore(t)
			n := &fakeNotifier{}
			now := fixedNow
			m, err := New(rowsSource(tc.pol), Deps{
				Fetcher:   &fakeFetcher{body: tc.body},
				Extractor: extract.New(logx.Nop()),
				Store:     store,
				Notifier:  n,
				Now:       func() time.Time { return now },
				Sleep:     func(context.Context, time.Duration) error { return nil },
			}, Config{})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			ctx := context.Background()

			if _, err := m.RunOnce(ctx); err != nil {
				t.Fatalf("first cycle: %v", err)
			}
			first := len(n.take())
			if first == 0 {
				t.Fatalf("first cycle delivered nothing")
			}
			for day := 1; day <= 45; day++ {
				now = fixedNow.Add(time.Duration(day) * 24 * time.Hour)
				if _, err := m.RunOnce(ctx); err != nil {
					t.Fatalf("day %d: %v", day, err)
				}
				if _, err := store.Prune(ctx, now.Add(-30*24*time.Hour)); err != nil {
					t.Fatalf("day %d prune: %v", day, err)
				}
				if evs := n.take(); len(evs) != 0 {
					t.Fatalf("day %d: still-listed items re-delivered: %d events", day, len(evs))
				}
			}
		})
	}
}

func TestThresholdBaseline(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		alertFirst bool
		wantEvents int
		wantClass  event.Class
	}{
		{name: "silent", alertFirst: false, wantEvents: 0},
		{name: "alert on first", alertFirst: true, wantEvents: 1, wantClass: event.ClassNew},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeFetcher{body: `{"rows":[{"id":"1","amount":"$1,000"}]}`}
			n := &fakeNotifier{}
			pol := source.DiffPolicy{Kind: source.PolicyThreshold, Field: "amount", Delta: 50, AlertOnFirst: tc.alertFirst}
			m := newTestMonitor(t, rowsSource(pol), Config{}, f, n)
			ctx := context.Background()

			if _, err := m.RunOnce(ctx); err != nil {
				t.Fatalf("cycle: %v", err)
			}
			evs := n.take()
			if len(evs) != tc.wantEvents {
				t.Fatalf("events=%d want %d", len(evs), tc.wantEvents)
			}
			if tc.wantEvents > 0 && evs[0].Class != tc.wantClass {
				t.Fatalf("class=%s", evs[0].Class)
			}

			// Below δ: nothing. At δ: one delta against the stored baseline.
			f.set(`{"rows":[{"id":"1","amount":"1030"}]}`, nil)
			if _, err := m.RunOnce(ctx); err != nil {
				t.Fatalf("cycle: %v", err)
			}
			if evs := n.take(); len(evs) != 0 {
				t.Fatalf("sub-threshold move emitted %+v", evs)
			}
			f.set(`{"rows":[{"id":"1","amount":"1050"}]}`, nil)
			if _, err := m.RunOnce(ctx); err != nil {
				t.Fatalf("cycle: %v", err)
			}
			evs = n.take()
			if len(evs) != 1 || evs[0].Class != event.ClassDelta || evs[0].Delta.Prior != 1000 || evs[0].Delta.Current != 1050 {
				t.Fatalf("expected one delta 1000->1050, got %+v", evs)
			}
		})
	}
}

func TestThresholdSuppressedCrossingAdvancesReference(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	n := &fakeNotifier{}
	pol := source.DiffPolicy{Kind: source.PolicyThreshold, Field: "amount", Delta: 5}
	m := newTestMonitor(t, rowsSource(pol), Config{}, f, n)
	ctx := context.Background()

	run := func(amount string) []event.Event {
		t.Helper()
		f.set(`{"rows":[{"id":"1","amount":"`+amount+`"}]}`, nil)
		if _, err := m.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %s: %v", amount, err)
		}
		return n.take()
	}

	run("10")
	if evs := run("20"); len(evs) != 1 {
		t.Fatalf("10->20 events=%d", len(evs))
	}
	if evs := run("10"); len(evs) != 1 {
		t.Fatalf("20->10 events=%d", len(evs))
	}
	// 20 was already delivered: quiet, but it is the reference from now on.
	if evs := run("20"); len(evs) != 0 {
		t.Fatalf("repeat crossing delivered %+v", evs)
	}
	evs := run("26")
	if len(evs) != 1 || evs[0].Delta == nil || evs[0].Delta.Prior != 20 || evs[0].Delta.Current != 26 {
		t.Fatalf("expected delta 20->26, got %+v", evs)
	}
}

func TestThresholdNonNumericDropped(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: `{"rows":[{"id":"1","amount":"n/a"}]}`}
	n := &fakeNotifier{}
	pol := source.DiffPolicy{Kind: source.PolicyThreshold, Field: "amount", Delta: 1}
	m := newTestMonitor(t, rowsSource(pol), Config{}, f, n)
	st, err := m.RunOnce(context.Background())
	if err != nil || st.Dropped != 1 {
		t.Fatalf("err=%v stats=%+v", err, st)
	}
}

func TestTopNKeepsSnapshotWhenDeliveryFails(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: `{"rows":[{"id":"A"},{"id":"B"}]}`}
	n := &fakeNotifier{down: true}
	m := newTestMonitor(t, rowsSource(source.DiffPolicy{Kind: source.PolicyTopN, N: 3}), Config{}, f, n)
	ctx := context.Background()

	if _, err := m.RunOnce(ctx); !errors.Is(err, ErrUndelivered) {
		t.Fatalf("expected ErrUndelivered, got %v", err)
	}
	snap, err := m.store.Snapshot(ctx, "raises", rankField)
	if err != nil || len(snap) != 0 {
		t.Fatalf("snapshot replaced after failed delivery: %v err=%v", snap, err)
	}
	n.take()

	n.setDown(false)
	st, err := m.RunOnce(ctx)
	if err != nil || st.New != 2 || st.Delivered != 2 {
		t.Fatalf("err=%v stats=%+v", err, st)
	}
	if snap, _ := m.store.Snapshot(ctx, "raises", rankField); len(snap) != 2 {
		t.Fatalf("snapshot=%v", snap)
	}
}

func TestPacingBetweenDeliveries(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{body: `{"rows":[{"id":"1"},{"id":"2"},{"id":"3"}]}`}
	n := &fakeNotifier{}
	rec := &sleepRecorder{}
	m, err := New(rowsSource(source.DiffPolicy{}), Deps{
		Fetcher:   f,
		Extractor: extract.New(logx.Nop()),
		Store:     openStore(t),
		Notifier:  n,
		Sleep:     rec.sleep,
	}, Config{Pacing: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	d := rec.got()
	if len(d) != 2 || d[0] != 500*time.Millisecond || d[1] != 500*time.Millisecond {
		t.Fatalf("sleeps=%v", d)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(source.Descriptor{ID: "x"}, Deps{}, Config{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}
