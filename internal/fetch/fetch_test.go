package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedwatch/internal/source"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) got() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestFetcher(rec *sleepRecorder, mod func(*Options)) *Fetcher {
	opt := Options{HostInterval: time.Nanosecond, Sleep: rec.sleep}
	if mod != nil {
		mod(&opt)
	}
	return New(opt)
}

func TestFetchRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	f := newTestFetcher(rec, nil)
	resp, err := f.Fetch(context.Background(), source.Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Attempts != 3 || resp.Stale {
		t.Fatalf("unexpected response: attempts=%d stale=%v", resp.Attempts, resp.Stale)
	}
	d := rec.got()
	if len(d) != 2 || d[0] != 2*time.Second || d[1] != 4*time.Second {
		t.Fatalf("unexpected delays: %v", d)
	}
}

func TestFetchGivesUpAfterThreeAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestFetcher(&sleepRecorder{}, nil)
	_, err := f.Fetch(context.Background(), source.Request{URL: srv.URL})
	if err == nil {
		t.Fatalf("expected error")
	}
	if KindOf(err) != KindStatus {
		t.Fatalf("expected http-status, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(&sleepRecorder{}, nil)
	_, err := f.Fetch(context.Background(), source.Request{URL: srv.URL})
	var fe *Error
	if err == nil || !errors.As(err, &fe) || fe.Status != 404 {
		t.Fatalf("expected 404 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestFetchHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	f := newTestFetcher(rec, nil)
	_, err := f.Fetch(context.Background(), source.Request{URL: srv.URL})
	if KindOf(err) != KindRateLimit {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	for _, d := range rec.got() {
		if d != 7*time.Second {
			t.Fatalf("Retry-After not honoured: %v", rec.got())
		}
	}
}

func TestFetchServesStaleWithinTTL(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if code := status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		_, _ = w.Write([]byte(`{"price": 101.5}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var clock atomic.Int64
	clock.Store(now.UnixNano())
	rec := &sleepRecorder{}
	f := newTestFetcher(rec, func(o *Options) {
		o.Now = func() time.Time { return time.Unix(0, clock.Load()) }
	})

	if _, err := f.Fetch(context.Background(), source.Request{URL: srv.URL}); err != nil {
		t.Fatalf("warm fetch: %v", err)
	}
	status.Store(http.StatusInternalServerError)
	calls.Store(0)
	clock.Store(now.Add(time.Second).UnixNano())
	resp, err := f.Fetch(context.Background(), source.Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("expected stale response, got %v", err)
	}
	if !resp.Stale || string(resp.Body) != `{"price": 101.5}` {
		t.Fatalf("unexpected stale response: %+v", resp)
	}
	// the cache is only a fallback once retries are spent
	if calls.Load() != 3 || resp.Attempts != 3 || len(rec.got()) != 2 {
		t.Fatalf("stale served before retries: calls=%d attempts=%d sleeps=%v", calls.Load(), resp.Attempts, rec.got())
	}

	// a non-retryable status falls back right away
	status.Store(http.StatusNotFound)
	calls.Store(0)
	resp, err = f.Fetch(context.Background(), source.Request{URL: srv.URL})
	if err != nil || !resp.Stale || calls.Load() != 1 {
		t.Fatalf("404 fallback: resp=%+v err=%v calls=%d", resp, err, calls.Load())
	}

	// past the TTL the failure surfaces
	clock.Store(now.Add(5 * time.Second).UnixNano())
	if _, err := f.Fetch(context.Background(), source.Request{URL: srv.URL}); err == nil {
		t.Fatalf("expected failure after TTL")
	}
}

func TestFetchSendsUserAgentAndExpandsEnv(t *testing.T) {
	t.Parallel()

	var ua, auth, body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		auth.Store(r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	env := map[string]string{"API_KEY": "k-123"}
	f := newTestFetcher(&sleepRecorder{}, func(o *Options) {
		o.Getenv = func(k string) string { return env[k] }
	})
	_, err := f.Fetch(context.Background(), source.Request{
		Method:  "post",
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer ${API_KEY}"},
		Body:    `{"key":"${API_KEY}"}`,
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if ua.Load() != DefaultUserAgent {
		t.Fatalf("unexpected UA %v", ua.Load())
	}
	if auth.Load() != "Bearer k-123" {
		t.Fatalf("header not expanded: %v", auth.Load())
	}
	if body.Load() != `{"key":"k-123"}` {
		t.Fatalf("body not expanded: %v", body.Load())
	}
}

func TestFetchPerHostMinimumInterval(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newTestFetcher(&sleepRecorder{}, func(o *Options) {
		o.HostIntervals = map[string]time.Duration{"slow-host": 80 * time.Millisecond}
	})
	req := source.Request{URL: srv.URL, HostKey: "slow-host"}
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(context.Background(), req); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if el := time.Since(start); el < 150*time.Millisecond {
		t.Fatalf("host interval not enforced, elapsed %v", el)
	}
	if f.Stats().Throttled == 0 {
		t.Fatalf("expected throttled counter to move")
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := newTestFetcher(&sleepRecorder{}, func(o *Options) { o.MaxAttempts = 1 })
	_, err := f.Fetch(context.Background(), source.Request{URL: srv.URL, Timeout: 30 * time.Millisecond})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Fatalf("parseRetryAfter(%q)=%v want %v", tt.in, got, tt.want)
		}
	}
}
