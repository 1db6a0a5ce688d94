package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"feedwatch/internal/eventbus"
	"feedwatch/internal/extract"
	"feedwatch/internal/fetch"
	"feedwatch/internal/format"
	"feedwatch/internal/notifier"
	"feedwatch/internal/source"
	"feedwatch/internal/storage"
	logx "feedwatch/pkg/logx"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "feedwatch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// upstream serves a mutable body.
type upstream struct {
	mu   sync.Mutex
	body string
	ct   string
	srv  *httptest.Server
}

func newUpstream(t *testing.T, ct, body string) *upstream {
	t.Helper()
	u := &upstream{body: body, ct: ct}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		b := u.body
		u.mu.Unlock()
		w.Header().Set("Content-Type", u.ct)
		_, _ = w.Write([]byte(b))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) set(body string) {
	u.mu.Lock()
	u.body = body
	u.mu.Unlock()
}

// sink is a webhook endpoint recording delivered payloads.
type sink struct {
	mu     sync.Mutex
	status int
	got    []map[string]any
	srv    *httptest.Server
}

func newSink(t *testing.T, status int) *sink {
	t.Helper()
	s := &sink{status: status}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		s.mu.Lock()
		if s.status < 300 {
			s.got = append(s.got, m)
		}
		code := s.status
		s.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.got))
	for _, m := range s.got {
		k, _ := m["key"].(string)
		out = append(out, k)
	}
	return out
}

func (s *sink) payloads() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.got...)
}

func (s *sink) reset() {
	s.mu.Lock()
	s.got = nil
	s.mu.Unlock()
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) got() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type pipeline struct {
	mon    *Monitor
	store  storage.Store
	pacing *sleepRecorder
	bus    eventbus.Bus
}

// newPipeline wires the real fetcher, extractor, sqlite store and notifier
// with one generic webhook channel per sink.
func newPipeline(t *testing.T, d source.Descriptor, cfg Config, sinks ...*sink) *pipeline {
	t.Helper()
	store := openStore(t)
	bus := eventbus.New()

	n := notifier.New(notifier.Config{}, format.New(), logx.Nop(), bus)
	names := make([]string, 0, len(sinks))
	for i, s := range sinks {
		name := "hook-" + string(rune('a'+i))
		ch, err := notifier.NewWebhook(notifier.WebhookConfig{Name: name, Kind: notifier.KindWebhook, URL: s.srv.URL})
		if err != nil {
			t.Fatalf("webhook: %v", err)
		}
		if err := n.Register(ch, 0); err != nil {
			t.Fatalf("register: %v", err)
		}
		names = append(names, name)
	}
	if err := n.SetGroup(DefaultGroup, names); err != nil {
		t.Fatalf("group: %v", err)
	}

	f := fetch.New(fetch.Options{HostInterval: time.Nanosecond, MaxAttempts: 1})
	rec := &sleepRecorder{}
	mon, err := New(d, Deps{
		Fetcher:   f,
		Extractor: extract.New(logx.Nop()).WithClock(func() time.Time { return fixedNow }),
		Store:     store,
		Notifier:  n,
		Bus:       bus,
		Now:       func() time.Time { return fixedNow },
		Sleep:     rec.sleep,
	}, cfg)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return &pipeline{mon: mon, store: store, pacing: rec, bus: bus}
}
