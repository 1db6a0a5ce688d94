package fetch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiters enforces a minimum interval between requests to the same host key.
type hostLimiters struct {
	def       time.Duration
	overrides map[string]time.Duration

	mu        sync.Mutex
	m         map[string]*rate.Limiter
	throttled atomic.Uint64
}

func newHostLimiters(def time.Duration, overrides map[string]time.Duration) *hostLimiters {
	ov := make(map[string]time.Duration, len(overrides))
	for k, v := range overrides {
		ov[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &hostLimiters{def: def, overrides: ov, m: map[string]*rate.Limiter{}}
}

func (h *hostLimiters) interval(key string) time.Duration {
	if d, ok := h.overrides[key]; ok {
		return d
	}
	return h.def
}

func (h *hostLimiters) get(key string) *rate.Limiter {
	key = strings.ToLower(strings.TrimSpace(key))
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.m[key]
	if !ok {
		iv := h.interval(key)
		if iv <= 0 {
			l = rate.NewLimiter(rate.Inf, 1)
		} else {
			l = rate.NewLimiter(rate.Every(iv), 1)
		}
		h.m[key] = l
	}
	return l
}

func (h *hostLimiters) wait(ctx context.Context, key string) error {
	l := h.get(key)
	if !l.Allow() {
		h.throttled.Add(1)
		return l.Wait(ctx)
	}
	return nil
}

func (h *hostLimiters) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.m)
}
