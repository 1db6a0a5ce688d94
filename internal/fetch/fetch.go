// Package fetch performs outbound HTTP requests for monitors.
//
// Every request goes through a per-host minimum-interval limiter, a bounded
// retry loop with exponential backoff, and a short-lived cache of successful
// JSON bodies that can be served stale when an upstream hiccups.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"feedwatch/internal/source"
	logx "feedwatch/pkg/logx"
)

const (
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultTimeout      = 30 * time.Second
	DefaultRetryBase    = 2 * time.Second
	DefaultMaxAttempts  = 3
	DefaultHostInterval = time.Second
	DefaultCacheTTL     = 2 * time.Second
	DefaultMaxBody      = 8 << 20
	maxRetryAfter       = 2 * time.Minute
)

// Options configures a Fetcher. Zero values fall back to the defaults above.
type Options struct {
	UserAgent     string
	Timeout       time.Duration
	RetryBase     time.Duration
	MaxAttempts   int
	HostInterval  time.Duration
	HostIntervals map[string]time.Duration
	CacheTTL      time.Duration
	MaxBodyBytes  int64

	Client   *http.Client
	Renderer Renderer
	Log      logx.Logger

	// Getenv resolves ${NAME} references; nil means os.Getenv.
	Getenv func(string) string
	// Sleep waits between retries; nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

type Response struct {
	URL       string
	Status    int
	Header    http.Header
	Body      []byte
	FetchedAt time.Time
	Attempts  int
	// Stale is set when Body came from the failure cache.
	Stale bool
}

// Stats are cumulative counters for status output.
type Stats struct {
	Requests   uint64 `json:"requests"`
	Retries    uint64 `json:"retries"`
	Failures   uint64 `json:"failures"`
	StaleHits  uint64 `json:"stale_hits"`
	Throttled  uint64 `json:"throttled"`
	HostGroups int    `json:"host_groups"`
}

type Fetcher struct {
	opt    Options
	client *http.Client
	log    logx.Logger

	limiters *hostLimiters
	cache    *bodyCache

	requests  atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
	staleHits atomic.Uint64
}

func New(opt Options) *Fetcher {
	if strings.TrimSpace(opt.UserAgent) == "" {
		opt.UserAgent = DefaultUserAgent
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.RetryBase <= 0 {
		opt.RetryBase = DefaultRetryBase
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = DefaultMaxAttempts
	}
	if opt.HostInterval <= 0 {
		opt.HostInterval = DefaultHostInterval
	}
	if opt.CacheTTL <= 0 {
		opt.CacheTTL = DefaultCacheTTL
	}
	if opt.MaxBodyBytes <= 0 {
		opt.MaxBodyBytes = DefaultMaxBody
	}
	if opt.Getenv == nil {
		opt.Getenv = os.Getenv
	}
	if opt.Sleep == nil {
		opt.Sleep = sleepCtx
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	client := opt.Client
	if client == nil {
		client = newHTTPClient()
	}
	return &Fetcher{
		opt:      opt,
		client:   client,
		log:      opt.Log,
		limiters: newHostLimiters(opt.HostInterval, opt.HostIntervals),
		cache:    newBodyCache(opt.CacheTTL, opt.Now),
	}
}

func (f *Fetcher) Stats() Stats {
	return Stats{
		Requests:   f.requests.Load(),
		Retries:    f.retries.Load(),
		Failures:   f.failures.Load(),
		StaleHits:  f.staleHits.Load(),
		Throttled:  f.limiters.throttled.Load(),
		HostGroups: f.limiters.len(),
	}
}

// Close releases the browser renderer, if any.
func (f *Fetcher) Close() error {
	if f.opt.Renderer != nil {
		return f.opt.Renderer.Close()
	}
	return nil
}

// Fetch executes req with rate limiting, retries and the stale cache.
func (f *Fetcher) Fetch(ctx context.Context, req source.Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	rawURL := f.expand(req.URL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &Error{Kind: KindTransport, URL: rawURL, Err: fmt.Errorf("invalid url: %v", err)}
	}
	body := f.expand(req.Body)
	hostKey := strings.TrimSpace(req.HostKey)
	if hostKey == "" {
		hostKey = u.Host
	}
	cacheKey := cacheKeyFor(method, u, body)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.opt.Timeout
	}
	log := f.log.With(logx.String("host", hostKey), logx.String("method", method))

	var last *Error
	for attempt := 0; attempt < f.opt.MaxAttempts; attempt++ {
		if attempt > 0 {
			d := f.backoff(attempt-1, last)
			f.retries.Add(1)
			log.Warn("fetch retry", logx.Int("attempt", attempt+1), logx.Duration("delay", d), logx.Err(last))
			if err := f.opt.Sleep(ctx, d); err != nil {
				return nil, &Error{Kind: KindTimeout, URL: rawURL, Attempts: attempt, Err: err}
			}
		}
		if err := f.limiters.wait(ctx, hostKey); err != nil {
			return nil, &Error{Kind: KindTimeout, URL: rawURL, Attempts: attempt, Err: err}
		}

		f.requests.Add(1)
		resp, ferr := f.attempt(ctx, method, u, body, req, timeout)
		if ferr == nil {
			resp.Attempts = attempt + 1
			if isJSON(resp) {
				f.cache.put(cacheKey, resp)
			}
			log.Debug("fetched", logx.Int("status", resp.Status), logx.Int("bytes", len(resp.Body)), logx.Int("attempt", attempt+1))
			return resp, nil
		}
		ferr.Attempts = attempt + 1
		last = ferr
		if !f.retryable(ferr) || ctx.Err() != nil {
			break
		}
	}

	// Retries are spent or the error is final: fall back to a cached body
	// within TTL. The monitor decides whether stale data is acceptable.
	if last != nil && ctx.Err() == nil {
		if cached, ok := f.cache.get(cacheKey); ok {
			f.staleHits.Add(1)
			log.Warn("serving stale response", logx.Err(last), logx.Duration("age", f.opt.Now().Sub(cached.FetchedAt)))
			cached.Stale = true
			cached.Attempts = last.Attempts
			return cached, nil
		}
	}
	f.failures.Add(1)
	if last != nil && last.Kind == KindStatus && last.Status == http.StatusTooManyRequests {
		last.Kind = KindRateLimit
	}
	return nil, last
}

func (f *Fetcher) attempt(ctx context.Context, method string, u *url.URL, body string, req source.Request, timeout time.Duration) (*Response, *Error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if strings.EqualFold(req.Render, "browser") {
		if f.opt.Renderer == nil {
			return nil, &Error{Kind: KindTransport, URL: u.String(), Err: errors.New("browser rendering is not configured")}
		}
		html, err := f.opt.Renderer.Render(actx, u.String())
		if err != nil {
			return nil, classify(actx, u.String(), err)
		}
		return &Response{URL: u.String(), Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/html"}}, Body: []byte(html), FetchedAt: f.opt.Now()}, nil
	}

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(actx, method, u.String(), rd)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: u.String(), Err: err}
	}
	hreq.Header.Set("User-Agent", f.opt.UserAgent)
	hreq.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")
	if body != "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, f.expand(v))
	}

	hresp, err := f.client.Do(hreq)
	if err != nil {
		return nil, classify(actx, u.String(), err)
	}
	defer hresp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(hresp.Body, f.opt.MaxBodyBytes))
	if err != nil {
		return nil, classify(actx, u.String(), err)
	}
	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		fe := &Error{Kind: KindStatus, URL: u.String(), Status: hresp.StatusCode}
		if hresp.StatusCode == http.StatusTooManyRequests {
			fe.RetryAfter = parseRetryAfter(hresp.Header.Get("Retry-After"), f.opt.Now())
		}
		return nil, fe
	}
	return &Response{
		URL:       u.String(),
		Status:    hresp.StatusCode,
		Header:    hresp.Header.Clone(),
		Body:      b,
		FetchedAt: f.opt.Now(),
	}, nil
}

// backoff is base*2^attempt, replaced by Retry-After on 429.
func (f *Fetcher) backoff(attempt int, last *Error) time.Duration {
	if last != nil && last.RetryAfter > 0 {
		if last.RetryAfter > maxRetryAfter {
			return maxRetryAfter
		}
		return last.RetryAfter
	}
	return f.opt.RetryBase << uint(attempt)
}

func (f *Fetcher) retryable(e *Error) bool {
	switch e.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindStatus:
		return Retryable(e.Status)
	}
	return false
}

func (f *Fetcher) expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, f.opt.Getenv)
}

func classify(ctx context.Context, u string, err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, URL: u, Err: err}
	}
	return &Error{Kind: KindTransport, URL: u, Err: err}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isJSON(r *Response) bool {
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "json") {
		return true
	}
	b := bytes.TrimSpace(r.Body)
	return len(b) > 0 && (b[0] == '{' || b[0] == '[')
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
