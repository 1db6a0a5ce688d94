package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// bodyCache keeps the last successful JSON body per logical key for a short TTL.
type bodyCache struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]Response
}

func newBodyCache(ttl time.Duration, now func() time.Time) *bodyCache {
	return &bodyCache{ttl: ttl, now: now, m: map[string]Response{}}
}

func (c *bodyCache) put(key string, r *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *r
	cp.Body = append([]byte(nil), r.Body...)
	c.m[key] = cp
	// Opportunistic eviction keeps the map bounded by the number of live sources.
	if len(c.m) > 256 {
		cutoff := c.now().Add(-c.ttl)
		for k, v := range c.m {
			if v.FetchedAt.Before(cutoff) {
				delete(c.m, k)
			}
		}
	}
}

func (c *bodyCache) get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(r.FetchedAt) > c.ttl {
		delete(c.m, key)
		return nil, false
	}
	cp := r
	cp.Body = append([]byte(nil), r.Body...)
	return &cp, true
}

// cacheKeyFor is host + canonical URL (sorted query), plus a body hash for POSTs.
func cacheKeyFor(method string, u *url.URL, body string) string {
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(u.EscapedPath())
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(strings.Join(vs, ",")))
	}
	if body != "" {
		sum := sha256.Sum256([]byte(body))
		b.WriteByte('#')
		b.WriteString(hex.EncodeToString(sum[:8]))
	}
	return b.String()
}
