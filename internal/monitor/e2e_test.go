package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"feedwatch/internal/fetch"
	"feedwatch/internal/source"
	"feedwatch/internal/storage"
)

const forumHTML = `<html><body><ul class="topics">
  <li class="topic" data-id="100"><a href="/t/100">Welcome thread</a></li>
  <li class="topic" data-id="101"><a href="/t/101">Governance proposal</a></li>
</ul></body></html>`

func forumSource(url string) source.Descriptor {
	return source.Descriptor{
		ID:    "forum",
		Label: "Forum",
		Kind:  source.KindForumTopics,
		Request: source.Request{
			URL: url,
		},
		Rules: source.Rules{
			Items: "ul.topics > li.topic",
			Fields: []source.FieldRule{
				{Name: "id", Attr: "data-id", Required: true},
				{Name: "title", Selector: "a", Text: "strip"},
				{Name: "link", Selector: "a", Attr: "href"},
			},
			Key: "post_{id}",
		},
		Policy: source.DiffPolicy{Kind: source.PolicyNewOnly},
	}
}

func TestScenarioForumNovelty(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, "text/html", forumHTML)
	chat := newSink(t, http.StatusOK)
	p := newPipeline(t, forumSource(up.srv.URL), Config{}, chat)
	ctx := context.Background()

	st, err := p.mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if got := chat.keys(); len(got) != 2 || got[0] != "post_100" || got[1] != "post_101" {
		t.Fatalf("delivered keys=%v", got)
	}
	if st.Fetched != 1 || st.Extracted != 2 || st.New != 2 || st.Delivered != 2 {
		t.Fatalf("stats=%+v", st)
	}
	for _, pl := range chat.payloads() {
		fp, _ := pl["fingerprint"].(string)
		ok, err := p.store.Contains(ctx, fp)
		if err != nil || !ok {
			t.Fatalf("fingerprint %s not recorded (err=%v)", fp, err)
		}
	}
	if d := p.pacing.got(); len(d) != 1 || d[0] != DefaultPacing {
		t.Fatalf("pacing sleeps=%v want one of %v", d, DefaultPacing)
	}

	chat.reset()
	st, err = p.mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if n := len(chat.keys()); n != 0 || st.Delivered != 0 || st.Unchanged != 2 {
		t.Fatalf("rerun delivered %d messages, stats=%+v", n, st)
	}
}

func TestScenarioThresholdDelta(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, "application/json", `{"token":{"price_usd":0.2503}}`)
	chat := newSink(t, http.StatusOK)
	d := source.Descriptor{
		ID:      "price",
		Kind:    source.KindPriceFeed,
		Request: source.Request{URL: up.srv.URL},
		Rules: source.Rules{
			Items:  "*",
			Fields: []source.FieldRule{{Name: "symbol", Path: "$key"}, {Name: "price_usd", Required: true}},
			Key:    "{symbol}",
		},
		Policy: source.DiffPolicy{Kind: source.PolicyThreshold, Field: "price_usd", Delta: 0.01},
	}
	p := newPipeline(t, d, Config{}, chat)
	ctx := context.Background()
	if err := p.store.PutLastValue(ctx, storage.Value{SourceID: "price", Key: "token", Field: "price_usd", Value: "0.24", UpdatedAt: fixedNow}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := p.mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if st.Delta != 1 || st.Delivered != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if got := chat.payloads(); len(got) != 1 || got[0]["class"] != "delta" {
		t.Fatalf("payloads=%v", got)
	}
	v, ok, err := p.store.LastValue(ctx, "price", "token", "price_usd")
	if err != nil || !ok || v.Value != "0.2503" {
		t.Fatalf("last value=%+v ok=%v err=%v", v, ok, err)
	}

	chat.reset()
	st, err = p.mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(chat.keys()) != 0 || st.Delta+st.New != 0 {
		t.Fatalf("rerun emitted events: stats=%+v", st)
	}
}

func TestScenarioTopNReplace(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, "application/json", `{"rows":[{"id":"A"},{"id":"D"},{"id":"B"}]}`)
	chat := newSink(t, http.StatusOK)
	d := source.Descriptor{
		ID:      "leaders",
		Kind:    source.KindJSONAPI,
		Request: source.Request{URL: up.srv.URL},
		Rules: source.Rules{
			Items:  "rows",
			Fields: []source.FieldRule{{Name: "id", Required: true}},
			Key:    "{id}",
		},
		Policy: source.DiffPolicy{Kind: source.PolicyTopN, N: 3},
	}
	p := newPipeline(t, d, Config{}, chat)
	ctx := context.Background()
	prior := map[string]string{"A": "1", "B": "2", "C": "3"}
	if err := p.store.ReplaceSnapshot(ctx, "leaders", rankField, prior, fixedNow); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := p.mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := chat.payloads()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %v", got)
	}
	if got[0]["key"] != "D" || got[0]["class"] != "new" {
		t.Fatalf("first event=%v", got[0])
	}
	if got[1]["key"] != "B" || got[1]["class"] != "delta" {
		t.Fatalf("second event=%v", got[1])
	}
	if st.New != 1 || st.Delta != 1 || st.Unchanged != 1 {
		t.Fatalf("stats=%+v", st)
	}
	snap, err := p.store.Snapshot(ctx, "leaders", rankField)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 3 || snap["A"] != "1" || snap["D"] != "2" || snap["B"] != "3" {
		t.Fatalf("snapshot=%v", snap)
	}
}

func TestScenarioPartialChannelFailure(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, "application/json", `{"rows":[{"id":"7","title":"Seed round"}]}`)
	down := newSink(t, http.StatusBadGateway)
	ok := newSink(t, http.StatusOK)
	d := source.Descriptor{
		ID:      "raises",
		Kind:    source.KindJSONAPI,
		Request: source.Request{URL: up.srv.URL},
		Rules:   source.Rules{Items: "rows", Fields: []source.FieldRule{{Name: "id"}, {Name: "title"}}, Key: "raise_{id}"},
	}
	p := newPipeline(t, d, Config{}, down, ok)
	ctx := context.Background()

	st, err := p.mon.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if st.Delivered != 1 || st.FailedChannels != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
	got := ok.payloads()
	if len(got) != 1 {
		t.Fatalf("healthy channel got %d messages", len(got))
	}
	fp, _ := got[0]["fingerprint"].(string)
	if rec, found, err := p.store.Get(ctx, fp); err != nil || !found || rec.SourceID != "raises" {
		t.Fatalf("dedup row missing: %+v found=%v err=%v", rec, found, err)
	}
}

func TestScenarioRateLimitHonoring(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var starts []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rows":[]}`))
	}))
	defer srv.Close()

	f := fetch.New(fetch.Options{HostInterval: time.Second})
	ctx := context.Background()
	for _, path := range []string{"/a", "/b"} {
		if _, err := f.Fetch(ctx, source.Request{URL: srv.URL + path}); err != nil {
			t.Fatalf("fetch %s: %v", path, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 {
		t.Fatalf("requests=%d", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < 950*time.Millisecond {
		t.Fatalf("second fetch began %v after the first", gap)
	}
}

func TestScenarioLongPayloadSplit(t *testing.T) {
	t.Parallel()

	long := strings.TrimSpace(strings.Repeat("lorem ipsum ", 434))
	up := newUpstream(t, "application/json", `{"rows":[{"id":"1","body":"`+long+`"}]}`)
	chat := newSink(t, http.StatusOK)
	d := source.Descriptor{
		ID:      "digest",
		Kind:    source.KindJSONAPI,
		Request: source.Request{URL: up.srv.URL},
		Rules:   source.Rules{Items: "rows", Fields: []source.FieldRule{{Name: "id"}, {Name: "body"}}, Key: "{id}"},
	}
	p := newPipeline(t, d, Config{}, chat)

	st, err := p.mon.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := chat.payloads()
	if st.Delivered != 1 || len(got) != 2 {
		t.Fatalf("delivered=%d parts=%d", st.Delivered, len(got))
	}
	for i, pl := range got {
		if part, _ := pl["part"].(float64); int(part) != i+1 {
			t.Fatalf("part %d out of order: %v", i, pl["part"])
		}
		if text, _ := pl["text"].(string); len([]rune(text)) > 4096 {
			t.Fatalf("part %d has %d runes", i+1, len([]rune(text)))
		}
	}
}

func TestEmptyUpstreamWritesNothing(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, "application/json", `{"rows":[]}`)
	chat := newSink(t, http.StatusOK)
	d := source.Descriptor{
		ID:      "empty",
		Kind:    source.KindJSONAPI,
		Request: source.Request{URL: up.srv.URL},
		Rules:   source.Rules{Items: "rows", Fields: []source.FieldRule{{Name: "id"}}, Key: "{id}"},
	}
	p := newPipeline(t, d, Config{}, chat)

	st, err := p.mon.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if st != (Stats{Fetched: 1}) {
		t.Fatalf("stats=%+v", st)
	}
	if n, err := p.store.Prune(context.Background(), fixedNow.Add(time.Hour)); err != nil || n != 0 {
		t.Fatalf("dedup rows=%d err=%v", n, err)
	}
}
