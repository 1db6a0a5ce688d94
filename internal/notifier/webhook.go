package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"feedwatch/internal/format"
)

type WebhookConfig struct {
	Name string
	// Kind is KindDiscord, KindSlack or KindWebhook (generic JSON).
	Kind    Kind
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

// Webhook posts JSON to a fixed URL. Any 2xx is success.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook: url is required")
	}
	switch cfg.Kind {
	case KindDiscord, KindSlack, KindWebhook:
	case "":
		cfg.Kind = KindWebhook
	default:
		return nil, fmt.Errorf("webhook: unsupported kind %q", cfg.Kind)
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Kind)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := cfg.Client
	if c == nil {
		c = &http.Client{Timeout: cfg.Timeout}
	}
	return &Webhook{cfg: cfg, client: c}, nil
}

func (w *Webhook) Name() string { return w.cfg.Name }
func (w *Webhook) Kind() Kind   { return w.cfg.Kind }

func (w *Webhook) Markup() format.Markup {
	switch w.cfg.Kind {
	case KindDiscord:
		return format.Discord
	case KindSlack:
		return format.Slack
	default:
		return format.Plain
	}
}

func (w *Webhook) Limits() (int, int) {
	if w.cfg.Kind == KindDiscord {
		// Discord rejects content above 2000 characters.
		return 1900, 2000
	}
	return format.SoftLimit, format.HardLimit
}

func (w *Webhook) payload(p Part) map[string]any {
	switch w.cfg.Kind {
	case KindDiscord:
		return map[string]any{"content": p.Text}
	case KindSlack:
		return map[string]any{"text": p.Text, "mrkdwn": true}
	}
	ev := p.Event
	out := map[string]any{
		"source":      ev.SourceID,
		"label":       ev.SourceLabel,
		"class":       string(ev.Class),
		"key":         ev.Item.Key,
		"fingerprint": ev.Fingerprint,
		"title":       p.Payload.Title,
		"text":        p.Text,
		"part":        p.Index + 1,
		"parts":       p.Total,
		"critical":    ev.Critical,
		"captured_at": ev.CapturedAt,
	}
	if p.Payload.Link != "" {
		out["link"] = p.Payload.Link
	}
	if len(ev.Item.Fields) > 0 {
		out["fields"] = ev.Item.Fields
	}
	return out
}

func (w *Webhook) Send(ctx context.Context, p Part) error {
	body, err := json.Marshal(w.payload(p))
	if err != nil {
		return NoRetry(fmt.Errorf("webhook: marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return NoRetry(fmt.Errorf("webhook: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, perr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); perr == nil && secs > 0 {
			return RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return err
	default:
		return NoRetry(err)
	}
}
