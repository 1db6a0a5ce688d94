package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	logx "feedwatch/pkg/logx"
)

// Renderer returns the post-JavaScript HTML of a page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
	Close() error
}

type BrowserConfig struct {
	// RemoteURL is the DevTools websocket of an external Chrome; empty launches one.
	RemoteURL string
	// Bin overrides the Chrome binary used by the launcher.
	Bin      string
	Headless bool
}

// Browser is a lazily launched headless Chrome shared by all html sources that
// ask for render: browser. Pages are opened with stealth patches applied.
type Browser struct {
	cfg BrowserConfig
	log logx.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

func NewBrowser(cfg BrowserConfig, log logx.Logger) *Browser {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Browser{cfg: cfg, log: log}
}

func (b *Browser) ensure() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("browser: closed")
	}
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := strings.TrimSpace(b.cfg.RemoteURL)
	if wsURL == "" {
		l := launcher.New().Headless(b.cfg.Headless).Set("disable-blink-features", "AutomationControlled")
		if bin := strings.TrimSpace(b.cfg.Bin); bin != "" {
			l = l.Bin(bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.log.Info("browser launched", logx.String("url", wsURL))
	}

	rb := rod.New().ControlURL(wsURL)
	if err := rb.Connect(); err != nil {
		b.cleanupLocked()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	b.browser = rb
	return rb, nil
}

func (b *Browser) Render(ctx context.Context, pageURL string) (string, error) {
	rb, err := b.ensure()
	if err != nil {
		return "", err
	}
	page, err := stealth.Page(rb)
	if err != nil {
		// A dead browser is dropped so the next call relaunches it.
		b.reset()
		return "", fmt.Errorf("browser: open tab: %w", err)
	}
	defer func() { _ = page.Close() }()

	p := page.Context(ctx)
	if err := p.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		b.log.Warn("browser wait load failed", logx.String("url", pageURL), logx.Err(err))
	}
	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("browser: read dom: %w", err)
	}
	return html, nil
}

func (b *Browser) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupLocked()
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cleanupLocked()
	return nil
}

func (b *Browser) cleanupLocked() {
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}
