package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedwatch/internal/event"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/format"
	logx "feedwatch/pkg/logx"
)

type registered struct {
	ch      Channel
	limiter *rate.Limiter
}

// Service delivers events to channel groups: render per markup, rate limit
// per channel, retry per part.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	fmtr *format.Formatter
	cfg  Config

	channels map[string]registered
	groups   map[string][]string

	hmu     sync.Mutex
	history []HistoryItem

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, fmtr *format.Formatter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if fmtr == nil {
		fmtr = format.New()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		fmtr:     fmtr,
		channels: map[string]registered{},
		groups:   map[string][]string{},
		sleep:    sleepCtx,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	s.cfg = cfg
}

// Register adds a channel. perSec <= 0 disables rate limiting for it.
func (s *Service) Register(ch Channel, perSec float64) error {
	if ch == nil {
		return errors.New("nil channel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, ch.Name())
	}
	var lim *rate.Limiter
	if perSec > 0 {
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	s.channels[ch.Name()] = registered{ch: ch, limiter: lim}
	return nil
}

// SetGroup defines an ordered channel group. Every name must be registered.
func (s *Service) SetGroup(name string, channels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		if _, ok := s.channels[c]; !ok {
			return fmt.Errorf("group %q: unknown channel %q", name, c)
		}
	}
	s.groups[name] = append([]string(nil), channels...)
	return nil
}

// Groups returns group -> channel names.
func (s *Service) Groups() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.groups))
	for k, v := range s.groups {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Channels lists registered channel names and kinds, sorted by name.
func (s *Service) Channels() []ChannelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelInfo, 0, len(s.channels))
	for name, r := range s.channels {
		out = append(out, ChannelInfo{Name: name, Kind: r.ch.Kind(), Markup: r.ch.Markup()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type ChannelInfo struct {
	Name   string        `json:"name"`
	Kind   Kind          `json:"kind"`
	Markup format.Markup `json:"markup"`
}

// Deliver sends ev to every channel of group. The error is only set when the
// group cannot be resolved; channel failures live in the Result.
func (s *Service) Deliver(ctx context.Context, ev event.Event, group string) (Result, error) {
	s.mu.Lock()
	names, ok := s.groups[group]
	chans := make([]registered, 0, len(names))
	for _, n := range names {
		chans = append(chans, s.channels[n])
	}
	s.mu.Unlock()

	res := Result{Group: group}
	if !ok {
		return res, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	if len(chans) == 0 {
		return res, fmt.Errorf("%w: %q", ErrNoChannels, group)
	}

	// One rendering per markup and limit pair.
	type renderKey struct {
		m          format.Markup
		soft, hard int
	}
	rendered := map[renderKey]format.Payload{}

	for _, r := range chans {
		cr := ChannelResult{Channel: r.ch.Name(), Kind: r.ch.Kind()}
		if f, ok := r.ch.(Filter); ok && !f.Accepts(ev) {
			cr.Status = StatusSkipped
			res.Channels = append(res.Channels, cr)
			continue
		}
		soft, hard := r.ch.Limits()
		k := renderKey{m: r.ch.Markup(), soft: soft, hard: hard}
		p, ok := rendered[k]
		if !ok {
			p = s.fmtr.Render(ev, k.m, soft, hard)
			rendered[k] = p
		}
		s.sendParts(ctx, r, ev, p, &cr)
		res.Channels = append(res.Channels, cr)
	}
	return res, nil
}

// sendParts delivers parts in order and stops at the first failed part.
func (s *Service) sendParts(ctx context.Context, r registered, ev event.Event, p format.Payload, cr *ChannelResult) {
	cr.Parts = len(p.Parts)
	for i, text := range p.Parts {
		part := Part{Event: ev, Payload: p, Index: i, Total: len(p.Parts), Text: text}
		attempts, err := s.sendWithRetry(ctx, r, part)
		cr.Attempts += attempts
		if err != nil {
			cr.Status = StatusFailed
			cr.Err = fmt.Errorf("part %d/%d: %w", i+1, len(p.Parts), err)
			s.log.Warn("channel delivery failed",
				logx.String("channel", cr.Channel),
				logx.String("source", ev.SourceID),
				logx.Int("part", i+1),
				logx.Int("parts", len(p.Parts)),
				logx.Err(err))
			s.publish(eventbus.ChannelFailed, r.ch, ev, cr.Parts, cr.Err)
			return
		}
		cr.Sent++
		s.appendHistory(cr.Channel, text)
	}
	cr.Status = StatusSent
	s.publish(eventbus.ChannelSent, r.ch, ev, cr.Parts, nil)
}

func (s *Service) sendWithRetry(ctx context.Context, r registered, part Part) (int, error) {
	s.mu.Lock()
	cfg := s.cfg
	sleep := s.sleep
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return attempt, err
			}
		}
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := r.ch.Send(callCtx, part)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.log.Debug("channel send failed",
			logx.String("channel", r.ch.Name()),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err))

		if isPermanent(err) || attempt >= maxAttempts {
			break
		}
		delay, ok := retryAfterOf(err)
		if !ok {
			delay = retryDelay(cfg, attempt)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return attempt, lastErr
}

func (s *Service) publish(typ string, ch Channel, ev event.Event, parts int, err error) {
	ne := NotificationEvent{
		Channel:     ch.Name(),
		Kind:        ch.Kind(),
		Source:      ev.SourceID,
		Fingerprint: ev.Fingerprint,
		Parts:       parts,
		At:          time.Now(),
	}
	if err != nil {
		ne.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, ne)
}

// History returns recently delivered parts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(channel, text string) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: channel, Text: text})
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

// Close releases channels that hold resources.
func (s *Service) Close() error {
	s.mu.Lock()
	chans := make([]Channel, 0, len(s.channels))
	for _, r := range s.channels {
		chans = append(chans, r.ch)
	}
	s.mu.Unlock()

	var errs []error
	for _, ch := range chans {
		if c, ok := ch.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > maxD {
		d = maxD
	}
	return d
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
