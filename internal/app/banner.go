package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedwatch/internal/event"
	logx "feedwatch/pkg/logx"
)

// bannerLines lists sources and enabled channels. Secrets never appear:
// channels are named by their config name only.
func (a *App) bannerLines() (sources, channels []string) {
	for _, m := range a.monitors {
		d := m.Source()
		sources = append(sources, fmt.Sprintf("%s (%s, %s, every %s)", d.DisplayName(), d.Kind, d.Policy.String(), d.Schedule))
	}
	for _, ch := range a.notif.Channels() {
		channels = append(channels, fmt.Sprintf("%s (%s)", ch.Name, ch.Kind))
	}
	return sources, channels
}

func (a *App) logBanner() {
	sources, channels := a.bannerLines()
	a.log.Info("feedwatch starting",
		logx.Strings("sources", sources),
		logx.Strings("channels", channels))
}

// announce sends the start-up banner to every group marked announce. A
// failed banner is logged and never blocks start-up.
func (a *App) announce(ctx context.Context) {
	groups := a.cfg.AnnounceGroups()
	if len(groups) == 0 {
		return
	}
	sources, channels := a.bannerLines()
	var b strings.Builder
	fmt.Fprintf(&b, "Sources (%d):\n", len(sources))
	for _, s := range sources {
		b.WriteString("• " + s + "\n")
	}
	fmt.Fprintf(&b, "Channels (%d): %s", len(channels), strings.Join(channels, ", "))

	ev := event.Event{
		SourceID:    "feedwatch",
		SourceLabel: "feedwatch",
		Class:       event.ClassBanner,
		Item:        event.Item{Title: "Monitoring started"},
		Message:     b.String(),
		CapturedAt:  time.Now(),
	}
	for _, g := range groups {
		res, err := a.notif.Deliver(ctx, ev, g)
		if err != nil {
			a.log.Warn("banner not sent", logx.String("group", g), logx.Err(err))
			continue
		}
		if !res.OK() && res.Failed() > 0 {
			a.log.Warn("banner not delivered", logx.String("group", g), logx.Err(res.Err()))
		}
	}
}
