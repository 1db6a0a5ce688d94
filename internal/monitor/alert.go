package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedwatch/internal/event"
	"feedwatch/internal/eventbus"
	logx "feedwatch/pkg/logx"
)

// SourceStateEvent is published when a source goes down or comes back.
type SourceStateEvent struct {
	Source      string    `json:"source"`
	Consecutive int       `json:"consecutive"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

// track updates health and raises one failure alert per outage. Undelivered
// events do not count as a source failure; a canceled cycle counts as nothing.
func (m *Monitor) track(ctx context.Context, cycleID string, at time.Time, st Stats, err error, log logx.Logger) {
	if err != nil && ctx.Err() != nil {
		return
	}
	failed := err != nil && !errors.Is(err, ErrUndelivered)

	m.mu.Lock()
	h := &m.health
	h.Cycles++
	h.LastRun = at
	h.LastStats = st
	if err != nil {
		h.LastError = err.Error()
	} else {
		h.LastError = ""
	}
	var alert, recovered bool
	if failed {
		h.ConsecutiveErr++
		if m.cfg.FailureThreshold > 0 && h.ConsecutiveErr == m.cfg.FailureThreshold && !h.Alerting {
			h.Alerting = true
			alert = true
		}
	} else {
		h.LastSuccess = at
		if h.Alerting {
			recovered = true
		}
		h.ConsecutiveErr = 0
		h.Alerting = false
	}
	consecutive := h.ConsecutiveErr
	m.mu.Unlock()

	switch {
	case alert:
		eventbus.Publish(m.bus, eventbus.SourceDown, SourceStateEvent{Source: m.d.ID, Consecutive: consecutive, At: at, Error: err.Error()})
		msg := fmt.Sprintf("%d consecutive failed cycles: %v", consecutive, err)
		m.sendAlert(ctx, cycleID, event.ClassFailure, msg, true, log)
	case recovered:
		eventbus.Publish(m.bus, eventbus.SourceUp, SourceStateEvent{Source: m.d.ID, At: at})
		m.sendAlert(ctx, cycleID, event.ClassRecovered, "source is healthy again", false, log)
	}
}

func (m *Monitor) sendAlert(ctx context.Context, cycleID string, class event.Class, msg string, critical bool, log logx.Logger) {
	group := m.cfg.AlertGroup
	if group == "" {
		group = m.group()
	}
	ev := event.Event{
		SourceID:    m.d.ID,
		SourceLabel: m.d.DisplayName(),
		CycleID:     cycleID,
		Class:       class,
		Critical:    critical,
		CapturedAt:  m.now(),
		Message:     msg,
		Item:        event.Item{Key: m.d.ID},
	}
	r, err := m.notifier.Deliver(ctx, ev, group)
	if err != nil {
		log.Error("alert not delivered", logx.String("class", string(class)), logx.Err(err))
		return
	}
	if !r.OK() {
		log.Error("alert not delivered", logx.String("class", string(class)), logx.Err(r.Err()))
		return
	}
	log.Info("alert delivered", logx.String("class", string(class)), logx.String("group", group))
}
