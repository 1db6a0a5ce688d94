package scheduler

import (
	"errors"
	"time"

	"feedwatch/internal/task/engine"
	logx "feedwatch/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// The engine already counts and logs its own drops.
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrQueueFull) {
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue", logx.String("schedule", name), logx.Err(err))
}
