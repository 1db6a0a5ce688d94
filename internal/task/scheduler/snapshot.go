package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	out := Snapshot{Timezone: loc.String()}
	for _, d := range defs {
		it := ScheduleInfo{Name: d.job.Name, Spec: d.spec.String(), Timeout: d.job.Timeout, Spread: d.spread}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		if eng != nil {
			it.Running = eng.StateFor(d.job.Name).Running()
		}
		out.Schedules = append(out.Schedules, it)
	}
	if eng != nil {
		out.Engine = eng.Snapshot()
		out.Engine.History = nil
	}
	return out
}
