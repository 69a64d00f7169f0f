package scheduler

import (
	"time"

	"cronhub/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	s.mu.Unlock()

	var last time.Time
	if ms := s.lastTick.Load(); ms > 0 {
		last = time.UnixMilli(ms).UTC()
	}
	var eng engine.Snapshot
	if s.disp != nil {
		eng = s.disp.Snapshot()
	}
	return Snapshot{
		Enabled:      cfg.Enabled,
		Timezone:     loc.String(),
		TickInterval: cfg.TickInterval,
		LastTick:     last,
		Ticks:        s.ticks.Load(),
		Fired:        s.fired.Load(),
		Skipped:      s.skipped.Load(),
		Conflicts:    s.conflicts.Load(),
		Swept:        s.swept.Load(),
		Engine:       eng,
	}
}
