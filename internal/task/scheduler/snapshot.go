package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	spread := s.spread
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = loc.String()
	}

	snap := Snapshot{
		Enabled:   cfg.Enabled,
		Timezone:  tz,
		Poll:      cfg.Poll,
		Owner:     s.owner,
		NextPoll:  s.nextPoll(),
		Spread:    spread,
		RateLimit: cfg.MaxFiresPerSec,
		Acquired:  s.acquired.Load(),
		Enqueued:  s.enqueued.Load(),
		Fired:     s.fired.Load(),
		Failed:    s.failed.Load(),
	}
	if ns := s.lastPoll.Load(); ns != 0 {
		snap.LastPoll = time.Unix(0, ns)
	}
	if s.exec != nil {
		snap.Executor = s.exec.Snapshot()
	}
	return snap
}
