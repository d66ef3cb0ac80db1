package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"timerd/internal/eventbus"
	"timerd/internal/storage"
	logx "timerd/pkg/logx"
)

type Option func(*Service)

// WithClock overrides the acquisition clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, store storage.Store, firer Firer, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		now:   time.Now,
		owner: lockOwner(cfg.LockOwner),
		store: store,
		firer: firer,
		exec:  exec,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		limiter: newLimiter(cfg),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func lockOwner(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "timerd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.MaxFiresPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.Burst)
	}
	return rate.NewLimiter(rate.Limit(cfg.MaxFiresPerSec), cfg.Burst)
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Owner is the lock owner written into acquired timers.
func (s *Service) Owner() string { return s.owner }

// Apply swaps the configuration. The trigger is rebuilt when the poll spec or
// timezone changes; the rate limit is updated in place.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg

	if cfg.MaxFiresPerSec != old.MaxFiresPerSec || cfg.Burst != old.Burst {
		lim := rate.Limit(cfg.MaxFiresPerSec)
		if cfg.MaxFiresPerSec <= 0 {
			lim = rate.Inf
		}
		s.limiter.SetLimit(lim)
		s.limiter.SetBurst(cfg.Burst)
	}

	if s.c == nil {
		return
	}
	if !cfg.Enabled {
		s.stopCronLocked()
		return
	}
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || old.Poll != cfg.Poll {
		s.stopCronLocked()
		if err := s.startCronLocked(); err != nil {
			s.log.Error("acquisition restart failed", logx.Err(err))
		}
	}
}

// Start registers the acquisition trigger.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("acquisition disabled")
		return nil
	}
	if s.store == nil {
		return storage.ErrDisabled
	}
	return s.startCronLocked()
}

func (s *Service) startCronLocked() error {
	ps, err := ParseSchedule(s.cfg.Poll)
	if err != nil {
		return fmt.Errorf("acquisition poll: %w", err)
	}
	loc := s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	job := cron.FuncJob(func() {
		if _, err := s.Poll(context.Background()); err != nil {
			s.log.Warn("acquisition failed", logx.Err(err))
		}
	})

	var (
		id     cron.EntryID
		spread time.Duration
	)
	switch ps.Kind {
	case SpecInterval:
		var sched cron.Schedule
		sched, spread = makeIntervalScheduleWithSpread(ps.Every, time.Now().In(loc), s.owner)
		id = c.Schedule(sched, job)
	default:
		id, err = c.AddJob(ps.Cron, job)
		if err != nil {
			return fmt.Errorf("acquisition poll %q: %w", ps.Cron, err)
		}
	}

	s.c, s.loc, s.entryID, s.spread = c, loc, id, spread
	c.Start()
	s.log.Info("acquisition started",
		logx.String("poll", s.cfg.Poll), logx.String("tz", loc.String()),
		logx.String("owner", s.owner), logx.Duration("spread", spread))
	return nil
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	// Do not wait for a running poll here: it may be blocked on s.mu.
	s.c.Stop()
	s.c = nil
	s.entryID = 0
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop stops the acquisition trigger and waits for a running poll.
// Timers already enqueued are drained by the executor.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entryID = 0
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("acquisition stopped", logx.Duration("took", time.Since(start)))
}
