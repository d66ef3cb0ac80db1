package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"timerd/internal/eventbus"
	logx "timerd/pkg/logx"
)

// Service is the bounded worker pool that runs timer firings. Acquisition
// hands it one Task per leased timer; the pool decides when the firing runs
// and how often a failing one is retried in memory before the failure is
// recorded on the timer itself.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	pool *pool // nil while stopped

	log logx.Logger
	bus eventbus.Bus

	inFlight atomic.Int32
	seq      atomic.Uint64

	keys     keySet
	groups   groupLimiterStore
	circuits circuitStore
	hist     history
	drops    dropStats
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: withDefaults(cfg),
		log: log.With(logx.String("comp", "executor")),
		bus: bus,
	}
	s.drops.queueFullWarn.Interval = warnThrottleEvery
	s.drops.staleWarn.Interval = warnThrottleEvery
	return s
}

func withDefaults(cfg Config) Config {
	cfg.Workers = cmpOr(cfg.Workers, 2)
	cfg.QueueSize = cmpOr(cfg.QueueSize, 256)
	cfg.HistorySize = cmpOr(cfg.HistorySize, 200)
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.CircuitTripFailures == 0 {
		cfg.CircuitTripFailures = defaultCircuitTrip
	}
	cfg.CircuitBaseDelay = cmpOr(cfg.CircuitBaseDelay, defaultCircuitBaseDelay)
	cfg.CircuitMaxDelay = cmpOr(cfg.CircuitMaxDelay, defaultCircuitMaxDelay)
	cfg.CircuitResetAfter = cmpOr(cfg.CircuitResetAfter, defaultCircuitResetAfter)
	return cfg
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.config().Enabled }

// Apply swaps the configuration. The pool restarts when its shape changes
// and starts or stops when Enabled flips.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.pool != nil && !s.pool.stopping
	s.mu.Unlock()

	reshaped := prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize
	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && reshaped:
		s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	}
}

// Running reports whether a task with the overlap key is queued or running.
func (s *Service) Running(key string) bool { return s.keys.has(key) }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	var queueLen, queueCap int
	if s.pool != nil {
		queueLen, queueCap = len(s.pool.queue), cap(s.pool.queue)
	}
	s.mu.Unlock()

	circuits, open := s.circuitSnapshot(time.Now(), cfg)
	full, stale := s.drops.queueFull.Load(), s.drops.stale.Load()
	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         queueLen,
		QueueCap:         queueCap,
		InFlight:         int(s.inFlight.Load()),
		Running:          s.keys.len(),
		Groups:           s.groups.active(),
		Dropped:          full + stale,
		DroppedQueueFull: full,
		DroppedStale:     stale,
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		CircuitTotal:     circuits,
		CircuitOpen:      open,
		History:          s.hist.items(),
	}
}

func (s *Service) publish(typ string, at time.Time, item HistoryItem) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: TaskEvent(item)})
}
