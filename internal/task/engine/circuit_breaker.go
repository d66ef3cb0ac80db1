package engine

import (
	"strings"
	"sync"
	"time"
)

// Circuit defaults, applied when the config leaves a field at zero.
const (
	defaultCircuitTrip       = 5
	defaultCircuitBaseDelay  = 5 * time.Second
	defaultCircuitMaxDelay   = 2 * time.Minute
	defaultCircuitResetAfter = 5 * time.Minute
)

// breakerPolicy is the effective breaker setting for one task.
type breakerPolicy struct {
	trip       int
	base, max  time.Duration
	resetAfter time.Duration
}

// policyFor resolves the breaker for opt. ok is false when either the engine
// or the task disables it.
func policyFor(cfg Config, opt TaskOptions) (p breakerPolicy, ok bool) {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return breakerPolicy{}, false
	}
	p = breakerPolicy{
		trip:       cmpOr(opt.CircuitTripFailures, cfg.CircuitTripFailures, defaultCircuitTrip),
		base:       cmpOr(cfg.CircuitBaseDelay, defaultCircuitBaseDelay),
		max:        cmpOr(cfg.CircuitMaxDelay, defaultCircuitMaxDelay),
		resetAfter: cmpOr(cfg.CircuitResetAfter, defaultCircuitResetAfter),
	}
	return p, true
}

// cmpOr returns the first positive value.
func cmpOr[T int | time.Duration](vals ...T) T {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// cooldown grows base*2^(fails-trip), capped at max.
func (p breakerPolicy) cooldown(fails int) time.Duration {
	d := p.base
	for i := p.trip; i < fails && d < p.max; i++ {
		d *= 2
	}
	return min(d, p.max)
}

// breaker counts consecutive failed firings of one task name. Firing tasks
// are named after the handler type, so one broken handler backs off without
// holding up the others.
type breaker struct {
	fails       int
	lastFailure time.Time
	openUntil   time.Time
}

// expire forgets failures older than the reset window.
func (b *breaker) expire(now time.Time, p breakerPolicy) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > p.resetAfter {
		*b = breaker{}
	}
}

func (b *breaker) open(now time.Time) bool {
	return now.Before(b.openUntil)
}

func (b *breaker) observe(now time.Time, p breakerPolicy, failed bool) {
	if !failed {
		*b = breaker{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails >= p.trip {
		b.openUntil = now.Add(p.cooldown(b.fails))
	}
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*breaker
}

// with runs fn on the breaker for name under the store lock. Blank names
// have no breaker.
func (s *circuitStore) with(name string, fn func(b *breaker)) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]*breaker)
	}
	b := s.m[name]
	if b == nil {
		b = &breaker{}
		s.m[name] = b
	}
	fn(b)
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config, opt TaskOptions) (open bool, until time.Time) {
	p, ok := policyFor(cfg, opt)
	if !ok {
		return false, time.Time{}
	}
	s.circuits.with(name, func(b *breaker) {
		b.expire(now, p)
		if b.open(now) {
			open, until = true, b.openUntil
		}
	})
	return open, until
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	p, ok := policyFor(cfg, opt)
	if !ok {
		return
	}
	s.circuits.with(name, func(b *breaker) {
		b.expire(now, p)
		b.observe(now, p, err != nil)
	})
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if _, ok := policyFor(cfg, TaskOptions{}); !ok {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, b := range s.circuits.m {
		if b.open(now) {
			open++
		}
	}
	return total, open
}
