package engine

import (
	"strings"
	"sync"
)

// groupSemaphore limits concurrent executions sharing a concurrency key.
//
// The limit is fixed for the life of the semaphore; a different limit for a
// live key keeps the first value.
type groupSemaphore struct {
	limit int
	held  int
}

// groupKey derives the effective group key.
func groupKey(concurrencyKey, name string) string {
	k := strings.TrimSpace(concurrencyKey)
	if k == "" {
		k = strings.TrimSpace(name)
	}
	return k
}

// groupLimiterStore holds one semaphore per active key. Idle semaphores are
// dropped so per-process-instance keys do not accumulate.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

// tryAcquire returns a release func, or false when the group is full.
// An empty key or a non-positive limit never blocks.
func (s *groupLimiterStore) tryAcquire(key string, limit int) (func(), bool) {
	k := strings.TrimSpace(key)
	if s == nil || limit <= 0 || k == "" {
		return func() {}, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil {
		gs = &groupSemaphore{limit: limit}
		s.groups[k] = gs
	}
	if gs.held >= gs.limit {
		return nil, false
	}
	gs.held++

	var once sync.Once
	return func() {
		once.Do(func() { s.release(k, gs) })
	}, true
}

func (s *groupLimiterStore) release(key string, gs *groupSemaphore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gs.held > 0 {
		gs.held--
	}
	if gs.held == 0 && s.groups[key] == gs {
		delete(s.groups, key)
	}
}

func (s *groupLimiterStore) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}
