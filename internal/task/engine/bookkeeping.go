package engine

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"timerd/internal/eventbus"
	logx "timerd/pkg/logx"
)

// keySet holds the overlap keys of queued or running tasks.
type keySet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func (k *keySet) acquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.m[key]; busy {
		return false
	}
	if k.m == nil {
		k.m = make(map[string]struct{})
	}
	k.m[key] = struct{}{}
	return true
}

func (k *keySet) release(key string) {
	k.mu.Lock()
	delete(k.m, key)
	k.mu.Unlock()
}

func (k *keySet) has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.m[key]
	return ok
}

func (k *keySet) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}

func (k *keySet) reset() {
	k.mu.Lock()
	k.m = nil
	k.mu.Unlock()
}

// history keeps the most recent finished or dropped tasks, oldest first.
type history struct {
	mu  sync.Mutex
	buf []HistoryItem
}

func (h *history) add(item HistoryItem, limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, item)
	if over := len(h.buf) - limit; over > 0 {
		h.buf = slices.Delete(h.buf, 0, over)
	}
}

func (h *history) items() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.buf)
}

const warnThrottleEvery = 5 * time.Second

// dropStats counts dropped tasks. Drops come in bursts, so each kind logs at
// most one warning per warnThrottleEvery.
type dropStats struct {
	queueFull, stale         atomic.Uint64
	queueFullWarn, staleWarn rate.Sometimes
}

func (s *Service) dropQueueFull(now time.Time, qt queuedTask, queueLen int) {
	n := s.drops.queueFull.Add(1)
	item := qt.item(now)
	item.Error = "queue_full"
	s.publish(eventbus.TaskDropped, now, item)
	s.drops.queueFullWarn.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", qt.task.Name),
			logx.String("key", qt.key),
			logx.Int("queue_len", queueLen),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) dropStale(now time.Time, item HistoryItem) {
	n := s.drops.stale.Add(1)
	s.publish(eventbus.TaskDropped, now, item)
	s.drops.staleWarn.Do(func() {
		s.log.Warn("task dropped: waited too long in queue",
			logx.String("task", item.Name),
			logx.String("key", item.Key),
			logx.Duration("queue_delay", item.QueueDelay),
			logx.Uint64("dropped_stale", n),
		)
	})
}
