// Package eventbus carries timer lifecycle, executor and handler events
// between components in one process. Delivery is best effort: Publish never
// blocks, and a subscriber whose buffer is full misses the event.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one notification. Data is a small value, usually a struct from
// the publishing package.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types. The part before the dot is the family a subscriber can
// filter on.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	TimerFired       = "timer.fired"
	TimerRescheduled = "timer.rescheduled"
	TimerTerminated  = "timer.terminated"
	TimerFailed      = "timer.failed"

	// Published by the built-in handlers.
	ActivityTriggered = "activity.triggered"
	ProcessStarted    = "process.started"

	ConfigReloaded = "config.reloaded"
)

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel with the given buffer. With no filters the
	// subscriber sees every event; otherwise only types equal to a filter or
	// in a family given as "timer." or "task.".
	Subscribe(buffer int, filters ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	ch      chan Event
	filters []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if f == typ || (strings.HasSuffix(f, ".") && strings.HasPrefix(typ, f)) {
			return true
		}
	}
	return false
}

type memBus struct {
	// Publish holds the read lock while sending; unsubscribe closes the
	// channel under the write lock, so a send never hits a closed channel.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, filters ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), filters: filters}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
