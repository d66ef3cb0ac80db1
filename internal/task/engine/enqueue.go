package engine

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"timerd/internal/eventbus"
	logx "timerd/pkg/logx"
)

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	key        string // overlap key
	track      bool   // key is held in Service.keys
}

func (qt queuedTask) item(started time.Time) HistoryItem {
	return HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.key, Started: started}
}

// Enqueue admits t without blocking. A full queue drops the task with
// ErrQueueFull; acquisition leaves such a timer leased and retries it after
// the lease expires.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = "tsk-" + strconv.FormatInt(now.UnixNano(), 36) + "-" + strconv.FormatUint(s.seq.Add(1), 36)
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	stopping := p != nil && p.stopping
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	qt := queuedTask{
		task:       t,
		enqueuedAt: now,
		timeout:    cmpOr(t.Timeout, cfg.DefaultTimeout),
		opt:        t.Opt.withDefaults(cfg),
		key:        overlapKey(t),
	}

	if open, until := s.circuitIsOpen(now, t.Name, cfg, qt.opt); open {
		item := qt.item(now)
		item.Error = "circuit_open"
		s.publish(eventbus.TaskSkipped, now, item)
		s.hist.add(item, cfg.HistorySize)
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.String("key", qt.key), logx.Time("until", until))
		return ErrCircuitOpen
	}

	if qt.opt.Overlap == OverlapSkipIfRunning {
		if !s.keys.acquire(qt.key) {
			item := qt.item(now)
			item.Error = "overlap_skip"
			s.publish(eventbus.TaskSkipped, now, item)
			s.log.Debug("task skipped: already queued or running", logx.String("task", t.Name), logx.String("key", qt.key))
			return ErrOverlapSkip
		}
		qt.track = true
	}

	select {
	case p.queue <- qt:
		return nil
	default:
		s.untrack(qt)
		s.dropQueueFull(now, qt, len(p.queue))
		return ErrQueueFull
	}
}

func overlapKey(t Task) string {
	if k := strings.TrimSpace(t.OverlapKey); k != "" {
		return k
	}
	return t.Name
}

func (s *Service) untrack(qt queuedTask) {
	if qt.track {
		s.keys.release(qt.key)
	}
}
