package scheduler

import (
	"context"
	"strings"
	"time"

	"timerd/internal/task/engine"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

// Poll runs one acquisition round: it leases due timers and enqueues a firing
// task for each. It returns the number of tasks enqueued. A round that
// overlaps a running one is skipped.
func (s *Service) Poll(ctx context.Context) (int, error) {
	if !s.polling.TryLock() {
		s.log.Debug("acquisition skipped; previous round still running")
		return 0, nil
	}
	defer s.polling.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.now()
	s.lastPoll.Store(now.UnixNano())

	jobs, err := s.store.AcquireDue(ctx, now, cfg.BatchSize, s.owner, cfg.LockLease)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	s.acquired.Add(uint64(len(jobs)))

	n := 0
	for _, job := range jobs {
		// Unenqueued timers stay leased and are picked up again once the
		// lease expires.
		if err := s.limiter.Wait(ctx); err != nil {
			s.log.Debug("acquisition interrupted", logx.Err(err), logx.Int("pending", len(jobs)-n))
			return n, nil
		}
		task := s.fireTask(cfg, job)
		if err := s.exec.Enqueue(task); err != nil {
			s.reportEnqueueError(job.HandlerType, err)
			continue
		}
		n++
	}
	s.enqueued.Add(uint64(n))
	s.log.Debug("acquisition round", logx.Int("acquired", len(jobs)), logx.Int("enqueued", n), logx.Time("now", now))
	return n, nil
}

// fireTask builds the executor task for job. The task name carries the
// handler type so that the circuit breaker trips per handler; exclusive
// timers of one process instance share a concurrency group of size one.
func (s *Service) fireTask(cfg Config, job *timer.Job) engine.Task {
	id := job.ID
	t := engine.Task{
		Name:       "fire:" + strings.ToLower(strings.TrimSpace(job.HandlerType)),
		OverlapKey: "timer:" + id,
		Timeout:    cfg.FireTimeout,
		Opt:        engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			_, err := s.FireTimer(ctx, id)
			return err
		},
	}
	if job.Exclusive && job.ProcessInstanceID != "" {
		t.ConcurrencyKey = "pi:" + job.ProcessInstanceID
		t.Opt.ConcurrencyLimit = 1
	}
	return t
}

func (s *Service) nextPoll() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || s.entryID == 0 {
		return time.Time{}
	}
	return s.c.Entry(s.entryID).Next
}
