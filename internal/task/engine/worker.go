package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"timerd/internal/eventbus"
	logx "timerd/pkg/logx"
)

// groupBackoff paces a worker that keeps dequeuing tasks of a full group.
const groupBackoff = 5 * time.Millisecond

// slowFiring promotes the completion log line from debug to info.
const slowFiring = 750 * time.Millisecond

func (s *Service) worker(ctx context.Context, p *pool, idx int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(idx)))
	for {
		// Stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		var qt queuedTask
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case qt = <-p.queue:
		}

		release, ok := s.groups.tryAcquire(groupKey(qt.task.ConcurrencyKey, qt.task.Name), qt.opt.ConcurrencyLimit)
		if !ok {
			if !s.postpone(ctx, p, qt) {
				return
			}
			continue
		}
		s.inFlight.Add(1)
		s.execute(ctx, p.stop, qt, rng)
		s.inFlight.Add(-1)
		release()
	}
}

// postpone puts a task of a saturated group back on the queue so the worker
// can pick up other work. It returns false when the worker should exit.
func (s *Service) postpone(ctx context.Context, p *pool, qt queuedTask) bool {
	select {
	case p.queue <- qt:
	case <-ctx.Done():
		s.untrack(qt)
		return false
	case <-p.stop:
		s.untrack(qt)
		return false
	default:
		// Producers refilled the slot this worker just freed.
		s.untrack(qt)
		s.dropQueueFull(time.Now(), qt, len(p.queue))
	}
	select {
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	case <-time.After(groupBackoff):
		return true
	}
}

func (s *Service) execute(ctx context.Context, stop <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer s.untrack(qt)

	cfg := s.config()
	start := time.Now()
	item := qt.item(start)
	item.QueueDelay = max(start.Sub(qt.enqueuedAt), 0)

	if cfg.MaxQueueDelay > 0 && item.QueueDelay > cfg.MaxQueueDelay {
		item.Error = "stale_queue_delay"
		s.dropStale(start, item)
		s.hist.add(item, cfg.HistorySize)
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("key", qt.key))
	log.Debug("task.started", logx.Duration("queue_delay", item.QueueDelay))
	s.publish(eventbus.TaskStarted, start, item)

	attempts, err := s.attempt(ctx, stop, qt, rng, log)

	item.Duration = time.Since(start)
	item.Attempts = attempts
	fields := []logx.Field{
		logx.Duration("queue_delay", item.QueueDelay),
		logx.Duration("dur", item.Duration),
		logx.Int("attempts", attempts),
	}
	switch {
	case err != nil:
		item.Error = err.Error()
		log.Warn("task.failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TaskFailed, time.Now(), item)
	case item.Duration >= slowFiring:
		log.Info("task.completed", fields...)
		s.publish(eventbus.TaskFinished, time.Now(), item)
	default:
		log.Debug("task.completed", fields...)
		s.publish(eventbus.TaskFinished, time.Now(), item)
	}

	s.circuitRecordResult(time.Now(), qt.task.Name, cfg, qt.opt, err)
	s.hist.add(item, cfg.HistorySize)
}

// attempt runs the task until it succeeds, returns NoRetry, or exhausts
// RetryMax in-memory retries.
func (s *Service) attempt(ctx context.Context, stop <-chan struct{}, qt queuedTask, rng *rand.Rand, log logx.Logger) (int, error) {
	limit := 1 + max(qt.opt.RetryMax, 0)
	for n := 1; ; n++ {
		err := runOnce(ctx, qt, log)
		if err == nil {
			return n, nil
		}
		var permanent noRetryError
		if errors.As(err, &permanent) {
			return n, permanent.err
		}
		if n >= limit {
			return n, err
		}

		delay := retryDelay(qt.opt, n, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return n, ctx.Err()
		case <-stop:
			wait.Stop()
			return n, fmt.Errorf("%w: %v", ErrStopping, err)
		case <-wait.C:
		}
	}
}

// runOnce turns a panic in the task into an error so the worker survives.
func runOnce(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}
