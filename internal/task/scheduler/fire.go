package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

// beginRetryHint is the in-memory retry delay when a transaction cannot start.
const beginRetryHint = 250 * time.Millisecond

// FireTimer fires the timer id in one storage transaction: handler, end-date
// evaluation, deletion of the fired instance, successor insertion and the
// audit entry commit together.
//
// When the firing fails the transaction is rolled back, which restores the
// fired instance, and the failure is recorded on the timer: one retry is
// consumed and the due date moves by RetryWait, or, for errors a retry
// cannot fix, the timer is parked with no retries left. Either way the
// returned error is marked NoRetry so the executor does not fire the timer
// again before it is reacquired. Only a transaction that fails to start is
// retried in memory.
func (s *Service) FireTimer(ctx context.Context, id string) (timer.Result, error) {
	start := time.Now()
	log := s.log.With(logx.String("timer", id))

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return timer.Result{}, engine.RetryAfter(fmt.Errorf("begin firing %q: %w", id, err), beginRetryHint)
	}
	job, err := tx.GetTimer(ctx, id)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, storage.ErrNotFound) {
			// Fired and replaced by an earlier task.
			log.Debug("timer vanished before firing")
			return timer.Result{}, engine.NoRetry(fmt.Errorf("timer %q: %w", id, err))
		}
		return timer.Result{}, fmt.Errorf("load timer %q: %w", id, err)
	}
	// Fire consumes job; keep the persisted view for audit and failure handling.
	orig := *job

	res, err := s.firer.Fire(ctx, tx, job)
	if err != nil {
		_ = tx.Rollback()
		return timer.Result{}, s.fail(ctx, &orig, err, time.Since(start))
	}
	if err := tx.AppendAudit(ctx, auditEntry(&orig, res, nil, time.Since(start))); err != nil {
		_ = tx.Rollback()
		return timer.Result{}, s.fail(ctx, &orig, fmt.Errorf("audit: %w", err), time.Since(start))
	}
	if err := tx.Commit(); err != nil {
		return timer.Result{}, s.fail(ctx, &orig, fmt.Errorf("commit: %w", err), time.Since(start))
	}

	s.fired.Add(1)
	ev := firingEvent(&orig, res)
	s.publish(eventbus.TimerFired, ev)
	if res.Outcome == timer.Rescheduled {
		s.publish(eventbus.TimerRescheduled, ev)
	} else {
		s.publish(eventbus.TimerTerminated, ev)
	}
	log.Debug("timer fired",
		logx.String("handler", orig.HandlerType),
		logx.String("outcome", res.Outcome.String()),
		logx.String("reason", string(res.Reason)),
		logx.Duration("took", time.Since(start)))
	return res, nil
}

// fail records a rolled-back firing on the timer itself and returns the
// error the executor should see.
func (s *Service) fail(ctx context.Context, job *timer.Job, cause error, took time.Duration) error {
	s.failed.Add(1)

	s.mu.Lock()
	wait := s.cfg.RetryWait
	s.mu.Unlock()

	// The failure must be recorded even if the firing context timed out.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	log := s.log.With(logx.String("timer", job.ID), logx.String("handler", job.HandlerType))
	permanent := isPermanent(cause)
	var (
		left int
		err  error
	)
	if permanent {
		err = s.store.ParkTimer(rctx, job.ID, cause.Error())
	} else {
		left, err = s.store.RecordFailure(rctx, job.ID, cause.Error(), s.now().Add(wait))
	}
	if err != nil {
		log.Error("record timer failure", logx.Err(err), logx.Any("cause", cause.Error()))
		left = -1
	}
	if err := s.store.AppendAudit(rctx, auditEntry(job, timer.Result{}, cause, took)); err != nil {
		log.Warn("audit failed firing", logx.Err(err))
	}

	ev := FiringEvent{TimerID: job.ID, HandlerType: job.HandlerType, Outcome: "failed", Error: cause.Error(), RetriesLeft: left}
	s.publish(eventbus.TimerFailed, ev)

	if permanent {
		log.Error("timer parked", logx.Err(cause))
	} else {
		log.Warn("timer firing failed", logx.Err(cause), logx.Int("retries_left", left), logx.Duration("retry_wait", wait))
	}
	return engine.NoRetry(cause)
}

// isPermanent reports errors that retrying cannot fix; such timers are
// parked on the first failure.
func isPermanent(err error) bool {
	return errors.Is(err, timer.ErrParse) ||
		errors.Is(err, timer.ErrInvalidConfiguration) ||
		errors.Is(err, timer.ErrUnknownHandler)
}

func auditEntry(job *timer.Job, res timer.Result, err error, took time.Duration) storage.AuditEntry {
	e := storage.AuditEntry{
		At:                time.Now(),
		TimerID:           job.ID,
		HandlerType:       job.HandlerType,
		ProcessInstanceID: job.ProcessInstanceID,
		Repeat:            job.Repeat,
		TookMS:            took.Milliseconds(),
	}
	if err != nil {
		e.Outcome = "failed"
		e.Error = err.Error()
		return e
	}
	e.Outcome = res.Outcome.String()
	e.Reason = string(res.Reason)
	if res.Successor != nil {
		e.SuccessorID = res.Successor.ID
	}
	return e
}

func firingEvent(job *timer.Job, res timer.Result) FiringEvent {
	ev := FiringEvent{
		TimerID:     job.ID,
		HandlerType: job.HandlerType,
		Outcome:     res.Outcome.String(),
		Reason:      string(res.Reason),
	}
	if res.Successor != nil {
		ev.SuccessorID = res.Successor.ID
		ev.NextDue = res.Successor.DueDate
	}
	return ev
}

func (s *Service) publish(typ string, ev FiringEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
