package timer

import (
	"context"
	"fmt"
	"time"

	"timerd/internal/expr"
	logx "timerd/pkg/logx"
)

// Calendar performs all due-date arithmetic for recurring timers.
type Calendar interface {
	// ResolveDueDate returns the next occurrence of repeat; ok is false when
	// the cycle has no further occurrence.
	ResolveDueDate(repeat string) (due time.Time, ok bool, err error)
	// ResolveEndDate parses an end-date string.
	ResolveEndDate(s string) (time.Time, error)
	// ValidateDueDate reports whether candidate is still within endDate
	// (zero means unbounded) under calendar semantics.
	ValidateDueDate(repeat string, endDate, candidate time.Time) bool
}

// Evaluator evaluates end-date expressions.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, scope expr.Scope) (any, error)
}

// ExecutionLookup resolves the execution a timer is bound to.
type ExecutionLookup interface {
	FindExecution(ctx context.Context, id string) (expr.Scope, bool, error)
}

// JobStore deletes the fired instance.
type JobStore interface {
	DeleteTimer(ctx context.Context, id string) error
}

// JobScheduler persists a successor. It assigns the successor's ID.
type JobScheduler interface {
	Schedule(ctx context.Context, job *Job) error
}

// UnitOfWork is the transaction a single firing runs in. Delete and
// schedule must commit or roll back together.
type UnitOfWork interface {
	ExecutionLookup
	JobStore
	JobScheduler
}

// Outcome is the terminal state of a fired instance.
type Outcome int

const (
	Terminated Outcome = iota
	Rescheduled
)

func (o Outcome) String() string {
	if o == Rescheduled {
		return "rescheduled"
	}
	return "terminated"
}

// Reason explains why a firing ended the way it did.
type Reason string

const (
	ReasonNoRepeat         Reason = "no-repeat"
	ReasonExhausted        Reason = "exhausted"
	ReasonNoNextOccurrence Reason = "no-next-occurrence"
	ReasonPastEndDate      Reason = "past-end-date"
	ReasonRescheduled      Reason = "rescheduled"
)

// Result describes a completed firing.
type Result struct {
	Outcome Outcome
	Reason  Reason
	// EndDate is the end bound in effect for this firing (possibly freshly resolved).
	EndDate time.Time
	// Successor is the scheduled next occurrence (nil unless Rescheduled).
	Successor *Job
}

// Firer runs the firing state machine:
//
//	Scheduled -> Firing -> {Terminated, Terminated+Rescheduled}
type Firer struct {
	cal      Calendar
	eval     Evaluator
	handlers *Handlers
	log      logx.Logger
}

func NewFirer(cal Calendar, eval Evaluator, handlers *Handlers, log logx.Logger) *Firer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if handlers == nil {
		handlers = NewHandlers()
	}
	return &Firer{cal: cal, eval: eval, handlers: handlers, log: log}
}

// Fire executes job and replaces it with at most one successor.
//
// job is consumed: its EndDate may be updated and it is deleted through uow
// before any recurrence step runs. Any returned error leaves uow in a state
// the caller must roll back.
func (f *Firer) Fire(ctx context.Context, uow UnitOfWork, job *Job) (Result, error) {
	if job == nil {
		return Result{}, fmt.Errorf("fire: nil job")
	}
	log := f.log.With(logx.String("timer", job.ID))

	if err := f.handlers.execute(ctx, uow, job); err != nil {
		return Result{}, fmt.Errorf("execute handler %q: %w", job.HandlerType, err)
	}

	if end, ok, err := f.resolveEndDate(ctx, uow, job); err != nil {
		return Result{}, err
	} else if ok {
		job.EndDate = end
	}
	res := Result{Outcome: Terminated, EndDate: job.EndDate}

	if err := uow.DeleteTimer(ctx, job.ID); err != nil {
		return Result{}, fmt.Errorf("delete timer %q: %w", job.ID, err)
	}

	if !job.Repeating() {
		log.Debug("timer fired; not repeating")
		res.Reason = ReasonNoRepeat
		return res, nil
	}

	rec, err := ParseRecurrence(job.Repeat)
	if err != nil {
		return Result{}, err
	}
	next, ok := rec.Decrement()
	if !ok {
		log.Debug("timer fired; recurrence exhausted", logx.String("repeat", job.Repeat))
		res.Reason = ReasonExhausted
		return res, nil
	}
	repeat := job.Repeat
	if next.Bounded {
		repeat = next.String()
	}

	due, ok, err := f.cal.ResolveDueDate(repeat)
	if err != nil {
		return Result{}, fmt.Errorf("resolve due date for %q: %w", repeat, err)
	}
	if !ok {
		log.Info("timer fired; no further occurrence", logx.String("repeat", repeat))
		res.Reason = ReasonNoNextOccurrence
		return res, nil
	}

	if !validDueDate(f.cal, repeat, job.EndDate, due) {
		log.Info("timer fired; next occurrence past end date",
			logx.String("repeat", repeat), logx.Time("candidate", due), logx.Time("end", job.EndDate))
		res.Reason = ReasonPastEndDate
		return res, nil
	}

	succ := newSuccessor(job, repeat, due)
	if err := uow.Schedule(ctx, succ); err != nil {
		return Result{}, fmt.Errorf("schedule successor of %q: %w", job.ID, err)
	}
	log.Debug("timer rescheduled", logx.String("successor", succ.ID), logx.String("repeat", repeat), logx.Time("due", due))

	res.Outcome = Rescheduled
	res.Reason = ReasonRescheduled
	res.Successor = succ
	return res, nil
}

func validDueDate(cal Calendar, repeat string, endDate, candidate time.Time) bool {
	return cal.ValidateDueDate(repeat, endDate, candidate)
}

// newSuccessor copies the immutable identity and handler fields of job into
// a fresh instance. ID stays empty for the scheduler to assign.
func newSuccessor(job *Job, repeat string, due time.Time) *Job {
	return &Job{
		HandlerType:         job.HandlerType,
		HandlerConfig:       job.HandlerConfig,
		Exclusive:           job.Exclusive,
		Retries:             job.Retries,
		EndDate:             job.EndDate,
		ExecutionID:         job.ExecutionID,
		ProcessInstanceID:   job.ProcessInstanceID,
		ProcessDefinitionID: job.ProcessDefinitionID,
		TenantID:            job.TenantID,
		Repeat:              repeat,
		DueDate:             due,
	}
}
