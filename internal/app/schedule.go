package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"timerd/internal/runtime/supervisor"
	"timerd/internal/storage"
	"timerd/internal/task/scheduler"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

const defaultRetries = 3

// NewTimer describes a timer to create. A zero DueDate is resolved from
// Repeat through the calendar.
type NewTimer struct {
	HandlerType   string
	HandlerConfig string

	DueDate time.Time
	EndDate time.Time
	Repeat  string

	// Retries <= 0 means the default (3).
	Retries   int
	Exclusive bool

	ExecutionID         string
	ProcessInstanceID   string
	ProcessDefinitionID string
	TenantID            string

	// Activity and Vars, when set, are stored as the timer's execution.
	Activity string
	Vars     map[string]any
}

// Schedule persists a new timer and returns it with its assigned ID.
func (a *App) Schedule(ctx context.Context, nt NewTimer) (*timer.Job, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	handlerType := strings.TrimSpace(nt.HandlerType)
	if handlerType == "" {
		return nil, fmt.Errorf("handler type is required")
	}
	if _, ok := a.handlers.Lookup(handlerType); !ok {
		return nil, fmt.Errorf("%w: %q", timer.ErrUnknownHandler, handlerType)
	}
	repeat := strings.TrimSpace(nt.Repeat)
	if repeat != "" {
		if _, err := timer.ParseRecurrence(repeat); err != nil {
			return nil, err
		}
	}

	due := nt.DueDate
	if due.IsZero() {
		if repeat == "" {
			return nil, fmt.Errorf("due date or repeat is required")
		}
		next, ok, err := a.cal.ResolveDueDate(repeat)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("repeat %q has no upcoming occurrence", repeat)
		}
		due = next
	}
	if !nt.EndDate.IsZero() && due.After(nt.EndDate) {
		return nil, fmt.Errorf("due date %s is after end date %s", due.Format(time.RFC3339), nt.EndDate.Format(time.RFC3339))
	}

	retries := nt.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	job := &timer.Job{
		HandlerType:         handlerType,
		HandlerConfig:       nt.HandlerConfig,
		DueDate:             due,
		EndDate:             nt.EndDate,
		Repeat:              repeat,
		Retries:             retries,
		Exclusive:           nt.Exclusive,
		ExecutionID:         strings.TrimSpace(nt.ExecutionID),
		ProcessInstanceID:   strings.TrimSpace(nt.ProcessInstanceID),
		ProcessDefinitionID: strings.TrimSpace(nt.ProcessDefinitionID),
		TenantID:            strings.TrimSpace(nt.TenantID),
	}

	if nt.Activity != "" || len(nt.Vars) > 0 {
		if job.ExecutionID == "" {
			job.ExecutionID = uuid.NewString()
		}
		err := a.store.PutExecution(ctx, storage.Execution{
			ID:                job.ExecutionID,
			Activity:          nt.Activity,
			ProcessInstanceID: job.ProcessInstanceID,
			Vars:              nt.Vars,
		})
		if err != nil {
			return nil, fmt.Errorf("store execution: %w", err)
		}
	}
	if err := a.store.CreateTimer(ctx, job); err != nil {
		return nil, fmt.Errorf("create timer: %w", err)
	}
	a.log.Info("timer scheduled",
		logx.String("timer_id", job.ID),
		logx.String("handler", job.HandlerType),
		logx.String("repeat", job.Repeat),
		logx.Time("due", job.DueDate),
	)
	return job, nil
}

// Status is the daemon state served on /status.
type Status struct {
	Started     time.Time           `json:"started"`
	Handlers    []string            `json:"handlers"`
	Storage     string              `json:"storage"`
	Calendar    string              `json:"calendar_tz"`
	Acquisition scheduler.Snapshot  `json:"acquisition"`
	Supervisor  supervisor.Snapshot `json:"supervisor"`

	EventsDropped uint64 `json:"events_dropped"`
}

func (a *App) Status() any {
	st := Status{
		Started:     a.started,
		Handlers:    a.handlers.Types(),
		Storage:     a.storageDriver,
		Calendar:    a.cal.Current().Location().String(),
		Acquisition: a.sched.Snapshot(),

		EventsDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

func (a *App) ListTimers(ctx context.Context) ([]storage.TimerInfo, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.ListTimers(ctx)
}

func (a *App) ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.ListAudit(ctx, limit)
}

// FireNow fires a stored timer immediately, bypassing acquisition. It is
// used by the CLI and tests.
func (a *App) FireNow(ctx context.Context, id string) (timer.Result, error) {
	if a.store == nil {
		return timer.Result{}, storage.ErrDisabled
	}
	return a.sched.FireTimer(ctx, id)
}
