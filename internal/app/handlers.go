package app

import (
	"context"
	"fmt"
	"time"

	"timerd/internal/eventbus"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

// Built-in handler types besides timer.TypeNestedActivity.
const (
	TypeIntermediateEvent = "timer-intermediate-transition"
	TypeStartEvent        = "timer-start-event"
)

// ActivityEvent is the payload of activity.triggered and process.started.
type ActivityEvent struct {
	TimerID             string    `json:"timer_id"`
	HandlerType         string    `json:"handler_type"`
	ActivityID          string    `json:"activity_id,omitempty"`
	ExecutionID         string    `json:"execution_id,omitempty"`
	ProcessInstanceID   string    `json:"process_instance_id,omitempty"`
	ProcessDefinitionID string    `json:"process_definition_id,omitempty"`
	TenantID            string    `json:"tenant_id,omitempty"`
	DueDate             time.Time `json:"due_date"`
}

// registerDefaultHandlers installs the handlers every daemon has. A handler
// only signals; whatever reacts to the signal subscribes to the bus.
func registerDefaultHandlers(h *timer.Handlers, bus eventbus.Bus, log logx.Logger) {
	h.Register(timer.TypeNestedActivity, activityHandler(bus, log))
	h.Register(TypeIntermediateEvent, activityHandler(bus, log))
	h.Register(TypeStartEvent, timer.HandlerFunc(func(ctx context.Context, uow timer.UnitOfWork, job *timer.Job) error {
		if job.ProcessDefinitionID == "" {
			return fmt.Errorf("start event timer %s has no process definition", job.ID)
		}
		log.Debug("process start triggered", logx.String("timer_id", job.ID), logx.String("definition", job.ProcessDefinitionID))
		publish(bus, eventbus.ProcessStarted, activityEvent(job, ""))
		return nil
	}))
}

// activityHandler triggers the activity a boundary or intermediate timer
// belongs to. The execution must still exist when one is referenced.
func activityHandler(bus eventbus.Bus, log logx.Logger) timer.Handler {
	return timer.HandlerFunc(func(ctx context.Context, uow timer.UnitOfWork, job *timer.Job) error {
		cfg, err := timer.ParseHandlerConfig(job.HandlerConfig)
		if err != nil {
			return err
		}
		activity := cfg.ActivityID
		if job.ExecutionID != "" {
			scope, ok, err := uow.FindExecution(ctx, job.ExecutionID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("execution %s of timer %s not found", job.ExecutionID, job.ID)
			}
			if activity == "" {
				activity = scope.ActivityID()
			}
		}
		log.Debug("activity triggered",
			logx.String("timer_id", job.ID),
			logx.String("handler", job.HandlerType),
			logx.String("activity", activity),
		)
		publish(bus, eventbus.ActivityTriggered, activityEvent(job, activity))
		return nil
	})
}

func activityEvent(job *timer.Job, activity string) ActivityEvent {
	return ActivityEvent{
		TimerID:             job.ID,
		HandlerType:         job.HandlerType,
		ActivityID:          activity,
		ExecutionID:         job.ExecutionID,
		ProcessInstanceID:   job.ProcessInstanceID,
		ProcessDefinitionID: job.ProcessDefinitionID,
		TenantID:            job.TenantID,
		DueDate:             job.DueDate,
	}
}

func publish(bus eventbus.Bus, typ string, data any) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
