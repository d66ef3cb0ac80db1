package storage

import (
	"context"
	"errors"
	"time"

	"timerd/internal/timer"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrTxDone   = errors.New("transaction already committed or rolled back")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process only
//   - "file":   JSON snapshot + jsonl audit next to Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Execution is the runtime context a timer is bound to. It is the variable
// scope for end-date expressions.
type Execution struct {
	ID                string
	Activity          string
	ProcessInstanceID string
	Vars              map[string]any
}

func (e Execution) Variables() map[string]any { return e.Vars }
func (e Execution) ActivityID() string        { return e.Activity }

// AuditEntry records one firing attempt.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At                time.Time `json:"at"`
	TimerID           string    `json:"timer_id"`
	HandlerType       string    `json:"handler_type"`
	ProcessInstanceID string    `json:"process_instance_id,omitempty"`
	Repeat            string    `json:"repeat,omitempty"`
	Outcome           string    `json:"outcome"`
	Reason            string    `json:"reason,omitempty"`
	SuccessorID       string    `json:"successor_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	TookMS            int64     `json:"took_ms"`
}

// TimerInfo is a persisted timer plus its acquisition and failure state.
type TimerInfo struct {
	Job          *timer.Job
	LockOwner    string
	LockExpires  time.Time
	ErrorMessage string
}

// Store is the persistence API used by the scheduler and the app.
type Store interface {
	// Begin starts the unit of work a single firing runs in.
	Begin(ctx context.Context) (Tx, error)

	// CreateTimer inserts job, assigning an ID when empty.
	CreateTimer(ctx context.Context, job *timer.Job) error
	PutExecution(ctx context.Context, e Execution) error
	GetTimer(ctx context.Context, id string) (TimerInfo, error)
	ListTimers(ctx context.Context) ([]TimerInfo, error)

	// AcquireDue locks up to limit timers due at or before now that still
	// have retries left and are not leased by another owner.
	AcquireDue(ctx context.Context, now time.Time, limit int, owner string, lease time.Duration) ([]*timer.Job, error)
	// RecordFailure decrements the timer's retries, stores msg, moves the due
	// date to retryAt and releases the lease. It returns the retries left.
	RecordFailure(ctx context.Context, id string, msg string, retryAt time.Time) (int, error)
	// ParkTimer zeroes the timer's retries, stores msg and releases the
	// lease. A parked timer is kept for inspection but never acquired again.
	ParkTimer(ctx context.Context, id string, msg string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}

// Tx is a storage transaction. It satisfies timer.UnitOfWork.
type Tx interface {
	timer.UnitOfWork

	GetTimer(ctx context.Context, id string) (*timer.Job, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Commit() error
	Rollback() error
}
