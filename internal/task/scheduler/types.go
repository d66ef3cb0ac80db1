package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"timerd/internal/eventbus"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

// Config controls acquisition and firing.
type Config struct {
	Enabled bool
	// Poll is the acquisition trigger: a Go duration ("1s"), HH:MM interval
	// or cron expression. Default "1s".
	Poll      string
	Timezone  string // IANA TZ for cron triggers
	BatchSize int
	// LockOwner identifies this process in timer leases. Default host-pid.
	LockOwner string
	LockLease time.Duration
	// RetryWait pushes the due date of a failed timer.
	RetryWait   time.Duration
	FireTimeout time.Duration
	// MaxFiresPerSec throttles enqueueing; <= 0 means unlimited.
	MaxFiresPerSec float64
	Burst          int
}

func (c Config) withDefaults() Config {
	if c.Poll == "" {
		c.Poll = "1s"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LockLease <= 0 {
		c.LockLease = 5 * time.Minute
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Firer fires one timer inside a unit of work.
type Firer interface {
	Fire(ctx context.Context, uow timer.UnitOfWork, job *timer.Job) (timer.Result, error)
}

// Executor runs firing tasks.
type Executor interface {
	Enqueue(t engine.Task) error
	Snapshot() engine.Snapshot
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	now   func() time.Time
	owner string

	store   storage.Store
	firer   Firer
	exec    Executor
	limiter *rate.Limiter

	parser  cron.Parser
	c       *cron.Cron
	entryID cron.EntryID
	spread  time.Duration

	// polling guards against overlapping acquisition rounds.
	polling sync.Mutex

	enqueueWarn sync.Map // handler type -> *rate.Sometimes

	lastPoll atomic.Int64
	acquired atomic.Uint64
	enqueued atomic.Uint64
	fired    atomic.Uint64
	failed   atomic.Uint64
}

// FiringEvent is the payload of timer.* events.
type FiringEvent struct {
	TimerID     string    `json:"timer_id"`
	HandlerType string    `json:"handler_type"`
	Outcome     string    `json:"outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	SuccessorID string    `json:"successor_id,omitempty"`
	NextDue     time.Time `json:"next_due,omitempty"`
	Error       string    `json:"error,omitempty"`
	RetriesLeft int       `json:"retries_left,omitempty"`
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Poll      string
	Owner     string
	NextPoll  time.Time
	LastPoll  time.Time
	Spread    time.Duration
	RateLimit float64

	Acquired uint64
	Enqueued uint64
	Fired    uint64
	Failed   uint64

	Executor engine.Snapshot
}
