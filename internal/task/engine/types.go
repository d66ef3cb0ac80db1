package engine

import (
	"context"
	"time"
)

// Config sizes the executor. Acquisition decides what to fire; the executor
// decides how many firings run at once and how a failed run is retried.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a task whose Timeout is 0. Zero means none.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops a task that waited longer than this before a worker
	// picked it up. A dropped firing keeps its lease and is reacquired when
	// the lease runs out. Zero disables dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	// RetryMax is the in-memory retry count for tasks that leave
	// TaskOptions.RetryMax at 0.
	RetryMax int

	// Breaker over consecutive failures of one task name; a negative trip
	// count disables it, zero means the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning rejects a task while another with the same
	// overlap key is queued or running.
	OverlapSkipIfRunning
)

// TaskOptions tune one task. Zero values fall back to the engine config.
type TaskOptions struct {
	Overlap OverlapPolicy

	RetryMax      int // < 0: no in-memory retries
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%

	// ConcurrencyLimit caps running tasks sharing Task.ConcurrencyKey.
	ConcurrencyLimit int

	// CircuitTripFailures overrides Config.CircuitTripFailures; < 0 opts out.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	o.RetryBase = cmpOr(o.RetryBase, defaultRetryBase)
	o.RetryMaxDelay = cmpOr(o.RetryMaxDelay, defaultRetryMaxDelay)
	if o.RetryJitter <= 0 {
		o.RetryJitter = defaultRetryJitter
	}
	if o.Overlap != OverlapAllow {
		o.Overlap = OverlapSkipIfRunning
	}
	o.ConcurrencyLimit = max(o.ConcurrencyLimit, 0)
	return o
}

// Task is one unit of work. For a timer firing, Name is "fire:<handler>",
// OverlapKey is the timer id and ConcurrencyKey the process instance of an
// exclusive timer.
type Task struct {
	ID             string
	Name           string
	OverlapKey     string // defaults to Name
	ConcurrencyKey string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
}

// HistoryItem is one finished (or dropped) task, newest last.
type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of the task.* bus events. It carries the same
// fields as the history entry the task ends up as.
type TaskEvent HistoryItem

// Snapshot is the executor part of the daemon status.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`
	Running  int  `json:"running"` // distinct overlap keys queued or running
	Groups   int  `json:"groups"`  // concurrency groups with a running task

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history,omitempty"`
}
