package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"timerd/internal/expr"
	"timerd/internal/timer"
)

type memTimer struct {
	Job          timer.Job `json:"job"`
	LockOwner    string    `json:"lock_owner,omitempty"`
	LockExpires  time.Time `json:"lock_expires,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
}

type memState struct {
	Timers     map[string]memTimer  `json:"timers"`
	Executions map[string]Execution `json:"executions"`
}

func newMemState() memState {
	return memState{Timers: map[string]memTimer{}, Executions: map[string]Execution{}}
}

func (s memState) clone() memState {
	out := memState{
		Timers:     make(map[string]memTimer, len(s.Timers)),
		Executions: make(map[string]Execution, len(s.Executions)),
	}
	for k, v := range s.Timers {
		out.Timers[k] = v
	}
	for k, v := range s.Executions {
		out.Executions[k] = v
	}
	return out
}

// memStore keeps everything in process memory.
//
// A Tx holds mu from Begin until Commit or Rollback, so transactions are
// serialized the same way the single sqlite connection serializes them.
// Non-transactional calls block while a Tx is open.
type memStore struct {
	mu    sync.Mutex
	state memState
	audit []AuditEntry

	// hooks used by the file driver; called with mu held.
	onChange func(memState) error
	onAudit  func(AuditEntry) error
	onClose  func() error
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{state: newMemState()}
}

func (s *memStore) changed() error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange(s.state)
}

func (s *memStore) appendAudit(e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if s.onAudit != nil {
		if err := s.onAudit(e); err != nil {
			return err
		}
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memTx{store: s, state: s.state.clone()}, nil
}

func (s *memStore) CreateTimer(ctx context.Context, job *timer.Job) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	insertTimer(s.state, job)
	return s.changed()
}

func insertTimer(st memState, job *timer.Job) {
	if job.ID == "" {
		job.ID = newID()
	}
	st.Timers[job.ID] = memTimer{Job: *job}
}

// detach returns e with its own copy of Vars. Expressions may write through
// nested maps; a copy keeps those writes out of the stored state. The JSON
// hop matches what the sqlite driver does on every read.
func (e Execution) detach() (Execution, error) {
	if e.Vars == nil {
		return e, nil
	}
	raw, err := json.Marshal(e.Vars)
	if err != nil {
		return Execution{}, fmt.Errorf("encode vars of execution %q: %w", e.ID, err)
	}
	e.Vars = nil
	if err := json.Unmarshal(raw, &e.Vars); err != nil {
		return Execution{}, fmt.Errorf("decode vars of execution %q: %w", e.ID, err)
	}
	return e, nil
}

func (s *memStore) PutExecution(ctx context.Context, e Execution) error {
	_ = ctx
	e, err := e.detach()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Executions[e.ID] = e
	return s.changed()
}

func (s *memStore) GetTimer(ctx context.Context, id string) (TimerInfo, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.Timers[id]
	if !ok {
		return TimerInfo{}, ErrNotFound
	}
	return t.info(), nil
}

func (t memTimer) info() TimerInfo {
	job := t.Job
	return TimerInfo{Job: &job, LockOwner: t.LockOwner, LockExpires: t.LockExpires, ErrorMessage: t.ErrorMessage}
}

func (s *memStore) ListTimers(ctx context.Context) ([]TimerInfo, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TimerInfo, 0, len(s.state.Timers))
	for _, t := range s.state.Timers {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Job.DueDate.Equal(out[j].Job.DueDate) {
			return out[i].Job.ID < out[j].Job.ID
		}
		return out[i].Job.DueDate.Before(out[j].Job.DueDate)
	})
	return out, nil
}

func (s *memStore) AcquireDue(ctx context.Context, now time.Time, limit int, owner string, lease time.Duration) ([]*timer.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []memTimer
	for _, t := range s.state.Timers {
		if t.Job.Retries <= 0 || t.Job.DueDate.After(now) {
			continue
		}
		if t.LockOwner != "" && t.LockExpires.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Job.DueDate.Equal(due[j].Job.DueDate) {
			return due[i].Job.ID < due[j].Job.ID
		}
		return due[i].Job.DueDate.Before(due[j].Job.DueDate)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*timer.Job, 0, len(due))
	for _, t := range due {
		t.LockOwner = owner
		t.LockExpires = now.Add(lease)
		s.state.Timers[t.Job.ID] = t
		job := t.Job
		out = append(out, &job)
	}
	if len(out) == 0 {
		return out, nil
	}
	return out, s.changed()
}

func (s *memStore) RecordFailure(ctx context.Context, id string, msg string, retryAt time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.Timers[id]
	if !ok {
		return 0, ErrNotFound
	}
	if t.Job.Retries > 0 {
		t.Job.Retries--
	}
	t.ErrorMessage = msg
	t.Job.DueDate = retryAt
	t.LockOwner = ""
	t.LockExpires = time.Time{}
	s.state.Timers[id] = t
	return t.Job.Retries, s.changed()
}

func (s *memStore) ParkTimer(ctx context.Context, id string, msg string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.Timers[id]
	if !ok {
		return ErrNotFound
	}
	t.Job.Retries = 0
	t.ErrorMessage = msg
	t.LockOwner = ""
	t.LockExpires = time.Time{}
	s.state.Timers[id] = t
	return s.changed()
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAudit(e)
}

// ListAudit returns the newest entries first.
func (s *memStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onClose != nil {
		return s.onClose()
	}
	return nil
}

type memTx struct {
	store   *memStore
	state   memState
	pending []AuditEntry
	done    bool
}

func (tx *memTx) FindExecution(ctx context.Context, id string) (expr.Scope, bool, error) {
	_ = ctx
	if tx.done {
		return nil, false, ErrTxDone
	}
	e, ok := tx.state.Executions[id]
	if !ok {
		return nil, false, nil
	}
	e, err := e.detach()
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (tx *memTx) DeleteTimer(ctx context.Context, id string) error {
	_ = ctx
	if tx.done {
		return ErrTxDone
	}
	if _, ok := tx.state.Timers[id]; !ok {
		return ErrNotFound
	}
	delete(tx.state.Timers, id)
	return nil
}

func (tx *memTx) Schedule(ctx context.Context, job *timer.Job) error {
	_ = ctx
	if tx.done {
		return ErrTxDone
	}
	insertTimer(tx.state, job)
	return nil
}

func (tx *memTx) GetTimer(ctx context.Context, id string) (*timer.Job, error) {
	_ = ctx
	if tx.done {
		return nil, ErrTxDone
	}
	t, ok := tx.state.Timers[id]
	if !ok {
		return nil, ErrNotFound
	}
	job := t.Job
	return &job, nil
}

func (tx *memTx) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if tx.done {
		return ErrTxDone
	}
	tx.pending = append(tx.pending, e)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	s := tx.store
	defer s.mu.Unlock()

	prev := s.state
	s.state = tx.state
	if err := s.changed(); err != nil {
		s.state = prev
		return err
	}
	for _, e := range tx.pending {
		if err := s.appendAudit(e); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}
