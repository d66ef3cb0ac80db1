package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

var t0 = time.Date(2030, time.January, 4, 10, 0, 0, 0, time.UTC)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "memory"},
		{Driver: "sqlite", Path: filepath.Join(dir, "timers.db")},
		{Driver: "file", Path: filepath.Join(dir, "timers.json")},
	} {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", cfg.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func newJob(due time.Time) *timer.Job {
	return &timer.Job{
		HandlerType:       "test",
		HandlerConfig:     `{"activityId":"a1"}`,
		DueDate:           due,
		Repeat:            "R3/PT1H",
		Retries:           3,
		ExecutionID:       "exec-1",
		ProcessInstanceID: "pi-1",
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestCreateAndGetTimer(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		job := newJob(t0)
		job.EndDate = t0.Add(24 * time.Hour)
		job.Exclusive = true
		if err := st.CreateTimer(ctx, job); err != nil {
			t.Fatalf("%s: CreateTimer: %v", name, err)
		}
		if job.ID == "" {
			t.Fatalf("%s: CreateTimer did not assign an id", name)
		}
		info, err := st.GetTimer(ctx, job.ID)
		if err != nil {
			t.Fatalf("%s: GetTimer: %v", name, err)
		}
		got := info.Job
		if got.HandlerType != "test" || got.Repeat != "R3/PT1H" || got.Retries != 3 || !got.Exclusive {
			t.Fatalf("%s: got %+v", name, got)
		}
		if !got.DueDate.Equal(t0) || !got.EndDate.Equal(job.EndDate) {
			t.Fatalf("%s: dates due=%s end=%s", name, got.DueDate, got.EndDate)
		}
		if got.ExecutionID != "exec-1" || got.ProcessInstanceID != "pi-1" || got.HandlerConfig != job.HandlerConfig {
			t.Fatalf("%s: identity fields lost: %+v", name, got)
		}
		if _, err := st.GetTimer(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: GetTimer(missing) = %v", name, err)
		}
	}
}

func TestTxCommitReplacesTimer(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		job := newJob(t0)
		if err := st.CreateTimer(ctx, job); err != nil {
			t.Fatalf("%s: CreateTimer: %v", name, err)
		}

		tx, err := st.Begin(ctx)
		if err != nil {
			t.Fatalf("%s: Begin: %v", name, err)
		}
		if err := tx.DeleteTimer(ctx, job.ID); err != nil {
			t.Fatalf("%s: DeleteTimer: %v", name, err)
		}
		succ := newJob(t0.Add(time.Hour))
		if err := tx.Schedule(ctx, succ); err != nil {
			t.Fatalf("%s: Schedule: %v", name, err)
		}
		if succ.ID == "" || succ.ID == job.ID {
			t.Fatalf("%s: successor id %q", name, succ.ID)
		}
		if err := tx.AppendAudit(ctx, AuditEntry{TimerID: job.ID, Outcome: "rescheduled", SuccessorID: succ.ID}); err != nil {
			t.Fatalf("%s: AppendAudit: %v", name, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("%s: Commit: %v", name, err)
		}

		if _, err := st.GetTimer(ctx, job.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: fired timer still present: %v", name, err)
		}
		if _, err := st.GetTimer(ctx, succ.ID); err != nil {
			t.Fatalf("%s: successor missing: %v", name, err)
		}
		audit, err := st.ListAudit(ctx, 10)
		if err != nil || len(audit) != 1 || audit[0].SuccessorID != succ.ID {
			t.Fatalf("%s: audit = %+v, %v", name, audit, err)
		}
	}
}

func TestTxRollbackRestoresTimer(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		job := newJob(t0)
		if err := st.CreateTimer(ctx, job); err != nil {
			t.Fatalf("%s: CreateTimer: %v", name, err)
		}
		tx, err := st.Begin(ctx)
		if err != nil {
			t.Fatalf("%s: Begin: %v", name, err)
		}
		if err := tx.DeleteTimer(ctx, job.ID); err != nil {
			t.Fatalf("%s: DeleteTimer: %v", name, err)
		}
		if err := tx.Schedule(ctx, newJob(t0.Add(time.Hour))); err != nil {
			t.Fatalf("%s: Schedule: %v", name, err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("%s: Rollback: %v", name, err)
		}

		list, err := st.ListTimers(ctx)
		if err != nil {
			t.Fatalf("%s: ListTimers: %v", name, err)
		}
		if len(list) != 1 || list[0].Job.ID != job.ID {
			t.Fatalf("%s: after rollback = %+v", name, list)
		}
		audit, _ := st.ListAudit(ctx, 0)
		if len(audit) != 0 {
			t.Fatalf("%s: rollback kept audit %+v", name, audit)
		}
	}
}

func TestTxDeleteMissing(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		tx, err := st.Begin(ctx)
		if err != nil {
			t.Fatalf("%s: Begin: %v", name, err)
		}
		if err := tx.DeleteTimer(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: DeleteTimer(missing) = %v", name, err)
		}
		if _, err := tx.GetTimer(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: GetTimer(missing) = %v", name, err)
		}
		_ = tx.Rollback()
	}
}

func TestFindExecution(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		err := st.PutExecution(ctx, Execution{
			ID:       "exec-1",
			Activity: "boundary",
			Vars:     map[string]any{"end": "2030-02-01T00:00:00Z", "n": 3},
		})
		if err != nil {
			t.Fatalf("%s: PutExecution: %v", name, err)
		}
		tx, err := st.Begin(ctx)
		if err != nil {
			t.Fatalf("%s: Begin: %v", name, err)
		}
		scope, ok, err := tx.FindExecution(ctx, "exec-1")
		if err != nil || !ok {
			t.Fatalf("%s: FindExecution = %v, %v", name, ok, err)
		}
		if scope.ActivityID() != "boundary" || scope.Variables()["end"] != "2030-02-01T00:00:00Z" {
			t.Fatalf("%s: scope = %+v", name, scope)
		}
		if _, ok, err := tx.FindExecution(ctx, "other"); ok || err != nil {
			t.Fatalf("%s: FindExecution(other) = %v, %v", name, ok, err)
		}
		_ = tx.Rollback()
	}
}

func TestRollbackDiscardsVariableWrites(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		vars := map[string]any{"o": map[string]any{"n": 1}}
		if err := st.PutExecution(ctx, Execution{ID: "exec-1", Vars: vars}); err != nil {
			t.Fatalf("%s: PutExecution: %v", name, err)
		}
		vars["o"].(map[string]any)["n"] = 7

		tx, err := st.Begin(ctx)
		if err != nil {
			t.Fatalf("%s: Begin: %v", name, err)
		}
		scope, ok, err := tx.FindExecution(ctx, "exec-1")
		if err != nil || !ok {
			t.Fatalf("%s: FindExecution = %v, %v", name, ok, err)
		}
		nested, ok := scope.Variables()["o"].(map[string]any)
		if !ok {
			t.Fatalf("%s: o = %T", name, scope.Variables()["o"])
		}
		nested["n"] = 99
		if err := tx.Rollback(); err != nil {
			t.Fatalf("%s: Rollback: %v", name, err)
		}

		tx, err = st.Begin(ctx)
		if err != nil {
			t.Fatalf("%s: Begin: %v", name, err)
		}
		scope, _, err = tx.FindExecution(ctx, "exec-1")
		_ = tx.Rollback()
		if err != nil {
			t.Fatalf("%s: FindExecution: %v", name, err)
		}
		if got := scope.Variables()["o"].(map[string]any)["n"]; got != float64(1) {
			t.Fatalf("%s: after rollback o.n = %v, want 1", name, got)
		}
	}
}

func TestAcquireDueLeasesAndSkipsExhausted(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		early := newJob(t0.Add(-2 * time.Minute))
		late := newJob(t0.Add(-time.Minute))
		future := newJob(t0.Add(time.Minute))
		dead := newJob(t0.Add(-time.Hour))
		dead.Retries = 0
		for _, j := range []*timer.Job{late, early, future, dead} {
			if err := st.CreateTimer(ctx, j); err != nil {
				t.Fatalf("%s: CreateTimer: %v", name, err)
			}
		}

		got, err := st.AcquireDue(ctx, t0, 10, "node-a", time.Minute)
		if err != nil {
			t.Fatalf("%s: AcquireDue: %v", name, err)
		}
		if len(got) != 2 || got[0].ID != early.ID || got[1].ID != late.ID {
			t.Fatalf("%s: acquired %+v", name, got)
		}

		// Leased rows are invisible to other owners until the lease expires.
		again, err := st.AcquireDue(ctx, t0.Add(30*time.Second), 10, "node-b", time.Minute)
		if err != nil || len(again) != 0 {
			t.Fatalf("%s: re-acquire during lease = %+v, %v", name, again, err)
		}
		expired, err := st.AcquireDue(ctx, t0.Add(2*time.Minute), 1, "node-b", time.Minute)
		if err != nil || len(expired) != 1 || expired[0].ID != early.ID {
			t.Fatalf("%s: acquire after lease = %+v, %v", name, expired, err)
		}
		info, _ := st.GetTimer(ctx, early.ID)
		if info.LockOwner != "node-b" {
			t.Fatalf("%s: lock owner = %q", name, info.LockOwner)
		}
	}
}

func TestRecordFailure(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		job := newJob(t0)
		job.Retries = 1
		if err := st.CreateTimer(ctx, job); err != nil {
			t.Fatalf("%s: CreateTimer: %v", name, err)
		}
		if _, err := st.AcquireDue(ctx, t0, 10, "node-a", time.Minute); err != nil {
			t.Fatalf("%s: AcquireDue: %v", name, err)
		}
		retryAt := t0.Add(10 * time.Second)
		left, err := st.RecordFailure(ctx, job.ID, "boom", retryAt)
		if err != nil || left != 0 {
			t.Fatalf("%s: RecordFailure = %d, %v", name, left, err)
		}
		info, _ := st.GetTimer(ctx, job.ID)
		if info.ErrorMessage != "boom" || info.LockOwner != "" || !info.Job.DueDate.Equal(retryAt) {
			t.Fatalf("%s: info = %+v", name, info)
		}
		got, err := st.AcquireDue(ctx, t0.Add(time.Hour), 10, "node-a", time.Minute)
		if err != nil || len(got) != 0 {
			t.Fatalf("%s: exhausted timer acquired: %+v, %v", name, got, err)
		}
		if _, err := st.RecordFailure(ctx, "missing", "x", retryAt); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: RecordFailure(missing) = %v", name, err)
		}
	}
}

func TestParkTimer(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		job := newJob(t0)
		if err := st.CreateTimer(ctx, job); err != nil {
			t.Fatalf("%s: CreateTimer: %v", name, err)
		}
		if _, err := st.AcquireDue(ctx, t0, 10, "node-a", time.Minute); err != nil {
			t.Fatalf("%s: AcquireDue: %v", name, err)
		}
		if err := st.ParkTimer(ctx, job.ID, "bad repeat"); err != nil {
			t.Fatalf("%s: ParkTimer: %v", name, err)
		}
		info, err := st.GetTimer(ctx, job.ID)
		if err != nil {
			t.Fatalf("%s: GetTimer: %v", name, err)
		}
		if info.Job.Retries != 0 || info.ErrorMessage != "bad repeat" || info.LockOwner != "" || !info.Job.DueDate.Equal(t0) {
			t.Fatalf("%s: parked = %+v (%q)", name, info.Job, info.ErrorMessage)
		}
		if got, _ := st.AcquireDue(ctx, t0.Add(time.Hour), 10, "node-a", time.Minute); len(got) != 0 {
			t.Fatalf("%s: parked timer acquired: %+v", name, got)
		}
		if err := st.ParkTimer(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: ParkTimer(missing) = %v", name, err)
		}
	}
}

func TestListAuditNewestFirst(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			if err := st.AppendAudit(ctx, AuditEntry{At: t0, TimerID: id, Outcome: "terminated"}); err != nil {
				t.Fatalf("%s: AppendAudit: %v", name, err)
			}
		}
		got, err := st.ListAudit(ctx, 2)
		if err != nil || len(got) != 2 || got[0].TimerID != "c" || got[1].TimerID != "b" {
			t.Fatalf("%s: ListAudit = %+v, %v", name, got, err)
		}
	}
}

func TestFileStoreReloadsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "timers.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	job := newJob(t0)
	if err := st.CreateTimer(ctx, job); err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{TimerID: job.ID, Outcome: "terminated"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	info, err := re.GetTimer(ctx, job.ID)
	if err != nil || info.Job.Repeat != job.Repeat {
		t.Fatalf("GetTimer after reopen = %+v, %v", info, err)
	}
	audit, _ := re.ListAudit(ctx, 0)
	if len(audit) != 1 || audit[0].TimerID != job.ID {
		t.Fatalf("audit after reopen = %+v", audit)
	}
}

func TestMemoryTxDone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Rollback(); !errors.Is(err, ErrTxDone) {
		t.Fatalf("Rollback after commit = %v", err)
	}
	if err := tx.DeleteTimer(ctx, "x"); !errors.Is(err, ErrTxDone) {
		t.Fatalf("DeleteTimer after commit = %v", err)
	}
	// store usable again once the tx released it
	if err := st.CreateTimer(ctx, newJob(t0)); err != nil {
		t.Fatalf("CreateTimer: %v", err)
	}
}
