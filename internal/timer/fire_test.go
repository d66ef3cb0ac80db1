package timer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"timerd/internal/expr"
	logx "timerd/pkg/logx"
)

var base = time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)

// stepCalendar hands out due dates one step apart and bounds them by endDate.
type stepCalendar struct {
	next     time.Time
	step     time.Duration
	none     bool
	resolved []string
}

func (c *stepCalendar) ResolveDueDate(repeat string) (time.Time, bool, error) {
	c.resolved = append(c.resolved, repeat)
	if c.none {
		return time.Time{}, false, nil
	}
	c.next = c.next.Add(c.step)
	return c.next, true, nil
}

func (c *stepCalendar) ResolveEndDate(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func (c *stepCalendar) ValidateDueDate(repeat string, endDate, candidate time.Time) bool {
	return endDate.IsZero() || !candidate.After(endDate)
}

type fakeUoW struct {
	executions map[string]expr.Scope
	deleted    []string
	scheduled  []*Job
	seq        int
	deleteErr  error
}

func (u *fakeUoW) FindExecution(ctx context.Context, id string) (expr.Scope, bool, error) {
	s, ok := u.executions[id]
	return s, ok, nil
}

func (u *fakeUoW) DeleteTimer(ctx context.Context, id string) error {
	if u.deleteErr != nil {
		return u.deleteErr
	}
	u.deleted = append(u.deleted, id)
	return nil
}

func (u *fakeUoW) Schedule(ctx context.Context, job *Job) error {
	u.seq++
	job.ID = fmt.Sprintf("succ-%d", u.seq)
	u.scheduled = append(u.scheduled, job)
	return nil
}

type constEvaluator struct {
	value any
	err   error
}

func (e constEvaluator) Evaluate(ctx context.Context, expression string, scope expr.Scope) (any, error) {
	return e.value, e.err
}

func newTestFirer(cal Calendar, eval Evaluator) (*Firer, *int) {
	fired := 0
	h := NewHandlers()
	noop := HandlerFunc(func(ctx context.Context, uow UnitOfWork, job *Job) error {
		fired++
		return nil
	})
	h.Register("test", noop)
	h.Register(TypeNestedActivity, noop)
	return NewFirer(cal, eval, h, logx.Nop()), &fired
}

func testJob(repeat string) *Job {
	return &Job{
		ID:                  "t-1",
		HandlerType:         "test",
		HandlerConfig:       `{"activityId":"wait"}`,
		DueDate:             base,
		Repeat:              repeat,
		Retries:             3,
		Exclusive:           true,
		ExecutionID:         "exec-1",
		ProcessInstanceID:   "pi-1",
		ProcessDefinitionID: "pd-1",
		TenantID:            "acme",
	}
}

func TestFireBoundedChainProducesExactlyNSuccessors(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 5} {
		n := n
		t.Run(fmt.Sprintf("R%d", n), func(t *testing.T) {
			t.Parallel()
			cal := &stepCalendar{next: base, step: time.Hour}
			f, fired := newTestFirer(cal, nil)
			uow := &fakeUoW{}

			job := testJob(fmt.Sprintf("R%d/PT1H", n))
			var repeats []string
			for job != nil {
				res, err := f.Fire(context.Background(), uow, job)
				if err != nil {
					t.Fatalf("Fire: %v", err)
				}
				job = res.Successor
				if job != nil {
					repeats = append(repeats, job.Repeat)
				} else if res.Reason != ReasonExhausted {
					t.Fatalf("last firing reason = %s, want %s", res.Reason, ReasonExhausted)
				}
			}
			if len(uow.scheduled) != n {
				t.Fatalf("successors = %d, want %d", len(uow.scheduled), n)
			}
			for i, r := range repeats {
				want := fmt.Sprintf("R%d/PT1H", n-1-i)
				if r != want {
					t.Fatalf("successor %d repeat = %q, want %q", i, r, want)
				}
			}
			if *fired != n+1 || len(uow.deleted) != n+1 {
				t.Fatalf("firings=%d deletions=%d, want %d each", *fired, len(uow.deleted), n+1)
			}
		})
	}
}

func TestFireR2Example(t *testing.T) {
	t.Parallel()
	cal := &stepCalendar{next: base, step: time.Hour}
	f, _ := newTestFirer(cal, nil)
	uow := &fakeUoW{}

	res, err := f.Fire(context.Background(), uow, testJob("R2/PT1H"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if res.Successor == nil || res.Successor.Repeat != "R1/PT1H" {
		t.Fatalf("first successor = %+v", res.Successor)
	}
	if cal.resolved[0] != "R1/PT1H" {
		t.Fatalf("calendar resolved %q, want decremented repeat", cal.resolved[0])
	}
	res, err = f.Fire(context.Background(), uow, res.Successor)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if res.Successor == nil || res.Successor.Repeat != "R0/PT1H" {
		t.Fatalf("second successor = %+v", res.Successor)
	}
	res, err = f.Fire(context.Background(), uow, res.Successor)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if res.Successor != nil || res.Outcome != Terminated || res.Reason != ReasonExhausted {
		t.Fatalf("third firing = %+v, want terminated/exhausted", res)
	}
	if len(cal.resolved) != 2 {
		t.Fatalf("calendar consulted %d times, want 2", len(cal.resolved))
	}
}

func TestFireUnboundedStopsAtEndDate(t *testing.T) {
	t.Parallel()
	cal := &stepCalendar{next: base, step: 15 * time.Minute}
	f, _ := newTestFirer(cal, nil)
	uow := &fakeUoW{}

	job := testJob("PT15M")
	job.EndDate = base.Add(time.Hour)
	var last Result
	for job != nil {
		res, err := f.Fire(context.Background(), uow, job)
		if err != nil {
			t.Fatalf("Fire: %v", err)
		}
		if res.Successor != nil && res.Successor.Repeat != "PT15M" {
			t.Fatalf("unbounded repeat changed to %q", res.Successor.Repeat)
		}
		last = res
		job = res.Successor
	}
	// +15m, +30m, +45m, +60m are valid; +75m fails the gate.
	if len(uow.scheduled) != 4 {
		t.Fatalf("successors = %d, want 4", len(uow.scheduled))
	}
	if last.Reason != ReasonPastEndDate {
		t.Fatalf("reason = %s, want %s", last.Reason, ReasonPastEndDate)
	}
}

func TestFireUnboundedStopsWithoutNextOccurrence(t *testing.T) {
	t.Parallel()
	cal := &stepCalendar{none: true}
	f, _ := newTestFirer(cal, nil)
	uow := &fakeUoW{}

	res, err := f.Fire(context.Background(), uow, testJob("0 0 * * *"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if res.Successor != nil || res.Reason != ReasonNoNextOccurrence {
		t.Fatalf("result = %+v", res)
	}
	if len(uow.deleted) != 1 {
		t.Fatalf("deletions = %d, want 1", len(uow.deleted))
	}
}

func TestFireNonRepeatingDeletesOnce(t *testing.T) {
	t.Parallel()
	cal := &stepCalendar{next: base, step: time.Hour}
	f, fired := newTestFirer(cal, nil)
	uow := &fakeUoW{}

	job := testJob("")
	job.EndDate = base.Add(-time.Hour)
	res, err := f.Fire(context.Background(), uow, job)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if res.Reason != ReasonNoRepeat || res.Successor != nil {
		t.Fatalf("result = %+v", res)
	}
	if *fired != 1 || len(uow.deleted) != 1 || uow.deleted[0] != "t-1" {
		t.Fatalf("fired=%d deleted=%v", *fired, uow.deleted)
	}
	if len(cal.resolved) != 0 {
		t.Fatalf("calendar should not be consulted for non-repeating timers")
	}
}

func TestFireSuccessorFidelity(t *testing.T) {
	t.Parallel()
	cal := &stepCalendar{next: base, step: time.Hour}
	f, _ := newTestFirer(cal, nil)
	uow := &fakeUoW{}

	job := testJob("R3/PT1H")
	job.EndDate = base.Add(48 * time.Hour)
	orig := *job
	res, err := f.Fire(context.Background(), uow, job)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	s := res.Successor
	if s == nil {
		t.Fatal("expected successor")
	}
	if s.ID == orig.ID || s.ID == "" {
		t.Fatalf("successor must have fresh identity, got %q", s.ID)
	}
	if s.HandlerType != orig.HandlerType || s.HandlerConfig != orig.HandlerConfig ||
		s.Exclusive != orig.Exclusive || s.Retries != orig.Retries ||
		s.ExecutionID != orig.ExecutionID || s.ProcessInstanceID != orig.ProcessInstanceID ||
		s.ProcessDefinitionID != orig.ProcessDefinitionID || s.TenantID != orig.TenantID ||
		!s.EndDate.Equal(orig.EndDate) {
		t.Fatalf("successor %+v does not copy %+v", s, orig)
	}
	if s.Repeat != "R2/PT1H" || !s.DueDate.Equal(base.Add(time.Hour)) {
		t.Fatalf("successor repeat=%q due=%v", s.Repeat, s.DueDate)
	}
}

func TestFireMalformedRepeat(t *testing.T) {
	t.Parallel()
	cal := &stepCalendar{next: base, step: time.Hour}
	f, _ := newTestFirer(cal, nil)
	uow := &fakeUoW{}

	_, err := f.Fire(context.Background(), uow, testJob("RX/PT1H"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Segment != "RX" {
		t.Fatalf("expected *ParseError for segment RX, got %v", err)
	}
	if len(uow.scheduled) != 0 || len(cal.resolved) != 0 {
		t.Fatalf("no successor may be produced on parse failure")
	}
}

func TestFireUnknownHandlerDoesNotDelete(t *testing.T) {
	t.Parallel()
	f, _ := newTestFirer(&stepCalendar{}, nil)
	uow := &fakeUoW{}
	job := testJob("PT1H")
	job.HandlerType = "missing"
	if _, err := f.Fire(context.Background(), uow, job); !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("expected ErrUnknownHandler, got %v", err)
	}
	if len(uow.deleted) != 0 {
		t.Fatalf("deleted %v before handler succeeded", uow.deleted)
	}
}

func TestFireDeleteErrorPropagates(t *testing.T) {
	t.Parallel()
	f, _ := newTestFirer(&stepCalendar{next: base, step: time.Hour}, nil)
	boom := errors.New("store down")
	uow := &fakeUoW{deleteErr: boom}
	if _, err := f.Fire(context.Background(), uow, testJob("PT1H")); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(uow.scheduled) != 0 {
		t.Fatal("no successor may be scheduled when delete fails")
	}
}

func nestedJob(repeat, expression string) *Job {
	job := testJob(repeat)
	job.HandlerType = "Timer-Transition"
	job.HandlerConfig = HandlerConfig{ActivityID: "boundaryTimer", EndDateExpression: expression}.Encode()
	return job
}

func TestFireEndDateExpressionString(t *testing.T) {
	t.Parallel()
	cal := &stepCalendar{next: base, step: time.Hour}
	f, _ := newTestFirer(cal, expr.New(expr.Config{}))
	uow := &fakeUoW{executions: map[string]expr.Scope{
		"exec-1": expr.MapScope{Activity: "boundaryTimer", Vars: map[string]any{"until": "2030-03-04T10:30:00Z"}},
	}}

	job := nestedJob("PT1H", "${until}")
	res, err := f.Fire(context.Background(), uow, job)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	want := time.Date(2030, 3, 4, 10, 30, 0, 0, time.UTC)
	if !res.EndDate.Equal(want) || res.Successor == nil || !res.Successor.EndDate.Equal(want) {
		t.Fatalf("end date not propagated: %+v", res)
	}

	// The next occurrence (11:00) exceeds the resolved bound.
	res, err = f.Fire(context.Background(), uow, res.Successor)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if res.Reason != ReasonPastEndDate {
		t.Fatalf("reason = %s, want %s", res.Reason, ReasonPastEndDate)
	}
}

func TestFireEndDateExpressionReevaluatedEveryFiring(t *testing.T) {
	t.Parallel()
	cal := &stepCalendar{next: base, step: time.Hour}
	scope := expr.MapScope{Vars: map[string]any{"until": "2030-03-04T12:00:00Z"}}
	uow := &fakeUoW{executions: map[string]expr.Scope{"exec-1": scope}}
	f, _ := newTestFirer(cal, expr.New(expr.Config{}))

	res, err := f.Fire(context.Background(), uow, nestedJob("PT1H", "${until}"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	scope.Vars["until"] = "2030-03-04T20:00:00Z"
	res, err = f.Fire(context.Background(), uow, res.Successor)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	want := time.Date(2030, 3, 4, 20, 0, 0, 0, time.UTC)
	if !res.EndDate.Equal(want) {
		t.Fatalf("end date = %v, want re-evaluated %v", res.EndDate, want)
	}
}

func TestFireEndDateExpressionDate(t *testing.T) {
	t.Parallel()
	end := base.Add(5 * time.Hour)
	f, _ := newTestFirer(&stepCalendar{next: base, step: time.Hour}, constEvaluator{value: end})
	res, err := f.Fire(context.Background(), &fakeUoW{}, nestedJob("R1/PT1H", "${x}"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !res.EndDate.Equal(end) || res.Successor == nil || !res.Successor.EndDate.Equal(end) {
		t.Fatalf("result = %+v", res)
	}
}

func TestFireEndDateExpressionInvalidType(t *testing.T) {
	t.Parallel()
	f, _ := newTestFirer(&stepCalendar{next: base, step: time.Hour}, constEvaluator{value: int64(42)})
	uow := &fakeUoW{}
	_, err := f.Fire(context.Background(), uow, nestedJob("PT1H", "${42}"))
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	var ice *InvalidConfigurationError
	if !errors.As(err, &ice) || ice.ActivityID != "boundaryTimer" {
		t.Fatalf("error does not identify activity: %v", err)
	}
	if !strings.Contains(err.Error(), "boundaryTimer") {
		t.Fatalf("message %q should name the activity", err.Error())
	}
	if len(uow.deleted) != 0 || len(uow.scheduled) != 0 {
		t.Fatal("invalid configuration must fail before delete")
	}
}

func TestFireEndDateWithoutExecutionUsesEmptyScope(t *testing.T) {
	t.Parallel()
	f, _ := newTestFirer(&stepCalendar{next: base, step: time.Hour}, expr.New(expr.Config{}))
	uow := &fakeUoW{}
	if _, err := f.Fire(context.Background(), uow, nestedJob("PT1H", "${until}")); err == nil {
		t.Fatal("expected evaluation failure against empty scope")
	}

	// Literal expressions still resolve without an execution.
	res, err := f.Fire(context.Background(), uow, nestedJob("PT1H", "2030-03-05T00:00:00Z"))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if res.EndDate.IsZero() {
		t.Fatal("expected literal end date to resolve")
	}
}

func TestFireEndDateIgnoredForOtherHandlerTypes(t *testing.T) {
	t.Parallel()
	f, _ := newTestFirer(&stepCalendar{next: base, step: time.Hour}, constEvaluator{value: int64(1)})
	job := testJob("PT1H")
	job.HandlerConfig = HandlerConfig{ActivityID: "a", EndDateExpression: "${1}"}.Encode()
	res, err := f.Fire(context.Background(), &fakeUoW{}, job)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !res.EndDate.IsZero() {
		t.Fatalf("end date resolved for non nested-activity timer: %v", res.EndDate)
	}
}
