package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"timerd/internal/config"
	"timerd/internal/eventbus"
	"timerd/internal/timer"
)

const baseYAML = `
logging:
  level: error
storage:
  driver: memory
acquisition:
  enabled: false
`

func newTestApp(t *testing.T, yaml string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timerd.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func decode(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("test.yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return cfg
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"minimal", baseYAML, ""},
		{"bad level", "logging: {level: loud}\n", "logging.level"},
		{"acquisition without storage", "acquisition: {enabled: true}\n", "requires storage"},
		{"sqlite without path", "storage: {driver: sqlite}\n", "storage.path"},
		{"unknown driver", "storage: {driver: redis}\n", "unknown storage.driver"},
		{"bad poll", "storage: {driver: memory}\nacquisition: {enabled: true, poll: 'every day'}\n", "acquisition.poll"},
		{"bad lease", "acquisition: {lock_lease: soon}\n", "acquisition.lock_lease"},
		{"negative burst", "acquisition: {burst: -1}\n", "acquisition.burst"},
		{"bad workday", "calendar: {workdays: [funday]}\n", "calendar.workdays"},
		{"bad holiday", "calendar: {holidays: [{date: '13-01'}]}\n", "calendar.holidays[0]"},
		{"bad calendar tz", "calendar: {timezone: Mars/Base}\n", "calendar.timezone"},
		{"bad expression timeout", "expression: {timeout: -1s}\n", "expression.timeout"},
		{"executor off while acquiring", "storage: {driver: memory}\nacquisition: {enabled: true}\nexecutor: {enabled: false}\n", "executor.enabled"},
		{"negative workers", "executor: {workers: -2}\n", "executor.workers"},
		{"bad debug timeout", "debug: {read_timeout: x}\n", "debug.read_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateConfig(context.Background(), decode(t, tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validateConfig = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseHoliday(t *testing.T) {
	t.Parallel()
	tests := []struct {
		date      string
		wantMonth time.Month
		wantDay   int
		wantYear  int
		wantErr   bool
	}{
		{"12-25", time.December, 25, 0, false},
		{"2031-01-02", time.January, 2, 2031, false},
		{"02-30", time.February, 30, 0, false},
		{"00-10", 0, 0, 0, true},
		{"12-32", 0, 0, 0, true},
		{"0-01-01", 0, 0, 0, true},
		{"christmas", 0, 0, 0, true},
		{"2031-1", time.January, 0, 0, true},
	}
	for _, tt := range tests {
		h, err := parseHoliday(config.HolidayConfig{Name: "x", Date: tt.date})
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseHoliday(%q) = %+v, want error", tt.date, h)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseHoliday(%q): %v", tt.date, err)
		}
		if h.Month != tt.wantMonth || h.Day != tt.wantDay || h.Year != tt.wantYear {
			t.Fatalf("parseHoliday(%q) = %+v", tt.date, h)
		}
	}
}

func TestMapExecutorDefaults(t *testing.T) {
	t.Parallel()
	cfg := decode(t, "storage: {driver: memory}\nacquisition: {enabled: true}\n")
	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		t.Fatalf("mapExecutorConfig: %v", err)
	}
	if !ec.Enabled || ec.Workers != 4 || ec.QueueSize != 256 || ec.HistorySize != 200 || ec.RetryMax != 2 {
		t.Fatalf("defaults = %+v", ec)
	}

	cfg = decode(t, "executor: {enabled: true, workers: 8, circuit_base_delay: 2s}\n")
	ec, err = mapExecutorConfig(cfg)
	if err != nil {
		t.Fatalf("mapExecutorConfig: %v", err)
	}
	if !ec.Enabled || ec.Workers != 8 || ec.CircuitBaseDelay != 2*time.Second {
		t.Fatalf("explicit = %+v", ec)
	}
}

func TestScheduleAndFireNow(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, baseYAML)
	ctx := context.Background()
	events, unsub := a.Bus().Subscribe(32)
	defer unsub()

	before := time.Now()
	job, err := a.Schedule(ctx, NewTimer{
		HandlerType:   timer.TypeNestedActivity,
		HandlerConfig: timer.HandlerConfig{ActivityID: "review"}.Encode(),
		Repeat:        "R2/PT1H",
		Activity:      "review",
		Vars:          map[string]any{"owner": "ops"},
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if job.ID == "" || job.ExecutionID == "" || job.Retries != defaultRetries {
		t.Fatalf("scheduled job = %+v", job)
	}
	if due := job.DueDate.Sub(before); due < 59*time.Minute || due > 61*time.Minute {
		t.Fatalf("due in %s, want about 1h", due)
	}

	res, err := a.FireNow(ctx, job.ID)
	if err != nil {
		t.Fatalf("FireNow: %v", err)
	}
	if res.Outcome != timer.Rescheduled || res.Successor == nil || res.Successor.Repeat != "R1/PT1H" {
		t.Fatalf("result = %+v", res)
	}

	timers, err := a.ListTimers(ctx)
	if err != nil {
		t.Fatalf("ListTimers: %v", err)
	}
	if len(timers) != 1 || timers[0].Job.ID == job.ID || timers[0].Job.ExecutionID != job.ExecutionID {
		t.Fatalf("timers after firing = %+v", timers)
	}
	audit, err := a.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(audit) != 1 || audit[0].Outcome != "rescheduled" {
		t.Fatalf("audit = %+v", audit)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.ActivityTriggered {
				continue
			}
			ev, ok := e.Data.(ActivityEvent)
			if !ok || ev.ActivityID != "review" || ev.TimerID != job.ID {
				t.Fatalf("activity event = %+v", e.Data)
			}
			return
		case <-deadline:
			t.Fatal("no activity.triggered event")
		}
	}
}

func TestScheduleRejects(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, baseYAML)
	now := time.Now()
	tests := []struct {
		name  string
		nt    NewTimer
		check func(error) bool
	}{
		{"unknown handler", NewTimer{HandlerType: "nope", DueDate: now}, func(err error) bool { return errors.Is(err, timer.ErrUnknownHandler) }},
		{"missing handler", NewTimer{DueDate: now}, func(err error) bool { return err != nil }},
		{"no due and no repeat", NewTimer{HandlerType: TypeStartEvent}, func(err error) bool { return err != nil }},
		{"bad repeat count", NewTimer{HandlerType: TypeStartEvent, Repeat: "Rx/PT1H"}, func(err error) bool { return errors.Is(err, timer.ErrParse) }},
		{"due after end", NewTimer{HandlerType: TypeStartEvent, DueDate: now, EndDate: now.Add(-time.Hour)}, func(err error) bool { return err != nil }},
	}
	for _, tt := range tests {
		if _, err := a.Schedule(context.Background(), tt.nt); !tt.check(err) {
			t.Fatalf("%s: Schedule = %v", tt.name, err)
		}
	}
}

func TestFireNowStartEventNeedsDefinition(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, baseYAML)
	ctx := context.Background()
	job, err := a.Schedule(ctx, NewTimer{HandlerType: TypeStartEvent, DueDate: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := a.FireNow(ctx, job.ID); err == nil {
		t.Fatal("expected handler error")
	}
	timers, err := a.ListTimers(ctx)
	if err != nil {
		t.Fatalf("ListTimers: %v", err)
	}
	if len(timers) != 1 || timers[0].Job.ID != job.ID || timers[0].Job.Retries != defaultRetries-1 {
		t.Fatalf("timer after failed firing = %+v", timers)
	}
	if !strings.Contains(timers[0].ErrorMessage, "no process definition") {
		t.Fatalf("error message = %q", timers[0].ErrorMessage)
	}
}

func TestStartAcquiresDueTimers(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, `
logging: {level: error}
storage: {driver: memory}
acquisition: {enabled: true, poll: 1s}
executor: {workers: 2}
`)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	job, err := a.Schedule(ctx, NewTimer{
		HandlerType:         TypeStartEvent,
		ProcessDefinitionID: "invoice:1",
		DueDate:             time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		audit, err := a.ListAudit(ctx, 10)
		if err != nil {
			t.Fatalf("ListAudit: %v", err)
		}
		st, ok := a.Status().(Status)
		if !ok || st.Storage != "memory" {
			t.Fatalf("status = %+v", a.Status())
		}
		// The counter moves right after commit.
		if len(audit) == 1 && st.Acquisition.Fired >= 1 {
			if audit[0].TimerID != job.ID || audit[0].Outcome != "terminated" {
				t.Fatalf("audit = %+v", audit[0])
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("due timer was not fired by acquisition")
}

func TestApplyConfigSwapsCalendar(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, baseYAML)
	oldCfg := decode(t, baseYAML)
	newCfg := decode(t, baseYAML+"calendar: {timezone: UTC}\nexpression: {timeout: 1s}\n")

	a.applyConfig(context.Background(), oldCfg, newCfg)
	if got := a.cal.Current().Location().String(); got != "UTC" {
		t.Fatalf("calendar location = %q, want UTC", got)
	}
}
