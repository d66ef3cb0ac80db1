package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"timerd/internal/app"
	"timerd/internal/calendar"
	"timerd/internal/timer"
)

// varsFlag collects repeated -var key=value pairs. Values that parse as JSON
// keep their type; anything else is a string.
type varsFlag map[string]any

func (v varsFlag) String() string { return fmt.Sprint(map[string]any(v)) }

func (v varsFlag) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	v[key] = val
	return nil
}

func addTimer(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	var (
		nt               app.NewTimer
		due, end         string
		activity, endExp string
		vars             = varsFlag{}
	)
	fs.StringVar(&nt.HandlerType, "handler", timer.TypeNestedActivity, "handler type")
	fs.StringVar(&nt.HandlerConfig, "handler-config", "", "raw handler configuration (overrides -activity/-end-expr)")
	fs.StringVar(&nt.Repeat, "repeat", "", "repeat descriptor, e.g. R3/PT1H or a cron expression")
	fs.StringVar(&due, "due", "", "first due date (RFC 3339); default: next occurrence of -repeat")
	fs.StringVar(&end, "end", "", "end date (RFC 3339)")
	fs.StringVar(&activity, "activity", "", "activity id")
	fs.StringVar(&endExp, "end-expr", "", "end-date expression, e.g. ${deadline}")
	fs.IntVar(&nt.Retries, "retries", 0, "firing attempts before the timer is parked (default 3)")
	fs.BoolVar(&nt.Exclusive, "exclusive", false, "serialize with other exclusive timers of the process instance")
	fs.StringVar(&nt.ExecutionID, "execution", "", "execution id")
	fs.StringVar(&nt.ProcessInstanceID, "process", "", "process instance id")
	fs.StringVar(&nt.ProcessDefinitionID, "definition", "", "process definition id")
	fs.StringVar(&nt.TenantID, "tenant", "", "tenant id")
	fs.Var(vars, "var", "execution variable key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if due != "" {
		if nt.DueDate, err = calendar.ParseDateTime(due, time.Local); err != nil {
			return fmt.Errorf("-due: %w", err)
		}
	}
	if end != "" {
		if nt.EndDate, err = calendar.ParseDateTime(end, time.Local); err != nil {
			return fmt.Errorf("-end: %w", err)
		}
	}
	if nt.HandlerConfig == "" && (activity != "" || endExp != "") {
		nt.HandlerConfig = timer.HandlerConfig{ActivityID: activity, EndDateExpression: endExp}.Encode()
	}
	nt.Activity = activity
	if len(vars) > 0 {
		nt.Vars = vars
	}

	job, err := a.Schedule(ctx, nt)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"id": job.ID, "due": job.DueDate, "repeat": job.Repeat})
}

func listTimers(ctx context.Context, a *app.App) error {
	timers, err := a.ListTimers(ctx)
	if err != nil {
		return err
	}
	type row struct {
		ID      string    `json:"id"`
		Handler string    `json:"handler"`
		Due     time.Time `json:"due"`
		End     time.Time `json:"end,omitzero"`
		Repeat  string    `json:"repeat,omitempty"`
		Retries int       `json:"retries"`
		Owner   string    `json:"lock_owner,omitempty"`
		Error   string    `json:"error,omitempty"`
	}
	out := make([]row, 0, len(timers))
	for _, ti := range timers {
		out = append(out, row{
			ID:      ti.Job.ID,
			Handler: ti.Job.HandlerType,
			Due:     ti.Job.DueDate,
			End:     ti.Job.EndDate,
			Repeat:  ti.Job.Repeat,
			Retries: ti.Job.Retries,
			Owner:   ti.LockOwner,
			Error:   ti.ErrorMessage,
		})
	}
	return printJSON(out)
}

func listAudit(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "entries to show, newest first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := a.ListAudit(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func fireTimer(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fire <timer-id>")
	}
	res, err := a.FireNow(ctx, args[0])
	if err != nil {
		return err
	}
	out := map[string]any{"outcome": res.Outcome.String(), "reason": res.Reason}
	if res.Successor != nil {
		out["successor"] = res.Successor.ID
		out["next_due"] = res.Successor.DueDate
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
