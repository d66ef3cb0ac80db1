package timer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"timerd/internal/expr"
)

// resolveEndDate evaluates the end-date expression of a nested-activity
// timer. ok is false when the job has no expression configured.
//
// The expression is evaluated on every firing, even when EndDate already
// holds a value copied from the previous occurrence, so variables that change
// over time move the bound.
func (f *Firer) resolveEndDate(ctx context.Context, uow UnitOfWork, job *Job) (time.Time, bool, error) {
	if !job.isNestedActivity() {
		return time.Time{}, false, nil
	}
	cfg, err := ParseHandlerConfig(job.HandlerConfig)
	if err != nil {
		return time.Time{}, false, err
	}
	if strings.TrimSpace(cfg.EndDateExpression) == "" {
		return time.Time{}, false, nil
	}

	scope, err := f.scopeFor(ctx, uow, job.ExecutionID)
	if err != nil {
		return time.Time{}, false, err
	}

	v, err := f.eval.Evaluate(ctx, cfg.EndDateExpression, scope)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("evaluate end date of %q: %w", cfg.ActivityID, err)
	}
	switch x := v.(type) {
	case time.Time:
		return x, true, nil
	case string:
		end, err := f.cal.ResolveEndDate(x)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("resolve end date of %q: %w", cfg.ActivityID, err)
		}
		return end, true, nil
	default:
		return time.Time{}, false, &InvalidConfigurationError{ActivityID: cfg.ActivityID, Value: v}
	}
}

func (f *Firer) scopeFor(ctx context.Context, uow UnitOfWork, executionID string) (expr.Scope, error) {
	if strings.TrimSpace(executionID) == "" {
		return expr.Empty, nil
	}
	scope, ok, err := uow.FindExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("find execution %q: %w", executionID, err)
	}
	if !ok || scope == nil {
		return expr.Empty, nil
	}
	return scope, nil
}
