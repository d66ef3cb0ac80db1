package app

import (
	"context"
	"sync/atomic"
	"time"

	"timerd/internal/calendar"
	"timerd/internal/expr"
)

// liveCalendar lets a config reload swap the calendar without rebuilding
// the firer. A firing that already loaded the old calendar finishes with it.
type liveCalendar struct {
	p atomic.Pointer[calendar.Cycle]
}

func newLiveCalendar(c *calendar.Cycle) *liveCalendar {
	l := &liveCalendar{}
	l.p.Store(c)
	return l
}

func (l *liveCalendar) Swap(c *calendar.Cycle) { l.p.Store(c) }
func (l *liveCalendar) Current() *calendar.Cycle {
	return l.p.Load()
}

func (l *liveCalendar) ResolveDueDate(repeat string) (time.Time, bool, error) {
	return l.p.Load().ResolveDueDate(repeat)
}

func (l *liveCalendar) ResolveEndDate(s string) (time.Time, error) {
	return l.p.Load().ResolveEndDate(s)
}

func (l *liveCalendar) ValidateDueDate(repeat string, endDate, candidate time.Time) bool {
	return l.p.Load().ValidateDueDate(repeat, endDate, candidate)
}

type liveEvaluator struct {
	p atomic.Pointer[expr.Engine]
}

func newLiveEvaluator(e *expr.Engine) *liveEvaluator {
	l := &liveEvaluator{}
	l.p.Store(e)
	return l
}

func (l *liveEvaluator) Swap(e *expr.Engine) { l.p.Store(e) }

func (l *liveEvaluator) Evaluate(ctx context.Context, expression string, scope expr.Scope) (any, error) {
	return l.p.Load().Evaluate(ctx, expression, scope)
}
