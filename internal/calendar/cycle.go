package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/robfig/cron/v3"
)

// maxSteps bounds the walk from a past start date for periods with calendar
// components. Exact periods are computed arithmetically.
const maxSteps = 100000

var ErrNoInterval = errors.New("repeat has no interval")

// Config configures a Cycle.
type Config struct {
	// Location interprets date-times without an offset and drives cron
	// evaluation. Nil means time.Local.
	Location *time.Location
	// SkipNonWorkdays moves due dates forward to the next working day.
	SkipNonWorkdays bool
	Workdays        []time.Weekday
	Holidays        []Holiday
}

// Option customizes a Cycle.
type Option func(*Cycle)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cycle) {
		if now != nil {
			c.now = now
		}
	}
}

// Cycle is the business calendar for recurring timers. It understands
// ISO-8601 repeating intervals (R[n]/[start/]duration[/end]), bare
// durations and cron expressions.
type Cycle struct {
	loc      *time.Location
	now      func() time.Time
	parser   cron.Parser
	business *cal.BusinessCalendar
	skip     bool
}

func New(cfg Config, opts ...Option) *Cycle {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := &Cycle{
		loc:      loc,
		now:      time.Now,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		business: NewBusiness(cfg.Workdays, cfg.Holidays),
		skip:     cfg.SkipNonWorkdays,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Location returns the calendar time zone.
func (c *Cycle) Location() *time.Location { return c.loc }

// IsWorkday reports whether t falls on a working day.
func (c *Cycle) IsWorkday(t time.Time) bool { return c.business.IsWorkday(t.In(c.loc)) }

type cycleSpec struct {
	start  time.Time
	period Period
	end    time.Time
	cron   cron.Schedule
}

func (c *Cycle) parse(repeat string) (cycleSpec, error) {
	s := strings.TrimSpace(repeat)
	if s == "" {
		return cycleSpec{}, ErrNoInterval
	}
	head, rest, hasRest := strings.Cut(s, "/")
	if isRepeatHead(head) {
		if !hasRest || strings.TrimSpace(rest) == "" {
			return cycleSpec{}, ErrNoInterval
		}
		s = strings.TrimSpace(rest)
	}
	if !looksISO(s) {
		sched, err := c.parser.Parse(s)
		if err != nil {
			return cycleSpec{}, fmt.Errorf("invalid cycle %q: %w", repeat, err)
		}
		return cycleSpec{cron: sched}, nil
	}

	segs := strings.Split(s, "/")
	var spec cycleSpec
	switch len(segs) {
	case 1:
		p, err := ParsePeriod(segs[0])
		if err != nil {
			return cycleSpec{}, err
		}
		spec.period = p
	case 2:
		if isPeriod(segs[0]) {
			p, err := ParsePeriod(segs[0])
			if err != nil {
				return cycleSpec{}, err
			}
			end, err := ParseDateTime(segs[1], c.loc)
			if err != nil {
				return cycleSpec{}, err
			}
			spec.period, spec.end = p, end
		} else {
			start, err := ParseDateTime(segs[0], c.loc)
			if err != nil {
				return cycleSpec{}, err
			}
			p, err := ParsePeriod(segs[1])
			if err != nil {
				return cycleSpec{}, err
			}
			spec.start, spec.period = start, p
		}
	case 3:
		start, err := ParseDateTime(segs[0], c.loc)
		if err != nil {
			return cycleSpec{}, err
		}
		p, err := ParsePeriod(segs[1])
		if err != nil {
			return cycleSpec{}, err
		}
		end, err := ParseDateTime(segs[2], c.loc)
		if err != nil {
			return cycleSpec{}, err
		}
		spec.start, spec.period, spec.end = start, p, end
	default:
		return cycleSpec{}, fmt.Errorf("invalid cycle %q: too many segments", repeat)
	}
	if spec.period.IsZero() {
		return cycleSpec{}, fmt.Errorf("invalid cycle %q: zero period", repeat)
	}
	return spec, nil
}

func isRepeatHead(s string) bool {
	if s == "" || (s[0] != 'R' && s[0] != 'r') {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isPeriod(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && (s[0] == 'P' || s[0] == 'p')
}

// looksISO tells ISO intervals from cron expressions: cron always has
// whitespace-separated fields or a leading @ descriptor.
func looksISO(s string) bool {
	return !strings.HasPrefix(s, "@") && !strings.ContainsAny(s, " \t")
}

// ResolveDueDate returns the next occurrence of repeat after now. ok is
// false when the cycle has none (count-only repeats, passed ISO end bounds,
// cron expressions that never fire again).
func (c *Cycle) ResolveDueDate(repeat string) (time.Time, bool, error) {
	spec, err := c.parse(repeat)
	if errors.Is(err, ErrNoInterval) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	now := c.now().In(c.loc)

	var due time.Time
	switch {
	case spec.cron != nil:
		due = spec.cron.Next(now)
		if due.IsZero() {
			return time.Time{}, false, nil
		}
	case spec.start.IsZero():
		due = spec.period.AddTo(now)
	default:
		due, err = nextFromStart(spec.start, spec.period, now)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("resolve %q: %w", repeat, err)
		}
	}

	if c.skip {
		due = c.nextWorkday(due)
	}
	if !spec.end.IsZero() && due.After(spec.end) {
		return time.Time{}, false, nil
	}
	return due, true, nil
}

func nextFromStart(start time.Time, p Period, now time.Time) (time.Time, error) {
	if start.After(now) {
		return start, nil
	}
	if p.exact() {
		n := now.Sub(start)/p.Clock + 1
		return start.Add(n * p.Clock), nil
	}
	t := start
	for i := 0; i < maxSteps; i++ {
		t = p.AddTo(t)
		if t.After(now) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("start %s too far in the past", start.Format(time.RFC3339))
}

// nextWorkday keeps the time of day and moves forward whole days.
func (c *Cycle) nextWorkday(t time.Time) time.Time {
	for i := 0; i < 366 && !c.IsWorkday(t); i++ {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// ResolveEndDate parses an end-date string in the calendar location.
func (c *Cycle) ResolveEndDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, errors.New("empty end date")
	}
	return ParseDateTime(s, c.loc)
}

// ValidateDueDate reports whether candidate is within endDate and within
// any end bound embedded in repeat. Equal is within.
func (c *Cycle) ValidateDueDate(repeat string, endDate, candidate time.Time) bool {
	if !endDate.IsZero() && candidate.After(endDate) {
		return false
	}
	spec, err := c.parse(repeat)
	if err != nil {
		return true
	}
	return spec.end.IsZero() || !candidate.After(spec.end)
}
