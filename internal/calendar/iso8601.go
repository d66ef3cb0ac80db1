package calendar

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// Period is an ISO-8601 duration. Calendar components (years, months,
// weeks, days) are applied with AddDate so they follow the wall clock;
// the time part is an exact duration.
type Period struct {
	Years  int
	Months int
	Weeks  int
	Days   int
	Clock  time.Duration
}

// IsZero reports a period that does not advance time.
func (p Period) IsZero() bool {
	return p.Years == 0 && p.Months == 0 && p.Weeks == 0 && p.Days == 0 && p.Clock == 0
}

// exact reports whether the period has no calendar components.
func (p Period) exact() bool {
	return p.Years == 0 && p.Months == 0 && p.Weeks == 0 && p.Days == 0
}

// Fixed converts a period without year or month components to a duration,
// counting a day as 24h. ok is false when the length depends on the date.
func (p Period) Fixed() (d time.Duration, ok bool) {
	if p.Years != 0 || p.Months != 0 {
		return 0, false
	}
	return time.Duration(7*p.Weeks+p.Days)*24*time.Hour + p.Clock, true
}

// AddTo returns t advanced by the period.
func (p Period) AddTo(t time.Time) time.Time {
	if p.Years != 0 || p.Months != 0 || p.Weeks != 0 || p.Days != 0 {
		t = t.AddDate(p.Years, p.Months, 7*p.Weeks+p.Days)
	}
	return t.Add(p.Clock)
}

// ParsePeriod parses PnYnMnWnDTnHnMnS. Fractions are accepted on the time
// components only; a comma works as the decimal mark.
func ParsePeriod(s string) (Period, error) {
	v := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), ",", ".")
	if err := checkPeriodShape(v); err != nil {
		return Period{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d, err := duration.Parse(v)
	if err != nil {
		return Period{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	var p Period
	for _, c := range []struct {
		dst  *int
		v    float64
		unit string
	}{
		{&p.Years, d.Years, "Y"},
		{&p.Months, d.Months, "M"},
		{&p.Weeks, d.Weeks, "W"},
		{&p.Days, d.Days, "D"},
	} {
		if c.v != math.Trunc(c.v) {
			return Period{}, fmt.Errorf("invalid duration %q: fractional %s component", s, c.unit)
		}
		*c.dst = int(c.v)
	}
	p.Clock = time.Duration(d.Hours*float64(time.Hour) + d.Minutes*float64(time.Minute) + d.Seconds*float64(time.Second))
	return p, nil
}

// checkPeriodShape rejects what duration.Parse lets through: empty
// periods, signs, misplaced units or T and a number without a unit.
func checkPeriodShape(v string) error {
	if !strings.HasPrefix(v, "P") {
		return errors.New("must start with P")
	}
	if strings.ContainsAny(v, "+-") {
		return errors.New("signed components")
	}
	if strings.Count(v, "T") > 1 {
		return errors.New("misplaced T")
	}
	date, clock, _ := strings.Cut(v, "T")
	if strings.ContainsAny(date, "HS") || strings.ContainsAny(clock, "YWD") {
		return errors.New("unit on the wrong side of T")
	}
	if !strings.ContainsAny(v, "0123456789") {
		return errors.New("no components")
	}
	switch last := v[len(v)-1]; {
	case last == 'T':
		return errors.New("no time components")
	case last == '.' || (last >= '0' && last <= '9'):
		return errors.New("trailing number without unit")
	}
	return nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDateTime parses an ISO-8601 date or date-time. Values without an
// offset are interpreted in loc.
func ParseDateTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	v := strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (use RFC3339, yyyy-MM-ddTHH:mm:ss or yyyy-MM-dd)", s)
}
