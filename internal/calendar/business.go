package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/rickar/cal/v2"
)

// Holiday is a non-working day. Year 0 means it recurs every year.
type Holiday struct {
	Name  string
	Month time.Month
	Day   int
	Year  int
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	if len(k) >= 3 {
		if wd, ok := weekdayNames[k[:3]]; ok {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// NewBusiness builds a business calendar. Empty workdays keeps the
// Monday–Friday default.
func NewBusiness(workdays []time.Weekday, holidays []Holiday) *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	if len(workdays) > 0 {
		for wd := time.Sunday; wd <= time.Saturday; wd++ {
			c.SetWorkday(wd, false)
		}
		for _, wd := range workdays {
			c.SetWorkday(wd, true)
		}
	}
	for _, h := range holidays {
		if h.Month < time.January || h.Month > time.December || h.Day < 1 || h.Day > 31 {
			continue
		}
		hol := &cal.Holiday{
			Name:  h.Name,
			Type:  cal.ObservancePublic,
			Month: h.Month,
			Day:   h.Day,
			Func:  cal.CalcDayOfMonth,
		}
		if h.Year > 0 {
			hol.StartYear = h.Year
			hol.EndYear = h.Year
		}
		c.AddHoliday(hol)
	}
	return c
}
