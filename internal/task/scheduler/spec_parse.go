package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"timerd/internal/calendar"
)

// SpecKind tells how the acquisition poll is triggered.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed acquisition.poll value.
//
// Accepted forms:
//   - cron, 5 or 6 fields or a descriptor: "*/5 * * * * *", "@every 2s", "@hourly"
//   - Go duration: "500ms", "5s"
//   - ISO-8601 duration: "PT5S", "PT1M"
//   - HH:MM: "00:01" is one minute
//
// A "cron:" prefix forces cron; "interval:" or "every:" force an interval.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron", "duration", "iso8601" or "hhmm"
}

// ParseSchedule parses an acquisition.poll value.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	prefix, rest, hasPrefix := strings.Cut(s, ":")
	switch p := strings.ToLower(prefix); {
	case hasPrefix && p == "cron":
		if rest = strings.TrimSpace(rest); rest == "" {
			return ParsedSpec{}, errors.New("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	case hasPrefix && (p == "interval" || p == "every"):
		return parseInterval(rest)
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * * *', a duration like '2s' or 'PT2S', or HH:MM like '00:01'): %w", raw, err)
	}
	return ps, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	d, src, err := intervalOf(v)
	switch {
	case err != nil:
		return ParsedSpec{}, err
	case d <= 0:
		return ParsedSpec{}, fmt.Errorf("interval %q must be > 0", v)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func intervalOf(v string) (time.Duration, string, error) {
	if v == "" {
		return 0, "", errors.New("interval required")
	}
	if v[0] == 'P' || v[0] == 'p' {
		p, err := calendar.ParsePeriod(v)
		if err != nil {
			return 0, "", err
		}
		d, ok := p.Fixed()
		if !ok {
			return 0, "", fmt.Errorf("interval %q has a variable length", v)
		}
		return d, "iso8601", nil
	}
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if herr != nil || merr != nil || h < 0 || len(mm) != 2 || m < 0 || m > 59 {
			return 0, "", fmt.Errorf("invalid HH:MM interval %q", v)
		}
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q", v)
	}
	return d, "duration", nil
}
