package config

import (
	"fmt"
	"strings"
	"time"

	"timerd/internal/calendar"
)

// ParseDurationField parses the duration found at path (used in error
// messages). Both Go durations ("90s", "1m30s") and fixed ISO-8601
// durations ("PT90S", "P1D") are accepted, so lease and retry settings can
// be written like repeat intervals. Empty means 0; negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "" || s == "0":
		return 0, nil
	case s[0] == 'P' || s[0] == 'p':
		p, err := calendar.ParsePeriod(s)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		d, ok := p.Fixed()
		if !ok {
			return 0, fmt.Errorf("%s: %q has year or month components; use days or smaller", path, raw)
		}
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
