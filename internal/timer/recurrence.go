package timer

import (
	"errors"
	"strconv"
	"strings"
)

var errNotDigits = errors.New("not a non-negative integer")

// Recurrence is the parsed form of a repeat descriptor:
//
//	["R"<digits>] ("/" segment)*
//
// A leading R<digits> segment bounds the number of remaining firings;
// without it the recurrence is unbounded. Interval is passed through to the
// calendar untouched.
type Recurrence struct {
	Remaining int
	Bounded   bool
	Interval  string
}

// ParseRecurrence parses a repeat descriptor.
func ParseRecurrence(repeat string) (Recurrence, error) {
	head, rest, hasRest := strings.Cut(repeat, "/")
	if len(head) < 2 || head[0] != 'R' {
		return Recurrence{Interval: repeat}, nil
	}
	digits := head[1:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return Recurrence{}, &ParseError{Repeat: repeat, Segment: head, Err: errNotDigits}
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return Recurrence{}, &ParseError{Repeat: repeat, Segment: head, Err: err}
	}
	r := Recurrence{Remaining: n, Bounded: true}
	if hasRest {
		r.Interval = rest
	}
	return r, nil
}

// Exhausted reports a bounded recurrence with no firings left.
func (r Recurrence) Exhausted() bool { return r.Bounded && r.Remaining <= 0 }

// Decrement consumes one firing. ok is false when the recurrence was already
// exhausted; unbounded recurrences are returned unchanged.
func (r Recurrence) Decrement() (next Recurrence, ok bool) {
	if !r.Bounded {
		return r, true
	}
	if r.Exhausted() {
		return r, false
	}
	r.Remaining--
	return r, true
}

// String serializes the recurrence back into a repeat descriptor.
func (r Recurrence) String() string {
	if !r.Bounded {
		return r.Interval
	}
	s := "R" + strconv.Itoa(r.Remaining)
	if r.Interval == "" {
		return s
	}
	return s + "/" + r.Interval
}
