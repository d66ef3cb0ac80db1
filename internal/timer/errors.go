package timer

import (
	"errors"
	"fmt"
)

var (
	// ErrParse matches every *ParseError.
	ErrParse = errors.New("malformed repeat")
	// ErrInvalidConfiguration matches every *InvalidConfigurationError.
	ErrInvalidConfiguration = errors.New("invalid timer configuration")
	// ErrUnknownHandler is returned when no handler is registered for a job's type.
	ErrUnknownHandler = errors.New("unknown job handler type")
)

// ParseError reports a repeat descriptor whose R-count segment is not a
// non-negative integer.
type ParseError struct {
	Repeat  string
	Segment string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed repeat %q: count segment %q: %v", e.Repeat, e.Segment, e.Err)
	}
	return fmt.Sprintf("malformed repeat %q: count segment %q", e.Repeat, e.Segment)
}

func (e *ParseError) Unwrap() error        { return e.Err }
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// InvalidConfigurationError reports an end-date expression that produced
// neither a string nor a date.
type InvalidConfigurationError struct {
	ActivityID string
	Value      any
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("timer %q was not configured with a valid end date: expected a date or a date string, got %T", e.ActivityID, e.Value)
}

func (e *InvalidConfigurationError) Is(target error) bool { return target == ErrInvalidConfiguration }
