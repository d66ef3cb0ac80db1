package timer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TypeNestedActivity is the handler type of boundary timers attached to a
// nested activity. Only these timers may carry an end-date expression.
const TypeNestedActivity = "timer-transition"

// Job is a timer job: a trigger that becomes eligible to fire at DueDate.
//
// Jobs are never updated in place by a firing. The fired instance is deleted
// and the next occurrence, if any, is a new Job with its own ID.
type Job struct {
	// ID is assigned by the job store; the core never generates it.
	ID string

	HandlerType   string
	HandlerConfig string

	DueDate time.Time
	// EndDate bounds every due date produced by recurrence. Zero means none.
	EndDate time.Time
	// Repeat is the recurrence descriptor ("" means fire once).
	Repeat string

	Retries   int
	Exclusive bool

	ExecutionID         string
	ProcessInstanceID   string
	ProcessDefinitionID string
	TenantID            string
}

// Repeating reports whether the job carries a recurrence descriptor.
func (j *Job) Repeating() bool { return j != nil && j.Repeat != "" }

func (j *Job) isNestedActivity() bool {
	return strings.EqualFold(strings.TrimSpace(j.HandlerType), TypeNestedActivity)
}

// HandlerConfig is the decoded configuration of a nested-activity timer.
type HandlerConfig struct {
	ActivityID        string `json:"activityId"`
	EndDateExpression string `json:"endDateExpression,omitempty"`
}

// ParseHandlerConfig decodes a nested-activity handler configuration.
func ParseHandlerConfig(raw string) (HandlerConfig, error) {
	var cfg HandlerConfig
	if strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return HandlerConfig{}, fmt.Errorf("decode handler config: %w", err)
	}
	return cfg, nil
}

// Encode renders the configuration in the form ParseHandlerConfig reads.
func (c HandlerConfig) Encode() string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(b)
}
