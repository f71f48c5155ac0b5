package rules

import (
	"fmt"
	"strings"

	"github.com/mailroom-labs/kite/internal/domain"
	"github.com/mailroom-labs/kite/internal/schedule"
)

// ValidationError enumerates every field that failed rule validation.
// Surfaced to the submitting client, never silently dropped.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// FieldError names one offending field and why it was rejected.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "rule validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a candidate rule against the schema contract: non-empty
// name, recognized trigger type, only permitted condition keys for that
// trigger, non-negative numerics, parseable quiet-hours strings, and known
// channel names. Pure; returns *ValidationError listing every failure.
func Validate(rule *domain.NotificationRule) error {
	verr := &ValidationError{}

	if rule == nil {
		verr.add("rule", "rule is required")
		return verr
	}

	if strings.TrimSpace(rule.Name) == "" {
		verr.add("name", "must be non-empty")
	}

	if !rule.TriggerType.Valid() {
		verr.add("trigger_type", "unrecognized value %q", rule.TriggerType)
	} else if _, err := domain.DecodeConditions(rule.TriggerType, rule.Conditions); err != nil {
		verr.add("conditions", "%v", err)
	}

	for ch := range rule.Channels {
		if !ch.Valid() {
			verr.add("channels", "unknown channel %q", ch)
		}
	}

	if rule.DelayMinutes < 0 {
		verr.add("delay_minutes", "must be non-negative, got %d", rule.DelayMinutes)
	}

	if _, err := schedule.ParseWindow(rule.QuietHoursStart, rule.QuietHoursEnd); err != nil {
		verr.add("quiet_hours", "%v", err)
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}
