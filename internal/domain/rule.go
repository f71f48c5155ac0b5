// Package domain defines the core interfaces and types for Kite.
package domain

import (
	"fmt"
	"time"
)

// TriggerType is the category of domain event a notification rule reacts to.
type TriggerType string

const (
	TriggerPackageArrival TriggerType = "package_arrival"
	TriggerPackageAge     TriggerType = "package_age"
	TriggerMailboxExpiry  TriggerType = "mailbox_expiry"
	TriggerPaymentDue     TriggerType = "payment_due"
)

// AllTriggerTypes lists the closed set of recognized trigger types.
var AllTriggerTypes = []TriggerType{
	TriggerPackageArrival,
	TriggerPackageAge,
	TriggerMailboxExpiry,
	TriggerPaymentDue,
}

// Valid reports whether t is a recognized trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range AllTriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Channel is a delivery medium for notifications.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPush     Channel = "push"
)

// AllChannels lists channels in the deterministic fan-out order.
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPush}

// Valid reports whether c is a recognized channel.
func (c Channel) Valid() bool {
	for _, known := range AllChannels {
		if c == known {
			return true
		}
	}
	return false
}

// NotificationRule defines when and how a notification is produced.
type NotificationRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// TriggerType selects the condition semantics (closed enumeration).
	TriggerType TriggerType `json:"triggerType"`

	// Conditions is the loosely-typed persisted form. Valid keys depend on
	// TriggerType; DecodeConditions converts it to the typed variant.
	Conditions map[string]any `json:"conditions,omitempty"`

	// Channels maps each delivery channel to its enabled flag.
	// All-false is allowed; such a rule produces no dispatches.
	Channels map[Channel]bool `json:"channels"`

	// DelayMinutes defers dispatch after the event match; 0 means immediate.
	DelayMinutes int `json:"delayMinutes"`

	// IsActive gates evaluation; inactive rules never match.
	IsActive bool `json:"isActive"`

	// Quiet hours window in local HH:MM; may wrap midnight (start > end).
	// Equal start and end means no quiet hours.
	QuietHoursStart string `json:"quietHoursStart,omitempty"`
	QuietHoursEnd   string `json:"quietHoursEnd,omitempty"`

	// Filter is an optional CEL expression evaluated against event fields.
	// A rule matches only if both the trigger conditions and the filter hold.
	Filter string `json:"filter,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// EnabledChannels returns the enabled channels in fan-out order.
func (r *NotificationRule) EnabledChannels() []Channel {
	var out []Channel
	for _, ch := range AllChannels {
		if r.Channels[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// RulePatch carries partial-update fields for a rule. Nil pointers (and nil
// maps) leave the stored value untouched.
type RulePatch struct {
	Name            *string          `json:"name,omitempty"`
	Description     *string          `json:"description,omitempty"`
	TriggerType     *TriggerType     `json:"triggerType,omitempty"`
	Conditions      map[string]any   `json:"conditions,omitempty"`
	Channels        map[Channel]bool `json:"channels,omitempty"`
	DelayMinutes    *int             `json:"delayMinutes,omitempty"`
	IsActive        *bool            `json:"isActive,omitempty"`
	QuietHoursStart *string          `json:"quietHoursStart,omitempty"`
	QuietHoursEnd   *string          `json:"quietHoursEnd,omitempty"`
	Filter          *string          `json:"filter,omitempty"`
}

// Apply merges the patch into a copy of r and returns it.
func (p *RulePatch) Apply(r *NotificationRule) *NotificationRule {
	out := *r
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.TriggerType != nil {
		out.TriggerType = *p.TriggerType
	}
	if p.Conditions != nil {
		out.Conditions = p.Conditions
	}
	if p.Channels != nil {
		out.Channels = p.Channels
	}
	if p.DelayMinutes != nil {
		out.DelayMinutes = *p.DelayMinutes
	}
	if p.IsActive != nil {
		out.IsActive = *p.IsActive
	}
	if p.QuietHoursStart != nil {
		out.QuietHoursStart = *p.QuietHoursStart
	}
	if p.QuietHoursEnd != nil {
		out.QuietHoursEnd = *p.QuietHoursEnd
	}
	if p.Filter != nil {
		out.Filter = *p.Filter
	}
	return &out
}

// Evaluator-level defaults for condition fields left unset. These apply
// regardless of how the rule was created, so behavior does not depend on
// the submitting client filling in form placeholders.
const (
	DefaultAgeDays     = 3
	DefaultDaysBefore  = 30
	DefaultDaysOverdue = 1
)

// CustomerTypeAll matches every customer type in package_age conditions.
const CustomerTypeAll = "all"

// Conditions is the typed per-trigger variant of a rule's condition map.
type Conditions interface {
	Trigger() TriggerType
}

// PackageArrivalConditions has no condition fields; the rule matches
// unconditionally once the event occurs.
type PackageArrivalConditions struct{}

func (PackageArrivalConditions) Trigger() TriggerType { return TriggerPackageArrival }

// PackageAgeConditions matches packages unclaimed for at least AgeDays days,
// optionally narrowed to a single customer type.
type PackageAgeConditions struct {
	AgeDays      int    `json:"age_days"`
	CustomerType string `json:"customer_type,omitempty"`
}

func (PackageAgeConditions) Trigger() TriggerType { return TriggerPackageAge }

// MailboxExpiryConditions matches mailboxes expiring within DaysBefore days.
type MailboxExpiryConditions struct {
	DaysBefore int `json:"days_before"`
}

func (MailboxExpiryConditions) Trigger() TriggerType { return TriggerMailboxExpiry }

// PaymentDueConditions matches invoices overdue by at least DaysOverdue days.
type PaymentDueConditions struct {
	DaysOverdue int `json:"days_overdue"`
}

func (PaymentDueConditions) Trigger() TriggerType { return TriggerPaymentDue }

// conditionKeys enumerates the permitted condition keys per trigger type.
var conditionKeys = map[TriggerType][]string{
	TriggerPackageArrival: {},
	TriggerPackageAge:     {"age_days", "customer_type"},
	TriggerMailboxExpiry:  {"days_before"},
	TriggerPaymentDue:     {"days_overdue"},
}

// PermittedConditionKeys returns the condition keys valid for a trigger type.
func PermittedConditionKeys(t TriggerType) []string {
	return conditionKeys[t]
}

// DecodeConditions converts the loosely-typed condition map into the typed
// variant for the given trigger type, applying evaluator-level defaults for
// missing numeric fields. Unknown keys and wrong-typed values are errors.
func DecodeConditions(t TriggerType, raw map[string]any) (Conditions, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unrecognized trigger type %q", t)
	}

	permitted := make(map[string]bool)
	for _, k := range conditionKeys[t] {
		permitted[k] = true
	}
	for k := range raw {
		if !permitted[k] {
			return nil, fmt.Errorf("condition key %q is not valid for trigger type %q", k, t)
		}
	}

	switch t {
	case TriggerPackageArrival:
		return PackageArrivalConditions{}, nil

	case TriggerPackageAge:
		c := PackageAgeConditions{AgeDays: DefaultAgeDays}
		if v, ok := raw["age_days"]; ok {
			n, err := toInt(v)
			if err != nil {
				return nil, fmt.Errorf("age_days: %w", err)
			}
			if n < 0 {
				return nil, fmt.Errorf("age_days must be non-negative, got %d", n)
			}
			c.AgeDays = n
		}
		if v, ok := raw["customer_type"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("customer_type must be a string, got %T", v)
			}
			c.CustomerType = s
		}
		return c, nil

	case TriggerMailboxExpiry:
		c := MailboxExpiryConditions{DaysBefore: DefaultDaysBefore}
		if v, ok := raw["days_before"]; ok {
			n, err := toInt(v)
			if err != nil {
				return nil, fmt.Errorf("days_before: %w", err)
			}
			if n < 0 {
				return nil, fmt.Errorf("days_before must be non-negative, got %d", n)
			}
			c.DaysBefore = n
		}
		return c, nil

	case TriggerPaymentDue:
		c := PaymentDueConditions{DaysOverdue: DefaultDaysOverdue}
		if v, ok := raw["days_overdue"]; ok {
			n, err := toInt(v)
			if err != nil {
				return nil, fmt.Errorf("days_overdue: %w", err)
			}
			if n < 0 {
				return nil, fmt.Errorf("days_overdue must be non-negative, got %d", n)
			}
			c.DaysOverdue = n
		}
		return c, nil
	}

	return nil, fmt.Errorf("unrecognized trigger type %q", t)
}

// toInt accepts the numeric shapes JSON decoding produces.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
