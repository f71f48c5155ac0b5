package domain

import (
	"time"
)

// TriggerEvent is an incoming domain event to be evaluated against rules.
// Only the numeric field matching the event type is meaningful; the others
// stay zero.
type TriggerEvent struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Type keys which rules this event is evaluated against.
	Type TriggerType `json:"type"`

	// Recipient identifies the customer/mailbox the notification concerns.
	Recipient    string `json:"recipient"`
	CustomerType string `json:"customerType,omitempty"`

	// Per-trigger measurements
	AgeInDays       int `json:"ageInDays,omitempty"`       // package_age
	DaysUntilExpiry int `json:"daysUntilExpiry,omitempty"` // mailbox_expiry
	DaysOverdue     int `json:"daysOverdue,omitempty"`     // payment_due

	// Temporal
	OccurredAt time.Time `json:"occurredAt"`
	CreatedAt  time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EventRequest is the API request payload for event ingestion.
type EventRequest struct {
	Type            TriggerType    `json:"type" validate:"required"`
	Recipient       string         `json:"recipient" validate:"required"`
	CustomerType    string         `json:"customerType,omitempty"`
	AgeInDays       int            `json:"ageInDays,omitempty" validate:"gte=0"`
	DaysUntilExpiry int            `json:"daysUntilExpiry,omitempty" validate:"gte=0"`
	DaysOverdue     int            `json:"daysOverdue,omitempty" validate:"gte=0"`
	OccurredAt      *time.Time     `json:"occurredAt,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ToEvent converts a request to a TriggerEvent domain object.
func (r *EventRequest) ToEvent() *TriggerEvent {
	now := time.Now().UTC()
	occurred := now
	if r.OccurredAt != nil {
		occurred = r.OccurredAt.UTC()
	}
	return &TriggerEvent{
		Type:            r.Type,
		Recipient:       r.Recipient,
		CustomerType:    r.CustomerType,
		AgeInDays:       r.AgeInDays,
		DaysUntilExpiry: r.DaysUntilExpiry,
		DaysOverdue:     r.DaysOverdue,
		OccurredAt:      occurred,
		CreatedAt:       now,
		Metadata:        r.Metadata,
	}
}
