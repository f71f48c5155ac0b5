package domain

import (
	"time"
)

// Dispatch status constants
const (
	DispatchScheduled  = "scheduled"  // handed to the delivery collaborator
	DispatchSuppressed = "suppressed" // held back by the cooldown guard
)

// DispatchInstruction is the resolved, schedulable unit of work handed to
// the external delivery collaborator. One instruction per enabled channel
// per matched event.
type DispatchInstruction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	RuleID   string `json:"ruleId"`
	EventID  string `json:"eventId"`

	Channel Channel `json:"channel"`

	// ScheduledAt is the effective send time after delay and quiet hours.
	ScheduledAt time.Time `json:"scheduledAt"`

	Status string `json:"status"`

	// PayloadContext carries the event fields the delivery collaborator
	// needs to render the notification.
	PayloadContext map[string]any `json:"payloadContext,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// DispatchPlan is the complete evaluation result for one event.
type DispatchPlan struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	EventID   string    `json:"eventId"`
	PlannedAt time.Time `json:"plannedAt"`

	// Instructions holds one entry per (matched rule, enabled channel).
	Instructions []DispatchInstruction `json:"instructions"`

	// Processing metadata
	Metadata PlanMetadata `json:"metadata"`
}

// PlanMetadata contains processing information for a dispatch plan.
type PlanMetadata struct {
	TraceID        string `json:"traceId"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	RulesMatched   int    `json:"rulesMatched"`
	RulesSkipped   int    `json:"rulesSkipped"`
	Suppressed     int    `json:"suppressed"`
	EvaluateMs     int64  `json:"evaluateMs"`
	TotalMs        int64  `json:"totalMs"`
	EngineVersion  string `json:"engineVersion"`
}

// ScheduledInstructions returns the instructions that should be handed to
// the delivery collaborator (suppressed ones excluded).
func (p *DispatchPlan) ScheduledInstructions() []DispatchInstruction {
	var out []DispatchInstruction
	for _, in := range p.Instructions {
		if in.Status == DispatchScheduled {
			out = append(out, in)
		}
	}
	return out
}
