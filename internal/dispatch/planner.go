// Package dispatch turns rule matches into a dispatch plan: one instruction
// per matched rule per enabled channel, scheduled around delay and quiet
// hours.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mailroom-labs/kite/internal/domain"
	"github.com/mailroom-labs/kite/internal/rules"
	"github.com/mailroom-labs/kite/internal/schedule"
)

// EngineVersion is stamped into plan metadata.
const EngineVersion = "kite-1.0"

// Suppressor decides whether a (rule, recipient) dispatch should be held
// back. A nil Suppressor never suppresses.
type Suppressor interface {
	ShouldSuppress(ctx context.Context, tenantID, ruleID, recipient string) (bool, error)
}

// Planner produces dispatch plans from evaluation results.
type Planner struct {
	// Guard is the optional cooldown suppressor.
	Guard Suppressor
}

// NewPlanner creates a planner without cooldown suppression.
func NewPlanner() *Planner {
	return &Planner{}
}

// PlanInput contains all data needed to build a dispatch plan.
type PlanInput struct {
	TenantID string
	TraceID  string
	Event    *domain.TriggerEvent
	Matches  []rules.Match

	// Evaluation bookkeeping for plan metadata.
	RulesEvaluated int
	RulesSkipped   int
	EvaluateMs     int64

	// Now is the event-match timestamp the scheduler starts from.
	Now time.Time

	// StartTime marks the beginning of pipeline processing.
	StartTime time.Time
}

// Plan fans each match out across its enabled channels and computes the
// effective send time per instruction. Zero enabled channels on a matched
// rule is allowed and yields zero instructions for that rule.
func (p *Planner) Plan(ctx context.Context, input *PlanInput) *domain.DispatchPlan {
	now := input.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	plan := &domain.DispatchPlan{
		ID:        uuid.New().String(),
		TenantID:  input.TenantID,
		EventID:   input.Event.ID,
		PlannedAt: now,
	}

	suppressed := 0
	for _, m := range input.Matches {
		rule := m.Rule

		channels := rule.EnabledChannels()
		if len(channels) == 0 {
			slog.Debug("matched rule has no enabled channels",
				"rule_id", rule.ID,
				"event_id", input.Event.ID,
			)
			continue
		}

		scheduledAt := schedule.Apply(now, rule.DelayMinutes, m.Quiet)

		status := domain.DispatchScheduled
		if p.Guard != nil {
			hold, err := p.Guard.ShouldSuppress(ctx, input.TenantID, rule.ID, input.Event.Recipient)
			if err != nil {
				slog.Warn("cooldown check failed, dispatching anyway",
					"rule_id", rule.ID,
					"error", err,
				)
			} else if hold {
				status = domain.DispatchSuppressed
			}
		}

		payload := payloadContext(rule, input.Event)

		for _, ch := range channels {
			plan.Instructions = append(plan.Instructions, domain.DispatchInstruction{
				ID:             uuid.New().String(),
				TenantID:       input.TenantID,
				RuleID:         rule.ID,
				EventID:        input.Event.ID,
				Channel:        ch,
				ScheduledAt:    scheduledAt,
				Status:         status,
				PayloadContext: payload,
				CreatedAt:      now,
			})
			if status == domain.DispatchSuppressed {
				suppressed++
			}
		}
	}

	plan.Metadata = domain.PlanMetadata{
		TraceID:        input.TraceID,
		RulesEvaluated: input.RulesEvaluated,
		RulesMatched:   len(input.Matches),
		RulesSkipped:   input.RulesSkipped,
		Suppressed:     suppressed,
		EvaluateMs:     input.EvaluateMs,
		EngineVersion:  EngineVersion,
	}
	if !input.StartTime.IsZero() {
		plan.Metadata.TotalMs = time.Since(input.StartTime).Milliseconds()
	}

	return plan
}

// payloadContext assembles the event fields the delivery collaborator needs
// to render the notification.
func payloadContext(rule *domain.NotificationRule, ev *domain.TriggerEvent) map[string]any {
	payload := map[string]any{
		"event_id":     ev.ID,
		"trigger_type": string(ev.Type),
		"recipient":    ev.Recipient,
		"rule_name":    rule.Name,
	}
	switch ev.Type {
	case domain.TriggerPackageAge:
		payload["age_in_days"] = ev.AgeInDays
		if ev.CustomerType != "" {
			payload["customer_type"] = ev.CustomerType
		}
	case domain.TriggerMailboxExpiry:
		payload["days_until_expiry"] = ev.DaysUntilExpiry
	case domain.TriggerPaymentDue:
		payload["days_overdue"] = ev.DaysOverdue
	}
	return payload
}
