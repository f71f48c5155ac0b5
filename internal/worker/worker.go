// Package worker provides async event processing for the cluster profile.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mailroom-labs/kite/internal/dispatch"
	"github.com/mailroom-labs/kite/internal/domain"
	"github.com/mailroom-labs/kite/internal/rules"
)

// Worker processes trigger events asynchronously from the EventBus.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	engine  *rules.Engine
	planner *dispatch.Planner

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *rules.Engine, planner *dispatch.Planner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		repo:    repo,
		engine:  engine,
		planner: planner,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicEventIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	ruleSub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicRuleChanged, w.handleRuleChange)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, ruleSub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEventIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processEvent(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	ruleSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicRuleChanged, func(ctx context.Context, msg *domain.Message) error {
		return w.refreshRules(ctx, tenantID)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, ruleSub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicEventIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processEvent(ctx, msg.TenantID, msg)
}

// handleRuleChange handles rule change notifications from the global
// subscription.
func (w *Worker) handleRuleChange(ctx context.Context, msg *domain.Message) error {
	return w.refreshRules(ctx, msg.TenantID)
}

// refreshRules replaces the engine's loaded rules for a tenant with the
// current database state. Rules mutated on another node reach this worker
// through the rule-changed topic, including deletions.
func (w *Worker) refreshRules(ctx context.Context, tenantID string) error {
	w.wg.Add(1)
	defer w.wg.Done()

	if w.repo == nil {
		return nil
	}

	dbRules, err := w.repo.ListActiveRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules for refresh",
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	for _, rule := range w.engine.GetLoadedRules() {
		if rule.TenantID == tenantID {
			w.engine.UnloadRule(rule.ID)
		}
	}

	var loaded int
	for _, rule := range dbRules {
		if err := w.engine.LoadRule(rule); err != nil {
			slog.Warn("skipping invalid rule during refresh",
				"id", rule.ID,
				"error", err,
			)
			continue
		}
		loaded++
	}

	slog.Info("rules refreshed",
		"tenant_id", tenantID,
		"loaded", loaded,
	)

	return nil
}

// EventMessage is the message payload for trigger event processing.
type EventMessage struct {
	EventID         string         `json:"eventId"`
	TenantID        string         `json:"tenantId"`
	TraceID         string         `json:"traceId"`
	Type            string         `json:"type"`
	Recipient       string         `json:"recipient"`
	CustomerType    string         `json:"customerType,omitempty"`
	AgeInDays       int            `json:"ageInDays,omitempty"`
	DaysUntilExpiry int            `json:"daysUntilExpiry,omitempty"`
	DaysOverdue     int            `json:"daysOverdue,omitempty"`
	OccurredAt      time.Time      `json:"occurredAt,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// processEvent runs a trigger event through the evaluate and plan pipeline.
func (w *Worker) processEvent(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	var evMsg EventMessage
	if err := json.Unmarshal(msg.Payload, &evMsg); err != nil {
		slog.Error("failed to parse event message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if evMsg.TenantID != "" {
		tenantID = evMsg.TenantID
	}

	traceID := evMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	occurredAt := evMsg.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = start
	}

	eventID := evMsg.EventID
	if eventID == "" {
		eventID = msg.ID
	}

	ev := &domain.TriggerEvent{
		ID:              eventID,
		TenantID:        tenantID,
		Type:            domain.TriggerType(evMsg.Type),
		Recipient:       evMsg.Recipient,
		CustomerType:    evMsg.CustomerType,
		AgeInDays:       evMsg.AgeInDays,
		DaysUntilExpiry: evMsg.DaysUntilExpiry,
		DaysOverdue:     evMsg.DaysOverdue,
		OccurredAt:      occurredAt,
		CreatedAt:       start,
		Metadata:        evMsg.Metadata,
	}

	slog.Debug("processing event",
		"event_id", ev.ID,
		"tenant_id", tenantID,
		"trace_id", traceID,
		"type", ev.Type,
	)

	// 1. Evaluate rules
	evalStart := time.Now()
	matches, skipped := w.engine.EvaluateAll(ctx, ev)
	evalMs := time.Since(evalStart).Milliseconds()

	// 2. Plan dispatches (delay, quiet hours, cooldown)
	plan := w.planner.Plan(ctx, &dispatch.PlanInput{
		TenantID:       tenantID,
		TraceID:        traceID,
		Event:          ev,
		Matches:        matches,
		RulesEvaluated: w.engine.RulesCount(),
		RulesSkipped:   skipped,
		EvaluateMs:     evalMs,
		Now:            start,
		StartTime:      start,
	})

	// 3. Persist event and dispatch instructions
	if w.repo != nil {
		if err := w.repo.SaveEvent(ctx, tenantID, ev); err != nil {
			slog.Error("failed to save event",
				"event_id", ev.ID,
				"error", err,
			)
		}
		if len(plan.Instructions) > 0 {
			if err := w.repo.SaveDispatches(ctx, tenantID, plan.Instructions); err != nil {
				slog.Error("failed to save dispatches",
					"event_id", ev.ID,
					"error", err,
				)
			}
		}
	}

	// 4. Publish scheduled instructions to the dispatch topic
	scheduled := plan.ScheduledInstructions()
	if len(scheduled) > 0 {
		payload, _ := json.Marshal(scheduled)
		if err := w.bus.Publish(ctx, tenantID, domain.TopicDispatch, payload); err != nil {
			slog.Error("failed to publish dispatches",
				"event_id", ev.ID,
				"error", err,
			)
		}
	}

	// 5. Publish suppressed notifications so downstream can audit them
	if plan.Metadata.Suppressed > 0 {
		payload, _ := json.Marshal(plan)
		if err := w.bus.Publish(ctx, tenantID, domain.TopicDispatchSuppressed, payload); err != nil {
			slog.Error("failed to publish suppressed plan",
				"event_id", ev.ID,
				"error", err,
			)
		}
	}

	slog.Info("event processed",
		"event_id", ev.ID,
		"tenant_id", tenantID,
		"rules_matched", plan.Metadata.RulesMatched,
		"instructions", len(plan.Instructions),
		"suppressed", plan.Metadata.Suppressed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
