package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mailroom-labs/kite/internal/dispatch"
	"github.com/mailroom-labs/kite/internal/domain"
	"github.com/mailroom-labs/kite/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	planner *dispatch.Planner
	version string

	// async routes ingested events through the bus instead of evaluating
	// them inline. Used by the cluster profile.
	async bool

	validate *validator.Validate

	// Per-tenant rule sync bookkeeping for the cache-backed hot path.
	ruleTTL  time.Duration
	syncMu   sync.Mutex
	lastSync map[string]time.Time
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, planner *dispatch.Planner, version string, async bool, ruleTTL time.Duration) *Handler {
	if ruleTTL <= 0 {
		ruleTTL = time.Minute
	}
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   engine,
		planner:  planner,
		version:  version,
		async:    async,
		validate: validator.New(),
		ruleTTL:  ruleTTL,
		lastSync: make(map[string]time.Time),
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID              string                  `json:"id"`
	Name            string                  `json:"name" validate:"required"`
	Description     string                  `json:"description,omitempty"`
	TriggerType     domain.TriggerType      `json:"triggerType" validate:"required"`
	Conditions      map[string]any          `json:"conditions,omitempty"`
	Channels        map[domain.Channel]bool `json:"channels"`
	DelayMinutes    int                     `json:"delayMinutes,omitempty"`
	IsActive        *bool                   `json:"isActive,omitempty"`
	QuietHoursStart string                  `json:"quietHoursStart,omitempty"`
	QuietHoursEnd   string                  `json:"quietHoursEnd,omitempty"`
	Filter          string                  `json:"filter,omitempty"`
}

// CreateRule validates and persists a new notification rule, loads it into
// the engine, and invalidates the tenant's cached rule list.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation failed: " + err.Error(),
		})
		return
	}

	ruleID := req.ID
	if ruleID == "" {
		ruleID = uuid.New().String()
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	rule := &domain.NotificationRule{
		ID:              ruleID,
		TenantID:        tenantID,
		Name:            req.Name,
		Description:     req.Description,
		TriggerType:     req.TriggerType,
		Conditions:      req.Conditions,
		Channels:        req.Channels,
		DelayMinutes:    req.DelayMinutes,
		IsActive:        active,
		QuietHoursStart: req.QuietHoursStart,
		QuietHoursEnd:   req.QuietHoursEnd,
		Filter:          req.Filter,
	}

	// Full semantic validation, including CEL filter compilation
	if err := h.engine.ValidateRule(rule); err != nil {
		writeValidationError(w, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
			slog.Error("failed to save rule", "id", rule.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	if rule.IsActive {
		if err := h.engine.LoadRule(rule); err != nil {
			slog.Error("failed to load rule into engine", "id", rule.ID, "error", err)
		}
	}

	h.afterRuleMutation(r, tenantID, rule.ID)

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules returns the tenant's rules from the repository.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		var loaded []*domain.NotificationRule
		for _, rule := range h.engine.GetLoadedRules() {
			if rule.TenantID == tenantID {
				loaded = append(loaded, rule)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rules": loaded,
			"count": len(loaded),
		})
		return
	}

	list, err := h.repo.ListRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		for _, rule := range h.engine.GetLoadedRules() {
			if rule.ID == ruleID && rule.TenantID == tenantID {
				writeJSON(w, http.StatusOK, rule)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// PatchRule applies a partial update to an existing rule. The merged rule is
// fully validated before anything is written.
func (h *Handler) PatchRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var patch domain.RulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	existing, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	merged := patch.Apply(existing)
	if err := h.engine.ValidateRule(merged); err != nil {
		writeValidationError(w, err)
		return
	}

	updated, err := h.repo.UpdateRule(ctx, tenantID, ruleID, &patch)
	if err != nil {
		slog.Error("failed to update rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update rule",
		})
		return
	}

	if updated.IsActive {
		if err := h.engine.LoadRule(updated); err != nil {
			slog.Error("failed to reload rule into engine", "id", ruleID, "error", err)
		}
	} else {
		h.engine.UnloadRule(ruleID)
	}

	h.afterRuleMutation(r, tenantID, ruleID)

	slog.Info("rule updated", "id", ruleID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule removes a rule and unloads it from the engine.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.DeleteRule(ctx, tenantID, ruleID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	h.engine.UnloadRule(ruleID)
	h.afterRuleMutation(r, tenantID, ruleID)

	slog.Info("rule deleted", "id", ruleID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadRules replaces the tenant's loaded rules with the current database
// state. This picks up out-of-band changes, including deletions.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListActiveRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	// Drop the tenant's stale rules, then load the fresh set.
	for _, rule := range h.engine.GetLoadedRules() {
		if rule.TenantID == tenantID {
			h.engine.UnloadRule(rule.ID)
		}
	}

	var loaded int
	for _, rule := range dbRules {
		if err := h.engine.LoadRule(rule); err != nil {
			slog.Warn("skipping invalid rule during reload", "id", rule.ID, "error", err)
			continue
		}
		loaded++
	}

	if h.cache != nil {
		_ = h.cache.InvalidateRules(ctx, tenantID)
	}
	h.markSynced(tenantID)

	slog.Info("rules reloaded", "tenant_id", tenantID, "count", loaded)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   loaded,
	})
}

// IngestResponse is the response for asynchronous event ingestion.
type IngestResponse struct {
	EventID string `json:"eventId"`
	Status  string `json:"status"`
	TraceID string `json:"traceId"`
}

// IngestEvent handles POST /events. In the standalone profile the event is
// evaluated inline and the dispatch plan returned; in the cluster profile it
// is queued on the bus for the async workers and a 202 returned.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation failed: " + err.Error(),
		})
		return
	}

	if !req.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unrecognized trigger type: " + string(req.Type),
		})
		return
	}

	ev := req.ToEvent()
	ev.ID = uuid.New().String()
	ev.TenantID = tenantID

	// Async path: queue for workers
	if h.async && h.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to encode event",
			})
			return
		}
		if err := h.bus.Publish(ctx, tenantID, domain.TopicEventIngested, payload); err != nil {
			slog.Error("failed to publish event", "event_id", ev.ID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "failed to queue event",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, IngestResponse{
			EventID: ev.ID,
			Status:  "accepted",
			TraceID: traceID,
		})
		return
	}

	// Sync path: evaluate inline
	if err := h.ensureRules(ctx, tenantID); err != nil {
		slog.Error("failed to sync rules", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules",
		})
		return
	}

	evalStart := time.Now()
	matches, skipped := h.engine.EvaluateAll(ctx, ev)
	evalMs := time.Since(evalStart).Milliseconds()

	plan := h.planner.Plan(ctx, &dispatch.PlanInput{
		TenantID:       tenantID,
		TraceID:        traceID,
		Event:          ev,
		Matches:        matches,
		RulesEvaluated: h.engine.RulesCount(),
		RulesSkipped:   skipped,
		EvaluateMs:     evalMs,
		Now:            start,
		StartTime:      start,
	})

	if h.repo != nil {
		if err := h.repo.SaveEvent(ctx, tenantID, ev); err != nil {
			slog.Error("failed to save event", "event_id", ev.ID, "error", err)
		}
		if len(plan.Instructions) > 0 {
			if err := h.repo.SaveDispatches(ctx, tenantID, plan.Instructions); err != nil {
				slog.Error("failed to save dispatches", "event_id", ev.ID, "error", err)
			}
		}
	}

	// Hand scheduled instructions to the delivery collaborator
	if h.bus != nil {
		if scheduled := plan.ScheduledInstructions(); len(scheduled) > 0 {
			payload, _ := json.Marshal(scheduled)
			if err := h.bus.Publish(ctx, tenantID, domain.TopicDispatch, payload); err != nil {
				slog.Error("failed to publish dispatches", "event_id", ev.ID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, plan)
}

// GetEvent retrieves a trigger event by ID.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	ev, err := h.repo.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "event not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// GetDispatch retrieves a dispatch instruction by ID.
func (h *Handler) GetDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	dispatchID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	d, err := h.repo.GetDispatch(ctx, tenantID, dispatchID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "dispatch not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// ListRuleDispatches returns the dispatch instructions a rule produced,
// newest first, bounded by the optional since query parameter (RFC 3339,
// default last 24 hours).
func (h *Handler) ListRuleDispatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC 3339",
			})
			return
		}
		since = parsed
	}

	list, err := h.repo.ListDispatchesByRule(ctx, tenantID, ruleID, since)
	if err != nil {
		slog.Error("failed to list dispatches", "rule_id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list dispatches",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dispatches": list,
		"count":      len(list),
	})
}

// ensureRules refreshes the engine's view of a tenant's active rules from
// cache or repository, bounded by the rule cache TTL.
func (h *Handler) ensureRules(ctx context.Context, tenantID string) error {
	h.syncMu.Lock()
	fresh := time.Since(h.lastSync[tenantID]) < h.ruleTTL
	h.syncMu.Unlock()
	if fresh {
		return nil
	}

	var list []*domain.NotificationRule
	if h.cache != nil {
		cached, err := h.cache.GetRules(ctx, tenantID)
		if err != nil {
			slog.Warn("rule cache read failed", "tenant_id", tenantID, "error", err)
		}
		list = cached
	}

	if list == nil {
		if h.repo == nil {
			h.markSynced(tenantID)
			return nil
		}
		fetched, err := h.repo.ListActiveRules(ctx, tenantID)
		if err != nil {
			return err
		}
		list = fetched
		if h.cache != nil {
			_ = h.cache.SetRules(ctx, tenantID, list, h.ruleTTL)
		}
	}

	for _, rule := range list {
		if err := h.engine.LoadRule(rule); err != nil {
			slog.Warn("skipping invalid rule during sync", "id", rule.ID, "error", err)
		}
	}

	h.markSynced(tenantID)
	return nil
}

func (h *Handler) markSynced(tenantID string) {
	h.syncMu.Lock()
	h.lastSync[tenantID] = time.Now()
	h.syncMu.Unlock()
}

// afterRuleMutation invalidates the tenant's cached rule list and notifies
// other nodes over the bus.
func (h *Handler) afterRuleMutation(r *http.Request, tenantID, ruleID string) {
	ctx := r.Context()

	if h.cache != nil {
		if err := h.cache.InvalidateRules(ctx, tenantID); err != nil {
			slog.Warn("failed to invalidate rule cache", "tenant_id", tenantID, "error", err)
		}
	}

	h.syncMu.Lock()
	delete(h.lastSync, tenantID)
	h.syncMu.Unlock()

	if h.bus != nil {
		payload, _ := json.Marshal(map[string]string{"ruleId": ruleID})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicRuleChanged, payload); err != nil {
			slog.Warn("failed to publish rule change", "rule_id", ruleID, "error", err)
		}
	}
}

// writeValidationError renders rule validation failures with per-field
// detail when available.
func writeValidationError(w http.ResponseWriter, err error) {
	var verr *rules.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "rule validation failed",
			"fields": verr.Fields,
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
