// Package rules provides notification rule validation and the trigger
// condition evaluation engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/mailroom-labs/kite/internal/domain"
	"github.com/mailroom-labs/kite/internal/schedule"
)

// Engine evaluates loaded notification rules against trigger events.
// Rules are validated, their condition maps decoded, quiet-hours windows
// parsed, and optional CEL filters compiled once at load time.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	loaded     map[string]*loadedRule
	maxWorkers int
}

// loadedRule holds the pre-decoded evaluation form of a rule.
type loadedRule struct {
	rule       *domain.NotificationRule
	conditions domain.Conditions
	quiet      schedule.Window
	filter     cel.Program // nil when the rule has no filter expression
}

// Match pairs a matched rule with its parsed quiet-hours window so the
// dispatch planner does not reparse it per event.
type Match struct {
	Rule  *domain.NotificationRule
	Quiet schedule.Window
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment with the event fields rules may filter on
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trigger_type", cel.StringType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("customer_type", cel.StringType),
		cel.Variable("age_in_days", cel.IntType),
		cel.Variable("days_until_expiry", cel.IntType),
		cel.Variable("days_overdue", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		loaded:     make(map[string]*loadedRule),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule validates and compiles a rule without mutating loaded rules.
func (e *Engine) ValidateRule(rule *domain.NotificationRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.prepare(rule)
	return err
}

// LoadRule validates, decodes, and loads a rule into the engine.
func (e *Engine) LoadRule(rule *domain.NotificationRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prepared, err := e.prepare(rule)
	if err != nil {
		return err
	}

	e.loaded[rule.ID] = prepared
	return nil
}

// LoadRules loads multiple rules, skipping inactive ones.
func (e *Engine) LoadRules(rules []*domain.NotificationRule) error {
	for _, rule := range rules {
		if rule.IsActive {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnloadRule removes a rule from the engine.
func (e *Engine) UnloadRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loaded, ruleID)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(rules []*domain.NotificationRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newLoaded := make(map[string]*loadedRule)
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		prepared, err := e.prepare(rule)
		if err != nil {
			return err
		}
		newLoaded[rule.ID] = prepared
	}

	e.loaded = newLoaded
	return nil
}

// EvaluateAll evaluates every loaded rule against the event in parallel and
// returns the matches ordered by rule ID, plus the count of rules skipped
// due to configuration problems. A skipped rule never aborts the pass.
func (e *Engine) EvaluateAll(ctx context.Context, ev *domain.TriggerEvent) ([]Match, int) {
	e.mu.RLock()
	candidates := make([]*loadedRule, 0, len(e.loaded))
	for _, lr := range e.loaded {
		candidates = append(candidates, lr)
	}
	e.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, 0
	}

	activation := buildActivation(ev)

	type outcome struct {
		match   *Match
		skipped bool
	}
	outcomes := make([]outcome, len(candidates))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, lr := range candidates {
		wg.Add(1)
		go func(idx int, lr *loadedRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			matched, skipped := e.evaluateRule(lr, ev, activation)
			if skipped {
				outcomes[idx] = outcome{skipped: true}
				return
			}
			if matched {
				outcomes[idx] = outcome{match: &Match{Rule: lr.rule, Quiet: lr.quiet}}
			}
		}(i, lr)
	}

	wg.Wait()

	var matches []Match
	var skipped int
	for _, o := range outcomes {
		if o.skipped {
			skipped++
		}
		if o.match != nil {
			matches = append(matches, *o.match)
		}
	}

	// Stable order so repeated evaluations of the same (rules, event) pair
	// yield identical dispatch sets.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Rule.ID < matches[j].Rule.ID
	})

	return matches, skipped
}

// evaluateRule decides match/no-match for one rule. The second return value
// reports a configuration skip.
func (e *Engine) evaluateRule(lr *loadedRule, ev *domain.TriggerEvent, activation map[string]any) (bool, bool) {
	rule := lr.rule

	if !rule.IsActive {
		return false, false
	}

	// Tenant isolation: a rule only ever fires for its own tenant's events.
	if rule.TenantID != "" && rule.TenantID != ev.TenantID {
		return false, false
	}

	if !rule.TriggerType.Valid() {
		slog.Warn("skipping rule with unrecognized trigger type",
			"rule_id", rule.ID,
			"trigger_type", rule.TriggerType,
		)
		return false, true
	}

	if rule.TriggerType != ev.Type {
		return false, false
	}

	if !MatchConditions(lr.conditions, ev) {
		return false, false
	}

	if lr.filter != nil {
		out, _, err := lr.filter.Eval(activation)
		if err != nil {
			slog.Warn("rule filter evaluation failed",
				"rule_id", rule.ID,
				"error", err,
			)
			return false, true
		}
		if !toBool(out) {
			return false, false
		}
	}

	return true, false
}

// MatchConditions applies the per-trigger-type condition semantics.
func MatchConditions(c domain.Conditions, ev *domain.TriggerEvent) bool {
	switch cond := c.(type) {
	case domain.PackageArrivalConditions:
		// Matches unconditionally once the event occurs.
		return true

	case domain.PackageAgeConditions:
		if ev.AgeInDays < cond.AgeDays {
			return false
		}
		if cond.CustomerType != "" && cond.CustomerType != domain.CustomerTypeAll {
			return ev.CustomerType == cond.CustomerType
		}
		return true

	case domain.MailboxExpiryConditions:
		return ev.DaysUntilExpiry <= cond.DaysBefore

	case domain.PaymentDueConditions:
		return ev.DaysOverdue >= cond.DaysOverdue

	default:
		return false
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.loaded)
}

// GetLoadedRules returns the currently loaded rules ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.NotificationRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.NotificationRule, 0, len(e.loaded))
	for _, lr := range e.loaded {
		rules = append(rules, lr.rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = make(map[string]*loadedRule)
	return nil
}

// prepare validates the rule and builds its evaluation form.
func (e *Engine) prepare(rule *domain.NotificationRule) (*loadedRule, error) {
	if err := Validate(rule); err != nil {
		return nil, err
	}

	conditions, err := domain.DecodeConditions(rule.TriggerType, rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	quiet, err := schedule.ParseWindow(rule.QuietHoursStart, rule.QuietHoursEnd)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	lr := &loadedRule{
		rule:       rule,
		conditions: conditions,
		quiet:      quiet,
	}

	if rule.Filter != "" {
		program, err := e.compileFilter(rule.ID, rule.Filter)
		if err != nil {
			return nil, err
		}
		lr.filter = program
	}

	return lr, nil
}

func (e *Engine) compileFilter(ruleID, expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile filter for rule %s: %w", ruleID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: filter must return bool, got %s", ruleID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter program for rule %s: %w", ruleID, err)
	}
	return program, nil
}

// buildActivation prepares the CEL activation variables for an event.
func buildActivation(ev *domain.TriggerEvent) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"id":                ev.ID,
			"type":              string(ev.Type),
			"recipient":         ev.Recipient,
			"customer_type":     ev.CustomerType,
			"age_in_days":       ev.AgeInDays,
			"days_until_expiry": ev.DaysUntilExpiry,
			"days_overdue":      ev.DaysOverdue,
		},
		"trigger_type":      string(ev.Type),
		"recipient":         ev.Recipient,
		"customer_type":     ev.CustomerType,
		"age_in_days":       ev.AgeInDays,
		"days_until_expiry": ev.DaysUntilExpiry,
		"days_overdue":      ev.DaysOverdue,
	}
}

// toBool converts a CEL value to a boolean outcome.
func toBool(val ref.Val) bool {
	if b, ok := val.(types.Bool); ok {
		return bool(b)
	}
	return false
}
