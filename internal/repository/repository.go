// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mailroom-labs/kite/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule upserts a notification rule with tenant isolation.
// CreatedAt/UpdatedAt are server-assigned here.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.NotificationRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}

	conditions, _ := json.Marshal(rule.Conditions)
	channels, _ := json.Marshal(rule.Channels)

	active := 0
	if rule.IsActive {
		active = 1
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	rule.CreatedAt = createdAt
	rule.UpdatedAt = now

	query := `
		INSERT INTO notification_rules (
			id, tenant_id, name, description, trigger_type, conditions,
			channels, filter, delay_minutes, quiet_hours_start,
			quiet_hours_end, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			trigger_type = excluded.trigger_type,
			conditions = excluded.conditions,
			channels = excluded.channels,
			filter = excluded.filter,
			delay_minutes = excluded.delay_minutes,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		string(rule.TriggerType), string(conditions), string(channels),
		rule.Filter, rule.DelayMinutes,
		rule.QuietHoursStart, rule.QuietHoursEnd,
		active, createdAt, now,
	)
	return err
}

// GetRule retrieves a rule by ID with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.NotificationRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelect + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all rules for a tenant, active or not.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.NotificationRule, error) {
	return r.listRules(ctx, tenantID, false)
}

// ListActiveRules retrieves only the rules with is_active set.
func (r *SQLRepository) ListActiveRules(ctx context.Context, tenantID string) ([]*domain.NotificationRule, error) {
	return r.listRules(ctx, tenantID, true)
}

func (r *SQLRepository) listRules(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.NotificationRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelect + ` WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.NotificationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// UpdateRule applies partial-update semantics keyed by rule ID: the stored
// rule is read, the patch merged in, and the result written back with a
// fresh updated_at.
func (r *SQLRepository) UpdateRule(ctx context.Context, tenantID string, ruleID string, patch *domain.RulePatch) (*domain.NotificationRule, error) {
	if patch == nil {
		return nil, fmt.Errorf("%w: patch is required", ErrInvalidInput)
	}

	existing, err := r.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}

	merged := patch.Apply(existing)
	if err := r.SaveRule(ctx, tenantID, merged); err != nil {
		return nil, err
	}

	return merged, nil
}

// DeleteRule removes a rule with tenant isolation.
func (r *SQLRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM notification_rules WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveEvent stores a trigger event with tenant isolation.
func (r *SQLRepository) SaveEvent(ctx context.Context, tenantID string, ev *domain.TriggerEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(ev.Metadata)

	query := `
		INSERT INTO trigger_events (
			id, tenant_id, type, recipient, customer_type,
			age_in_days, days_until_expiry, days_overdue,
			occurred_at, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, string(ev.Type), ev.Recipient, ev.CustomerType,
		ev.AgeInDays, ev.DaysUntilExpiry, ev.DaysOverdue,
		ev.OccurredAt, ev.CreatedAt, string(metadata),
	)
	return err
}

// GetEvent retrieves a trigger event by ID with tenant isolation.
func (r *SQLRepository) GetEvent(ctx context.Context, tenantID string, eventID string) (*domain.TriggerEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, type, recipient, customer_type,
			   age_in_days, days_until_expiry, days_overdue,
			   occurred_at, created_at, metadata
		FROM trigger_events
		WHERE tenant_id = ? AND id = ?
	`

	var ev domain.TriggerEvent
	var evType, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID).Scan(
		&ev.ID, &ev.TenantID, &evType, &ev.Recipient, &ev.CustomerType,
		&ev.AgeInDays, &ev.DaysUntilExpiry, &ev.DaysOverdue,
		&ev.OccurredAt, &ev.CreatedAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev.Type = domain.TriggerType(evType)
	if metadata != "" && metadata != "null" {
		json.Unmarshal([]byte(metadata), &ev.Metadata)
	}

	return &ev, nil
}

// SaveDispatches stores the instructions of a plan with tenant isolation.
func (r *SQLRepository) SaveDispatches(ctx context.Context, tenantID string, instructions []domain.DispatchInstruction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO dispatches (
			id, tenant_id, rule_id, event_id, channel,
			scheduled_at, status, payload_context, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, in := range instructions {
		payload, _ := json.Marshal(in.PayloadContext)

		_, err := r.db.ExecContext(ctx, r.rebind(query),
			in.ID, tenantID, in.RuleID, in.EventID, string(in.Channel),
			in.ScheduledAt, in.Status, string(payload), in.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetDispatch retrieves a dispatch instruction by ID with tenant isolation.
func (r *SQLRepository) GetDispatch(ctx context.Context, tenantID string, dispatchID string) (*domain.DispatchInstruction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := dispatchSelect + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, dispatchID)
	in, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return in, err
}

// ListDispatchesByRule retrieves recent dispatches for a rule.
func (r *SQLRepository) ListDispatchesByRule(ctx context.Context, tenantID string, ruleID string, since time.Time) ([]*domain.DispatchInstruction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := dispatchSelect + `
		WHERE tenant_id = ? AND rule_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, ruleID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dispatches []*domain.DispatchInstruction
	for rows.Next() {
		in, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		dispatches = append(dispatches, in)
	}

	return dispatches, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const ruleSelect = `
	SELECT id, tenant_id, name, description, trigger_type, conditions,
		   channels, filter, delay_minutes, quiet_hours_start,
		   quiet_hours_end, is_active, created_at, updated_at
	FROM notification_rules`

const dispatchSelect = `
	SELECT id, tenant_id, rule_id, event_id, channel,
		   scheduled_at, status, payload_context, created_at
	FROM dispatches`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.NotificationRule, error) {
	var rule domain.NotificationRule
	var triggerType, conditions, channels string
	var active int

	err := s.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &rule.Description,
		&triggerType, &conditions, &channels, &rule.Filter,
		&rule.DelayMinutes, &rule.QuietHoursStart, &rule.QuietHoursEnd,
		&active, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.TriggerType = domain.TriggerType(triggerType)
	rule.IsActive = active == 1
	if conditions != "" && conditions != "null" {
		if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to parse conditions for rule %s: %w", rule.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(channels), &rule.Channels); err != nil {
		return nil, fmt.Errorf("failed to parse channels for rule %s: %w", rule.ID, err)
	}

	return &rule, nil
}

func scanDispatch(s scanner) (*domain.DispatchInstruction, error) {
	var in domain.DispatchInstruction
	var channel, payload string

	err := s.Scan(
		&in.ID, &in.TenantID, &in.RuleID, &in.EventID, &channel,
		&in.ScheduledAt, &in.Status, &payload, &in.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	in.Channel = domain.Channel(channel)
	if payload != "" && payload != "null" {
		json.Unmarshal([]byte(payload), &in.PayloadContext)
	}

	return &in, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
