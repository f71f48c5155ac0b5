package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Rule operations. SaveRule upserts; UpdateRule applies partial-update
	// (patch) semantics keyed by id and returns the merged rule.
	SaveRule(ctx context.Context, tenantID string, rule *NotificationRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*NotificationRule, error)
	ListRules(ctx context.Context, tenantID string) ([]*NotificationRule, error)
	ListActiveRules(ctx context.Context, tenantID string) ([]*NotificationRule, error)
	UpdateRule(ctx context.Context, tenantID string, ruleID string, patch *RulePatch) (*NotificationRule, error)
	DeleteRule(ctx context.Context, tenantID string, ruleID string) error

	// Event operations
	SaveEvent(ctx context.Context, tenantID string, ev *TriggerEvent) error
	GetEvent(ctx context.Context, tenantID string, eventID string) (*TriggerEvent, error)

	// Dispatch operations
	SaveDispatches(ctx context.Context, tenantID string, instructions []DispatchInstruction) error
	GetDispatch(ctx context.Context, tenantID string, dispatchID string) (*DispatchInstruction, error)
	ListDispatchesByRule(ctx context.Context, tenantID string, ruleID string, since time.Time) ([]*DispatchInstruction, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
