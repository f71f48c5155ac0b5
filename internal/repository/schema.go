package repository

// Schema definitions for the Kite database.
// Compatible with both SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS notification_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    trigger_type TEXT NOT NULL,
    conditions TEXT NOT NULL,
    channels TEXT NOT NULL,
    filter TEXT,
    delay_minutes INTEGER NOT NULL DEFAULT 0,
    quiet_hours_start TEXT,
    quiet_hours_end TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_tenant ON notification_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rules_active ON notification_rules(tenant_id, is_active);
CREATE INDEX IF NOT EXISTS idx_rules_trigger ON notification_rules(tenant_id, trigger_type);
`

const schemaEvents = `
CREATE TABLE IF NOT EXISTS trigger_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    recipient TEXT NOT NULL,
    customer_type TEXT,
    age_in_days INTEGER NOT NULL DEFAULT 0,
    days_until_expiry INTEGER NOT NULL DEFAULT 0,
    days_overdue INTEGER NOT NULL DEFAULT 0,
    occurred_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_tenant ON trigger_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_events_recipient ON trigger_events(tenant_id, recipient);
CREATE INDEX IF NOT EXISTS idx_events_occurred ON trigger_events(tenant_id, occurred_at);
`

const schemaDispatches = `
CREATE TABLE IF NOT EXISTS dispatches (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    scheduled_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    payload_context TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatches_tenant ON dispatches(tenant_id);
CREATE INDEX IF NOT EXISTS idx_dispatches_rule ON dispatches(tenant_id, rule_id);
CREATE INDEX IF NOT EXISTS idx_dispatches_event ON dispatches(tenant_id, event_id);
CREATE INDEX IF NOT EXISTS idx_dispatches_scheduled ON dispatches(tenant_id, scheduled_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaEvents,
		schemaDispatches,
	}
}
