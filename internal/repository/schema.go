package repository

// Schema definitions for the billing database.
// Compatible with both SQLite and PostgreSQL. Every table except
// period_summaries is insert-only; documents are stored as JSON next to the
// columns used for lookups.

const schemaContracts = `
CREATE TABLE IF NOT EXISTS contracts (
    id TEXT NOT NULL,
    version INTEGER NOT NULL,
    client_id TEXT NOT NULL,
    status TEXT NOT NULL,
    document TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_contracts_status ON contracts(status);
`

const schemaUsage = `
CREATE TABLE IF NOT EXISTS usage_records (
    id TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL,
    event_id TEXT,
    period_key TEXT NOT NULL,
    document TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_period ON usage_records(contract_id, period_key);
`

const schemaEvents = `
CREATE TABLE IF NOT EXISTS collection_events (
    id TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL,
    period_key TEXT NOT NULL,
    status TEXT NOT NULL,
    document TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_period ON collection_events(contract_id, period_key);
`

// schemaAudit enforces one entry per (contract, sequence), so a concurrent
// writer outside this process cannot fork the sequence.
const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL,
    period_key TEXT,
    sequence INTEGER NOT NULL,
    action TEXT NOT NULL,
    supersedes TEXT,
    checksum TEXT NOT NULL,
    document TEXT NOT NULL,
    UNIQUE (contract_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_audit_period ON audit_entries(contract_id, period_key, sequence);
`

const schemaSummaries = `
CREATE TABLE IF NOT EXISTS period_summaries (
    contract_id TEXT NOT NULL,
    period_key TEXT NOT NULL,
    id TEXT NOT NULL,
    document TEXT NOT NULL,
    PRIMARY KEY (contract_id, period_key)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaContracts,
		schemaUsage,
		schemaEvents,
		schemaAudit,
		schemaSummaries,
	}
}
