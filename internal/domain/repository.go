// Package domain defines the core interfaces and types for the billing engine.
package domain

import (
	"context"
	"time"
)

// ContractSource is the read API the engine consumes. The engine never mutates what it returns.
type ContractSource interface {
	// GetContract returns the latest contract version known at asOf.
	GetContract(ctx context.Context, contractID string, asOf time.Time) (*Contract, error)
	GetUsage(ctx context.Context, contractID string, periodKey string) ([]*CollectionUsageRecord, error)
	GetEvents(ctx context.Context, contractID string, periodKey string) ([]*CollectionEvent, error)
}

// AuditStore persists audit entries. Implementations must be insert-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, contractID string) ([]*AuditEntry, error)
	// LastAudit returns the most recent entry for the contract, or ErrNotFound.
	LastAudit(ctx context.Context, contractID string) (*AuditEntry, error)
	// LastPeriodAudit returns the most recent entry for (contract, period), or ErrNotFound.
	LastPeriodAudit(ctx context.Context, contractID string, periodKey string) (*AuditEntry, error)
}

// SummaryStore persists published period summaries. A rerun replaces the current summary;
// history lives in the audit log.
type SummaryStore interface {
	SaveSummary(ctx context.Context, summary *PeriodSummary) error
	GetSummary(ctx context.Context, contractID string, periodKey string) (*PeriodSummary, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	ContractSource
	AuditStore
	SummaryStore

	// Contract versions are stored append-only; SaveContract rejects a version that already exists.
	SaveContract(ctx context.Context, contract *Contract) error
	ListContracts(ctx context.Context, status ContractStatus) ([]*Contract, error)
	ContractHistory(ctx context.Context, contractID string) ([]*Contract, error)

	// Usage and events are insert-only.
	SaveUsage(ctx context.Context, record *CollectionUsageRecord) error
	SaveEvent(ctx context.Context, event *CollectionEvent) error

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
