// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	if cfg.Driver == "memory" {
		return NewMemory(), nil
	}

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

// SaveContract appends a contract version.
func (r *SQLRepository) SaveContract(ctx context.Context, c *domain.Contract) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: contract id is required", domain.ErrInvalidInput)
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode contract: %w", err)
	}

	query := `
		INSERT INTO contracts (id, version, client_id, status, document, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.Version, c.ClientID, string(c.Status), string(doc),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return r.insertErr(err, "contract %s version %d", c.ID, c.Version)
}

// GetContract returns the latest version. Versions are cumulative; asOf only
// rejects contracts that had not taken effect yet.
func (r *SQLRepository) GetContract(ctx context.Context, contractID string, asOf time.Time) (*domain.Contract, error) {
	query := `
		SELECT document FROM contracts
		WHERE id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), contractID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrContractNotFound, contractID)
	}
	if err != nil {
		return nil, err
	}

	var c domain.Contract
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("failed to parse contract %s: %w", contractID, err)
	}
	if !asOf.IsZero() && c.EffectiveDate.After(asOf) {
		return nil, fmt.Errorf("%w: %s not in effect at %s", domain.ErrContractNotFound, contractID, asOf.Format(time.RFC3339))
	}
	return &c, nil
}

// ListContracts returns the latest version of each contract, optionally filtered by status.
func (r *SQLRepository) ListContracts(ctx context.Context, status domain.ContractStatus) ([]*domain.Contract, error) {
	query := `
		SELECT c.document FROM contracts c
		WHERE c.version = (SELECT MAX(v.version) FROM contracts v WHERE v.id = c.id)
		  AND (? = '' OR c.status = ?)
		ORDER BY c.id
	`
	return r.queryContracts(ctx, query, string(status), string(status))
}

// ContractHistory returns every stored version, oldest first.
func (r *SQLRepository) ContractHistory(ctx context.Context, contractID string) ([]*domain.Contract, error) {
	query := `
		SELECT document FROM contracts
		WHERE id = ?
		ORDER BY version
	`
	versions, err := r.queryContracts(ctx, query, contractID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrContractNotFound, contractID)
	}
	return versions, nil
}

func (r *SQLRepository) queryContracts(ctx context.Context, query string, args ...any) ([]*domain.Contract, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []*domain.Contract
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c domain.Contract
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, fmt.Errorf("failed to parse contract: %w", err)
		}
		contracts = append(contracts, &c)
	}
	return contracts, rows.Err()
}

// SaveUsage inserts a usage record.
func (r *SQLRepository) SaveUsage(ctx context.Context, u *domain.CollectionUsageRecord) error {
	if u == nil || u.ID == "" || u.ContractID == "" {
		return fmt.Errorf("%w: usage id and contract id are required", domain.ErrInvalidInput)
	}
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}

	query := `
		INSERT INTO usage_records (id, contract_id, event_id, period_key, document)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), u.ID, u.ContractID, u.EventID, u.PeriodKey, string(doc))
	return r.insertErr(err, "usage %s", u.ID)
}

// GetUsage returns the period's usage ordered by record ID.
func (r *SQLRepository) GetUsage(ctx context.Context, contractID, periodKey string) ([]*domain.CollectionUsageRecord, error) {
	query := `
		SELECT document FROM usage_records
		WHERE contract_id = ? AND period_key = ?
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), contractID, periodKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.CollectionUsageRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var u domain.CollectionUsageRecord
		if err := json.Unmarshal([]byte(doc), &u); err != nil {
			return nil, fmt.Errorf("failed to parse usage record: %w", err)
		}
		records = append(records, &u)
	}
	return records, rows.Err()
}

// SaveEvent inserts a collection event.
func (r *SQLRepository) SaveEvent(ctx context.Context, e *domain.CollectionEvent) error {
	if e == nil || e.ID == "" || e.ContractID == "" {
		return fmt.Errorf("%w: event id and contract id are required", domain.ErrInvalidInput)
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	query := `
		INSERT INTO collection_events (id, contract_id, period_key, status, document)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), e.ID, e.ContractID, e.PeriodKey, string(e.Status), string(doc))
	return r.insertErr(err, "event %s", e.ID)
}

// GetEvents returns the period's events ordered by event ID.
func (r *SQLRepository) GetEvents(ctx context.Context, contractID, periodKey string) ([]*domain.CollectionEvent, error) {
	query := `
		SELECT document FROM collection_events
		WHERE contract_id = ? AND period_key = ?
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), contractID, periodKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.CollectionEvent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e domain.CollectionEvent
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// AppendAudit inserts an audit entry. There is no update or delete path.
func (r *SQLRepository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	query := `
		INSERT INTO audit_entries (id, contract_id, period_key, sequence, action, supersedes, checksum, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.ContractID, entry.PeriodKey, entry.Sequence,
		string(entry.Action), entry.Supersedes, entry.Checksum, string(doc),
	)
	return r.insertErr(err, "audit sequence %d for %s", entry.Sequence, entry.ContractID)
}

// ListAudit returns the contract's entries ordered by sequence.
func (r *SQLRepository) ListAudit(ctx context.Context, contractID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT document FROM audit_entries
		WHERE contract_id = ?
		ORDER BY sequence
	`
	return r.queryAudit(ctx, query, contractID)
}

// LastAudit returns the contract's highest-sequence entry.
func (r *SQLRepository) LastAudit(ctx context.Context, contractID string) (*domain.AuditEntry, error) {
	query := `
		SELECT document FROM audit_entries
		WHERE contract_id = ?
		ORDER BY sequence DESC
		LIMIT 1
	`
	entries, err := r.queryAudit(ctx, query, contractID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, domain.ErrNotFound
	}
	return entries[0], nil
}

// LastPeriodAudit returns the latest entry for one period.
func (r *SQLRepository) LastPeriodAudit(ctx context.Context, contractID, periodKey string) (*domain.AuditEntry, error) {
	query := `
		SELECT document FROM audit_entries
		WHERE contract_id = ? AND period_key = ?
		ORDER BY sequence DESC
		LIMIT 1
	`
	entries, err := r.queryAudit(ctx, query, contractID, periodKey)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, domain.ErrNotFound
	}
	return entries[0], nil
}

func (r *SQLRepository) queryAudit(ctx context.Context, query string, args ...any) ([]*domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e domain.AuditEntry
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("failed to parse audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SaveSummary stores the current summary for a period, replacing any previous one.
// Prior results stay reachable through the audit log.
func (r *SQLRepository) SaveSummary(ctx context.Context, s *domain.PeriodSummary) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	query := `
		INSERT INTO period_summaries (contract_id, period_key, id, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(contract_id, period_key) DO UPDATE SET
			id = excluded.id,
			document = excluded.document
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), s.ContractID, s.PeriodKey, s.ID, string(doc))
	return err
}

// GetSummary returns the current summary for a period.
func (r *SQLRepository) GetSummary(ctx context.Context, contractID, periodKey string) (*domain.PeriodSummary, error) {
	query := `
		SELECT document FROM period_summaries
		WHERE contract_id = ? AND period_key = ?
	`

	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), contractID, periodKey).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var s domain.PeriodSummary
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	return &s, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// insertErr maps unique-constraint violations to domain.ErrAlreadyExists.
func (r *SQLRepository) insertErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, fmt.Sprintf(format, args...))
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, fmt.Sprintf(format, args...))
	}
	return err
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
