package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// MemoryRepository implements domain.Repository in process memory.
// Used by tests and by the "memory" driver for local runs.
type MemoryRepository struct {
	mu        sync.RWMutex
	contracts map[string][]*domain.Contract
	usage     map[string][]*domain.CollectionUsageRecord
	events    map[string][]*domain.CollectionEvent
	audit     map[string][]*domain.AuditEntry
	summaries map[string]*domain.PeriodSummary
	ids       map[string]bool
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		contracts: make(map[string][]*domain.Contract),
		usage:     make(map[string][]*domain.CollectionUsageRecord),
		events:    make(map[string][]*domain.CollectionEvent),
		audit:     make(map[string][]*domain.AuditEntry),
		summaries: make(map[string]*domain.PeriodSummary),
		ids:       make(map[string]bool),
	}
}

func periodKey(contractID, periodKey string) string {
	return contractID + "/" + periodKey
}

// SaveContract appends a contract version.
func (m *MemoryRepository) SaveContract(_ context.Context, c *domain.Contract) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: contract id is required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.contracts[c.ID]
	for _, v := range versions {
		if v.Version == c.Version {
			return fmt.Errorf("%w: contract %s version %d", domain.ErrAlreadyExists, c.ID, c.Version)
		}
	}
	versions = append(versions, c)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	m.contracts[c.ID] = versions
	return nil
}

// GetContract returns the latest version. Versions are cumulative; asOf only
// rejects contracts that had not taken effect yet.
func (m *MemoryRepository) GetContract(_ context.Context, contractID string, asOf time.Time) (*domain.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.contracts[contractID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrContractNotFound, contractID)
	}
	latest := versions[len(versions)-1]
	if !asOf.IsZero() && latest.EffectiveDate.After(asOf) {
		return nil, fmt.Errorf("%w: %s not in effect at %s", domain.ErrContractNotFound, contractID, asOf.Format(time.RFC3339))
	}
	return latest, nil
}

// ListContracts returns the latest version of each contract, optionally filtered by status.
func (m *MemoryRepository) ListContracts(_ context.Context, status domain.ContractStatus) ([]*domain.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Contract
	for _, versions := range m.contracts {
		latest := versions[len(versions)-1]
		if status == "" || latest.Status == status {
			out = append(out, latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ContractHistory returns every stored version, oldest first.
func (m *MemoryRepository) ContractHistory(_ context.Context, contractID string) ([]*domain.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.contracts[contractID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrContractNotFound, contractID)
	}
	out := make([]*domain.Contract, len(versions))
	copy(out, versions)
	return out, nil
}

// SaveUsage inserts a usage record.
func (m *MemoryRepository) SaveUsage(_ context.Context, u *domain.CollectionUsageRecord) error {
	if u == nil || u.ID == "" || u.ContractID == "" {
		return fmt.Errorf("%w: usage id and contract id are required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids["usage/"+u.ID] {
		return fmt.Errorf("%w: usage %s", domain.ErrAlreadyExists, u.ID)
	}
	m.ids["usage/"+u.ID] = true
	k := periodKey(u.ContractID, u.PeriodKey)
	m.usage[k] = append(m.usage[k], u)
	return nil
}

// GetUsage returns the period's usage in insertion order.
func (m *MemoryRepository) GetUsage(_ context.Context, contractID, period string) ([]*domain.CollectionUsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.usage[periodKey(contractID, period)]
	out := make([]*domain.CollectionUsageRecord, len(records))
	copy(out, records)
	return out, nil
}

// SaveEvent inserts a collection event.
func (m *MemoryRepository) SaveEvent(_ context.Context, e *domain.CollectionEvent) error {
	if e == nil || e.ID == "" || e.ContractID == "" {
		return fmt.Errorf("%w: event id and contract id are required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids["event/"+e.ID] {
		return fmt.Errorf("%w: event %s", domain.ErrAlreadyExists, e.ID)
	}
	m.ids["event/"+e.ID] = true
	k := periodKey(e.ContractID, e.PeriodKey)
	m.events[k] = append(m.events[k], e)
	return nil
}

// GetEvents returns the period's events in insertion order.
func (m *MemoryRepository) GetEvents(_ context.Context, contractID, period string) ([]*domain.CollectionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[periodKey(contractID, period)]
	out := make([]*domain.CollectionEvent, len(events))
	copy(out, events)
	return out, nil
}

// AppendAudit inserts an audit entry. Sequence numbers are unique per contract.
func (m *MemoryRepository) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids["audit/"+entry.ID] {
		return fmt.Errorf("%w: audit entry %s", domain.ErrAlreadyExists, entry.ID)
	}
	for _, e := range m.audit[entry.ContractID] {
		if e.Sequence == entry.Sequence {
			return fmt.Errorf("%w: audit sequence %d for %s", domain.ErrAlreadyExists, entry.Sequence, entry.ContractID)
		}
	}
	m.ids["audit/"+entry.ID] = true
	m.audit[entry.ContractID] = append(m.audit[entry.ContractID], entry)
	return nil
}

// ListAudit returns the contract's entries ordered by sequence.
func (m *MemoryRepository) ListAudit(_ context.Context, contractID string) ([]*domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.AuditEntry, len(m.audit[contractID]))
	copy(out, m.audit[contractID])
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// LastAudit returns the contract's highest-sequence entry.
func (m *MemoryRepository) LastAudit(ctx context.Context, contractID string) (*domain.AuditEntry, error) {
	entries, _ := m.ListAudit(ctx, contractID)
	if len(entries) == 0 {
		return nil, domain.ErrNotFound
	}
	return entries[len(entries)-1], nil
}

// LastPeriodAudit returns the latest entry for one period.
func (m *MemoryRepository) LastPeriodAudit(ctx context.Context, contractID, period string) (*domain.AuditEntry, error) {
	entries, _ := m.ListAudit(ctx, contractID)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].PeriodKey == period {
			return entries[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

// SaveSummary stores the current summary for a period, replacing any previous one.
func (m *MemoryRepository) SaveSummary(_ context.Context, s *domain.PeriodSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[periodKey(s.ContractID, s.PeriodKey)] = s
	return nil
}

// GetSummary returns the current summary for a period.
func (m *MemoryRepository) GetSummary(_ context.Context, contractID, period string) (*domain.PeriodSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.summaries[periodKey(contractID, period)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// Ping always succeeds.
func (m *MemoryRepository) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryRepository) Close() error { return nil }
