// Package audit records append-only, per-contract ordered audit entries.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// ErrChecksumMismatch is returned by Verify when an entry was altered after it was written.
var ErrChecksumMismatch = errors.New("audit checksum mismatch")

// Record is what a caller wants written; the recorder fills in ordering and integrity fields.
type Record struct {
	ContractID   string
	PeriodKey    string
	Actor        string
	ActorType    domain.ActorType
	Action       domain.AuditAction
	Input        any
	RuleVersions []string
	Output       any
	Err          error
}

// Recorder serializes appends per contract so every contract has a gapless,
// totally ordered sequence. Different contracts append in parallel.
type Recorder struct {
	store   domain.AuditStore
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*contractLock
}

// contractLock is dropped from the recorder once refs, holders plus waiters, reaches zero.
type contractLock struct {
	sync.Mutex
	refs int
}

// NewRecorder creates a recorder over store. timeout bounds each append; zero means no bound.
func NewRecorder(store domain.AuditStore, timeout time.Duration, clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{
		store:   store,
		timeout: timeout,
		now:     clock,
		locks:   make(map[string]*contractLock),
	}
}

func (r *Recorder) acquire(contractID string) *contractLock {
	r.mu.Lock()
	l, ok := r.locks[contractID]
	if !ok {
		l = &contractLock{}
		r.locks[contractID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return l
}

func (r *Recorder) release(contractID string, l *contractLock) {
	l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, contractID)
	}
}

// Append writes rec as the contract's next entry. Period entries link to the
// previous entry for the same period through Supersedes. A timeout or store
// failure is returned as a retryable DataUnavailableError.
func (r *Recorder) Append(ctx context.Context, rec Record) (*domain.AuditEntry, error) {
	if rec.ContractID == "" {
		return nil, fmt.Errorf("%w: audit record needs a contract id", domain.ErrInvalidInput)
	}

	input, err := json.Marshal(rec.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit input: %w", err)
	}
	var output json.RawMessage
	if rec.Output != nil {
		if output, err = json.Marshal(rec.Output); err != nil {
			return nil, fmt.Errorf("failed to encode audit output: %w", err)
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	l := r.acquire(rec.ContractID)
	defer r.release(rec.ContractID, l)

	if err := ctx.Err(); err != nil {
		return nil, unavailable("audit append", err)
	}

	seq := int64(1)
	last, err := r.store.LastAudit(ctx, rec.ContractID)
	switch {
	case err == nil:
		seq = last.Sequence + 1
	case !errors.Is(err, domain.ErrNotFound):
		return nil, unavailable("audit sequence", err)
	}

	entry := &domain.AuditEntry{
		ID:            uuid.New().String(),
		ContractID:    rec.ContractID,
		PeriodKey:     rec.PeriodKey,
		Sequence:      seq,
		Timestamp:     r.now().UTC(),
		Actor:         rec.Actor,
		ActorType:     rec.ActorType,
		Action:        rec.Action,
		InputSnapshot: input,
		RuleVersions:  rec.RuleVersions,
		Output:        output,
	}
	if entry.Actor == "" {
		entry.Actor = "system"
		entry.ActorType = domain.ActorSystem
	}
	if rec.Err != nil {
		entry.Error = rec.Err.Error()
	}

	if rec.PeriodKey != "" {
		prev, err := r.store.LastPeriodAudit(ctx, rec.ContractID, rec.PeriodKey)
		switch {
		case err == nil:
			entry.Supersedes = prev.ID
		case !errors.Is(err, domain.ErrNotFound):
			return nil, unavailable("audit supersedes", err)
		}
	}

	entry.Checksum = Checksum(entry)

	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return nil, unavailable("audit append", err)
	}

	slog.Debug("audit entry appended",
		"contract_id", entry.ContractID,
		"period", entry.PeriodKey,
		"sequence", entry.Sequence,
		"action", entry.Action,
		"supersedes", entry.Supersedes,
	)
	return entry, nil
}

// History returns the contract's entries in sequence order.
func (r *Recorder) History(ctx context.Context, contractID string) ([]*domain.AuditEntry, error) {
	entries, err := r.store.ListAudit(ctx, contractID)
	if err != nil {
		return nil, unavailable("audit history", err)
	}
	return entries, nil
}

// Latest returns the newest entry for a contract period, or domain.ErrNotFound.
func (r *Recorder) Latest(ctx context.Context, contractID, periodKey string) (*domain.AuditEntry, error) {
	entry, err := r.store.LastPeriodAudit(ctx, contractID, periodKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("audit latest", err)
	}
	return entry, nil
}

// Checksum hashes the entry's identity, ordering, and payload fields.
func Checksum(e *domain.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s|%s|",
		e.ID, e.ContractID, e.PeriodKey, e.Sequence,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Action, e.Supersedes)
	h.Write(e.InputSnapshot)
	h.Write([]byte{'|'})
	h.Write(e.Output)
	h.Write([]byte{'|'})
	h.Write([]byte(e.Error))
	for _, v := range e.RuleVersions {
		h.Write([]byte{'|'})
		h.Write([]byte(v))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes an entry's checksum.
func Verify(e *domain.AuditEntry) error {
	if got := Checksum(e); got != e.Checksum {
		return fmt.Errorf("%w: entry %s", ErrChecksumMismatch, e.ID)
	}
	return nil
}

// VerifyChain checks checksums and that sequences run 1..n without gaps.
func VerifyChain(entries []*domain.AuditEntry) error {
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			return fmt.Errorf("audit sequence gap: expected %d, got %d", i+1, e.Sequence)
		}
		if err := Verify(e); err != nil {
			return err
		}
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, domain.ErrDataUnavailable) {
		return err
	}
	return &domain.DataUnavailableError{Op: op, Err: err}
}
