package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is to classify; structured errors below unwrap to these.
var (
	// Configuration defects: fatal to a period run, never auto-resolved.
	ErrOverlappingRule      = errors.New("overlapping rule versions")
	ErrMissingRate          = errors.New("missing rate for waste type")
	ErrInvalidTierPartition = errors.New("volume tiers do not partition [0, inf)")
	ErrNoActiveSLA          = errors.New("no active SLA configuration")
	ErrUncoveredWasteType   = errors.New("waste type excluded from contract coverage")

	// Input data defects.
	ErrInvalidTimeline     = errors.New("invalid event timeline")
	ErrUsagePeriodMismatch = errors.New("usage record outside contract period")
	ErrInvalidPeriodKey    = errors.New("invalid period key")
	ErrInvalidDateRange    = errors.New("invalid date range")
	ErrInvalidInput        = errors.New("invalid input")

	// Transient I/O.
	ErrDataUnavailable = errors.New("data unavailable")

	// Computation.
	ErrCalculation = errors.New("calculation failed")

	// Contract lifecycle.
	ErrContractNotFound     = errors.New("contract not found")
	ErrInvalidTransition    = errors.New("invalid contract status transition")
	ErrDuplicateRuleVersion = errors.New("rule version already exists")
	ErrContractClosed       = errors.New("contract is closed to amendments")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// OverlappingRuleError names the rule versions that are simultaneously active for one key.
type OverlappingRuleError struct {
	Category string
	Key      string
	RuleIDs  []string
}

func (e *OverlappingRuleError) Error() string {
	return fmt.Sprintf("overlapping %s rules for %q: %s", e.Category, e.Key, strings.Join(e.RuleIDs, ", "))
}

func (e *OverlappingRuleError) Unwrap() error {
	return ErrOverlappingRule
}

// MissingRateError lists usage waste types with no active rate.
type MissingRateError struct {
	WasteTypes []string
}

func (e *MissingRateError) Error() string {
	return fmt.Sprintf("no active rate for waste types: %s", strings.Join(e.WasteTypes, ", "))
}

func (e *MissingRateError) Unwrap() error {
	return ErrMissingRate
}

// InvalidTierPartitionError describes a gap, overlap or bad bound in a tier table.
type InvalidTierPartitionError struct {
	Scope   string
	RuleIDs []string
	Reason  string
}

func (e *InvalidTierPartitionError) Error() string {
	return fmt.Sprintf("volume tiers for scope %q (%s): %s", e.Scope, strings.Join(e.RuleIDs, ", "), e.Reason)
}

func (e *InvalidTierPartitionError) Unwrap() error {
	return ErrInvalidTierPartition
}

// InvalidTimelineError rejects an event whose timestamps cannot be ordered.
type InvalidTimelineError struct {
	EventID string
	Reason  string
}

func (e *InvalidTimelineError) Error() string {
	return fmt.Sprintf("event %s: invalid timeline: %s", e.EventID, e.Reason)
}

func (e *InvalidTimelineError) Unwrap() error {
	return ErrInvalidTimeline
}

// DataUnavailableError wraps a transient fetch or append failure. Safe to retry.
type DataUnavailableError struct {
	Op  string
	Err error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("%s: data unavailable: %v", e.Op, e.Err)
}

func (e *DataUnavailableError) Unwrap() []error {
	return []error{ErrDataUnavailable, e.Err}
}

// CalculationError reports the calculator step that failed.
type CalculationError struct {
	Step string
	Err  error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculation step %s: %v", e.Step, e.Err)
}

func (e *CalculationError) Unwrap() []error {
	return []error{ErrCalculation, e.Err}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDataUnavailable)
}

// IsConfigurationError returns true for contract defects that need manual correction.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrOverlappingRule) ||
		errors.Is(err, ErrMissingRate) ||
		errors.Is(err, ErrInvalidTierPartition) ||
		errors.Is(err, ErrNoActiveSLA) ||
		errors.Is(err, ErrUncoveredWasteType)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidPeriodKey) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateRuleVersion) ||
		errors.Is(err, ErrContractClosed) ||
		errors.Is(err, ErrUsagePeriodMismatch)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrContractNotFound)
}

// IsConflict returns true when an insert-only record was written twice.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// ConflictingRuleIDs extracts rule IDs from a configuration error, if any.
func ConflictingRuleIDs(err error) []string {
	var overlap *OverlappingRuleError
	if errors.As(err, &overlap) {
		return overlap.RuleIDs
	}
	var partition *InvalidTierPartitionError
	if errors.As(err, &partition) {
		return partition.RuleIDs
	}
	return nil
}
