package domain

import (
	"encoding/json"
	"time"
)

// ActorType distinguishes automated runs from human actions.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
)

// AuditAction names what an audit entry records.
type AuditAction string

const (
	ActionPeriodComputed     AuditAction = "period_computed"
	ActionPeriodFailed       AuditAction = "period_failed"
	ActionAmendmentApplied   AuditAction = "amendment_applied"
	ActionContractRegistered AuditAction = "contract_registered"
	ActionStatusChanged      AuditAction = "status_changed"
)

// AuditEntry is an append-only record of one computation or change. Never mutated or deleted.
type AuditEntry struct {
	ID            string          `json:"id"`
	ContractID    string          `json:"contractId"`
	PeriodKey     string          `json:"periodKey,omitempty"`
	Sequence      int64           `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor"`
	ActorType     ActorType       `json:"actorType"`
	Action        AuditAction     `json:"action"`
	Supersedes    string          `json:"supersedes,omitempty"`
	InputSnapshot json.RawMessage `json:"inputSnapshot"`
	RuleVersions  []string        `json:"ruleVersions,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	Checksum      string          `json:"checksum"`
}

// PeriodSnapshot is the full input of a period run, sufficient to reproduce it.
type PeriodSnapshot struct {
	Contract *Contract                `json:"contract"`
	Period   Period                   `json:"period"`
	AsOf     time.Time                `json:"asOf"`
	Usage    []*CollectionUsageRecord `json:"usage"`
	Events   []*CollectionEvent       `json:"events"`
}
