package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CollectionUsageRecord is the weighed output of one completed collection. Immutable.
type CollectionUsageRecord struct {
	ID         string                     `json:"id"`
	ContractID string                     `json:"contractId"`
	EventID    string                     `json:"eventId"`
	PeriodKey  string                     `json:"periodKey"`
	PickupAt   time.Time                  `json:"pickupAt"`
	Categories map[string]decimal.Decimal `json:"categories"`
}

// Warning codes recorded on a computation without stopping it.
const (
	WarnDiscountClamped  = "discount_clamped"
	WarnClauseClamped    = "special_clause_clamped"
	WarnClauseUnapproved = "special_clause_unapproved"
	WarnNetClamped       = "net_clamped"
	WarnUnresolvedEvents = "unresolved_events"
)

// Warning is a non-fatal note attached to a computation.
type Warning struct {
	Code    string `json:"code"`
	RuleID  string `json:"ruleId,omitempty"`
	Message string `json:"message"`
}

// ChargeLineItem is the base charge for one waste category.
type ChargeLineItem struct {
	WasteType string          `json:"wasteType"`
	VolumeKg  decimal.Decimal `json:"volumeKg"`
	RatePerKg decimal.Decimal `json:"ratePerKg"`
	Amount    Money           `json:"amount"`
	RuleID    string          `json:"ruleId"`
}

// DiscountItem is one itemized reduction. Amount is the reduction actually taken.
type DiscountItem struct {
	RuleID     string          `json:"ruleId"`
	Name       string          `json:"name,omitempty"`
	Scope      string          `json:"scope,omitempty"`
	Type       AdjustmentType  `json:"type"`
	Value      decimal.Decimal `json:"value"`
	Amount     Money           `json:"amount"`
	Clamped    bool            `json:"clamped,omitempty"`
	ApprovedBy string          `json:"approvedBy,omitempty"`
}

// SurchargeItem is the frequency surcharge added after tier discounts.
type SurchargeItem struct {
	RuleID    string          `json:"ruleId"`
	Frequency string          `json:"frequency"`
	Type      AdjustmentType  `json:"type"`
	Value     decimal.Decimal `json:"value"`
	Amount    Money           `json:"amount"`
}

// AdjustmentItem is a signed special clause adjustment. Amount is what was actually applied.
type AdjustmentItem struct {
	RuleID     string    `json:"ruleId"`
	Kind       string    `json:"kind"`
	RiskLevel  RiskLevel `json:"riskLevel"`
	Requested  Money     `json:"requested"`
	Amount     Money     `json:"amount"`
	ApprovedBy string    `json:"approvedBy"`
}

// PeriodCharge is the fully itemized charge for one contract period.
//
//	BaseCharge - sum(TierDiscounts) + Surcharge - sum(Discounts)
//	  + sum(SpecialAdjustments) + RoundingAdjustment + MinimumAdjustment == Total
type PeriodCharge struct {
	ContractID         string           `json:"contractId"`
	PeriodKey          string           `json:"periodKey"`
	Currency           string           `json:"currency"`
	TotalVolumeKg      decimal.Decimal  `json:"totalVolumeKg"`
	PickupCount        int              `json:"pickupCount"`
	LineItems          []ChargeLineItem `json:"lineItems"`
	BaseCharge         Money            `json:"baseCharge"`
	TierDiscounts      []DiscountItem   `json:"tierDiscounts"`
	Surcharge          *SurchargeItem   `json:"surcharge,omitempty"`
	Discounts          []DiscountItem   `json:"discounts"`
	SpecialAdjustments []AdjustmentItem `json:"specialAdjustments"`
	RoundingAdjustment Money            `json:"roundingAdjustment"`
	MinimumApplied     bool             `json:"minimumApplied"`
	MinimumAdjustment  Money            `json:"minimumAdjustment"`
	MinimumRuleID      string           `json:"minimumRuleId,omitempty"`
	Total              Money            `json:"total"`
	Warnings           []Warning        `json:"warnings,omitempty"`
	RuleVersions       []string         `json:"ruleVersions"`
}

// Reconcile recomputes Total from the itemized amounts.
func (c *PeriodCharge) Reconcile() Money {
	var sum Money
	for _, li := range c.LineItems {
		sum += li.Amount
	}
	for _, d := range c.TierDiscounts {
		sum -= d.Amount
	}
	if c.Surcharge != nil {
		sum += c.Surcharge.Amount
	}
	for _, d := range c.Discounts {
		sum -= d.Amount
	}
	for _, a := range c.SpecialAdjustments {
		sum += a.Amount
	}
	return sum + c.RoundingAdjustment + c.MinimumAdjustment
}

// UnresolvedEvent is an event whose SLA evaluation failed; it contributes nothing to the period.
type UnresolvedEvent struct {
	EventID string `json:"eventId"`
	Reason  string `json:"reason"`
}

// PeriodCreditItem is a period-level service credit for missing the completion target.
type PeriodCreditItem struct {
	RuleID         string          `json:"ruleId"`
	ComplianceRate decimal.Decimal `json:"complianceRate"`
	Threshold      decimal.Decimal `json:"threshold"`
	Percentage     decimal.Decimal `json:"percentage"`
	Amount         Money           `json:"amount"`
}

// PeriodSummary is the published result of a period run.
type PeriodSummary struct {
	ID               string                 `json:"id"`
	ContractID       string                 `json:"contractId"`
	PeriodKey        string                 `json:"periodKey"`
	Currency         string                 `json:"currency"`
	Charge           PeriodCharge           `json:"charge"`
	Outcomes         []SLAOutcome           `json:"outcomes"`
	PenaltyTotal     Money                  `json:"penaltyTotal"`
	CreditTotal      Money                  `json:"creditTotal"`
	PeriodCredits    []PeriodCreditItem     `json:"periodCredits,omitempty"`
	ComplianceRate   decimal.Decimal        `json:"complianceRate"`
	TargetMet        bool                   `json:"targetMet"`
	NetAmount        Money                  `json:"netAmount"`
	UnresolvedEvents []UnresolvedEvent      `json:"unresolvedEvents,omitempty"`
	Escalations      []EscalationObligation `json:"escalations,omitempty"`
	Warnings         []Warning              `json:"warnings,omitempty"`
	AuditEntryIDs    []string               `json:"auditEntryIds"`
	RuleVersions     []string               `json:"ruleVersions"`
	GeneratedAt      time.Time              `json:"generatedAt"`
}
