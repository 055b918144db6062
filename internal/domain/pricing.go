package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rule categories, used as keys in the version arena and in error reports.
const (
	CategoryWasteRate   = "waste_rate"
	CategoryVolumeTier  = "volume_tier"
	CategoryFrequency   = "pickup_frequency"
	CategoryMinimum     = "minimum_charge"
	CategoryDiscount    = "contract_discount"
	CategorySpecial     = "special_clause"
	CategorySLA         = "sla"
	AllWasteTypesScope  = "*"
	DefaultBillingCycle = "monthly"
)

// AdjustmentType selects percentage or absolute arithmetic.
type AdjustmentType string

const (
	AdjustmentPercentage AdjustmentType = "percentage"
	AdjustmentFixed      AdjustmentType = "fixed"
)

// RiskLevel classifies a special pricing clause.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// PricingConfiguration is the append-only arena of dated pricing rule versions.
// Entries are never edited; amendments append new versions.
type PricingConfiguration struct {
	WasteTypes     []WasteTypePricing       `json:"wasteTypes"`
	VolumeTiers    []VolumeTier             `json:"volumeTiers"`
	Frequencies    []PickupFrequencyPricing `json:"frequencies"`
	Minimums       []MinimumCharge          `json:"minimums"`
	Discounts      []ContractDiscount       `json:"discounts"`
	SpecialClauses []SpecialPricingClause   `json:"specialClauses"`
}

// WasteTypePricing is a per-kg rate, in minor units, for one waste category.
type WasteTypePricing struct {
	ID        string          `json:"id"`
	WasteType string          `json:"wasteType"`
	RatePerKg decimal.Decimal `json:"ratePerKg"`
	DateRange
}

// VolumeTier is one band [MinVolume, MaxVolume) of a monthly volume discount table.
// A nil MaxVolume is unbounded. Empty WasteTypes applies the tier to all waste types.
type VolumeTier struct {
	ID                 string           `json:"id"`
	MinVolume          decimal.Decimal  `json:"minVolume"`
	MaxVolume          *decimal.Decimal `json:"maxVolume,omitempty"`
	DiscountPercentage decimal.Decimal  `json:"discountPercentage"`
	WasteTypes         []string         `json:"wasteTypes,omitempty"`
	DateRange
}

// Scope returns the canonical key of the waste types the tier applies to.
func (t VolumeTier) Scope() string {
	if len(t.WasteTypes) == 0 {
		return AllWasteTypesScope
	}
	types := append([]string(nil), t.WasteTypes...)
	sort.Strings(types)
	return strings.Join(types, ",")
}

// Contains reports whether volume v falls inside the band.
func (t VolumeTier) Contains(v decimal.Decimal) bool {
	if v.LessThan(t.MinVolume) {
		return false
	}
	return t.MaxVolume == nil || v.LessThan(*t.MaxVolume)
}

// PickupFrequencyPricing is a surcharge applied when the contract's service frequency matches.
type PickupFrequencyPricing struct {
	ID            string          `json:"id"`
	Frequency     string          `json:"frequency"`
	SurchargeType AdjustmentType  `json:"surchargeType"`
	Value         decimal.Decimal `json:"value"`
	DateRange
}

// MinimumCharge is the floor for one billing cycle.
type MinimumCharge struct {
	ID           string `json:"id"`
	Amount       Money  `json:"amount"`
	BillingCycle string `json:"billingCycle"`
	DateRange
}

// Cycle returns the billing cycle the floor applies to, defaulting to monthly.
func (m MinimumCharge) Cycle() string {
	if m.BillingCycle == "" {
		return DefaultBillingCycle
	}
	return m.BillingCycle
}

// ContractDiscount is an independently approved, stackable discount.
// Condition is a CEL expression over the period's usage; empty means always.
type ContractDiscount struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       AdjustmentType  `json:"type"`
	Value      decimal.Decimal `json:"value"`
	Condition  string          `json:"condition,omitempty"`
	ApprovedBy string          `json:"approvedBy"`
	DateRange
}

// Key identifies a discount across versions: its name, or its ID when unnamed.
func (d ContractDiscount) Key() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// SpecialPricingClause is a manually approved signed adjustment.
type SpecialPricingClause struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Kind        string    `json:"kind"` // fixed, ad_hoc
	Adjustment  Money     `json:"adjustment"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	ApprovedBy  string    `json:"approvedBy,omitempty"`
	DateRange
}

// Approved reports whether the clause carries an approver.
func (c SpecialPricingClause) Approved() bool {
	return strings.TrimSpace(c.ApprovedBy) != ""
}

// TierTable is the resolved, sorted partition of [0, inf) for one waste-type scope.
type TierTable struct {
	Scope      string       `json:"scope"`
	WasteTypes []string     `json:"wasteTypes,omitempty"`
	Bands      []VolumeTier `json:"bands"`
}

// Covers reports whether the table applies to wasteType.
func (t TierTable) Covers(wasteType string) bool {
	if t.Scope == AllWasteTypesScope {
		return true
	}
	for _, w := range t.WasteTypes {
		if w == wasteType {
			return true
		}
	}
	return false
}

// Band returns the band containing v.
func (t TierTable) Band(v decimal.Decimal) (VolumeTier, bool) {
	for _, b := range t.Bands {
		if b.Contains(v) {
			return b, true
		}
	}
	return VolumeTier{}, false
}

// RuleSet is the resolved, non-overlapping set of rules active for a contract at AsOf.
type RuleSet struct {
	ContractID      string                            `json:"contractId"`
	ContractVersion int                               `json:"contractVersion"`
	Currency        string                            `json:"currency"`
	AsOf            time.Time                         `json:"asOf"`
	Frequency       string                            `json:"frequency"`
	Coverage        Coverage                          `json:"coverage"`
	Rates           map[string]WasteTypePricing       `json:"rates"`
	TierTables      []TierTable                       `json:"tierTables"`
	Surcharges      map[string]PickupFrequencyPricing `json:"surcharges"`
	Minimum         *MinimumCharge                    `json:"minimum,omitempty"`
	Discounts       []ContractDiscount                `json:"discounts"`
	SpecialClauses  []SpecialPricingClause            `json:"specialClauses"`
	SLA             *SLAConfiguration                 `json:"sla,omitempty"`
	Versions        []string                          `json:"versions"`
}

// Surcharge returns the surcharge matching the contract's service frequency.
func (rs *RuleSet) Surcharge() (PickupFrequencyPricing, bool) {
	s, ok := rs.Surcharges[rs.Frequency]
	return s, ok
}
