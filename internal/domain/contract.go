package domain

import (
	"fmt"
	"sort"
	"time"
)

// ContractStatus is a contract's lifecycle state.
type ContractStatus string

const (
	StatusDraft          ContractStatus = "draft"
	StatusActive         ContractStatus = "active"
	StatusRenewalPending ContractStatus = "renewal_pending"
	StatusExpired        ContractStatus = "expired"
	StatusTerminated     ContractStatus = "terminated"
	StatusSuspended      ContractStatus = "suspended"
)

var transitions = map[ContractStatus][]ContractStatus{
	StatusDraft:          {StatusActive, StatusTerminated},
	StatusActive:         {StatusRenewalPending, StatusExpired, StatusTerminated, StatusSuspended},
	StatusRenewalPending: {StatusActive, StatusExpired, StatusTerminated},
	StatusSuspended:      {StatusActive, StatusTerminated},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to ContractStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Closed reports whether the contract no longer accepts amendments.
func (s ContractStatus) Closed() bool {
	return s == StatusExpired || s == StatusTerminated
}

// Coverage lists what the contract services.
type Coverage struct {
	Cities             []string `json:"cities,omitempty"`
	Zones              []string `json:"zones,omitempty"`
	WasteTypes         []string `json:"wasteTypes,omitempty"`
	ExcludedWasteTypes []string `json:"excludedWasteTypes,omitempty"`
}

// Excludes reports whether wasteType is explicitly out of scope.
func (c Coverage) Excludes(wasteType string) bool {
	for _, w := range c.ExcludedWasteTypes {
		if w == wasteType {
			return true
		}
	}
	return false
}

// Contract is a client's service agreement together with every rule version it has ever had.
type Contract struct {
	ID               string               `json:"id"`
	ClientID         string               `json:"clientId"`
	Name             string               `json:"name"`
	Status           ContractStatus       `json:"status"`
	EffectiveDate    time.Time            `json:"effectiveDate"`
	ExpiryDate       *time.Time           `json:"expiryDate,omitempty"`
	Version          int                  `json:"version"`
	Currency         string               `json:"currency"`
	ServiceFrequency string               `json:"serviceFrequency"`
	BillingCycle     string               `json:"billingCycle,omitempty"`
	Pricing          PricingConfiguration `json:"pricing"`
	SLA              []SLAConfiguration   `json:"sla"`
	Coverage         Coverage             `json:"coverage"`
	Amendments       []Amendment          `json:"amendments,omitempty"`
	Supersessions    []Supersession       `json:"supersessions,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// Cycle returns the billing cycle, defaulting to monthly.
func (c *Contract) Cycle() string {
	if c.BillingCycle == "" {
		return DefaultBillingCycle
	}
	return c.BillingCycle
}

// Validate checks identity fields and every rule version's date range.
func (c *Contract) Validate() error {
	if c.ID == "" || c.ClientID == "" || c.Currency == "" {
		return fmt.Errorf("%w: contract requires id, clientId and currency", ErrInvalidInput)
	}
	if c.EffectiveDate.IsZero() {
		return fmt.Errorf("%w: contract %s has no effective date", ErrInvalidInput, c.ID)
	}
	for _, v := range c.versions() {
		if err := v.rng.Validate(); err != nil {
			return fmt.Errorf("%s %s: %w", v.category, v.id, err)
		}
	}
	return nil
}

// Transition moves the contract to a new lifecycle state, returning a new version.
func (c *Contract) Transition(to ContractStatus, at time.Time) (*Contract, error) {
	if !CanTransition(c.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	next := c.clone()
	next.Status = to
	next.Version++
	next.UpdatedAt = at
	return next, nil
}

// RuleChanges are the new rule versions an amendment introduces.
type RuleChanges struct {
	WasteTypes     []WasteTypePricing       `json:"wasteTypes,omitempty"`
	VolumeTiers    []VolumeTier             `json:"volumeTiers,omitempty"`
	Frequencies    []PickupFrequencyPricing `json:"frequencies,omitempty"`
	Minimums       []MinimumCharge          `json:"minimums,omitempty"`
	Discounts      []ContractDiscount       `json:"discounts,omitempty"`
	SpecialClauses []SpecialPricingClause   `json:"specialClauses,omitempty"`
	SLA            []SLAConfiguration       `json:"sla,omitempty"`
}

// Amendment is the only way terms change once a contract is active.
type Amendment struct {
	ID            string      `json:"id"`
	EffectiveDate time.Time   `json:"effectiveDate"`
	Description   string      `json:"description"`
	ApprovedBy    string      `json:"approvedBy"`
	Changes       RuleChanges `json:"changes"`
	AppliedAt     time.Time   `json:"appliedAt"`
}

// Supersession ends a rule version from the date its replacement takes effect.
// The superseded entry itself is never edited.
type Supersession struct {
	Category    string    `json:"category"`
	RuleID      string    `json:"ruleId"`
	From        time.Time `json:"from"`
	ReplacedBy  string    `json:"replacedBy"`
	AmendmentID string    `json:"amendmentId"`
}

// InForce reports whether rule version id of category applies at t: its own
// range contains t and no amendment has superseded it by then.
func (c *Contract) InForce(category, id string, rng DateRange, t time.Time) bool {
	if !rng.Contains(t) {
		return false
	}
	for _, s := range c.Supersessions {
		if s.Category == category && s.RuleID == id && !t.Before(s.From) {
			return false
		}
	}
	return true
}

// ApplyAmendment returns a new contract version with the amendment's rule versions appended.
//
// A new version replaces any earlier version of the same rule key still in force
// at its start; the old version gets a Supersession instead of an edit, so
// results change only from that date. New versions without a start take the
// amendment's effective date and may not start before it. A prior version that
// starts on or after its replacement would overlap it and fails with
// OverlappingRuleError. Version IDs are never reused.
func (c *Contract) ApplyAmendment(a Amendment, at time.Time) (*Contract, error) {
	if c.Status.Closed() {
		return nil, fmt.Errorf("%w: %s is %s", ErrContractClosed, c.ID, c.Status)
	}
	if a.ID == "" || a.ApprovedBy == "" {
		return nil, fmt.Errorf("%w: amendment requires id and approver", ErrInvalidInput)
	}
	if a.EffectiveDate.IsZero() {
		return nil, fmt.Errorf("%w: amendment %s has no effective date", ErrInvalidInput, a.ID)
	}
	for _, prior := range c.Amendments {
		if prior.ID == a.ID {
			return nil, fmt.Errorf("%w: amendment %s", ErrDuplicateRuleVersion, a.ID)
		}
	}

	ch := a.Changes
	added := (&Contract{
		Pricing: PricingConfiguration{
			WasteTypes:     ch.WasteTypes,
			VolumeTiers:    ch.VolumeTiers,
			Frequencies:    ch.Frequencies,
			Minimums:       ch.Minimums,
			Discounts:      ch.Discounts,
			SpecialClauses: ch.SpecialClauses,
		},
		SLA: ch.SLA,
	}).clone()
	for _, rng := range added.dateRanges() {
		if rng.EffectiveDate.IsZero() {
			rng.EffectiveDate = a.EffectiveDate
		}
	}

	incoming := added.versions()
	if len(incoming) == 0 {
		return nil, fmt.Errorf("%w: amendment %s changes nothing", ErrInvalidInput, a.ID)
	}
	for _, v := range incoming {
		if err := v.rng.Validate(); err != nil {
			return nil, fmt.Errorf("%s %s: %w", v.category, v.id, err)
		}
		if v.rng.EffectiveDate.Before(a.EffectiveDate) {
			return nil, fmt.Errorf("%w: %s %s starts before amendment %s takes effect",
				ErrInvalidInput, v.category, v.id, a.ID)
		}
	}

	next := c.clone()
	next.Pricing.WasteTypes = append(next.Pricing.WasteTypes, added.Pricing.WasteTypes...)
	next.Pricing.VolumeTiers = append(next.Pricing.VolumeTiers, added.Pricing.VolumeTiers...)
	next.Pricing.Frequencies = append(next.Pricing.Frequencies, added.Pricing.Frequencies...)
	next.Pricing.Minimums = append(next.Pricing.Minimums, added.Pricing.Minimums...)
	next.Pricing.Discounts = append(next.Pricing.Discounts, added.Pricing.Discounts...)
	next.Pricing.SpecialClauses = append(next.Pricing.SpecialClauses, added.Pricing.SpecialClauses...)
	next.SLA = append(next.SLA, added.SLA...)

	seen := make(map[string]bool)
	for _, v := range next.versions() {
		key := v.category + "/" + v.id
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRuleVersion, key)
		}
		seen[key] = true
	}

	ended, err := c.supersede(a.ID, incoming)
	if err != nil {
		return nil, err
	}

	a.Changes = RuleChanges{
		WasteTypes:     added.Pricing.WasteTypes,
		VolumeTiers:    added.Pricing.VolumeTiers,
		Frequencies:    added.Pricing.Frequencies,
		Minimums:       added.Pricing.Minimums,
		Discounts:      added.Pricing.Discounts,
		SpecialClauses: added.Pricing.SpecialClauses,
		SLA:            added.SLA,
	}
	a.AppliedAt = at
	next.Supersessions = append(next.Supersessions, ended...)
	next.Amendments = append(next.Amendments, a)
	next.Version++
	next.UpdatedAt = at
	return next, nil
}

// supersede ends every prior version an incoming one replaces.
func (c *Contract) supersede(amendmentID string, incoming []ruleVersion) ([]Supersession, error) {
	prior := c.versions()
	done := make(map[string]bool)
	var out []Supersession

	for i, nv := range incoming {
		// Bands of one tier table are meant to coexist.
		if nv.category != CategoryVolumeTier {
			for _, other := range incoming[:i] {
				if other.category == nv.category && other.key == nv.key && other.rng.Overlaps(nv.rng) {
					return nil, overlapping(nv, other.id)
				}
			}
		}

		for _, ov := range prior {
			if ov.category != nv.category || ov.key != nv.key {
				continue
			}
			if !c.rangeInForce(ov).Overlaps(nv.rng) {
				continue
			}
			if !ov.rng.EffectiveDate.Before(nv.rng.EffectiveDate) {
				return nil, overlapping(nv, ov.id)
			}
			id := ov.category + "/" + ov.id
			if done[id] {
				continue
			}
			done[id] = true
			out = append(out, Supersession{
				Category:    ov.category,
				RuleID:      ov.id,
				From:        nv.rng.EffectiveDate,
				ReplacedBy:  nv.id,
				AmendmentID: amendmentID,
			})
		}
	}
	return out, nil
}

func overlapping(v ruleVersion, otherID string) error {
	ids := []string{v.id, otherID}
	sort.Strings(ids)
	return &OverlappingRuleError{Category: v.category, Key: v.key, RuleIDs: ids}
}

// rangeInForce is v's own range cut short by the earliest supersession.
func (c *Contract) rangeInForce(v ruleVersion) DateRange {
	rng := v.rng
	for _, s := range c.Supersessions {
		if s.Category != v.category || s.RuleID != v.id {
			continue
		}
		if rng.ExpiryDate == nil || s.From.Before(*rng.ExpiryDate) {
			from := s.From
			rng.ExpiryDate = &from
		}
	}
	return rng
}

// ruleVersion is one dated entry of a rule category. Entries sharing a key
// replace one another over time.
type ruleVersion struct {
	category string
	key      string
	id       string
	rng      DateRange
}

func (c *Contract) versions() []ruleVersion {
	var out []ruleVersion
	for _, r := range c.Pricing.WasteTypes {
		out = append(out, ruleVersion{CategoryWasteRate, r.WasteType, r.ID, r.DateRange})
	}
	for _, r := range c.Pricing.VolumeTiers {
		out = append(out, ruleVersion{CategoryVolumeTier, r.Scope(), r.ID, r.DateRange})
	}
	for _, r := range c.Pricing.Frequencies {
		out = append(out, ruleVersion{CategoryFrequency, r.Frequency, r.ID, r.DateRange})
	}
	for _, r := range c.Pricing.Minimums {
		out = append(out, ruleVersion{CategoryMinimum, r.Cycle(), r.ID, r.DateRange})
	}
	for _, r := range c.Pricing.Discounts {
		out = append(out, ruleVersion{CategoryDiscount, r.Key(), r.ID, r.DateRange})
	}
	for _, r := range c.Pricing.SpecialClauses {
		out = append(out, ruleVersion{CategorySpecial, r.ID, r.ID, r.DateRange})
	}
	for _, r := range c.SLA {
		out = append(out, ruleVersion{CategorySLA, CategorySLA, r.ID, r.DateRange})
	}
	return out
}

func (c *Contract) dateRanges() []*DateRange {
	var out []*DateRange
	for i := range c.Pricing.WasteTypes {
		out = append(out, &c.Pricing.WasteTypes[i].DateRange)
	}
	for i := range c.Pricing.VolumeTiers {
		out = append(out, &c.Pricing.VolumeTiers[i].DateRange)
	}
	for i := range c.Pricing.Frequencies {
		out = append(out, &c.Pricing.Frequencies[i].DateRange)
	}
	for i := range c.Pricing.Minimums {
		out = append(out, &c.Pricing.Minimums[i].DateRange)
	}
	for i := range c.Pricing.Discounts {
		out = append(out, &c.Pricing.Discounts[i].DateRange)
	}
	for i := range c.Pricing.SpecialClauses {
		out = append(out, &c.Pricing.SpecialClauses[i].DateRange)
	}
	for i := range c.SLA {
		out = append(out, &c.SLA[i].DateRange)
	}
	return out
}

// clone copies the contract so appends on the copy never alias the original's arrays.
func (c *Contract) clone() *Contract {
	next := *c
	next.Pricing = PricingConfiguration{
		WasteTypes:     append([]WasteTypePricing(nil), c.Pricing.WasteTypes...),
		VolumeTiers:    append([]VolumeTier(nil), c.Pricing.VolumeTiers...),
		Frequencies:    append([]PickupFrequencyPricing(nil), c.Pricing.Frequencies...),
		Minimums:       append([]MinimumCharge(nil), c.Pricing.Minimums...),
		Discounts:      append([]ContractDiscount(nil), c.Pricing.Discounts...),
		SpecialClauses: append([]SpecialPricingClause(nil), c.Pricing.SpecialClauses...),
	}
	next.SLA = append([]SLAConfiguration(nil), c.SLA...)
	next.Amendments = append([]Amendment(nil), c.Amendments...)
	next.Supersessions = append([]Supersession(nil), c.Supersessions...)
	return &next
}
