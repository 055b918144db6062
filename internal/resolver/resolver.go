// Package resolver selects the single active version of every rule category for a contract.
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// Resolve returns the RuleSet active for contract c at asOf.
//
// Every rule category is filtered to versions whose [effective, expiry) range
// contains asOf and that no amendment has superseded by then. Two versions active for the same key fail with
// OverlappingRuleError; precedence is never guessed. wasteTypes are the usage
// categories that must have a rate, otherwise MissingRateError is returned.
// Resolve is pure: the same inputs always produce the same RuleSet.
func Resolve(c *domain.Contract, asOf time.Time, wasteTypes ...string) (*domain.RuleSet, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: contract is required", domain.ErrInvalidInput)
	}

	rs := &domain.RuleSet{
		ContractID:      c.ID,
		ContractVersion: c.Version,
		Currency:        c.Currency,
		AsOf:            asOf,
		Frequency:       c.ServiceFrequency,
		Coverage:        c.Coverage,
		Rates:           make(map[string]domain.WasteTypePricing),
		Surcharges:      make(map[string]domain.PickupFrequencyPricing),
	}

	rates, err := resolveRates(c, asOf)
	if err != nil {
		return nil, err
	}
	rs.Rates = rates

	if missing := missingRates(rates, wasteTypes); len(missing) > 0 {
		return nil, &domain.MissingRateError{WasteTypes: missing}
	}

	tables, err := resolveTiers(c, asOf)
	if err != nil {
		return nil, err
	}
	rs.TierTables = tables

	surcharges, err := resolveKeyed(c, domain.CategoryFrequency, c.Pricing.Frequencies, asOf,
		func(f domain.PickupFrequencyPricing) (string, domain.DateRange) { return f.Frequency, f.DateRange },
		func(f domain.PickupFrequencyPricing) string { return f.ID })
	if err != nil {
		return nil, err
	}
	rs.Surcharges = surcharges

	minimums, err := resolveKeyed(c, domain.CategoryMinimum, c.Pricing.Minimums, asOf,
		func(m domain.MinimumCharge) (string, domain.DateRange) { return m.Cycle(), m.DateRange },
		func(m domain.MinimumCharge) string { return m.ID })
	if err != nil {
		return nil, err
	}
	if m, ok := minimums[c.Cycle()]; ok {
		rs.Minimum = &m
	}

	// Discount versions share a name; clauses are one-off and keyed by ID.
	rs.Discounts, err = resolveOrdered(c, domain.CategoryDiscount, c.Pricing.Discounts, asOf,
		func(d domain.ContractDiscount) (string, domain.DateRange) { return d.Key(), d.DateRange },
		func(d domain.ContractDiscount) string { return d.ID })
	if err != nil {
		return nil, err
	}
	rs.SpecialClauses, err = resolveOrdered(c, domain.CategorySpecial, c.Pricing.SpecialClauses, asOf,
		func(s domain.SpecialPricingClause) (string, domain.DateRange) { return s.ID, s.DateRange },
		func(s domain.SpecialPricingClause) string { return s.ID })
	if err != nil {
		return nil, err
	}

	sla, err := ResolveSLA(c, asOf)
	if err != nil && !errors.Is(err, domain.ErrNoActiveSLA) {
		return nil, err
	}
	rs.SLA = sla

	rs.Versions = versions(rs)
	return rs, nil
}

// ResolveSLA returns the SLA configuration version active at asOf, or ErrNoActiveSLA.
func ResolveSLA(c *domain.Contract, asOf time.Time) (*domain.SLAConfiguration, error) {
	var active []domain.SLAConfiguration
	for _, s := range c.SLA {
		if c.InForce(domain.CategorySLA, s.ID, s.DateRange, asOf) {
			active = append(active, s)
		}
	}
	switch len(active) {
	case 0:
		return nil, domain.ErrNoActiveSLA
	case 1:
		return &active[0], nil
	default:
		ids := make([]string, len(active))
		for i, s := range active {
			ids[i] = s.ID
		}
		sort.Strings(ids)
		return nil, &domain.OverlappingRuleError{Category: domain.CategorySLA, Key: c.ID, RuleIDs: ids}
	}
}

func resolveRates(c *domain.Contract, asOf time.Time) (map[string]domain.WasteTypePricing, error) {
	return resolveKeyed(c, domain.CategoryWasteRate, c.Pricing.WasteTypes, asOf,
		func(r domain.WasteTypePricing) (string, domain.DateRange) { return r.WasteType, r.DateRange },
		func(r domain.WasteTypePricing) string { return r.ID })
}

// resolveKeyed filters rules active at asOf and rejects any key with more than one match.
func resolveKeyed[T any](c *domain.Contract, category string, all []T, asOf time.Time,
	key func(T) (string, domain.DateRange), id func(T) string) (map[string]T, error) {

	matches := make(map[string][]T)
	for _, r := range all {
		k, rng := key(r)
		if c.InForce(category, id(r), rng, asOf) {
			matches[k] = append(matches[k], r)
		}
	}

	keys := make([]string, 0, len(matches))
	for k := range matches {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]T, len(matches))
	for _, k := range keys {
		rs := matches[k]
		if len(rs) > 1 {
			ids := make([]string, len(rs))
			for i, r := range rs {
				ids[i] = id(r)
			}
			sort.Strings(ids)
			return nil, &domain.OverlappingRuleError{Category: category, Key: k, RuleIDs: ids}
		}
		out[k] = rs[0]
	}
	return out, nil
}

// resolveOrdered is resolveKeyed for categories that must keep declaration order.
func resolveOrdered[T any](c *domain.Contract, category string, all []T, asOf time.Time,
	key func(T) (string, domain.DateRange), id func(T) string) ([]T, error) {

	var out []T
	seen := make(map[string]string)
	for _, r := range all {
		k, rng := key(r)
		if !c.InForce(category, id(r), rng, asOf) {
			continue
		}
		if prev, ok := seen[k]; ok {
			return nil, &domain.OverlappingRuleError{Category: category, Key: k, RuleIDs: []string{prev, id(r)}}
		}
		seen[k] = id(r)
		out = append(out, r)
	}
	return out, nil
}

func missingRates(rates map[string]domain.WasteTypePricing, wasteTypes []string) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, w := range wasteTypes {
		if _, ok := rates[w]; !ok && !seen[w] {
			seen[w] = true
			missing = append(missing, w)
		}
	}
	sort.Strings(missing)
	return missing
}

// resolveTiers groups active tiers by scope, rejects overlapping scopes and
// validates that each scope's bands partition [0, inf) without gaps.
func resolveTiers(c *domain.Contract, asOf time.Time) ([]domain.TierTable, error) {
	byScope := make(map[string][]domain.VolumeTier)
	for _, t := range c.Pricing.VolumeTiers {
		if c.InForce(domain.CategoryVolumeTier, t.ID, t.DateRange, asOf) {
			byScope[t.Scope()] = append(byScope[t.Scope()], t)
		}
	}
	if len(byScope) == 0 {
		return nil, nil
	}

	scopes := make([]string, 0, len(byScope))
	for s := range byScope {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	if err := checkScopesDisjoint(scopes, byScope); err != nil {
		return nil, err
	}

	tables := make([]domain.TierTable, 0, len(scopes))
	for _, scope := range scopes {
		bands := byScope[scope]
		sort.SliceStable(bands, func(i, j int) bool {
			return bands[i].MinVolume.LessThan(bands[j].MinVolume)
		})
		if err := validatePartition(scope, bands); err != nil {
			return nil, err
		}
		table := domain.TierTable{Scope: scope, Bands: bands}
		if scope != domain.AllWasteTypesScope {
			table.WasteTypes = strings.Split(scope, ",")
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func checkScopesDisjoint(scopes []string, byScope map[string][]domain.VolumeTier) error {
	if len(scopes) < 2 {
		return nil
	}
	// "*" sorts first and clashes with every other scope.
	if scopes[0] == domain.AllWasteTypesScope {
		return &domain.OverlappingRuleError{
			Category: domain.CategoryVolumeTier,
			Key:      domain.AllWasteTypesScope,
			RuleIDs:  append(tierIDs(byScope[scopes[0]]), tierIDs(byScope[scopes[1]])...),
		}
	}
	owner := make(map[string]string)
	for _, scope := range scopes {
		for _, w := range strings.Split(scope, ",") {
			if prev, ok := owner[w]; ok {
				return &domain.OverlappingRuleError{
					Category: domain.CategoryVolumeTier,
					Key:      w,
					RuleIDs:  append(tierIDs(byScope[prev]), tierIDs(byScope[scope])...),
				}
			}
			owner[w] = scope
		}
	}
	return nil
}

func validatePartition(scope string, bands []domain.VolumeTier) error {
	ids := tierIDs(bands)
	fail := func(format string, args ...any) error {
		return &domain.InvalidTierPartitionError{Scope: scope, RuleIDs: ids, Reason: fmt.Sprintf(format, args...)}
	}

	expected := decimal.Zero
	for i, b := range bands {
		if b.DiscountPercentage.IsNegative() || b.DiscountPercentage.GreaterThan(decimal.NewFromInt(100)) {
			return fail("tier %s discount %s outside [0, 100]", b.ID, b.DiscountPercentage)
		}
		if b.MaxVolume != nil && !b.MaxVolume.GreaterThan(b.MinVolume) {
			return fail("tier %s is empty or inverted", b.ID)
		}
		switch cmp := b.MinVolume.Cmp(expected); {
		case i == 0 && cmp != 0:
			return fail("first tier %s must start at 0, starts at %s", b.ID, b.MinVolume)
		case cmp < 0:
			return &domain.OverlappingRuleError{
				Category: domain.CategoryVolumeTier,
				Key:      scope,
				RuleIDs:  []string{bands[i-1].ID, b.ID},
			}
		case cmp > 0:
			return fail("gap between %s and %s", expected, b.MinVolume)
		}
		if b.MaxVolume == nil {
			if i != len(bands)-1 {
				return &domain.OverlappingRuleError{
					Category: domain.CategoryVolumeTier,
					Key:      scope,
					RuleIDs:  []string{b.ID, bands[i+1].ID},
				}
			}
			return nil
		}
		expected = *b.MaxVolume
	}
	return fail("last tier is bounded at %s", expected)
}

func tierIDs(bands []domain.VolumeTier) []string {
	ids := make([]string, len(bands))
	for i, b := range bands {
		ids[i] = b.ID
	}
	return ids
}

func versions(rs *domain.RuleSet) []string {
	var out []string
	add := func(category, id string) { out = append(out, category+":"+id) }

	rateKeys := make([]string, 0, len(rs.Rates))
	for k := range rs.Rates {
		rateKeys = append(rateKeys, k)
	}
	sort.Strings(rateKeys)
	for _, k := range rateKeys {
		add(domain.CategoryWasteRate, rs.Rates[k].ID)
	}
	for _, t := range rs.TierTables {
		for _, b := range t.Bands {
			add(domain.CategoryVolumeTier, b.ID)
		}
	}
	if s, ok := rs.Surcharge(); ok {
		add(domain.CategoryFrequency, s.ID)
	}
	if rs.Minimum != nil {
		add(domain.CategoryMinimum, rs.Minimum.ID)
	}
	for _, d := range rs.Discounts {
		add(domain.CategoryDiscount, d.ID)
	}
	for _, s := range rs.SpecialClauses {
		add(domain.CategorySpecial, s.ID)
	}
	if rs.SLA != nil {
		add(domain.CategorySLA, rs.SLA.ID)
	}
	return out
}
