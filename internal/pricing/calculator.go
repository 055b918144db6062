// Package pricing computes itemized period charges from a resolved RuleSet.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/rules"
)

// Calculator prices one period of usage. It holds no per-run state and is safe for concurrent use.
type Calculator struct {
	conditions *rules.Engine
}

// NewCalculator creates a calculator that evaluates discount conditions with engine.
func NewCalculator(engine *rules.Engine) *Calculator {
	return &Calculator{conditions: engine}
}

// Compute prices usage for the period the records belong to.
func (c *Calculator) Compute(rs *domain.RuleSet, usage []*domain.CollectionUsageRecord) (*domain.PeriodCharge, error) {
	periodKey := ""
	if len(usage) > 0 {
		periodKey = usage[0].PeriodKey
	}
	return c.ComputePeriod(rs, periodKey, usage)
}

// ComputePeriod prices usage for periodKey.
//
// Amounts are carried exactly as decimals through every step. Each itemized
// amount is banker's-rounded to minor units and the difference between the
// rounded exact total and the sum of rounded items is itemized as
// RoundingAdjustment, so the breakdown always reconciles to Total.
func (c *Calculator) ComputePeriod(rs *domain.RuleSet, periodKey string, usage []*domain.CollectionUsageRecord) (*domain.PeriodCharge, error) {
	if rs == nil {
		return nil, &domain.CalculationError{Step: "input", Err: fmt.Errorf("%w: rule set is required", domain.ErrInvalidInput)}
	}

	agg, err := aggregate(rs.ContractID, periodKey, usage)
	if err != nil {
		return nil, &domain.CalculationError{Step: "aggregate", Err: err}
	}

	charge := &domain.PeriodCharge{
		ContractID:         rs.ContractID,
		PeriodKey:          periodKey,
		Currency:           rs.Currency,
		TotalVolumeKg:      agg.total,
		PickupCount:        agg.pickups,
		LineItems:          []domain.ChargeLineItem{},
		TierDiscounts:      []domain.DiscountItem{},
		Discounts:          []domain.DiscountItem{},
		SpecialAdjustments: []domain.AdjustmentItem{},
		RuleVersions:       rs.Versions,
	}

	// Step 2: base charge per category.
	exactBase := make(map[string]decimal.Decimal, len(agg.categories))
	running := decimal.Zero
	var missing []string
	for _, cat := range agg.categories {
		if rs.Coverage.Excludes(cat) {
			return nil, &domain.CalculationError{Step: "base", Err: fmt.Errorf("%w: %s", domain.ErrUncoveredWasteType, cat)}
		}
		rate, ok := rs.Rates[cat]
		if !ok {
			missing = append(missing, cat)
			continue
		}
		vol := agg.volumes[cat]
		amount := vol.Mul(rate.RatePerKg)
		exactBase[cat] = amount
		running = running.Add(amount)
		charge.LineItems = append(charge.LineItems, domain.ChargeLineItem{
			WasteType: cat,
			VolumeKg:  vol,
			RatePerKg: rate.RatePerKg,
			Amount:    domain.RoundMoney(amount),
			RuleID:    rate.ID,
		})
	}
	if len(missing) > 0 {
		return nil, &domain.MissingRateError{WasteTypes: missing}
	}
	baseExact := running
	for _, li := range charge.LineItems {
		charge.BaseCharge += li.Amount
	}

	// Step 3: volume tier discount on the summed base of each tier table's scope.
	for _, table := range rs.TierTables {
		scopeVolume := decimal.Zero
		scopeBase := decimal.Zero
		for _, cat := range agg.categories {
			if table.Covers(cat) {
				scopeVolume = scopeVolume.Add(agg.volumes[cat])
				scopeBase = scopeBase.Add(exactBase[cat])
			}
		}
		band, ok := table.Band(scopeVolume)
		if !ok {
			return nil, &domain.CalculationError{Step: "tier", Err: fmt.Errorf("no band in scope %s contains %s", table.Scope, scopeVolume)}
		}
		disc := domain.Percent(scopeBase, band.DiscountPercentage)
		running = running.Sub(disc)
		charge.TierDiscounts = append(charge.TierDiscounts, domain.DiscountItem{
			RuleID: band.ID,
			Scope:  table.Scope,
			Type:   domain.AdjustmentPercentage,
			Value:  band.DiscountPercentage,
			Amount: domain.RoundMoney(disc),
		})
	}

	// Step 4: frequency surcharge, after tier discounts and before stackable discounts.
	if s, ok := rs.Surcharge(); ok {
		add, err := adjustment(s.SurchargeType, s.Value, running)
		if err != nil {
			return nil, &domain.CalculationError{Step: "surcharge:" + s.ID, Err: err}
		}
		running = running.Add(add)
		charge.Surcharge = &domain.SurchargeItem{
			RuleID:    s.ID,
			Frequency: s.Frequency,
			Type:      s.SurchargeType,
			Value:     s.Value,
			Amount:    domain.RoundMoney(add),
		}
	}

	// Step 5: stackable discounts in declaration order, clamped at zero.
	for _, d := range rs.Discounts {
		vars := rules.DiscountVars{
			TotalVolume:  agg.total.InexactFloat64(),
			PickupCount:  agg.pickups,
			BaseCharge:   int64(domain.RoundMoney(baseExact)),
			RunningTotal: int64(domain.RoundMoney(running)),
			Frequency:    rs.Frequency,
			Period:       periodKey,
			Volumes:      agg.floatVolumes(),
		}
		applies, err := c.conditions.Eval(rules.KindDiscount, d.Condition, vars.Activation())
		if err != nil {
			return nil, &domain.CalculationError{Step: "discount:" + d.ID, Err: err}
		}
		if !applies {
			continue
		}

		amt, err := adjustment(d.Type, d.Value, running)
		if err != nil {
			return nil, &domain.CalculationError{Step: "discount:" + d.ID, Err: err}
		}
		item := domain.DiscountItem{
			RuleID:     d.ID,
			Name:       d.Name,
			Type:       d.Type,
			Value:      d.Value,
			ApprovedBy: d.ApprovedBy,
		}
		if amt.GreaterThan(running) {
			amt = running
			item.Clamped = true
			charge.Warnings = append(charge.Warnings, domain.Warning{
				Code:    domain.WarnDiscountClamped,
				RuleID:  d.ID,
				Message: "discount exceeds running total; clamped at zero",
			})
		}
		running = running.Sub(amt)
		item.Amount = domain.RoundMoney(amt)
		charge.Discounts = append(charge.Discounts, item)
	}

	// Step 6: approved special clauses, signed.
	for _, s := range rs.SpecialClauses {
		if !s.Approved() {
			charge.Warnings = append(charge.Warnings, domain.Warning{
				Code:    domain.WarnClauseUnapproved,
				RuleID:  s.ID,
				Message: "special clause has no approver; skipped",
			})
			continue
		}
		applied := s.Adjustment.Decimal()
		if running.Add(applied).IsNegative() {
			applied = running.Neg()
			charge.Warnings = append(charge.Warnings, domain.Warning{
				Code:    domain.WarnClauseClamped,
				RuleID:  s.ID,
				Message: "adjustment would make total negative; clamped at zero",
			})
		}
		running = running.Add(applied)
		charge.SpecialAdjustments = append(charge.SpecialAdjustments, domain.AdjustmentItem{
			RuleID:     s.ID,
			Kind:       s.Kind,
			RiskLevel:  s.RiskLevel,
			Requested:  s.Adjustment,
			Amount:     domain.RoundMoney(applied),
			ApprovedBy: s.ApprovedBy,
		})
	}

	// Rounding happens once, on the exact running total.
	preMinimum := domain.RoundMoney(running)
	charge.RoundingAdjustment = preMinimum - charge.Reconcile()

	// Step 7: minimum charge floor.
	charge.Total = preMinimum
	if m := rs.Minimum; m != nil {
		charge.MinimumRuleID = m.ID
		if preMinimum < m.Amount {
			charge.MinimumApplied = true
			charge.MinimumAdjustment = m.Amount - preMinimum
			charge.Total = m.Amount
		}
	}

	return charge, nil
}

// adjustment returns the signed magnitude of a percentage or fixed adjustment on base.
func adjustment(t domain.AdjustmentType, value, base decimal.Decimal) (decimal.Decimal, error) {
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %s value %s", domain.ErrInvalidInput, t, value)
	}
	switch t {
	case domain.AdjustmentPercentage:
		return domain.Percent(base, value), nil
	case domain.AdjustmentFixed:
		return value, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: adjustment type %q", domain.ErrInvalidInput, t)
	}
}

type aggregation struct {
	categories []string
	volumes    map[string]decimal.Decimal
	total      decimal.Decimal
	pickups    int
}

func (a aggregation) floatVolumes() map[string]float64 {
	out := make(map[string]float64, len(a.volumes))
	for k, v := range a.volumes {
		out[k] = v.InexactFloat64()
	}
	return out
}

// aggregate sums usage per waste category (step 1).
func aggregate(contractID, periodKey string, usage []*domain.CollectionUsageRecord) (aggregation, error) {
	agg := aggregation{volumes: make(map[string]decimal.Decimal), total: decimal.Zero}
	events := make(map[string]bool)
	for _, u := range usage {
		if u == nil {
			continue
		}
		if u.ContractID != "" && contractID != "" && u.ContractID != contractID {
			return agg, fmt.Errorf("%w: record %s belongs to contract %s", domain.ErrUsagePeriodMismatch, u.ID, u.ContractID)
		}
		if u.PeriodKey != periodKey {
			return agg, fmt.Errorf("%w: record %s is in period %s, not %s", domain.ErrUsagePeriodMismatch, u.ID, u.PeriodKey, periodKey)
		}
		for cat, kg := range u.Categories {
			if kg.IsNegative() {
				return agg, fmt.Errorf("%w: record %s has negative weight for %s", domain.ErrInvalidInput, u.ID, cat)
			}
			agg.volumes[cat] = agg.volumes[cat].Add(kg)
			agg.total = agg.total.Add(kg)
		}
		key := u.EventID
		if key == "" {
			key = u.ID
		}
		events[key] = true
	}
	agg.pickups = len(events)

	for cat := range agg.volumes {
		agg.categories = append(agg.categories, cat)
	}
	sort.Strings(agg.categories)
	return agg, nil
}
