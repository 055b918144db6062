package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/resolver"
	"github.com/opensource-finance/wastebill/internal/rules"
	. "github.com/opensource-finance/wastebill/internal/testutil"
)

const period = "2025-03"

var asOf = Date(2025, time.March, 31)

func newCalculator(t *testing.T) *Calculator {
	t.Helper()
	engine, err := rules.NewEngine()
	require.NoError(t, err)
	return NewCalculator(engine)
}

func resolve(t *testing.T, c *domain.Contract) *domain.RuleSet {
	t.Helper()
	rs, err := resolver.Resolve(c, asOf)
	require.NoError(t, err)
	return rs
}

func paper(kg string) []*domain.CollectionUsageRecord {
	return []*domain.CollectionUsageRecord{
		Usage("U-1", period, Date(2025, time.March, 3), map[string]string{"paper": kg}),
	}
}

func assertReconciles(t *testing.T, charge *domain.PeriodCharge) {
	t.Helper()
	assert.Equal(t, charge.Total, charge.Reconcile(), "itemized amounts must reconcile to total")
}

func TestScenarioATierDiscount(t *testing.T) {
	calc := newCalculator(t)

	charge, err := calc.Compute(resolve(t, Contract()), paper("300"))
	require.NoError(t, err)

	require.Len(t, charge.LineItems, 1)
	assert.Equal(t, domain.Money(15000), charge.LineItems[0].Amount)
	assert.Equal(t, domain.Money(15000), charge.BaseCharge)
	require.Len(t, charge.TierDiscounts, 1)
	assert.Equal(t, "T-2", charge.TierDiscounts[0].RuleID)
	assert.Equal(t, domain.Money(1500), charge.TierDiscounts[0].Amount)
	assert.Equal(t, domain.Money(13500), charge.Total)
	assert.Equal(t, domain.Money(0), charge.RoundingAdjustment)
	assert.False(t, charge.MinimumApplied)
	assertReconciles(t, charge)
}

func TestTierSelectionAtBoundaries(t *testing.T) {
	calc := newCalculator(t)
	rs := resolve(t, Contract())

	tests := []struct {
		kg   string
		tier string
	}{
		{"0", "T-1"},
		{"200", "T-1"},
		{"200.999", "T-1"},
		{"201", "T-2"},
		{"500", "T-2"},
		{"501", "T-3"},
		{"10000", "T-3"},
	}

	for _, tt := range tests {
		t.Run(tt.kg, func(t *testing.T) {
			charge, err := calc.Compute(rs, paper(tt.kg))
			require.NoError(t, err)
			require.Len(t, charge.TierDiscounts, 1)
			assert.Equal(t, tt.tier, charge.TierDiscounts[0].RuleID)
			assertReconciles(t, charge)
		})
	}
}

func TestScenarioDMissingRate(t *testing.T) {
	calc := newCalculator(t)
	usage := []*domain.CollectionUsageRecord{
		Usage("U-1", period, Date(2025, time.March, 3), map[string]string{"paper": "100", "glass": "40"}),
	}

	charge, err := calc.Compute(resolve(t, Contract()), usage)
	require.Error(t, err)
	assert.Nil(t, charge, "no partial charge may be emitted")

	var missing *domain.MissingRateError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"glass"}, missing.WasteTypes)
}

func TestStackedDiscountsCompound(t *testing.T) {
	c := Contract()
	c.Pricing.Discounts = []domain.ContractDiscount{
		{ID: "D-1", Name: "loyalty", Type: domain.AdjustmentPercentage, Value: Dec("10"), ApprovedBy: "cfo", DateRange: From(Epoch)},
		{ID: "D-2", Name: "green", Type: domain.AdjustmentPercentage, Value: Dec("10"), ApprovedBy: "cfo", DateRange: From(Epoch)},
		{ID: "D-3", Name: "big-volume", Type: domain.AdjustmentPercentage, Value: Dec("50"), Condition: "total_volume > 500.0", DateRange: From(Epoch)},
		{ID: "D-4", Name: "goodwill", Type: domain.AdjustmentFixed, Value: Dec("500"), Condition: "pickup_count >= 1", DateRange: From(Epoch)},
	}

	charge, err := newCalculator(t).Compute(resolve(t, c), paper("300"))
	require.NoError(t, err)

	// 13500 -10% = 12150, -10% = 10935, D-3 skipped, -500 = 10435
	require.Len(t, charge.Discounts, 3)
	assert.Equal(t, domain.Money(1350), charge.Discounts[0].Amount)
	assert.Equal(t, domain.Money(1215), charge.Discounts[1].Amount)
	assert.Equal(t, "D-4", charge.Discounts[2].RuleID)
	assert.Equal(t, domain.Money(500), charge.Discounts[2].Amount)
	assert.Equal(t, domain.Money(10435), charge.Total)
	assertReconciles(t, charge)
}

func TestDiscountClampedAtZero(t *testing.T) {
	c := Contract()
	c.Pricing.Discounts = []domain.ContractDiscount{
		{ID: "D-huge", Name: "huge", Type: domain.AdjustmentFixed, Value: Dec("20000"), DateRange: From(Epoch)},
		{ID: "D-after", Name: "after", Type: domain.AdjustmentFixed, Value: Dec("100"), DateRange: From(Epoch)},
	}

	charge, err := newCalculator(t).Compute(resolve(t, c), paper("300"))
	require.NoError(t, err)

	assert.Equal(t, domain.Money(0), charge.Total)
	require.Len(t, charge.Discounts, 2)
	assert.True(t, charge.Discounts[0].Clamped)
	assert.Equal(t, domain.Money(13500), charge.Discounts[0].Amount)
	assert.Equal(t, domain.Money(0), charge.Discounts[1].Amount)
	require.NotEmpty(t, charge.Warnings)
	assert.Equal(t, domain.WarnDiscountClamped, charge.Warnings[0].Code)
	assert.Equal(t, "D-huge", charge.Warnings[0].RuleID)
	assertReconciles(t, charge)
}

func TestFrequencySurchargeBeforeDiscounts(t *testing.T) {
	c := Contract()
	c.Pricing.Frequencies = []domain.PickupFrequencyPricing{
		{ID: "F-weekly", Frequency: "weekly", SurchargeType: domain.AdjustmentPercentage, Value: Dec("20"), DateRange: From(Epoch)},
		{ID: "F-daily", Frequency: "daily", SurchargeType: domain.AdjustmentFixed, Value: Dec("99999"), DateRange: From(Epoch)},
	}
	c.Pricing.Discounts = []domain.ContractDiscount{
		{ID: "D-1", Name: "loyalty", Type: domain.AdjustmentPercentage, Value: Dec("10"), DateRange: From(Epoch)},
	}

	charge, err := newCalculator(t).Compute(resolve(t, c), paper("300"))
	require.NoError(t, err)

	// 13500 +20% = 16200, -10% = 14580
	require.NotNil(t, charge.Surcharge)
	assert.Equal(t, "F-weekly", charge.Surcharge.RuleID)
	assert.Equal(t, domain.Money(2700), charge.Surcharge.Amount)
	assert.Equal(t, domain.Money(1620), charge.Discounts[0].Amount)
	assert.Equal(t, domain.Money(14580), charge.Total)
	assertReconciles(t, charge)
}

func TestSpecialClauses(t *testing.T) {
	c := Contract()
	c.Pricing.SpecialClauses = []domain.SpecialPricingClause{
		{ID: "S-1", Kind: "fixed", Adjustment: 1000, RiskLevel: domain.RiskLow, ApprovedBy: "ops-director", DateRange: From(Epoch)},
		{ID: "S-2", Kind: "ad_hoc", Adjustment: -500, RiskLevel: domain.RiskHigh, DateRange: From(Epoch)},
		{ID: "S-3", Kind: "ad_hoc", Adjustment: -3000, RiskLevel: domain.RiskMedium, ApprovedBy: "cfo", DateRange: From(Epoch)},
	}

	charge, err := newCalculator(t).Compute(resolve(t, c), paper("300"))
	require.NoError(t, err)

	require.Len(t, charge.SpecialAdjustments, 2)
	assert.Equal(t, domain.Money(1000), charge.SpecialAdjustments[0].Amount)
	assert.Equal(t, domain.Money(-3000), charge.SpecialAdjustments[1].Amount)
	assert.Equal(t, domain.Money(11500), charge.Total)
	require.Len(t, charge.Warnings, 1)
	assert.Equal(t, domain.WarnClauseUnapproved, charge.Warnings[0].Code)
	assertReconciles(t, charge)

	t.Run("negative clause clamps", func(t *testing.T) {
		c.Pricing.SpecialClauses = []domain.SpecialPricingClause{
			{ID: "S-4", Kind: "ad_hoc", Adjustment: -50000, ApprovedBy: "cfo", DateRange: From(Epoch)},
		}
		charge, err := newCalculator(t).Compute(resolve(t, c), paper("300"))
		require.NoError(t, err)
		assert.Equal(t, domain.Money(0), charge.Total)
		assert.Equal(t, domain.Money(-50000), charge.SpecialAdjustments[0].Requested)
		assert.Equal(t, domain.Money(-13500), charge.SpecialAdjustments[0].Amount)
		assertReconciles(t, charge)
	})
}

func TestMinimumChargeFloor(t *testing.T) {
	c := Contract()
	c.Pricing.Minimums = []domain.MinimumCharge{
		{ID: "M-1", Amount: 10000, BillingCycle: "monthly", DateRange: From(Epoch)},
	}
	calc := newCalculator(t)
	rs := resolve(t, c)

	t.Run("below minimum", func(t *testing.T) {
		charge, err := calc.Compute(rs, paper("50"))
		require.NoError(t, err)
		assert.True(t, charge.MinimumApplied)
		assert.Equal(t, domain.Money(7500), charge.MinimumAdjustment)
		assert.Equal(t, domain.Money(10000), charge.Total)
		assertReconciles(t, charge)
	})

	t.Run("above minimum", func(t *testing.T) {
		charge, err := calc.Compute(rs, paper("300"))
		require.NoError(t, err)
		assert.False(t, charge.MinimumApplied)
		assert.Equal(t, domain.Money(0), charge.MinimumAdjustment)
		assert.Equal(t, "M-1", charge.MinimumRuleID)
	})

	t.Run("no usage", func(t *testing.T) {
		charge, err := calc.ComputePeriod(rs, period, nil)
		require.NoError(t, err)
		assert.Empty(t, charge.LineItems)
		assert.Equal(t, domain.Money(10000), charge.Total)
		assertReconciles(t, charge)
	})

	t.Run("invariant", func(t *testing.T) {
		for kg := 0; kg <= 1000; kg += 37 {
			charge, err := calc.Compute(rs, paper(fmt.Sprint(kg)))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, int64(charge.Total), int64(10000), "kg=%d", kg)
			assertReconciles(t, charge)
		}
	})
}

func TestBankersRoundingAdjustment(t *testing.T) {
	usage := []*domain.CollectionUsageRecord{
		Usage("U-1", period, Date(2025, time.March, 3), map[string]string{"paper": "0.01", "plastic": "0.00625"}),
	}

	charge, err := newCalculator(t).Compute(resolve(t, Contract()), usage)
	require.NoError(t, err)

	// 0.5 + 0.5: each item rounds to even (0), the exact total rounds to 1.
	assert.Equal(t, domain.Money(0), charge.LineItems[0].Amount)
	assert.Equal(t, domain.Money(0), charge.LineItems[1].Amount)
	assert.Equal(t, domain.Money(1), charge.RoundingAdjustment)
	assert.Equal(t, domain.Money(1), charge.Total)
	assertReconciles(t, charge)
}

func TestReconciliationAcrossMixedUsage(t *testing.T) {
	c := Contract()
	c.Pricing.Frequencies = []domain.PickupFrequencyPricing{
		{ID: "F-weekly", Frequency: "weekly", SurchargeType: domain.AdjustmentPercentage, Value: Dec("7.5"), DateRange: From(Epoch)},
	}
	c.Pricing.Discounts = []domain.ContractDiscount{
		{ID: "D-1", Name: "loyalty", Type: domain.AdjustmentPercentage, Value: Dec("3.3"), DateRange: From(Epoch)},
		{ID: "D-2", Name: "green", Type: domain.AdjustmentFixed, Value: Dec("123.45"), DateRange: From(Epoch)},
	}
	c.Pricing.Minimums = []domain.MinimumCharge{{ID: "M-1", Amount: 2000, DateRange: From(Epoch)}}
	calc := newCalculator(t)
	rs := resolve(t, c)

	weights := []string{"0", "0.333", "12.7", "33.333", "199.99", "201.5", "480.125", "777.77"}
	for _, p := range weights {
		for _, pl := range weights {
			usage := []*domain.CollectionUsageRecord{
				Usage("U-1", period, Date(2025, time.March, 3), map[string]string{"paper": p}),
				Usage("U-2", period, Date(2025, time.March, 10), map[string]string{"plastic": pl, "paper": "1.1"}),
			}
			charge, err := calc.Compute(rs, usage)
			require.NoError(t, err)
			assertReconciles(t, charge)
			assert.GreaterOrEqual(t, int64(charge.Total), int64(2000))
		}
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	c := Contract()
	c.Pricing.Discounts = []domain.ContractDiscount{
		{ID: "D-1", Name: "loyalty", Type: domain.AdjustmentPercentage, Value: Dec("5"), Condition: "'plastic' in volumes", DateRange: From(Epoch)},
	}
	usage := []*domain.CollectionUsageRecord{
		Usage("U-1", period, Date(2025, time.March, 3), map[string]string{"paper": "120.5", "plastic": "80.25"}),
		Usage("U-2", period, Date(2025, time.March, 17), map[string]string{"plastic": "44", "paper": "9.75"}),
	}
	calc := newCalculator(t)
	rs := resolve(t, c)

	first, err := calc.Compute(rs, usage)
	require.NoError(t, err)
	second, err := calc.Compute(rs, usage)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestScopedTierTables(t *testing.T) {
	c := Contract()
	c.Pricing.VolumeTiers = []domain.VolumeTier{
		{ID: "PP-1", MinVolume: Dec("0"), MaxVolume: DecPtr("100"), DiscountPercentage: Dec("0"), WasteTypes: []string{"paper"}, DateRange: From(Epoch)},
		{ID: "PP-2", MinVolume: Dec("100"), DiscountPercentage: Dec("20"), WasteTypes: []string{"paper"}, DateRange: From(Epoch)},
	}
	usage := []*domain.CollectionUsageRecord{
		Usage("U-1", period, Date(2025, time.March, 3), map[string]string{"paper": "200", "plastic": "500"}),
	}

	charge, err := newCalculator(t).Compute(resolve(t, c), usage)
	require.NoError(t, err)

	// paper 10000 -20% only; plastic 40000 undiscounted
	require.Len(t, charge.TierDiscounts, 1)
	assert.Equal(t, "PP-2", charge.TierDiscounts[0].RuleID)
	assert.Equal(t, domain.Money(2000), charge.TierDiscounts[0].Amount)
	assert.Equal(t, domain.Money(48000), charge.Total)
}

func TestComputeRejectsBadUsage(t *testing.T) {
	calc := newCalculator(t)
	rs := resolve(t, Contract())

	t.Run("mixed periods", func(t *testing.T) {
		usage := append(paper("10"), Usage("U-2", "2025-04", Date(2025, time.April, 2), map[string]string{"paper": "5"}))
		_, err := calc.Compute(rs, usage)
		assert.ErrorIs(t, err, domain.ErrUsagePeriodMismatch)
		assert.ErrorIs(t, err, domain.ErrCalculation)
	})

	t.Run("negative weight", func(t *testing.T) {
		_, err := calc.Compute(rs, paper("-1"))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("excluded waste type", func(t *testing.T) {
		c := Contract()
		c.Coverage.ExcludedWasteTypes = []string{"plastic"}
		usage := []*domain.CollectionUsageRecord{
			Usage("U-1", period, Date(2025, time.March, 3), map[string]string{"plastic": "10"}),
		}
		_, err := calc.Compute(resolve(t, c), usage)
		assert.ErrorIs(t, err, domain.ErrUncoveredWasteType)
	})

	t.Run("broken discount condition", func(t *testing.T) {
		c := Contract()
		c.Pricing.Discounts = []domain.ContractDiscount{
			{ID: "D-bad", Name: "bad", Type: domain.AdjustmentFixed, Value: Dec("1"), Condition: "volumes['glass'] > 1.0", DateRange: From(Epoch)},
		}
		_, err := calc.Compute(resolve(t, c), paper("10"))
		var calcErr *domain.CalculationError
		require.True(t, errors.As(err, &calcErr))
		assert.Equal(t, "discount:D-bad", calcErr.Step)
	})
}
