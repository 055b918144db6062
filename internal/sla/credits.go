package sla

import (
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/wastebill/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ComplianceRate is the percentage of outcomes that were compliant, to two places.
// A period with no evaluated events is fully compliant.
func ComplianceRate(outcomes []domain.SLAOutcome) decimal.Decimal {
	if len(outcomes) == 0 {
		return hundred
	}
	compliant := 0
	for _, o := range outcomes {
		if o.Compliant() {
			compliant++
		}
	}
	return decimal.NewFromInt(int64(compliant)).
		Mul(hundred).
		DivRound(decimal.NewFromInt(int64(len(outcomes))), 2)
}

// PeriodCredits applies the first service credit rule, in declaration order,
// whose threshold the period's compliance rate falls below. basis is the period charge.
func PeriodCredits(cfg *domain.SLAConfiguration, outcomes []domain.SLAOutcome, basis domain.Money) (decimal.Decimal, []domain.PeriodCreditItem) {
	rate := ComplianceRate(outcomes)
	if cfg == nil {
		return rate, nil
	}
	for _, r := range cfg.ServiceCreditRules {
		if !rate.LessThan(r.BelowCompletionRate) {
			continue
		}
		amount := domain.RoundMoney(domain.Percent(basis.Decimal(), r.CreditPercentage))
		if amount < 0 {
			amount = 0
		}
		if r.MaxCredit != nil && amount > *r.MaxCredit {
			amount = *r.MaxCredit
		}
		return rate, []domain.PeriodCreditItem{{
			RuleID:         r.ID,
			ComplianceRate: rate,
			Threshold:      r.BelowCompletionRate,
			Percentage:     r.CreditPercentage,
			Amount:         amount,
		}}
	}
	return rate, nil
}

// TargetMet reports whether rate reaches the configured completion target.
func TargetMet(cfg *domain.SLAConfiguration, rate decimal.Decimal) bool {
	if cfg == nil {
		return true
	}
	return rate.GreaterThanOrEqual(cfg.TargetCompletionRate)
}
