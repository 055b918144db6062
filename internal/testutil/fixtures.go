// Package testutil provides contract fixtures shared by package tests.
package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// Epoch is the effective date of every fixture rule.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Dec parses a decimal literal, panicking on bad input.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DecPtr returns a pointer to a parsed decimal.
func DecPtr(s string) *decimal.Decimal {
	d := Dec(s)
	return &d
}

// MoneyPtr returns a pointer to m.
func MoneyPtr(m domain.Money) *domain.Money {
	return &m
}

// Date returns midnight UTC on the given day.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// From returns an open-ended range starting at t.
func From(t time.Time) domain.DateRange {
	return domain.DateRange{EffectiveDate: t}
}

// Between returns [from, to).
func Between(from, to time.Time) domain.DateRange {
	return domain.DateRange{EffectiveDate: from, ExpiryDate: &to}
}

// StandardTiers is the 0-200 / 201-500 / 501+ monthly volume table: 0%, 10%, 15%.
func StandardTiers() []domain.VolumeTier {
	return []domain.VolumeTier{
		{ID: "T-1", MinVolume: Dec("0"), MaxVolume: DecPtr("201"), DiscountPercentage: Dec("0"), DateRange: From(Epoch)},
		{ID: "T-2", MinVolume: Dec("201"), MaxVolume: DecPtr("501"), DiscountPercentage: Dec("10"), DateRange: From(Epoch)},
		{ID: "T-3", MinVolume: Dec("501"), DiscountPercentage: Dec("15"), DateRange: From(Epoch)},
	}
}

// StandardSLA is a standard-tier SLA with an 08:00-12:00 window and a 4 hour response target.
func StandardSLA() domain.SLAConfiguration {
	return domain.SLAConfiguration{
		ID:                   "SLA-1",
		Tier:                 domain.SLAStandard,
		ResponseTimeMinutes:  240,
		PickupWindow:         domain.PickupWindow{Start: "08:00", End: "12:00"},
		TargetCompletionRate: Dec("95"),
		PenaltyRules: []domain.SLAPenaltyRule{
			{
				ID:                "P-LATE",
				Trigger:           domain.BreachLatePickup,
				PenaltyType:       domain.PenaltyServiceCredit,
				Value:             Dec("10"),
				CalculationMethod: domain.MethodPercentageOfCharge,
				MaxPenalty:        MoneyPtr(5000),
			},
			{
				ID:          "P-MISSED",
				Trigger:     domain.BreachMissedPickup,
				PenaltyType: domain.PenaltyFixed,
				Value:       Dec("2500"),
			},
		},
		ServiceCreditRules: []domain.ServiceCreditRule{
			{ID: "SC-1", Description: "below 90% completion", BelowCompletionRate: Dec("90"), CreditPercentage: Dec("5"), MaxCredit: MoneyPtr(10000)},
		},
		EscalationRules: []domain.EscalationRule{
			{
				ID:                       "E-1",
				Level:                    1,
				TriggerCondition:         "'missed_pickup' in breaches",
				NotificationDelayMinutes: 30,
				Recipients:               []string{"ops@client.example"},
				Actions:                  []string{"reschedule"},
			},
			{
				ID:                       "E-2",
				Level:                    2,
				TriggerCondition:         "late_minutes >= 120",
				NotificationDelayMinutes: 60,
				Recipients:               []string{"account-manager@operator.example"},
				Actions:                  []string{"call_client"},
			},
		},
		DateRange: From(Epoch),
	}
}

// Contract returns an active contract billing paper at 50/kg and plastic at 80/kg.
func Contract() *domain.Contract {
	return &domain.Contract{
		ID:               "C-100",
		ClientID:         "CL-1",
		Name:             "Lekki Mall waste collection",
		Status:           domain.StatusActive,
		EffectiveDate:    Epoch,
		Version:          1,
		Currency:         "NGN",
		ServiceFrequency: "weekly",
		Pricing: domain.PricingConfiguration{
			WasteTypes: []domain.WasteTypePricing{
				{ID: "R-paper-1", WasteType: "paper", RatePerKg: Dec("50"), DateRange: From(Epoch)},
				{ID: "R-plastic-1", WasteType: "plastic", RatePerKg: Dec("80"), DateRange: From(Epoch)},
			},
			VolumeTiers: StandardTiers(),
		},
		SLA:       []domain.SLAConfiguration{StandardSLA()},
		Coverage:  domain.Coverage{Cities: []string{"Lagos"}, WasteTypes: []string{"paper", "plastic"}},
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
	}
}

// Usage returns one usage record for the contract in periodKey.
func Usage(id, periodKey string, pickup time.Time, categories map[string]string) *domain.CollectionUsageRecord {
	cats := make(map[string]decimal.Decimal, len(categories))
	for k, v := range categories {
		cats[k] = Dec(v)
	}
	return &domain.CollectionUsageRecord{
		ID:         id,
		ContractID: "C-100",
		EventID:    "EV-" + id,
		PeriodKey:  periodKey,
		PickupAt:   pickup,
		Categories: cats,
	}
}

// Event returns a completed event requested at req, arriving and completing at the given offsets.
func Event(id string, req time.Time, arriveAfter, completeAfter time.Duration) *domain.CollectionEvent {
	arrived := req.Add(arriveAfter)
	completed := req.Add(completeAfter)
	return &domain.CollectionEvent{
		ID:          id,
		ContractID:  "C-100",
		PeriodKey:   req.Format(domain.PeriodKeyLayout),
		Status:      domain.EventCompleted,
		RequestedAt: req,
		ArrivedAt:   &arrived,
		CompletedAt: &completed,
	}
}
