package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Money is an amount in integer minor units (e.g. kobo, cents).
type Money int64

// Decimal returns the amount as an exact decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m))
}

// RoundMoney converts an exact decimal amount to minor units using banker's rounding.
func RoundMoney(d decimal.Decimal) Money {
	return Money(d.RoundBank(0).IntPart())
}

// Percent returns pct% of d without rounding.
func Percent(d decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return d.Mul(pct).Div(hundred)
}

var hundred = decimal.NewFromInt(100)

// DateRange is a half-open validity interval [EffectiveDate, ExpiryDate).
// A nil ExpiryDate means the range is open-ended.
type DateRange struct {
	EffectiveDate time.Time  `json:"effectiveDate"`
	ExpiryDate    *time.Time `json:"expiryDate,omitempty"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if t.Before(r.EffectiveDate) {
		return false
	}
	return r.ExpiryDate == nil || t.Before(*r.ExpiryDate)
}

// Overlaps reports whether the two ranges share any instant.
func (r DateRange) Overlaps(o DateRange) bool {
	if r.ExpiryDate != nil && !o.EffectiveDate.Before(*r.ExpiryDate) {
		return false
	}
	if o.ExpiryDate != nil && !r.EffectiveDate.Before(*o.ExpiryDate) {
		return false
	}
	return true
}

// Validate checks that the range is not inverted.
func (r DateRange) Validate() error {
	if r.EffectiveDate.IsZero() {
		return ErrInvalidDateRange
	}
	if r.ExpiryDate != nil && !r.ExpiryDate.After(r.EffectiveDate) {
		return ErrInvalidDateRange
	}
	return nil
}
