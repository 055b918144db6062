package domain

import (
	"fmt"
	"time"
)

// PeriodKeyLayout is the layout of a monthly billing period key.
const PeriodKeyLayout = "2006-01"

// Period is a calendar-month billing period [Start, End) in UTC.
type Period struct {
	Key   string    `json:"key"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParsePeriod parses a "YYYY-MM" key into a Period.
func ParsePeriod(key string) (Period, error) {
	start, err := time.ParseInLocation(PeriodKeyLayout, key, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriodKey, key)
	}
	return Period{
		Key:   key,
		Start: start,
		End:   start.AddDate(0, 1, 0),
	}, nil
}

// PeriodFor returns the period containing t.
func PeriodFor(t time.Time) Period {
	t = t.UTC()
	p, _ := ParsePeriod(t.Format(PeriodKeyLayout))
	return p
}

// AsOf is the instant rules are resolved at: the last instant of the period.
func (p Period) AsOf() time.Time {
	return p.End.Add(-time.Nanosecond)
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Previous returns the period immediately before p.
func (p Period) Previous() Period {
	return PeriodFor(p.Start.AddDate(0, -1, 0))
}
