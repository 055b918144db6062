package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SLATier is the service level purchased by the client.
type SLATier string

const (
	SLABasic      SLATier = "basic"
	SLAStandard   SLATier = "standard"
	SLAPremium    SLATier = "premium"
	SLAEnterprise SLATier = "enterprise"
)

// BreachCategory is the kind of SLA breach detected on an event.
type BreachCategory string

const (
	BreachLatePickup        BreachCategory = "late_pickup"
	BreachMissedPickup      BreachCategory = "missed_pickup"
	BreachIncompleteService BreachCategory = "incomplete_service"
	BreachQualityIssue      BreachCategory = "quality_issue"
)

// PenaltyType is how a matched penalty rule compensates the client.
type PenaltyType string

const (
	PenaltyPercentage    PenaltyType = "percentage"
	PenaltyFixed         PenaltyType = "fixed"
	PenaltyServiceCredit PenaltyType = "service_credit"
)

// CalculationMethod is how a penalty's raw amount is derived.
type CalculationMethod string

const (
	MethodPercentageOfCharge CalculationMethod = "percentage_of_charge"
	MethodFixedAmount        CalculationMethod = "fixed_amount"
	MethodPerMinuteLate      CalculationMethod = "per_minute_late"
	MethodPerHourLate        CalculationMethod = "per_hour_late"
)

// SLAConfiguration is one dated version of a contract's service level terms.
type SLAConfiguration struct {
	ID                   string              `json:"id"`
	Tier                 SLATier             `json:"tier"`
	ResponseTimeMinutes  int                 `json:"responseTimeMinutes"`
	PickupWindow         PickupWindow        `json:"pickupWindow"`
	TargetCompletionRate decimal.Decimal     `json:"targetCompletionRate"`
	PenaltyRules         []SLAPenaltyRule    `json:"penaltyRules"`
	ServiceCreditRules   []ServiceCreditRule `json:"serviceCreditRules"`
	EscalationRules      []EscalationRule    `json:"escalationRules"`
	DateRange
}

// PickupWindow is the daily window, "HH:MM" in UTC, in which pickups are expected.
type PickupWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// On returns the window's bounds on the day of t.
func (w PickupWindow) On(t time.Time) (time.Time, time.Time, error) {
	start, err := clockOn(t, w.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := clockOn(t, w.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: pickup window %s-%s", ErrInvalidInput, w.Start, w.End)
	}
	return start, end, nil
}

func clockOn(day time.Time, hhmm string) (time.Time, error) {
	c, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: clock %q", ErrInvalidInput, hhmm)
	}
	day = day.UTC()
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour(), c.Minute(), 0, 0, time.UTC), nil
}

// SLAPenaltyRule maps a breach category to a financial consequence.
type SLAPenaltyRule struct {
	ID                string            `json:"id"`
	Trigger           BreachCategory    `json:"trigger"`
	PenaltyType       PenaltyType       `json:"penaltyType"`
	Value             decimal.Decimal   `json:"value"`
	CalculationMethod CalculationMethod `json:"calculationMethod,omitempty"`
	MaxPenalty        *Money            `json:"maxPenalty,omitempty"`
	Combinable        bool              `json:"combinable,omitempty"`
}

// Method returns the calculation method, defaulting from the penalty type.
func (r SLAPenaltyRule) Method() CalculationMethod {
	if r.CalculationMethod != "" {
		return r.CalculationMethod
	}
	if r.PenaltyType == PenaltyFixed {
		return MethodFixedAmount
	}
	return MethodPercentageOfCharge
}

// ServiceCreditRule issues a period-level credit when compliance falls below a threshold.
type ServiceCreditRule struct {
	ID                  string          `json:"id"`
	Description         string          `json:"description"`
	BelowCompletionRate decimal.Decimal `json:"belowCompletionRate"`
	CreditPercentage    decimal.Decimal `json:"creditPercentage"`
	MaxCredit           *Money          `json:"maxCredit,omitempty"`
}

// EscalationRule emits a notification obligation when its CEL trigger holds.
type EscalationRule struct {
	ID                       string   `json:"id"`
	Level                    int      `json:"level"`
	TriggerCondition         string   `json:"triggerCondition"`
	NotificationDelayMinutes int      `json:"notificationDelayMinutes"`
	Recipients               []string `json:"recipients"`
	Actions                  []string `json:"actions"`
}

// EventStatus is the dispatch-reported result of a collection attempt.
type EventStatus string

const (
	EventCompleted EventStatus = "completed"
	EventPartial   EventStatus = "partial"
	EventMissed    EventStatus = "missed"
)

// CollectionEvent is a finalized collection attempt. Immutable once recorded.
// Zero WindowStart/WindowEnd fall back to the SLA pickup window on the requested day.
type CollectionEvent struct {
	ID           string      `json:"id"`
	ContractID   string      `json:"contractId"`
	PeriodKey    string      `json:"periodKey"`
	WasteTypes   []string    `json:"wasteTypes,omitempty"`
	Status       EventStatus `json:"status"`
	RequestedAt  time.Time   `json:"requestedAt"`
	WindowStart  time.Time   `json:"windowStart,omitempty"`
	WindowEnd    time.Time   `json:"windowEnd,omitempty"`
	ArrivedAt    *time.Time  `json:"arrivedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	QualityIssue bool        `json:"qualityIssue,omitempty"`
	Notes        string      `json:"notes,omitempty"`
}

// OutcomeStatus is the terminal state of an evaluated event.
type OutcomeStatus string

const (
	OutcomeCompliant OutcomeStatus = "compliant"
	OutcomeBreached  OutcomeStatus = "breached"
)

// Classification is a non-exclusive sub-state of a breached outcome.
type Classification string

const (
	ClassPenaltyApplied Classification = "penalty_applied"
	ClassCreditIssued   Classification = "credit_issued"
	ClassEscalated      Classification = "escalated"
)

// SLAOutcome is the immutable result of evaluating one event.
type SLAOutcome struct {
	EventID         string                 `json:"eventId"`
	Status          OutcomeStatus          `json:"status"`
	Breaches        []BreachCategory       `json:"breaches,omitempty"`
	Classifications []Classification       `json:"classifications,omitempty"`
	MatchedRuleIDs  []string               `json:"matchedRuleIds,omitempty"`
	Basis           Money                  `json:"basis"`
	PenaltyAmount   Money                  `json:"penaltyAmount"`
	CreditAmount    Money                  `json:"creditAmount"`
	LateMinutes     int64                  `json:"lateMinutes"`
	ResponseMinutes int64                  `json:"responseMinutes"`
	EscalationLevel int                    `json:"escalationLevel"`
	Escalations     []EscalationObligation `json:"escalations,omitempty"`
	SLAVersion      string                 `json:"slaVersion"`
	EvaluatedAt     time.Time              `json:"evaluatedAt"`
}

// Compliant reports whether the event met every SLA target.
func (o SLAOutcome) Compliant() bool {
	return o.Status == OutcomeCompliant
}

// Has reports whether the outcome carries classification c.
func (o SLAOutcome) Has(c Classification) bool {
	for _, x := range o.Classifications {
		if x == c {
			return true
		}
	}
	return false
}

// EscalationObligation is intent for an external dispatcher to notify recipients by NotificationTime.
type EscalationObligation struct {
	RuleID           string    `json:"ruleId"`
	ContractID       string    `json:"contractId"`
	EventID          string    `json:"eventId"`
	Level            int       `json:"level"`
	NotificationTime time.Time `json:"notificationTime"`
	Recipients       []string  `json:"recipients"`
	Actions          []string  `json:"actions"`
}
