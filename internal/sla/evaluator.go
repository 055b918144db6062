// Package sla evaluates collection events against a contract's service level terms.
package sla

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/rules"
)

// Evaluator classifies events and matches breaches to penalty and escalation rules.
// It never sends notifications; escalations are returned as obligations.
type Evaluator struct {
	conditions *rules.Engine
	now        func() time.Time
}

// NewEvaluator creates an evaluator. A nil clock defaults to time.Now.
func NewEvaluator(engine *rules.Engine, clock func() time.Time) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	return &Evaluator{conditions: engine, now: clock}
}

// timeline is an event's validated schedule.
type timeline struct {
	windowStart time.Time
	windowEnd   time.Time
	deadline    time.Time // zero when there is no response target
}

// Evaluate classifies one event. basis is the charge attributable to the event,
// against which percentage penalties are computed. Malformed timelines fail with
// InvalidTimelineError rather than producing a guess.
func (e *Evaluator) Evaluate(cfg *domain.SLAConfiguration, event *domain.CollectionEvent, basis domain.Money) (domain.SLAOutcome, error) {
	if cfg == nil {
		return domain.SLAOutcome{}, domain.ErrNoActiveSLA
	}
	if event == nil {
		return domain.SLAOutcome{}, fmt.Errorf("%w: event is required", domain.ErrInvalidInput)
	}

	tl, err := validate(cfg, event)
	if err != nil {
		return domain.SLAOutcome{}, err
	}

	out := domain.SLAOutcome{
		EventID:    event.ID,
		Status:     domain.OutcomeCompliant,
		SLAVersion: cfg.ID,
		Basis:      basis,
	}

	breaches, reference := detect(event, tl, &out)
	if len(breaches) > 0 {
		out.Status = domain.OutcomeBreached
		out.Breaches = breaches
		applyPenalties(cfg, basis, &out)
		if err := e.escalate(cfg, event, reference, &out); err != nil {
			return domain.SLAOutcome{}, err
		}
	}

	out.EvaluatedAt = e.now().UTC()
	return out, nil
}

func validate(cfg *domain.SLAConfiguration, ev *domain.CollectionEvent) (timeline, error) {
	bad := func(format string, args ...any) (timeline, error) {
		return timeline{}, &domain.InvalidTimelineError{EventID: ev.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if ev.RequestedAt.IsZero() {
		return bad("missing request time")
	}

	var tl timeline
	if !ev.WindowStart.IsZero() || !ev.WindowEnd.IsZero() {
		if ev.WindowStart.IsZero() || ev.WindowEnd.IsZero() || !ev.WindowEnd.After(ev.WindowStart) {
			return bad("scheduled window %s - %s is not a positive interval", ev.WindowStart, ev.WindowEnd)
		}
		if !ev.WindowEnd.After(ev.RequestedAt) {
			return bad("scheduled window ends %s, not after request %s", ev.WindowEnd, ev.RequestedAt)
		}
		tl.windowStart, tl.windowEnd = ev.WindowStart, ev.WindowEnd
	} else {
		start, end, err := cfg.PickupWindow.On(ev.RequestedAt)
		if err != nil {
			return bad("%v", err)
		}
		// A request after today's window is served in tomorrow's.
		if !ev.RequestedAt.Before(end) {
			start, end = start.AddDate(0, 0, 1), end.AddDate(0, 0, 1)
		}
		tl.windowStart, tl.windowEnd = start, end
	}

	if cfg.ResponseTimeMinutes < 0 {
		return bad("negative response time target")
	}
	if cfg.ResponseTimeMinutes > 0 {
		tl.deadline = ev.RequestedAt.Add(time.Duration(cfg.ResponseTimeMinutes) * time.Minute)
	}

	switch ev.Status {
	case domain.EventCompleted, domain.EventPartial:
		if ev.ArrivedAt == nil || ev.CompletedAt == nil {
			return bad("%s event needs arrival and completion times", ev.Status)
		}
	case domain.EventMissed:
		if ev.CompletedAt != nil {
			return bad("missed event has a completion time")
		}
	default:
		return bad("unknown status %q", ev.Status)
	}

	if ev.ArrivedAt != nil && ev.ArrivedAt.Before(ev.RequestedAt) {
		return bad("arrival %s before request %s", ev.ArrivedAt, ev.RequestedAt)
	}
	if ev.CompletedAt != nil {
		if ev.CompletedAt.Before(ev.RequestedAt) {
			return bad("completion %s before request %s", ev.CompletedAt, ev.RequestedAt)
		}
		if ev.ArrivedAt != nil && ev.CompletedAt.Before(*ev.ArrivedAt) {
			return bad("completion %s before arrival %s", ev.CompletedAt, ev.ArrivedAt)
		}
	}
	return tl, nil
}

// detect returns breaches in a fixed order, plus the earliest instant a breach became known.
func detect(ev *domain.CollectionEvent, tl timeline, out *domain.SLAOutcome) ([]domain.BreachCategory, time.Time) {
	var breaches []domain.BreachCategory
	var reference time.Time
	seen := func(t time.Time) {
		if reference.IsZero() || t.Before(reference) {
			reference = t
		}
	}

	if ev.Status == domain.EventMissed {
		seen(tl.windowEnd)
		breaches = append(breaches, domain.BreachMissedPickup)
	}

	late := false
	if ev.ArrivedAt != nil {
		arrived := *ev.ArrivedAt
		switch {
		case arrived.After(tl.windowEnd):
			late = true
			out.LateMinutes = ceilMinutes(arrived.Sub(tl.windowEnd))
			seen(tl.windowEnd)
		case arrived.Before(tl.windowStart):
			late = true
			seen(arrived)
		}
	}

	if ev.CompletedAt != nil {
		out.ResponseMinutes = ceilMinutes(ev.CompletedAt.Sub(ev.RequestedAt))
		if !tl.deadline.IsZero() && ev.CompletedAt.After(tl.deadline) {
			late = true
			if over := ceilMinutes(ev.CompletedAt.Sub(tl.deadline)); over > out.LateMinutes {
				out.LateMinutes = over
			}
			seen(tl.deadline)
		}
	}
	if late {
		breaches = append(breaches, domain.BreachLatePickup)
	}

	if ev.Status == domain.EventPartial {
		seen(*ev.CompletedAt)
		breaches = append(breaches, domain.BreachIncompleteService)
	}
	if ev.QualityIssue {
		if ev.CompletedAt != nil {
			seen(*ev.CompletedAt)
		} else {
			seen(tl.windowEnd)
		}
		breaches = append(breaches, domain.BreachQualityIssue)
	}
	return breaches, reference
}

// applyPenalties scans rules in declaration order per breach: combinable matches
// accumulate and the first non-combinable match ends the scan.
func applyPenalties(cfg *domain.SLAConfiguration, basis domain.Money, out *domain.SLAOutcome) {
	for _, breach := range out.Breaches {
		for _, rule := range cfg.PenaltyRules {
			if rule.Trigger != breach {
				continue
			}
			amount := penaltyAmount(rule, basis, out.LateMinutes)
			out.MatchedRuleIDs = append(out.MatchedRuleIDs, rule.ID)
			out.PenaltyAmount += amount
			classify(out, domain.ClassPenaltyApplied)
			if rule.PenaltyType == domain.PenaltyServiceCredit {
				out.CreditAmount += amount
				classify(out, domain.ClassCreditIssued)
			}
			if !rule.Combinable {
				break
			}
		}
	}
}

// penaltyAmount computes a rule's amount, banker's-rounded and clamped to [0, MaxPenalty].
func penaltyAmount(rule domain.SLAPenaltyRule, basis domain.Money, lateMinutes int64) domain.Money {
	var raw decimal.Decimal
	switch rule.Method() {
	case domain.MethodPercentageOfCharge:
		raw = domain.Percent(basis.Decimal(), rule.Value)
	case domain.MethodFixedAmount:
		raw = rule.Value
	case domain.MethodPerMinuteLate:
		raw = rule.Value.Mul(decimal.NewFromInt(lateMinutes))
	case domain.MethodPerHourLate:
		hours := (lateMinutes + 59) / 60
		raw = rule.Value.Mul(decimal.NewFromInt(hours))
	}

	amount := domain.RoundMoney(raw)
	if amount < 0 {
		amount = 0
	}
	if rule.MaxPenalty != nil && amount > *rule.MaxPenalty {
		amount = *rule.MaxPenalty
		if amount < 0 {
			amount = 0
		}
	}
	return amount
}

func (e *Evaluator) escalate(cfg *domain.SLAConfiguration, ev *domain.CollectionEvent, reference time.Time, out *domain.SLAOutcome) error {
	breaches := make([]string, len(out.Breaches))
	for i, b := range out.Breaches {
		breaches[i] = string(b)
	}
	vars := rules.EscalationVars{
		Breaches:        breaches,
		LateMinutes:     out.LateMinutes,
		ResponseMinutes: out.ResponseMinutes,
		Status:          string(ev.Status),
		Tier:            string(cfg.Tier),
		QualityIssue:    ev.QualityIssue,
		PenaltyAmount:   int64(out.PenaltyAmount),
	}.Activation()

	for _, rule := range cfg.EscalationRules {
		hit, err := e.conditions.Eval(rules.KindEscalation, rule.TriggerCondition, vars)
		if err != nil {
			return fmt.Errorf("escalation rule %s: %w", rule.ID, err)
		}
		if !hit {
			continue
		}
		out.Escalations = append(out.Escalations, domain.EscalationObligation{
			RuleID:           rule.ID,
			ContractID:       ev.ContractID,
			EventID:          ev.ID,
			Level:            rule.Level,
			NotificationTime: reference.Add(time.Duration(rule.NotificationDelayMinutes) * time.Minute),
			Recipients:       rule.Recipients,
			Actions:          rule.Actions,
		})
		if rule.Level > out.EscalationLevel {
			out.EscalationLevel = rule.Level
		}
		classify(out, domain.ClassEscalated)
	}
	return nil
}

func classify(out *domain.SLAOutcome, c domain.Classification) {
	if !out.Has(c) {
		out.Classifications = append(out.Classifications, c)
	}
}

func ceilMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Minutes()))
}
