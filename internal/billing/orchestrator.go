// Package billing runs one contract billing period end to end: fetch, resolve,
// price, evaluate SLAs, audit, and publish a summary.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/wastebill/internal/audit"
	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/metrics"
	"github.com/opensource-finance/wastebill/internal/pricing"
	"github.com/opensource-finance/wastebill/internal/resolver"
	"github.com/opensource-finance/wastebill/internal/rules"
	"github.com/opensource-finance/wastebill/internal/sla"
	"github.com/opensource-finance/wastebill/internal/usage"
)

var tracer = otel.Tracer("wastebill-billing")

// Options wires an Orchestrator. Source, Audit, and Summaries are required.
type Options struct {
	Source    domain.ContractSource
	Audit     domain.AuditStore
	Summaries domain.SummaryStore
	Cache     domain.Cache
	Engine    *rules.Engine
	Metrics   *metrics.Collector
	Billing   domain.BillingConfig
	Clock     func() time.Time
}

// Orchestrator drives period runs. Runs for different (contract, period) pairs
// share no mutable state and may execute concurrently.
type Orchestrator struct {
	fetcher    *usage.Service
	resolver   *resolver.Cached
	calculator *pricing.Calculator
	evaluator  *sla.Evaluator
	recorder   *audit.Recorder
	summaries  domain.SummaryStore
	metrics    *metrics.Collector
	maxWorkers int
	now        func() time.Time
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Source == nil || opts.Audit == nil || opts.Summaries == nil {
		return nil, fmt.Errorf("%w: source, audit store, and summary store are required", domain.ErrInvalidInput)
	}
	engine := opts.Engine
	if engine == nil {
		var err error
		if engine, err = rules.NewEngine(); err != nil {
			return nil, fmt.Errorf("failed to create condition engine: %w", err)
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	workers := opts.Billing.MaxWorkers
	if workers <= 0 {
		workers = 1
	}

	return &Orchestrator{
		fetcher: usage.NewService(opts.Source, usage.Options{
			Timeout: opts.Billing.FetchTimeout,
			Retries: opts.Billing.FetchRetries,
			Backoff: opts.Billing.RetryBackoff,
		}),
		resolver:   resolver.NewCached(opts.Cache, opts.Billing.RuleSetTTL),
		calculator: pricing.NewCalculator(engine),
		evaluator:  sla.NewEvaluator(engine, clock),
		recorder:   audit.NewRecorder(opts.Audit, opts.Billing.AppendTimeout, clock),
		summaries:  opts.Summaries,
		metrics:    opts.Metrics,
		maxWorkers: workers,
		now:        clock,
	}, nil
}

// Recorder exposes the audit recorder for contract lifecycle entries.
func (o *Orchestrator) Recorder() *audit.Recorder {
	return o.recorder
}

// RunPeriod computes, audits, and stores the summary for one contract period.
//
// Resolution and pricing failures abort the run: nothing is stored except a
// period_failed audit entry. Per-event SLA failures are reported in
// UnresolvedEvents and do not block the period total. A cancelled run
// returns the context error and commits nothing.
func (o *Orchestrator) RunPeriod(ctx context.Context, contractID, periodKey string) (*domain.PeriodSummary, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "billing.RunPeriod")
	defer span.End()
	span.SetAttributes(
		attribute.String("contract.id", contractID),
		attribute.String("billing.period", periodKey),
	)

	summary, err := o.run(ctx, contractID, periodKey)

	result := "computed"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		result = "cancelled"
	default:
		result = "failed"
	}
	o.metrics.RecordPeriodRun(result, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("period run failed",
			"contract_id", contractID,
			"period", periodKey,
			"result", result,
			"retryable", domain.IsRetryable(err),
			"rule_ids", domain.ConflictingRuleIDs(err),
			"error", err,
		)
		return nil, err
	}

	slog.Info("period run completed",
		"contract_id", contractID,
		"period", periodKey,
		"total", int64(summary.Charge.Total),
		"net", int64(summary.NetAmount),
		"events", len(summary.Outcomes),
		"unresolved", len(summary.UnresolvedEvents),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return summary, nil
}

func (o *Orchestrator) run(ctx context.Context, contractID, periodKey string) (*domain.PeriodSummary, error) {
	period, err := domain.ParsePeriod(periodKey)
	if err != nil {
		return nil, err
	}

	snap, err := o.fetcher.Fetch(ctx, contractID, period)
	if err != nil {
		return nil, err
	}
	if snap.Contract.Status == domain.StatusDraft {
		return nil, fmt.Errorf("%w: contract %s is a draft", domain.ErrInvalidTransition, contractID)
	}
	sortEvents(snap.Events)

	rs, err := o.resolver.Resolve(ctx, snap.Contract, snap.AsOf, wasteTypes(snap.Usage)...)
	if err != nil {
		return nil, o.fail(ctx, snap, err)
	}

	charge, err := o.calculator.ComputePeriod(rs, period.Key, snap.Usage)
	if err != nil {
		return nil, o.fail(ctx, snap, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcomes, unresolved, err := o.evaluate(ctx, rs.SLA, snap, charge.Total)
	if err != nil {
		return nil, err
	}

	summary := o.summarize(rs, charge, outcomes, unresolved)

	// Last cancellation point: past here the run is committed.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, err := o.recorder.Append(ctx, audit.Record{
		ContractID:   contractID,
		PeriodKey:    period.Key,
		Action:       domain.ActionPeriodComputed,
		Input:        snap,
		RuleVersions: rs.Versions,
		Output:       summary,
	})
	if err != nil {
		return nil, err
	}
	summary.AuditEntryIDs = []string{entry.ID}

	if err := o.summaries.SaveSummary(ctx, summary); err != nil {
		return nil, &domain.DataUnavailableError{Op: "save summary", Err: err}
	}
	return summary, nil
}

// fail records a failed attempt and returns cause. An audit failure is logged;
// the caller still sees the original cause.
func (o *Orchestrator) fail(ctx context.Context, snap *domain.PeriodSnapshot, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, err := o.recorder.Append(ctx, audit.Record{
		ContractID: snap.Contract.ID,
		PeriodKey:  snap.Period.Key,
		Action:     domain.ActionPeriodFailed,
		Input:      snap,
		Err:        cause,
	})
	if err != nil {
		slog.Error("failed to audit failed period run",
			"contract_id", snap.Contract.ID,
			"period", snap.Period.Key,
			"error", err,
		)
	}
	return cause
}

type evaluation struct {
	outcome domain.SLAOutcome
	err     error
}

// evaluate fans SLA evaluation out over a bounded set of goroutines.
func (o *Orchestrator) evaluate(ctx context.Context, cfg *domain.SLAConfiguration, snap *domain.PeriodSnapshot, total domain.Money) ([]domain.SLAOutcome, []domain.UnresolvedEvent, error) {
	events := snap.Events
	if len(events) == 0 {
		return nil, nil, nil
	}
	bases := eventBases(total, snap.Usage, events)

	results := make([]evaluation, len(events))
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.maxWorkers)

	for i, ev := range events {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(idx int, ev *domain.CollectionEvent) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			results[idx] = o.evaluateOne(cfg, snap, ev, bases[ev.ID])
		}(i, ev)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var outcomes []domain.SLAOutcome
	var unresolved []domain.UnresolvedEvent
	for i, r := range results {
		if r.err != nil {
			unresolved = append(unresolved, domain.UnresolvedEvent{EventID: events[i].ID, Reason: r.err.Error()})
			continue
		}
		outcomes = append(outcomes, r.outcome)
		levels := make([]int, len(r.outcome.Escalations))
		for j, e := range r.outcome.Escalations {
			levels[j] = e.Level
		}
		o.metrics.RecordSLAOutcome(string(r.outcome.Status), int64(r.outcome.PenaltyAmount), levels...)
	}
	o.metrics.RecordUnresolvedEvents(len(unresolved))
	return outcomes, unresolved, nil
}

func (o *Orchestrator) evaluateOne(cfg *domain.SLAConfiguration, snap *domain.PeriodSnapshot, ev *domain.CollectionEvent, basis domain.Money) evaluation {
	if ev.ContractID != snap.Contract.ID || ev.PeriodKey != snap.Period.Key {
		return evaluation{err: fmt.Errorf("%w: event %s belongs to %s/%s", domain.ErrUsagePeriodMismatch, ev.ID, ev.ContractID, ev.PeriodKey)}
	}
	out, err := o.evaluator.Evaluate(cfg, ev, basis)
	return evaluation{outcome: out, err: err}
}

func (o *Orchestrator) summarize(rs *domain.RuleSet, charge *domain.PeriodCharge, outcomes []domain.SLAOutcome, unresolved []domain.UnresolvedEvent) *domain.PeriodSummary {
	s := &domain.PeriodSummary{
		ID:               uuid.New().String(),
		ContractID:       charge.ContractID,
		PeriodKey:        charge.PeriodKey,
		Currency:         charge.Currency,
		Charge:           *charge,
		Outcomes:         outcomes,
		UnresolvedEvents: unresolved,
		RuleVersions:     rs.Versions,
		GeneratedAt:      o.now().UTC(),
	}
	s.Warnings = append(s.Warnings, charge.Warnings...)

	for _, out := range outcomes {
		s.PenaltyTotal += out.PenaltyAmount - out.CreditAmount
		s.CreditTotal += out.CreditAmount
		s.Escalations = append(s.Escalations, out.Escalations...)
	}

	s.ComplianceRate, s.PeriodCredits = sla.PeriodCredits(rs.SLA, outcomes, charge.Total)
	s.TargetMet = sla.TargetMet(rs.SLA, s.ComplianceRate)

	net := charge.Total - s.PenaltyTotal - s.CreditTotal
	for _, pc := range s.PeriodCredits {
		net -= pc.Amount
	}
	if net < 0 {
		s.Warnings = append(s.Warnings, domain.Warning{
			Code:    domain.WarnNetClamped,
			Message: fmt.Sprintf("penalties and credits exceed the charge by %d; net clamped at zero", -net),
		})
		net = 0
	}
	s.NetAmount = net

	if len(unresolved) > 0 {
		s.Warnings = append(s.Warnings, domain.Warning{
			Code:    domain.WarnUnresolvedEvents,
			Message: fmt.Sprintf("%d events could not be evaluated and contribute nothing", len(unresolved)),
		})
	}
	return s
}

// eventBases splits the period total across events so the bases sum to it exactly.
//
// Each event weighs its collected volume. An event without usage (a missed
// pickup, say) weighs the mean volume of the events that have some; if none do,
// every event weighs the same. Minor units left over after flooring go to the
// largest remainders, earlier events first on ties.
func eventBases(total domain.Money, records []*domain.CollectionUsageRecord, events []*domain.CollectionEvent) map[string]domain.Money {
	volumes := make(map[string]decimal.Decimal)
	for _, u := range records {
		for _, kg := range u.Categories {
			volumes[u.EventID] = volumes[u.EventID].Add(kg)
		}
	}

	weights := make([]decimal.Decimal, len(events))
	used, withUsage := decimal.Zero, 0
	for i, ev := range events {
		if vol := volumes[ev.ID]; vol.IsPositive() {
			weights[i] = vol
			used = used.Add(vol)
			withUsage++
		}
	}
	fill := decimal.NewFromInt(1)
	if withUsage > 0 {
		fill = used.Div(decimal.NewFromInt(int64(withUsage)))
	}
	sum := decimal.Zero
	for i := range weights {
		if !weights[i].IsPositive() {
			weights[i] = fill
		}
		sum = sum.Add(weights[i])
	}

	type share struct {
		idx  int
		rest decimal.Decimal
	}
	bases := make(map[string]domain.Money, len(events))
	shares := make([]share, len(events))
	left := total
	for i, ev := range events {
		exact := total.Decimal().Mul(weights[i]).Div(sum)
		floor := exact.Floor()
		bases[ev.ID] = domain.Money(floor.IntPart())
		left -= bases[ev.ID]
		shares[i] = share{idx: i, rest: exact.Sub(floor)}
	}
	sort.SliceStable(shares, func(a, b int) bool { return shares[a].rest.GreaterThan(shares[b].rest) })
	for i := 0; left > 0 && i < len(shares); i++ {
		bases[events[shares[i].idx].ID]++
		left--
	}
	return bases
}

func wasteTypes(records []*domain.CollectionUsageRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range records {
		for cat := range u.Categories {
			if !seen[cat] {
				seen[cat] = true
				out = append(out, cat)
			}
		}
	}
	sort.Strings(out)
	return out
}

func sortEvents(events []*domain.CollectionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].RequestedAt.Equal(events[j].RequestedAt) {
			return events[i].RequestedAt.Before(events[j].RequestedAt)
		}
		return events[i].ID < events[j].ID
	})
}
