// Package scheduler triggers monthly period runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opensource-finance/wastebill/internal/bus"
	"github.com/opensource-finance/wastebill/internal/domain"
)

// Lister lists stored contracts. Implemented by the repositories.
type Lister interface {
	ListContracts(ctx context.Context, status domain.ContractStatus) ([]*domain.Contract, error)
}

// Scheduler publishes a run request for the previous month of every billable
// contract each time its cron spec fires.
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	lister  Lister
	bus     domain.EventBus
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// New validates spec, a standard 5-field cron expression evaluated in UTC.
func New(spec string, lister Lister, eventBus domain.EventBus, clock func() time.Time) (*Scheduler, error) {
	if clock == nil {
		clock = time.Now
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		lister:  lister,
		bus:     eventBus,
		timeout: time.Minute,
		now:     clock,
	}
	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("%w: cron spec %q: %v", domain.ErrInvalidInput, spec, err)
	}
	s.entry = id
	return s, nil
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "next_run", s.Next())
}

// Stop halts the schedule and waits for a running trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// Next returns the next time the schedule fires, or zero when not started.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// LastRun returns when the schedule last fired and how it ended.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.Trigger(ctx)

	s.mu.Lock()
	s.lastRun, s.lastErr = s.now(), err
	s.mu.Unlock()

	if err != nil {
		slog.Error("scheduled billing run incomplete", "requested", n, "error", err)
	}
}

// Trigger publishes run requests for the month before now and returns how many
// were published. Publish failures for single contracts are joined into the error.
func (s *Scheduler) Trigger(ctx context.Context) (int, error) {
	period := domain.PeriodFor(domain.PeriodFor(s.now()).Start.Add(-time.Nanosecond))

	contracts, err := s.lister.ListContracts(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list contracts: %w", err)
	}

	var errs []error
	published := 0
	for _, c := range contracts {
		if !Billable(c, period) {
			continue
		}
		req := domain.PeriodRunRequest{ContractID: c.ID, PeriodKey: period.Key, RequestedBy: "scheduler"}
		if err := bus.PublishJSON(ctx, s.bus, domain.TopicPeriodRun, req); err != nil {
			errs = append(errs, fmt.Errorf("contract %s: %w", c.ID, err))
			continue
		}
		published++
	}

	slog.Info("scheduled billing run requested",
		"period", period.Key,
		"contracts", len(contracts),
		"requested", published,
		"failed", len(errs),
	)
	return published, errors.Join(errs...)
}

// Billable reports whether c owes a bill for period: it has left draft, its term
// overlaps the period, and it was not closed before the period began.
func Billable(c *domain.Contract, period domain.Period) bool {
	if c.Status == domain.StatusDraft {
		return false
	}
	if !c.EffectiveDate.Before(period.End) {
		return false
	}
	if c.ExpiryDate != nil && !c.ExpiryDate.After(period.Start) {
		return false
	}
	if c.Status.Closed() && c.UpdatedAt.Before(period.Start) {
		return false
	}
	return true
}
