// Package usage fetches the inputs of a period run from the contract source.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// Options bound each fetch and control retries.
type Options struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Service loads contract, usage, and events for a period. Transient failures
// are retried with exponential backoff and surface as DataUnavailableError.
type Service struct {
	source domain.ContractSource
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewService creates a fetch service over source.
func NewService(source domain.ContractSource, opts Options) *Service {
	return &Service{source: source, opts: opts, sleep: sleepCtx}
}

// Fetch returns the full input snapshot for one contract period. The contract
// is read as of the period's last instant.
func (s *Service) Fetch(ctx context.Context, contractID string, period domain.Period) (*domain.PeriodSnapshot, error) {
	asOf := period.AsOf()
	snap := &domain.PeriodSnapshot{Period: period, AsOf: asOf}

	err := s.retry(ctx, "get contract", func(ctx context.Context) error {
		c, err := s.source.GetContract(ctx, contractID, asOf)
		snap.Contract = c
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.retry(ctx, "get usage", func(ctx context.Context) error {
		u, err := s.source.GetUsage(ctx, contractID, period.Key)
		snap.Usage = u
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.retry(ctx, "get events", func(ctx context.Context) error {
		e, err := s.source.GetEvents(ctx, contractID, period.Key)
		snap.Events = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Service) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := s.opts.Backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = s.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if attempt >= s.opts.Retries {
			break
		}

		slog.Warn("fetch failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"backoff_ms", backoff.Milliseconds(),
			"error", err,
		)
		if err := s.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
	return &domain.DataUnavailableError{Op: op, Err: err}
}

func (s *Service) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.opts.Timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	return fn(ctx)
}

// retryable reports whether err is transient. Caller cancellation, missing
// records, and invalid input are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case domain.IsNotFound(err), domain.IsClientError(err), domain.IsConfigurationError(err):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch retry: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
