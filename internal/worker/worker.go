// Package worker runs period billing jobs received from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/wastebill/internal/bus"
	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/metrics"
)

// Runner computes one contract period. Implemented by billing.Orchestrator.
type Runner interface {
	RunPeriod(ctx context.Context, contractID, periodKey string) (*domain.PeriodSummary, error)
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds how many period jobs run at once.
	Concurrency int

	// JobTimeout bounds a single job. Zero means no limit.
	JobTimeout time.Duration
}

// Worker consumes period run requests. Each job runs in its own goroutine with
// its own context; a request for a (contract, period) already in flight is skipped.
type Worker struct {
	bus     domain.EventBus
	runner  Runner
	metrics *metrics.Collector

	mu            sync.Mutex
	inflight      map[string]bool
	subscriptions []domain.Subscription
	sem           chan struct{}
	timeout       time.Duration
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a worker. m may be nil.
func NewWorker(eventBus domain.EventBus, runner Runner, m *metrics.Collector) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		runner:   runner,
		metrics:  m,
		inflight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to period run requests.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w.sem = make(chan struct{}, cfg.Concurrency)
	w.timeout = cfg.JobTimeout

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicPeriodRun, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicPeriodRun, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicPeriodRun,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage blocks while all job slots are busy, then hands the job to its
// own goroutine.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.PeriodRunRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.ContractID == "" || req.PeriodKey == "" {
		w.metrics.RecordBusMessage(domain.TopicPeriodRun, "invalid")
		slog.Error("invalid period run request",
			"message_id", msg.ID,
			"error", err,
		)
		return fmt.Errorf("%w: period run request %s", domain.ErrInvalidInput, msg.ID)
	}

	key := req.ContractID + "/" + req.PeriodKey
	w.mu.Lock()
	if w.inflight[key] {
		w.mu.Unlock()
		w.metrics.RecordBusMessage(domain.TopicPeriodRun, "duplicate")
		slog.Info("period run already in flight, request skipped",
			"contract_id", req.ContractID,
			"period", req.PeriodKey,
		)
		return nil
	}
	w.inflight[key] = true
	w.mu.Unlock()

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		w.release(key)
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		defer w.release(key)
		w.process(req, msg)
	}()
	return nil
}

func (w *Worker) release(key string) {
	w.mu.Lock()
	delete(w.inflight, key)
	w.mu.Unlock()
}

func (w *Worker) process(req domain.PeriodRunRequest, msg *domain.Message) {
	ctx := w.ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	slog.Debug("processing period run",
		"contract_id", req.ContractID,
		"period", req.PeriodKey,
		"requested_by", req.RequestedBy,
		"message_id", msg.ID,
	)

	summary, err := w.runner.RunPeriod(ctx, req.ContractID, req.PeriodKey)
	if err != nil {
		w.metrics.RecordBusMessage(domain.TopicPeriodRun, "failed")
		failure := domain.PeriodRunFailure{
			ContractID: req.ContractID,
			PeriodKey:  req.PeriodKey,
			Error:      err.Error(),
			Retryable:  domain.IsRetryable(err),
			RuleIDs:    domain.ConflictingRuleIDs(err),
		}
		w.publish(domain.TopicPeriodFailed, failure)
		w.reply(msg, failure)
		return
	}
	w.metrics.RecordBusMessage(domain.TopicPeriodRun, "ok")

	w.publish(domain.TopicPeriodSummary, summary)
	for _, e := range summary.Escalations {
		w.publish(domain.TopicSLAEscalation, e)
	}
	w.reply(msg, summary)
}

// publish uses the worker context rather than the job context so results of
// a job that hit its timeout are still reported.
func (w *Worker) publish(topic string, v any) {
	if err := bus.PublishJSON(w.ctx, w.bus, topic, v); err != nil {
		w.metrics.RecordBusMessage(topic, "error")
		slog.Error("failed to publish", "topic", topic, "error", err)
		return
	}
	w.metrics.RecordBusMessage(topic, "published")
}

func (w *Worker) reply(msg *domain.Message, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal reply", "message_id", msg.ID, "error", err)
		return
	}
	if err := bus.Reply(w.ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to reply", "message_id", msg.ID, "error", err)
	}
}

// Stop unsubscribes, cancels running jobs, and waits for them to return.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.cancel()
	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats reports worker state.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.inflight),
	}
}
