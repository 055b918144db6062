package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/wastebill/internal/audit"
	"github.com/opensource-finance/wastebill/internal/billing"
	"github.com/opensource-finance/wastebill/internal/bus"
	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/resolver"
)

// maxBodyBytes caps request bodies. Usage batches for a large contract month fit well below it.
const maxBodyBytes = 4 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	orchestrator *billing.Orchestrator
	recorder     *audit.Recorder
	resolver     *resolver.Cached
	version      string
	now          func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Repo == nil || opts.Orchestrator == nil {
		return nil, fmt.Errorf("%w: api needs a repository and an orchestrator", domain.ErrInvalidInput)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Handler{
		repo:         opts.Repo,
		cache:        opts.Cache,
		bus:          opts.Bus,
		orchestrator: opts.Orchestrator,
		recorder:     opts.Orchestrator.Recorder(),
		resolver:     resolver.NewCached(opts.Cache, opts.RuleSetTTL),
		version:      opts.Version,
		now:          clock,
	}, nil
}

type errorResponse struct {
	Error   string   `json:"error"`
	RuleIDs []string `json:"ruleIds,omitempty"`
}

// StatusRequest is the request body for POST /contracts/{id}/status.
type StatusRequest struct {
	Status domain.ContractStatus `json:"status"`
	Reason string                `json:"reason,omitempty"`
}

// IntakeResponse reports how many records an intake call stored.
type IntakeResponse struct {
	Stored int `json:"stored"`
}

// RunAcceptedResponse is returned for an asynchronous period run.
type RunAcceptedResponse struct {
	Status     string `json:"status"`
	ContractID string `json:"contractId"`
	PeriodKey  string `json:"periodKey"`
}

// AuditResponse is the audit export for one contract.
type AuditResponse struct {
	ContractID string               `json:"contractId"`
	Entries    []*domain.AuditEntry `json:"entries"`
	Count      int                  `json:"count"`
	Verified   bool                 `json:"verified"`
}

// Health returns the server health, degraded when a backend fails its ping.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"repository": "ok"}
	status := "healthy"

	if err := h.repo.Ping(r.Context()); err != nil {
		checks["repository"] = err.Error()
		status = "degraded"
	}
	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			checks["cache"] = err.Error()
			status = "degraded"
		}
	}
	if h.bus != nil {
		checks["bus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			checks["bus"] = err.Error()
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the repository is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// RegisterContract stores the first version of a contract.
func (h *Handler) RegisterContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var c domain.Contract
	if err := decode(w, r, &c); err != nil {
		writeError(ctx, w, err)
		return
	}

	now := h.now().UTC()
	if c.Status == "" {
		c.Status = domain.StatusDraft
	}
	c.Version = 1
	c.Amendments = nil
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := c.Validate(); err != nil {
		writeError(ctx, w, err)
		return
	}

	if _, err := h.repo.ContractHistory(ctx, c.ID); err == nil {
		writeError(ctx, w, fmt.Errorf("%w: contract %s", domain.ErrAlreadyExists, c.ID))
		return
	} else if !domain.IsNotFound(err) {
		writeError(ctx, w, err)
		return
	}

	if err := h.repo.SaveContract(ctx, &c); err != nil {
		writeError(ctx, w, err)
		return
	}
	h.auditChange(r, c.ID, domain.ActionContractRegistered, &c, &c)

	slog.Info("contract registered", "contract_id", c.ID, "status", c.Status)
	writeJSON(w, http.StatusCreated, &c)
}

// GetContract returns the latest contract version.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.repo.GetContract(r.Context(), chi.URLParam(r, "id"), time.Time{})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ContractHistory returns every stored version of a contract, oldest first.
func (h *Handler) ContractHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.repo.ContractHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

// AmendContract appends an amendment's rule versions as a new contract version.
func (h *Handler) AmendContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID := chi.URLParam(r, "id")

	var a domain.Amendment
	if err := decode(w, r, &a); err != nil {
		writeError(ctx, w, err)
		return
	}

	current, err := h.repo.GetContract(ctx, contractID, time.Time{})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	next, err := current.ApplyAmendment(a, h.now().UTC())
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if err := h.repo.SaveContract(ctx, next); err != nil {
		writeError(ctx, w, err)
		return
	}
	h.auditChange(r, contractID, domain.ActionAmendmentApplied, a, next)

	if h.bus != nil {
		notice := map[string]any{"contractId": contractID, "version": next.Version, "amendmentId": a.ID}
		if err := bus.PublishJSON(ctx, h.bus, domain.TopicContractAmended, notice); err != nil {
			slog.Warn("failed to publish amendment notice", "contract_id", contractID, "error", err)
		}
	}

	slog.Info("amendment applied",
		"contract_id", contractID,
		"amendment_id", a.ID,
		"version", next.Version,
	)
	writeJSON(w, http.StatusOK, next)
}

// ChangeStatus moves a contract through its lifecycle.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID := chi.URLParam(r, "id")

	var req StatusRequest
	if err := decode(w, r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}
	if req.Status == "" {
		writeError(ctx, w, fmt.Errorf("%w: status is required", domain.ErrInvalidInput))
		return
	}

	current, err := h.repo.GetContract(ctx, contractID, time.Time{})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	next, err := current.Transition(req.Status, h.now().UTC())
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if err := h.repo.SaveContract(ctx, next); err != nil {
		writeError(ctx, w, err)
		return
	}
	h.auditChange(r, contractID, domain.ActionStatusChanged, map[string]any{
		"from":   current.Status,
		"to":     req.Status,
		"reason": req.Reason,
	}, next)

	slog.Info("contract status changed", "contract_id", contractID, "from", current.Status, "to", next.Status)
	writeJSON(w, http.StatusOK, next)
}

// GetRuleSet resolves the rules active at ?asOf= (YYYY-MM-DD or RFC 3339, default now).
// Repeat ?wasteType= to require rates for those categories.
func (h *Handler) GetRuleSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	asOf, err := parseAsOf(r.URL.Query().Get("asOf"), h.now())
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	c, err := h.repo.GetContract(ctx, chi.URLParam(r, "id"), asOf)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	rs, err := h.resolver.Resolve(ctx, c, asOf, r.URL.Query()["wasteType"]...)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// RecordUsage stores a batch of usage records. A record without a period key
// is filed under the month of its pickup.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID := chi.URLParam(r, "id")

	var records []*domain.CollectionUsageRecord
	if err := decode(w, r, &records); err != nil {
		writeError(ctx, w, err)
		return
	}
	if _, err := h.repo.ContractHistory(ctx, contractID); err != nil {
		writeError(ctx, w, err)
		return
	}
	for _, u := range records {
		if err := prepareUsage(contractID, u); err != nil {
			writeError(ctx, w, err)
			return
		}
	}

	stored := 0
	for _, u := range records {
		if err := h.repo.SaveUsage(ctx, u); err != nil {
			slog.Warn("usage intake stopped", "contract_id", contractID, "usage_id", u.ID, "stored", stored, "error", err)
			writeError(ctx, w, err)
			return
		}
		stored++
	}
	writeJSON(w, http.StatusCreated, IntakeResponse{Stored: stored})
}

// RecordEvents stores a batch of finalized collection events. An event without
// a period key is filed under the month it was requested in.
func (h *Handler) RecordEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID := chi.URLParam(r, "id")

	var events []*domain.CollectionEvent
	if err := decode(w, r, &events); err != nil {
		writeError(ctx, w, err)
		return
	}
	if _, err := h.repo.ContractHistory(ctx, contractID); err != nil {
		writeError(ctx, w, err)
		return
	}
	for _, e := range events {
		if err := prepareEvent(contractID, e); err != nil {
			writeError(ctx, w, err)
			return
		}
	}

	stored := 0
	for _, e := range events {
		if err := h.repo.SaveEvent(ctx, e); err != nil {
			slog.Warn("event intake stopped", "contract_id", contractID, "event_id", e.ID, "stored", stored, "error", err)
			writeError(ctx, w, err)
			return
		}
		stored++
	}
	writeJSON(w, http.StatusCreated, IntakeResponse{Stored: stored})
}

// RunPeriod computes a period synchronously, or queues it for a worker with ?async=true.
func (h *Handler) RunPeriod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID := chi.URLParam(r, "id")
	periodKey := chi.URLParam(r, "period")

	if _, err := domain.ParsePeriod(periodKey); err != nil {
		writeError(ctx, w, err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event bus not available"})
			return
		}
		req := domain.PeriodRunRequest{ContractID: contractID, PeriodKey: periodKey, RequestedBy: actor(r)}
		if req.RequestedBy == "" {
			req.RequestedBy = "api"
		}
		if err := bus.PublishJSON(ctx, h.bus, domain.TopicPeriodRun, req); err != nil {
			writeError(ctx, w, &domain.DataUnavailableError{Op: "queue period run", Err: err})
			return
		}
		writeJSON(w, http.StatusAccepted, RunAcceptedResponse{
			Status:     "queued",
			ContractID: contractID,
			PeriodKey:  periodKey,
		})
		return
	}

	summary, err := h.orchestrator.RunPeriod(ctx, contractID, periodKey)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetSummary returns the current summary of a computed period.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	periodKey := chi.URLParam(r, "period")

	if _, err := domain.ParsePeriod(periodKey); err != nil {
		writeError(ctx, w, err)
		return
	}
	summary, err := h.repo.GetSummary(ctx, chi.URLParam(r, "id"), periodKey)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetAudit exports the contract's audit log, optionally narrowed to ?period=.
// Verified is false when any entry fails its checksum or the sequence has gaps.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID := chi.URLParam(r, "id")

	entries, err := h.recorder.History(ctx, contractID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	verified := true
	if err := audit.VerifyChain(entries); err != nil {
		verified = false
		slog.Error("audit chain verification failed", "contract_id", contractID, "error", err)
	}

	if period := r.URL.Query().Get("period"); period != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.PeriodKey == period {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []*domain.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, AuditResponse{
		ContractID: contractID,
		Entries:    entries,
		Count:      len(entries),
		Verified:   verified,
	})
}

// auditChange records a contract change. The change is already stored, so a
// failed append is logged rather than failing the request.
func (h *Handler) auditChange(r *http.Request, contractID string, action domain.AuditAction, input, output any) {
	rec := audit.Record{
		ContractID: contractID,
		Action:     action,
		Input:      input,
		Output:     output,
	}
	if who := actor(r); who != "" {
		rec.Actor = who
		rec.ActorType = domain.ActorUser
	}
	if _, err := h.recorder.Append(r.Context(), rec); err != nil {
		slog.Error("failed to audit contract change",
			"contract_id", contractID,
			"action", action,
			"error", err,
		)
	}
}

func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func prepareUsage(contractID string, u *domain.CollectionUsageRecord) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("%w: usage record requires an id", domain.ErrInvalidInput)
	}
	if u.ContractID != "" && u.ContractID != contractID {
		return fmt.Errorf("%w: usage %s belongs to contract %s", domain.ErrInvalidInput, u.ID, u.ContractID)
	}
	if u.PickupAt.IsZero() {
		return fmt.Errorf("%w: usage %s has no pickup time", domain.ErrInvalidInput, u.ID)
	}
	for wasteType, kg := range u.Categories {
		if kg.IsNegative() {
			return fmt.Errorf("%w: usage %s has negative weight for %s", domain.ErrInvalidInput, u.ID, wasteType)
		}
	}
	u.ContractID = contractID
	return filePeriod(&u.PeriodKey, u.PickupAt, "usage "+u.ID)
}

func prepareEvent(contractID string, e *domain.CollectionEvent) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: event requires an id", domain.ErrInvalidInput)
	}
	if e.ContractID != "" && e.ContractID != contractID {
		return fmt.Errorf("%w: event %s belongs to contract %s", domain.ErrInvalidInput, e.ID, e.ContractID)
	}
	switch e.Status {
	case domain.EventCompleted, domain.EventPartial, domain.EventMissed:
	default:
		return fmt.Errorf("%w: event %s has unknown status %q", domain.ErrInvalidInput, e.ID, e.Status)
	}
	if e.RequestedAt.IsZero() {
		return fmt.Errorf("%w: event %s has no request time", domain.ErrInvalidInput, e.ID)
	}
	e.ContractID = contractID
	return filePeriod(&e.PeriodKey, e.RequestedAt, "event "+e.ID)
}

// filePeriod defaults key to the month of at, or checks that at falls inside key.
func filePeriod(key *string, at time.Time, what string) error {
	if *key == "" {
		*key = domain.PeriodFor(at).Key
		return nil
	}
	p, err := domain.ParsePeriod(*key)
	if err != nil {
		return err
	}
	if !p.Contains(at) {
		return fmt.Errorf("%w: %s at %s is outside %s", domain.ErrUsagePeriodMismatch, what, at.UTC().Format(time.RFC3339), p.Key)
	}
	return nil
}

func parseAsOf(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.UTC(), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, time.UTC); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: asOf %q is not YYYY-MM-DD or RFC 3339", domain.ErrInvalidInput, raw)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", domain.ErrInvalidInput)
		}
		return fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case domain.IsConfigurationError(err):
		status = http.StatusUnprocessableEntity
		resp.RuleIDs = domain.ConflictingRuleIDs(err)
	case domain.IsRetryable(err):
		status = http.StatusServiceUnavailable
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	case domain.IsConflict(err):
		status = http.StatusConflict
	case domain.IsClientError(err), errors.Is(err, domain.ErrInvalidTimeline):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		slog.Error("request failed", "request_id", GetRequestID(ctx), "error", err)
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
