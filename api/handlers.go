/*
handlers.go - HTTP API handlers for the commission ledger

PURPOSE:
  Exposes the ledger, payout, reversal and pot engines plus the
  subscription metrics via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the ledger package.

ENDPOINTS:
  Professionals:
    PUT    /api/professionals/{id}                 Create or update directory record
    GET    /api/professionals/{id}                 Get directory record
    DELETE /api/professionals/{id}                 Remove (409 while entries are pending or payouts exist)
    GET    /api/professionals/{id}/balance         Pending balance
    GET    /api/professionals/{id}/entries         ?status=pending (default) | all
    POST   /api/professionals/{id}/settle          Settle pending balance
    GET    /api/professionals/{id}/payouts         Payout history, newest first
    GET    /api/professionals/{id}/audit           Payouts that do not reconcile
    GET    /api/professionals/{id}/statement.xlsx  XLSX statement

  Entries:
    POST   /api/entries                            Record entry
    PUT    /api/entries/{id}/rate                  Adjust rate of a PENDING entry
    POST   /api/entries/{id}/mark-paid             Mark paid outside a settlement

  Payouts:
    POST   /api/payouts/{id}/undo                  Reverse a payout
    GET    /api/payouts/{id}/verify                Reconcile one payout

  Pot / Metrics:
    POST   /api/pot/distribute                     Split the subscription pot
    GET    /api/metrics/subscriptions              ?lookback_days=N

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate shape (validator tags)
  3. Call the engine
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as JSON ErrorResponse with a status from writeDomainError:
  - 400: ledger.ErrValidation (bad input, editing a PAID entry)
  - 404: entry, payout or professional not found
  - 409: ledger.ErrPreconditionFailed (state changed, re-read and retry)
  - 422: ledger.ErrNothingToSettle
  - 207: undo left entries PAID (PartialFailureResponse)
  - 500: partial settlement (with ids) and store failures

SECURITY NOTE:
  No authentication or authorization. Put the service behind the shop's
  gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/report"
	"github.com/warp/commission-engine/subscriptions"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Registry writes the professional directory.
type Registry interface {
	SaveProfessional(ctx context.Context, p ledger.Professional) error
	DeleteProfessional(ctx context.Context, id ledger.ProfessionalID) error
}

// Backend is everything the handlers persist through. Implemented by
// ledger/store.Memory, store/sqlite.Store and store/postgres.Store.
type Backend interface {
	ledger.Store
	ledger.Directory
	Registry
	subscriptions.ReadModel
}

// Options configures the engines built by NewHandler. Zero values are fine.
type Options struct {
	CashDrawer ledger.CashDrawer
	Recorder   ledger.Recorder
	Logger     *slog.Logger
	// Location decides where the churn month starts.
	Location *time.Location
	// Lookback is the default usage window for subscription metrics.
	Lookback time.Duration
	// Scenarios enables /api/scenarios. Requires a Backend that also
	// implements DemoStore.
	Scenarios bool
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend    Backend
	Ledger     *ledger.TransactionLedger
	Payouts    *ledger.PayoutEngine
	Reversal   *ledger.ReversalEngine
	Pot        *ledger.PotDistributor
	Aggregator *subscriptions.Aggregator
	Lookback   time.Duration
	Logger     *slog.Logger

	validate *validator.Validate
	demo     DemoStore

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engines over backend.
func NewHandler(backend Backend, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := ledger.NewTransactionLedger(backend, backend)
	payouts := ledger.NewPayoutEngine(backend, opts.CashDrawer)
	reversal := ledger.NewReversalEngine(backend, opts.CashDrawer)
	agg := subscriptions.NewAggregator(backend)

	l.Logger, payouts.Logger, reversal.Logger, agg.Logger = logger, logger, logger, logger
	if opts.Recorder != nil {
		l.Recorder, payouts.Recorder, reversal.Recorder = opts.Recorder, opts.Recorder, opts.Recorder
	}
	if opts.Location != nil {
		agg.Location = opts.Location
	}

	h := &Handler{
		Backend:    backend,
		Ledger:     l,
		Payouts:    payouts,
		Reversal:   reversal,
		Pot:        ledger.NewPotDistributor(l, agg),
		Aggregator: agg,
		Lookback:   opts.Lookback,
		Logger:     logger,
		validate:   newValidator(),
	}
	if opts.Scenarios {
		if demo, ok := backend.(DemoStore); ok {
			h.demo = demo
		}
	}
	return h
}

// newValidator registers the "decimal" tag for string-encoded amounts
// within the ledger's stored precision.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && ledger.Bounded(d)
	})
	return v
}

// =============================================================================
// PROFESSIONAL HANDLERS
// =============================================================================

// SaveProfessional creates or replaces a directory record.
func (h *Handler) SaveProfessional(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	var req SaveProfessionalRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := ledger.Professional{
		ID:                    id,
		Name:                  req.Name,
		Role:                  req.Role,
		DefaultCommissionRate: decimal.RequireFromString(req.DefaultCommissionRate),
		Status:                ledger.ProfessionalStatus(req.Status),
	}
	if p.DefaultCommissionRate.IsNegative() || p.DefaultCommissionRate.GreaterThan(decimal.NewFromInt(100)) {
		writeError(w, http.StatusBadRequest, "default_commission_rate must be between 0 and 100", nil)
		return
	}
	if p.Status == "" {
		p.Status = ledger.ProfessionalActive
	}

	if err := h.Backend.SaveProfessional(r.Context(), p); err != nil {
		h.writeDomainError(w, r, "Failed to save professional", err)
		return
	}
	writeJSON(w, http.StatusOK, toProfessionalDTO(p))
}

// GetProfessional returns a single directory record.
func (h *Handler) GetProfessional(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	p, err := h.Backend.GetProfessional(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get professional", err)
		return
	}
	writeJSON(w, http.StatusOK, toProfessionalDTO(p))
}

// DeleteProfessional removes a directory record once nothing references it.
func (h *Handler) DeleteProfessional(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	ok, err := h.Ledger.CanRemoveProfessional(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to check professional", err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "Professional has pending entries or payouts", nil)
		return
	}
	if err := h.Backend.DeleteProfessional(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to delete professional", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance returns the pending balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	pending, err := h.Ledger.ListPending(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ProfessionalID: string(id),
		PendingBalance: money(ledger.SumNet(pending)),
		PendingEntries: len(pending),
	})
}

// ListEntries returns pending entries, or the full history with ?status=all.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	var (
		entries []ledger.Entry
		err     error
	)
	switch r.URL.Query().Get("status") {
	case "", "pending":
		entries, err = h.Ledger.ListPending(r.Context(), id)
	case "all":
		entries, err = h.Ledger.History(r.Context(), id)
	default:
		writeError(w, http.StatusBadRequest, "status must be pending or all", nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// Settle pays out the pending balance.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	var req SettleRequest
	if !h.decode(w, r, &req) {
		return
	}

	summary, err := h.Payouts.Settle(r.Context(), id, ledger.FundingSource(req.FundingSource))
	if err != nil {
		h.writeDomainError(w, r, "Failed to settle", err)
		return
	}
	writeJSON(w, http.StatusCreated, SettleResponse{
		Payout:   toPayoutDTO(summary.Payout),
		EntryIDs: idStrings(summary.EntryIDs),
	})
}

// ListPayouts returns the payout history.
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	payouts, err := h.Payouts.Payouts(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list payouts", err)
		return
	}
	dtos := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = toPayoutDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Audit returns the professional's payouts that do not reconcile, including
// refs whose payout record is gone. An empty list means everything adds up.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	recs, err := h.Payouts.Audit(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to audit payouts", err)
		return
	}
	dtos := make([]ReconciliationDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toReconciliationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyPayout reconciles a single payout.
func (h *Handler) VerifyPayout(w http.ResponseWriter, r *http.Request) {
	id := ledger.PayoutID(chi.URLParam(r, "id"))

	rec, err := h.Payouts.Verify(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to verify payout", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// UndoPayout reverses a payout. Safe to repeat.
func (h *Handler) UndoPayout(w http.ResponseWriter, r *http.Request) {
	id := ledger.PayoutID(chi.URLParam(r, "id"))

	result, err := h.Reversal.Undo(r.Context(), id)
	var pf *ledger.PartialFailureError
	switch {
	case errors.As(err, &pf):
		writeJSON(w, http.StatusMultiStatus, PartialFailureResponse{
			PayoutID:   string(pf.PayoutID),
			Reverted:   idStrings(pf.Reverted),
			Unreverted: idStrings(pf.Unreverted),
		})
		return
	case err != nil:
		h.writeDomainError(w, r, "Failed to undo payout", err)
		return
	}

	writeJSON(w, http.StatusOK, UndoResponse{
		PayoutID:    string(result.PayoutID),
		Reverted:    idStrings(result.Reverted),
		PayoutFound: result.PayoutFound,
	})
}

// Statement streams the professional's XLSX statement.
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProfessionalID(chi.URLParam(r, "id"))

	st, err := report.Build(r.Context(), h.Ledger, h.Payouts, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to build statement", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.FileName()))
	if err := st.WriteXLSX(w); err != nil {
		// Headers are already out; nothing useful left to send.
		h.Logger.Error("statement write failed", "professional_id", id, "error", err)
	}
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// RecordEntry appends a PENDING entry.
func (h *Handler) RecordEntry(w http.ResponseWriter, r *http.Request) {
	var req RecordEntryRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := ledger.EntryInput{
		ProfessionalID:    ledger.ProfessionalID(req.ProfessionalID),
		Kind:              ledger.Kind(req.Kind),
		GrossAmount:       decimal.RequireFromString(req.GrossAmount),
		Label:             req.Label,
		CounterpartyLabel: req.CounterpartyLabel,
	}
	if req.CommissionRate != "" {
		rate := decimal.RequireFromString(req.CommissionRate)
		in.CommissionRate = &rate
	}
	if req.OccurredAt != "" {
		in.OccurredAt, _ = time.Parse(time.RFC3339, req.OccurredAt)
	}

	id, err := h.Ledger.RecordEntry(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, "Failed to record entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordEntryResponse{EntryID: string(id)})
}

// AdjustRate changes the rate of a PENDING entry.
func (h *Handler) AdjustRate(w http.ResponseWriter, r *http.Request) {
	id := ledger.EntryID(chi.URLParam(r, "id"))

	var req AdjustRateRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.Ledger.AdjustRate(r.Context(), id, decimal.RequireFromString(req.CommissionRate)); err != nil {
		h.writeDomainError(w, r, "Failed to adjust rate", err)
		return
	}
	e, err := h.Ledger.Entry(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(e))
}

// MarkPaid marks one entry PAID without creating a payout.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id := ledger.EntryID(chi.URLParam(r, "id"))

	if err := h.Ledger.MarkPaidIndividually(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to mark entry paid", err)
		return
	}
	e, err := h.Ledger.Entry(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(e))
}

// =============================================================================
// POT / METRICS HANDLERS
// =============================================================================

// DistributePot splits the subscription pot and credits the professional.
func (h *Handler) DistributePot(w http.ResponseWriter, r *http.Request) {
	var req DistributePotRequest
	if !h.decode(w, r, &req) {
		return
	}

	potReq := ledger.PotRequest{
		ProfessionalID: ledger.ProfessionalID(req.ProfessionalID),
		Split: ledger.Split{
			ShopPercent: decimal.RequireFromString(req.ShopPercent),
			ProPercent:  decimal.RequireFromString(req.ProPercent),
		},
		Label: req.Label,
	}
	if req.TotalAmount != "" {
		total := decimal.RequireFromString(req.TotalAmount)
		potReq.Override = &total
	}

	dist, err := h.Pot.Distribute(r.Context(), potReq)
	if err != nil {
		h.writeDomainError(w, r, "Failed to distribute pot", err)
		return
	}
	writeJSON(w, http.StatusCreated, DistributionDTO{
		Total:     money(dist.Total),
		ShopShare: money(dist.ShopShare),
		ProShare:  money(dist.ProShare),
		EntryID:   string(dist.EntryID),
		Live:      dist.Live,
	})
}

// SubscriptionMetrics returns the metrics snapshot.
func (h *Handler) SubscriptionMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := h.Lookback
	if raw := r.URL.Query().Get("lookback_days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			writeError(w, http.StatusBadRequest, "lookback_days must be a positive integer", err)
			return
		}
		lookback = time.Duration(days) * 24 * time.Hour
	}

	snap, err := h.Aggregator.Compute(r.Context(), lookback)
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, toMetricsDTO(snap))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. On failure it writes a 400 and
// returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "validation", Details: details})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// writeDomainError maps ledger errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var pw *ledger.PartialWriteError
	switch {
	case errors.As(err, &pw):
		h.Logger.Error(message, "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: message,
			Code:  "partial_write",
			Details: PartialWriteDetails{
				PayoutID:  string(pw.PayoutID),
				Completed: idStrings(pw.Completed),
				Failed:    idStrings(pw.Failed),
			},
		})
	case errors.Is(err, ledger.ErrValidation):
		writeCodedError(w, http.StatusBadRequest, message, "validation", err)
	case ledger.IsNotFound(err):
		writeCodedError(w, http.StatusNotFound, message, "not_found", err)
	case errors.Is(err, ledger.ErrPreconditionFailed):
		writeCodedError(w, http.StatusConflict, message, "precondition_failed", err)
	case errors.Is(err, ledger.ErrNothingToSettle):
		writeCodedError(w, http.StatusUnprocessableEntity, message, "nothing_to_settle", err)
	default:
		h.Logger.Error(message, "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeCodedError(w, http.StatusInternalServerError, message, "internal", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeCodedError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
