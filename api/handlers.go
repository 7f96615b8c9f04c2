/*
handlers.go - HTTP API handlers for the bulk filing service

PURPOSE:
  Exposes pricing, batch validation, checkout and receipts via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain packages. No pricing or eligibility rule lives here.

ENDPOINTS:
  Pricing:
    GET    /api/pricing/tiers                        Active tier table
    POST   /api/pricing/quote                        Price a batch by count

  Batches:
    POST   /api/batches/validate                     Eligibility per entity
    POST   /api/batches/import                       CSV upload -> clients

  Submissions:
    POST   /api/submissions                          Charge and record a batch
    GET    /api/submissions                          List (filters: firm_ein, service_type, status)
    GET    /api/submissions/{id}                     Full submission
    GET    /api/submissions/{id}/upgrade-quote       Upgrade differential
    POST   /api/submissions/{id}/upgrade             Charge and record an upgrade
    POST   /api/submissions/{id}/payment-status      Move payment status
    GET    /api/submissions/{id}/receipt.pdf         PDF receipt
    GET    /api/submissions/{id}/summary.csv         Client summary table
    GET    /api/submissions/{id}/summary.xlsx        Client summary workbook

  Admin:
    POST   /api/admin/pricing/reload                 Re-fetch the pricing table
    POST   /api/admin/reconcile                      Run one reconciliation pass

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Checkout: charge-then-persist orchestration
  - Store: read access to submissions
  - Pricing: hot-reloadable tier table
  - Recorder: batch preparation for validate/quote

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, empty batch, invalid firm info, manual quote
  - 401: Missing bearer token
  - 402: Payment declined
  - 404: Submission not found
  - 409: Price mismatch, already upgraded, not eligible, key in flight
  - 502: Payment, store, CRM or pricing source failure
  - 504: Collaborator timeout
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - filing/errors.go: Error taxonomy
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/checkout"
	"github.com/nylta/bulk-filing/factory"
	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/importer"
	"github.com/nylta/bulk-filing/pricing"
	"github.com/nylta/bulk-filing/receipt"
	"github.com/nylta/bulk-filing/submission"
	"github.com/nylta/bulk-filing/upgrade"
)

const (
	// maxBodyBytes caps JSON and CSV request bodies.
	maxBodyBytes = 10 << 20

	// IdempotencyHeader carries the client's retry key for checkout calls.
	IdempotencyHeader = "Idempotency-Key"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Checkout *checkout.Service
	Store    filing.Store
	Pricing  *pricing.Provider
	Recorder *submission.Recorder
	Factory  *factory.PricingFactory
	Logger   *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *checkout.Service, store filing.Store, recorder *submission.Recorder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Checkout: svc,
		Store:    store,
		Pricing:  recorder.Pricing,
		Recorder: recorder,
		Factory:  factory.NewPricingFactory(),
		Logger:   logger,
	}
}

// =============================================================================
// PRICING ENDPOINTS
// =============================================================================

// GetTiers returns the active pricing table.
// GET /api/pricing/tiers
func (h *Handler) GetTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tiersResponse(h.Pricing.Current()))
}

func (h *Handler) tiersResponse(t *pricing.Table) TiersResponse {
	return TiersResponse{
		PricingJSON: h.Factory.ToJSON(t),
		Source:      t.Source(),
		LoadedAt:    h.Pricing.LoadedAt().UTC().Format(time.RFC3339),
	}
}

// Quote prices a batch by entity count.
// POST /api/pricing/quote
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	calc := h.Pricing.Calculator()
	var (
		q   pricing.Quote
		err error
	)
	if req.MonitoringCount > 0 || req.FilingCount > 0 {
		q, err = calc.CalculateMixed(req.MonitoringCount, req.FilingCount)
	} else {
		var svc filing.ServiceType
		svc, err = filing.ParseServiceType(req.ServiceType)
		if err == nil {
			q, err = calc.Calculate(req.EntityCount, svc)
		}
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toQuoteResponse(q))
}

// =============================================================================
// BATCH ENDPOINTS
// =============================================================================

// ValidateBatch reports which entities can be submitted and why the others
// cannot. With service_type set, the selectable part is priced too.
// POST /api/batches/validate
func (h *Handler) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ServiceType == "" {
		writeJSON(w, http.StatusOK, ValidateResponse{BatchResult: filing.ValidateBatch(req.Clients)})
		return
	}

	svc, err := filing.ParseServiceType(req.ServiceType)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	prep, err := h.Recorder.Prepare(req.Clients, svc)
	var empty *filing.EmptyBatchError
	if errors.As(err, &empty) {
		writeJSON(w, http.StatusOK, ValidateResponse{BatchResult: filing.BatchResult{Ineligible: empty.Ineligible}})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	quote := toQuoteResponse(prep.Quote)
	writeJSON(w, http.StatusOK, ValidateResponse{BatchResult: prep.Batch, Quote: &quote})
}

// ImportBatch parses a CSV upload into client entities.
// Rows that cannot be parsed are reported, not fatal.
// POST /api/batches/import
func (h *Handler) ImportBatch(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()

	res, err := importer.ParseClients(body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ImportResponse{
		Clients:    res.Clients,
		RowErrors:  res.Errors,
		Validation: filing.ValidateBatch(res.Clients),
	})
}

// =============================================================================
// SUBMISSION ENDPOINTS
// =============================================================================

// CreateSubmission charges the firm and records the batch.
// POST /api/submissions
func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	svc, err := filing.ParseServiceType(req.ServiceType)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	auth := withIdempotencyHeader(r, req.Payment)
	sub, err := h.Checkout.Submit(r.Context(), checkout.SubmitRequest{
		Firm:        req.FirmInfo,
		Clients:     req.Clients,
		ServiceType: svc,
		Auth:        auth,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// ListSubmissions returns submission summaries, newest first.
// GET /api/submissions?firm_ein=&service_type=&status=&limit=
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := filing.SubmissionFilter{FirmEIN: q.Get("firm_ein")}

	if v := q.Get("service_type"); v != "" {
		svc, err := filing.ParseServiceType(v)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		filter.ServiceType = svc
	}
	if v := q.Get("status"); v != "" {
		status, err := filing.ParsePaymentStatus(v)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		filter.PaymentStatus = status
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	subs, err := h.Store.ListSubmissions(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, filing.External("store", "list_submissions", err))
		return
	}

	writeJSON(w, http.StatusOK, toSummaryDTOs(subs))
}

// GetSubmission returns a full submission including the client snapshot.
// GET /api/submissions/{id}
func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubmission(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// GetUpgradeQuote returns what upgrading a monitoring submission would cost.
// GET /api/submissions/{id}/upgrade-quote
func (h *Handler) GetUpgradeQuote(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubmission(w, r)
	if !ok {
		return
	}
	comp, err := upgrade.ComputeUpgrade(sub, h.Pricing.Current())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

// UpgradeSubmission charges the upgrade differential and records the new
// filing submission.
// POST /api/submissions/{id}/upgrade
func (h *Handler) UpgradeSubmission(w http.ResponseWriter, r *http.Request) {
	var req UpgradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	auth := withIdempotencyHeader(r, req.Payment)
	sub, err := h.Checkout.Upgrade(r.Context(), chi.URLParam(r, "id"), auth)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// UpdatePaymentStatus moves a submission's payment status.
// POST /api/submissions/{id}/payment-status
func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req PaymentStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := filing.ParsePaymentStatus(req.Status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	sub, err := h.Checkout.UpdatePaymentStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// =============================================================================
// DOCUMENT ENDPOINTS
// =============================================================================

// GetReceipt renders the PDF receipt.
// GET /api/submissions/{id}/receipt.pdf
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	h.renderDocument(w, r, "application/pdf", "receipt", "pdf", receipt.RenderReceipt)
}

// GetSummaryCSV renders the client summary as CSV.
// GET /api/submissions/{id}/summary.csv
func (h *Handler) GetSummaryCSV(w http.ResponseWriter, r *http.Request) {
	h.renderDocument(w, r, "text/csv", "summary", "csv", receipt.RenderSummaryTable)
}

// GetSummaryXLSX renders the client summary as a workbook.
// GET /api/submissions/{id}/summary.xlsx
func (h *Handler) GetSummaryXLSX(w http.ResponseWriter, r *http.Request) {
	h.renderDocument(w, r,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"summary", "xlsx", receipt.RenderSummaryWorkbook)
}

// renderDocument buffers the whole document so a render error can still
// be reported as JSON.
func (h *Handler) renderDocument(w http.ResponseWriter, r *http.Request, contentType, name, ext string, render func(io.Writer, *filing.Submission) error) {
	sub, ok := h.loadSubmission(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := render(&buf, sub); err != nil {
		h.Logger.Error("render document failed",
			zap.String("submission_id", sub.ID),
			zap.String("document", name+"."+ext),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to render document", nil)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-%s.%s"`, name, sub.ConfirmationNumber, ext))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// ReloadPricing fetches the pricing table from its source. On failure the
// previous table stays active.
// POST /api/admin/pricing/reload
func (h *Handler) ReloadPricing(w http.ResponseWriter, r *http.Request) {
	t, err := h.Pricing.Reload(r.Context())
	if err != nil {
		h.writeDomainError(w, r, filing.External("pricing", "reload", err))
		return
	}
	writeJSON(w, http.StatusOK, h.tiersResponse(t))
}

// Reconcile runs one reconciliation pass over unfinished intents.
// POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Checkout.Reconcile(r.Context())
	if err != nil {
		h.Logger.Error("reconcile failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Reconciliation finished with errors",
			Code:    "reconcile_failed",
			Details: report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health reports liveness and the active pricing snapshot.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		PricingSource: h.Pricing.Current().Source(),
		PricingLoaded: h.Pricing.LoadedAt().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadSubmission(w http.ResponseWriter, r *http.Request) (*filing.Submission, bool) {
	sub, err := h.Store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return nil, false
	}
	return sub, true
}

func withIdempotencyHeader(r *http.Request, auth filing.PaymentAuthorization) filing.PaymentAuthorization {
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		auth.IdempotencyKey = key
	}
	return auth
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
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

// Messages for server-side failures. The cause goes to the log only.
const (
	msgUnavailable = "Payment or storage temporarily unavailable; retry with the same Idempotency-Key"
	msgInternal    = "Internal error; retry with the same Idempotency-Key"
)

// writeDomainError maps the filing error taxonomy onto HTTP.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Details: errorDetails(err)}
	switch {
	case status == http.StatusInternalServerError:
		resp.Error = msgInternal
	case status > http.StatusInternalServerError:
		resp.Error = msgUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	if errors.Is(err, filing.ErrIntentInFlight) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, filing.ErrEmptyBatch):
		return http.StatusBadRequest, "empty_batch"
	case errors.Is(err, filing.ErrInvalidFirmInfo):
		return http.StatusBadRequest, "invalid_firm_info"
	case errors.Is(err, filing.ErrManualQuoteRequired):
		return http.StatusBadRequest, "manual_quote_required"
	case errors.Is(err, filing.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, filing.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, filing.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, filing.ErrPriceMismatch):
		return http.StatusConflict, "price_mismatch"
	case errors.Is(err, filing.ErrAlreadyUpgraded):
		return http.StatusConflict, "already_upgraded"
	case errors.Is(err, filing.ErrNotEligible):
		return http.StatusConflict, "not_eligible"
	case errors.Is(err, filing.ErrIntentInFlight):
		return http.StatusConflict, "intent_in_flight"
	case errors.Is(err, filing.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case filing.IsTimeout(err):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, filing.ErrExternalService):
		return http.StatusBadGateway, "external_service"
	}
	return http.StatusInternalServerError, "internal"
}

func errorDetails(err error) any {
	var (
		validation *filing.ValidationError
		empty      *filing.EmptyBatchError
		firm       *filing.InvalidFirmInfoError
		mismatch   *filing.PriceMismatchError
		upgraded   *filing.AlreadyUpgradedError
		ext        *filing.ExternalServiceError
	)
	switch {
	case errors.As(err, &empty):
		return map[string]any{"submitted": empty.Submitted, "ineligible": empty.Ineligible}
	case errors.As(err, &firm):
		return map[string]any{"missing": firm.Missing}
	case errors.As(err, &mismatch):
		return map[string]string{
			"expected": mismatch.Expected.StringFixed(2),
			"proposed": mismatch.Proposed.StringFixed(2),
		}
	case errors.As(err, &upgraded):
		return map[string]string{"upgraded_to": upgraded.UpgradedTo}
	case errors.As(err, &validation):
		if validation.Field != "" {
			return map[string]string{"field": validation.Field}
		}
	case errors.As(err, &ext):
		return map[string]string{"service": ext.Service, "op": ext.Op}
	}
	return nil
}
