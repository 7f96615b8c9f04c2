/*
dto.go - Data Transfer Objects for API requests/responses

PURPOSE:
  Defines JSON structures for HTTP API communication. Domain types that
  already carry JSON tags (ClientEntity, Submission, Quote) are embedded
  directly; the types here cover request envelopes and views that have no
  domain counterpart.

MONEY:
  All amounts travel as decimal strings ("378.1"). Requests accept
  either a string or a JSON number.

SEE ALSO:
  - handlers.go: Uses these DTOs
  - filing/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nylta/bulk-filing/factory"
	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/importer"
	"github.com/nylta/bulk-filing/pricing"
)

// =============================================================================
// PRICING
// =============================================================================

// TiersResponse is the active pricing table.
type TiersResponse struct {
	factory.PricingJSON
	Source   string `json:"source"`
	LoadedAt string `json:"loaded_at"`
}

// QuoteRequest prices a batch by count.
// Set EntityCount and ServiceType for a single-service batch, or
// MonitoringCount and FilingCount for a mixed one.
type QuoteRequest struct {
	EntityCount     int    `json:"entity_count"`
	ServiceType     string `json:"service_type"`
	MonitoringCount int    `json:"monitoring_count"`
	FilingCount     int    `json:"filing_count"`
}

// QuoteResponse wraps a quote with the savings versus list price.
type QuoteResponse struct {
	pricing.Quote
	Savings decimal.Decimal `json:"savings"`
}

func toQuoteResponse(q pricing.Quote) QuoteResponse {
	return QuoteResponse{Quote: q, Savings: q.Savings()}
}

// =============================================================================
// BATCHES
// =============================================================================

// ValidateRequest checks a batch before checkout.
// ServiceType is optional; when set the selectable part is also priced.
type ValidateRequest struct {
	Clients     []filing.ClientEntity `json:"clients"`
	ServiceType string                `json:"service_type,omitempty"`
}

// ValidateResponse is the validator verdict plus an optional quote.
type ValidateResponse struct {
	filing.BatchResult
	Quote *QuoteResponse `json:"quote,omitempty"`
}

// ImportResponse is the result of a CSV upload.
type ImportResponse struct {
	Clients    []filing.ClientEntity `json:"clients"`
	RowErrors  []importer.RowError   `json:"row_errors"`
	Validation filing.BatchResult    `json:"validation"`
}

// =============================================================================
// SUBMISSIONS
// =============================================================================

// SubmitRequest is the body of POST /api/submissions.
// The Idempotency-Key header, when present, overrides
// payment.idempotency_key.
type SubmitRequest struct {
	FirmInfo    filing.FirmInfo             `json:"firm_info"`
	Clients     []filing.ClientEntity       `json:"clients"`
	ServiceType string                      `json:"service_type"`
	Payment     filing.PaymentAuthorization `json:"payment"`
}

// UpgradeRequest is the body of POST /api/submissions/{id}/upgrade.
type UpgradeRequest struct {
	Payment filing.PaymentAuthorization `json:"payment"`
}

// PaymentStatusRequest is the body of POST /api/submissions/{id}/payment-status.
type PaymentStatusRequest struct {
	Status string `json:"status"`
}

// SubmissionSummaryDTO is a submission without its client snapshot, used
// in list views.
type SubmissionSummaryDTO struct {
	ID                 string          `json:"id"`
	ConfirmationNumber string          `json:"confirmation_number"`
	FirmName           string          `json:"firm_name"`
	FirmEIN            string          `json:"firm_ein"`
	ServiceType        string          `json:"service_type"`
	ClientCount        int             `json:"client_count"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	TierLabel          string          `json:"tier_label,omitempty"`
	PaymentStatus      string          `json:"payment_status"`
	CreatedAt          string          `json:"created_at"`
	UpgradedFrom       string          `json:"upgraded_from,omitempty"`
	UpgradedTo         string          `json:"upgraded_to,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	PricingSource string `json:"pricing_source"`
	PricingLoaded string `json:"pricing_loaded_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toSummaryDTO(s *filing.Submission) SubmissionSummaryDTO {
	dto := SubmissionSummaryDTO{
		ID:                 s.ID,
		ConfirmationNumber: s.ConfirmationNumber,
		ServiceType:        string(s.ServiceType),
		ClientCount:        s.ClientCount,
		AmountPaid:         s.AmountPaid,
		TierLabel:          s.TierLabel,
		PaymentStatus:      string(s.PaymentStatus),
		CreatedAt:          s.CreatedAt.Format(time.RFC3339),
		UpgradedFrom:       s.UpgradedFrom,
		UpgradedTo:         s.UpgradedTo,
	}
	if s.FirmInfo != nil {
		dto.FirmName = s.FirmInfo.Name
		dto.FirmEIN = s.FirmInfo.EIN
	}
	return dto
}

func toSummaryDTOs(subs []*filing.Submission) []SubmissionSummaryDTO {
	dtos := make([]SubmissionSummaryDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSummaryDTO(s)
	}
	return dtos
}
