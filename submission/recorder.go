/*
Package submission provides the Submission Recorder.

PURPOSE:
  Assembles a finalized batch (selected entities + firm info + payment
  authorization) into an immutable filing.Submission. The recorder is a pure
  assembly step: it does not persist and it does not charge. The checkout
  service owns the charge-then-persist protocol.

FLOW:
  1. Firm info must carry name, EIN and contact email
  2. Entity service types are normalized against the batch service type
  3. The batch is validated; zero selectable entities is EmptyBatchError
  4. The price is recomputed from the active pricing snapshot and compared
     with the amount the caller showed the user (one-cent tolerance)
  5. Selected entities are deep-copied into the submission

SERVICE TYPES:
  - monitoring / filing: every entity must match (an empty entity service
    type inherits the batch type)
  - mixed: entities keep their own type; monitoring is priced flat and the
    filing tier is resolved on the filing count alone. When only one type
    survives selection the submission is recorded as that type.

SEE ALSO:
  - filing/validate.go: selection rules
  - pricing/calculator.go: price recomputation
  - checkout/service.go: persists what this returns
*/
package submission

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/pricing"
)

// Recorder builds submissions. The zero value is not usable; Pricing is required.
type Recorder struct {
	Pricing *pricing.Provider
	Now     func() time.Time
	NewID   func() string
}

// NewRecorder returns a recorder using the wall clock and random UUIDs.
func NewRecorder(p *pricing.Provider) *Recorder {
	return &Recorder{Pricing: p, Now: time.Now, NewID: uuid.NewString}
}

// Request is the input to CreateSubmission.
type Request struct {
	Firm        filing.FirmInfo
	Clients     []filing.ClientEntity
	ServiceType filing.ServiceType
	Auth        filing.PaymentAuthorization
}

// Prepared is a validated, priced batch that has not been turned into a
// submission yet.
type Prepared struct {
	Clients []filing.ClientEntity // normalized input, all entities
	Batch   filing.BatchResult
	Quote   pricing.Quote
}

// Prepare validates and prices a batch without building a submission.
// It is what the quote screen calls before the user commits to paying.
func (r *Recorder) Prepare(clients []filing.ClientEntity, service filing.ServiceType) (*Prepared, error) {
	normalized, err := normalizeServiceTypes(clients, service)
	if err != nil {
		return nil, err
	}

	batch := filing.ValidateBatch(normalized)
	if batch.SelectableCount == 0 {
		return nil, &filing.EmptyBatchError{Submitted: len(clients), Ineligible: batch.Ineligible}
	}

	quote, err := r.price(filing.Selectable(normalized), service)
	if err != nil {
		return nil, err
	}
	return &Prepared{Clients: normalized, Batch: batch, Quote: quote}, nil
}

// CreateSubmission validates, prices and snapshots a batch.
//
// Failure modes: InvalidFirmInfoError, ValidationError, EmptyBatchError,
// ErrManualQuoteRequired, PriceMismatchError.
func (r *Recorder) CreateSubmission(req Request) (*filing.Submission, error) {
	if err := req.Firm.Validate(); err != nil {
		return nil, err
	}
	if _, err := filing.ParseServiceType(string(req.ServiceType)); err != nil {
		return nil, err
	}

	prep, err := r.Prepare(req.Clients, req.ServiceType)
	if err != nil {
		return nil, err
	}

	if err := req.Auth.Validate(); err != nil {
		return nil, err
	}
	if err := pricing.CheckProposed(prep.Quote, req.Auth.ProposedAmount); err != nil {
		return nil, err
	}
	amount, _ := prep.Quote.Amount()

	selected := filing.Selectable(prep.Clients)
	firm := req.Firm
	now := r.now()

	service := req.ServiceType
	if service == filing.ServiceMixed {
		service = effectiveService(selected)
	}

	return &filing.Submission{
		ID:                 r.newID(),
		ConfirmationNumber: filing.ConfirmationNumber(now),
		FirmInfo:           &firm,
		Clients:            selected,
		ServiceType:        service,
		ClientCount:        len(selected),
		AmountPaid:         amount,
		TierLabel:          prep.Quote.TierLabel,
		PaymentStatus:      filing.PaymentPending,
		PaymentMethod:      req.Auth.Method,
		CreatedAt:          now.UTC(),
	}, nil
}

// effectiveService is the single service type of clients, or mixed when
// both kinds are present.
func effectiveService(clients []filing.ClientEntity) filing.ServiceType {
	sub := filing.Submission{Clients: clients}
	switch monitoring, filingCount := sub.CountByService(); {
	case filingCount == 0:
		return filing.ServiceMonitoring
	case monitoring == 0:
		return filing.ServiceFiling
	}
	return filing.ServiceMixed
}

func (r *Recorder) price(selected []filing.ClientEntity, service filing.ServiceType) (pricing.Quote, error) {
	calc := r.Pricing.Calculator()
	if service != filing.ServiceMixed {
		return calc.Calculate(len(selected), service)
	}
	var monitoring, filingCount int
	for _, c := range selected {
		if c.ServiceType == filing.ServiceMonitoring {
			monitoring++
		} else {
			filingCount++
		}
	}
	return calc.CalculateMixed(monitoring, filingCount)
}

// normalizeServiceTypes returns deep, ID-masked copies with entity service
// types filled in from the batch type, rejecting entities that contradict it.
func normalizeServiceTypes(clients []filing.ClientEntity, service filing.ServiceType) ([]filing.ClientEntity, error) {
	out := make([]filing.ClientEntity, len(clients))
	for i := range clients {
		out[i] = clients[i].Masked()
		c := &out[i]
		if c.ServiceType == "" {
			if service == filing.ServiceMixed {
				return nil, &filing.ValidationError{
					Field:  "clients",
					Reason: fmt.Sprintf("entity %s: service type required in a mixed batch", c.ID),
				}
			}
			c.ServiceType = service
			continue
		}
		if service != filing.ServiceMixed && c.ServiceType != service {
			return nil, &filing.ValidationError{
				Field:  "clients",
				Reason: fmt.Sprintf("entity %s is %s in a %s batch", c.ID, c.ServiceType, service),
			}
		}
	}
	return out, nil
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Recorder) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}
