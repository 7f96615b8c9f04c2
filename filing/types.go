/*
Package filing provides the core data model of the NYLTA bulk filing engine.

PURPOSE:
  This package holds the types every other package speaks: the LLC being
  filed or monitored (ClientEntity), its beneficial owners, the firm that
  submits a batch, the finalized Submission and the UpgradeLink that ties a
  monitoring submission to the filing submission it became.

KEY CONCEPTS IN THIS FILE (types.go):
  - ServiceType / FilingStatus / PaymentStatus: closed enums, parsed once
  - ClientEntity / BeneficialOwner: batch data entered by the firm
  - Submission: immutable snapshot of a priced, payable batch
  - UpgradeLink: monitoring -> filing relation, created at most once

DESIGN PRINCIPLES:
  1. Snapshots: a Submission owns deep copies of its clients
  2. Precision: money is decimal.Decimal rounded to cents (see money.go)
  3. Privacy: only the last 4 digits of an identification number are kept
  4. Closed variants: enum values are validated at the boundary, not at
     every call site

SEE ALSO:
  - validate.go: Batch Validator
  - errors.go: error taxonomy
  - store.go: persistence interfaces
*/
package filing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CLOSED VARIANTS
// =============================================================================

// ServiceType is the kind of service purchased for an entity or a batch.
type ServiceType string

const (
	ServiceMonitoring ServiceType = "monitoring"
	ServiceFiling     ServiceType = "filing"
	// ServiceMixed only appears on a Submission whose clients carry
	// different service types.
	ServiceMixed ServiceType = "mixed"
)

// ParseServiceType converts external input into a ServiceType.
func ParseServiceType(s string) (ServiceType, error) {
	switch st := ServiceType(strings.ToLower(strings.TrimSpace(s))); st {
	case ServiceMonitoring, ServiceFiling, ServiceMixed:
		return st, nil
	}
	return "", &ValidationError{Field: "service_type", Reason: fmt.Sprintf("unknown service type %q", s)}
}

// IsEntityLevel reports whether the service type may be attached to a single entity.
func (s ServiceType) IsEntityLevel() bool {
	return s == ServiceMonitoring || s == ServiceFiling
}

// FilingStatus tells whether an LLC claims an exemption from disclosure.
type FilingStatus string

const (
	StatusExempt    FilingStatus = "Exempt"
	StatusNonExempt FilingStatus = "Non-Exempt"
)

// ParseFilingStatus accepts the canonical spelling and the common variants
// seen in CSV uploads ("exempt", "non exempt", "nonexempt").
func ParseFilingStatus(s string) (FilingStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "", " ", "", "_", "").Replace(norm)
	switch norm {
	case "exempt":
		return StatusExempt, nil
	case "nonexempt":
		return StatusNonExempt, nil
	}
	return "", &ValidationError{Field: "filing_status", Reason: fmt.Sprintf("unknown filing status %q", s)}
}

// PaymentStatus is the lifecycle state of a Submission's payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// paymentTransitions lists every allowed status change.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentFailed},
	PaymentFailed:  {PaymentPending},
	PaymentPaid:    {PaymentRefunded},
}

// ParsePaymentStatus converts external input into a PaymentStatus.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch ps := PaymentStatus(strings.ToLower(strings.TrimSpace(s))); ps {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return ps, nil
	}
	return "", &ValidationError{Field: "payment_status", Reason: fmt.Sprintf("unknown payment status %q", s)}
}

// CanTransition reports whether a payment may move from s to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentMethod is how the firm pays. The engine never sees card or bank numbers.
type PaymentMethod string

const (
	MethodCard PaymentMethod = "card"
	MethodACH  PaymentMethod = "ach"
)

// ParsePaymentMethod converts external input into a PaymentMethod.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch pm := PaymentMethod(strings.ToLower(strings.TrimSpace(s))); pm {
	case MethodCard, MethodACH:
		return pm, nil
	}
	return "", &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unknown payment method %q", s)}
}

// =============================================================================
// BATCH DATA
// =============================================================================

// MaxBeneficialOwners is the number of owner slots per entity.
const MaxBeneficialOwners = 4

// BeneficialOwner is a person disclosed for a Non-Exempt LLC.
// IDLast4 is the only part of the identification number ever retained.
type BeneficialOwner struct {
	FullName string `json:"full_name"`
	DOB      string `json:"dob"`
	Address  string `json:"address"`
	IDType   string `json:"id_type"`
	IDLast4  string `json:"id_last4"`
}

// MaskID returns the last four characters of an identification number,
// ignoring separators. Shorter input is returned as-is.
func MaskID(id string) string {
	var digits []rune
	for _, r := range id {
		if r == '-' || r == ' ' {
			continue
		}
		digits = append(digits, r)
	}
	if len(digits) <= 4 {
		return string(digits)
	}
	return string(digits[len(digits)-4:])
}

// UnmarshalJSON masks id_last4 on decode, so a full identification number
// never outlives the request that carried it.
func (o *BeneficialOwner) UnmarshalJSON(b []byte) error {
	type plain BeneficialOwner
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*o = BeneficialOwner(p)
	o.IDLast4 = MaskID(strings.TrimSpace(o.IDLast4))
	return nil
}

// Masked returns a copy of c with every owner's ID reduced to its last four.
func (c ClientEntity) Masked() ClientEntity {
	out := c.Clone()
	for i := range out.BeneficialOwners {
		out.BeneficialOwners[i].IDLast4 = MaskID(strings.TrimSpace(out.BeneficialOwners[i].IDLast4))
	}
	return out
}

// Complete reports whether every identification field is present and the
// last-4 field is exactly four digits.
func (o BeneficialOwner) Complete() bool {
	if strings.TrimSpace(o.FullName) == "" ||
		strings.TrimSpace(o.DOB) == "" ||
		strings.TrimSpace(o.Address) == "" ||
		strings.TrimSpace(o.IDType) == "" {
		return false
	}
	if len(o.IDLast4) != 4 {
		return false
	}
	for _, r := range o.IDLast4 {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ClientEntity is one LLC in a batch.
type ClientEntity struct {
	ID                   string            `json:"id"`
	LLCName              string            `json:"llc_name"`
	NYDOSID              string            `json:"nydos_id,omitempty"`
	EIN                  string            `json:"ein,omitempty"`
	FormationDate        string            `json:"formation_date,omitempty"`
	FilingStatus         FilingStatus      `json:"filing_status"`
	ServiceType          ServiceType       `json:"service_type"`
	ExemptionType        string            `json:"exemption_type,omitempty"`
	ExemptionExplanation string            `json:"exemption_explanation,omitempty"`
	BeneficialOwners     []BeneficialOwner `json:"beneficial_owners,omitempty"`

	// DataComplete is derived by the validator; input values are ignored.
	DataComplete bool `json:"data_complete"`
}

// Clone returns a deep copy so that later edits to a working copy never
// reach a filed snapshot.
func (c ClientEntity) Clone() ClientEntity {
	out := c
	if c.BeneficialOwners != nil {
		out.BeneficialOwners = make([]BeneficialOwner, len(c.BeneficialOwners))
		copy(out.BeneficialOwners, c.BeneficialOwners)
	}
	return out
}

// CloneClients deep-copies a client list.
func CloneClients(clients []ClientEntity) []ClientEntity {
	if clients == nil {
		return nil
	}
	out := make([]ClientEntity, len(clients))
	for i, c := range clients {
		out[i] = c.Clone()
	}
	return out
}

// FirmInfo identifies the professional firm submitting the batch.
type FirmInfo struct {
	Name         string `json:"name"`
	EIN          string `json:"ein"`
	ContactName  string `json:"contact_name,omitempty"`
	ContactEmail string `json:"contact_email"`
	ContactPhone string `json:"contact_phone,omitempty"`
}

// Validate returns an InvalidFirmInfoError naming every missing required field.
func (f FirmInfo) Validate() error {
	var missing []string
	if strings.TrimSpace(f.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(f.EIN) == "" {
		missing = append(missing, "ein")
	}
	if strings.TrimSpace(f.ContactEmail) == "" {
		missing = append(missing, "contact_email")
	}
	if len(missing) > 0 {
		return &InvalidFirmInfoError{Missing: missing}
	}
	return nil
}

// PaymentAuthorization is what the caller hands over with a batch.
// Token is opaque to the engine; ProposedAmount is the figure shown to the
// user and is only ever compared, never charged as-is.
type PaymentAuthorization struct {
	Method         PaymentMethod   `json:"method"`
	Token          string          `json:"token"`
	ProposedAmount decimal.Decimal `json:"proposed_amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Validate checks the fields the recorder relies on.
func (a PaymentAuthorization) Validate() error {
	if _, err := ParsePaymentMethod(string(a.Method)); err != nil {
		return err
	}
	if strings.TrimSpace(a.Token) == "" {
		return &ValidationError{Field: "payment_token", Reason: "missing authorization token"}
	}
	return nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

// ConfirmationLayout is the compact timestamp used for confirmation numbers.
const ConfirmationLayout = "20060102T150405"

// ConfirmationNumber derives a confirmation number from a submission time.
func ConfirmationNumber(t time.Time) string {
	return t.UTC().Format(ConfirmationLayout)
}

// Submission is a finalized, payable batch.
//
// INVARIANTS:
//   - AmountPaid equals the calculator output for (ClientCount, ServiceType)
//     at the time of submission.
//   - Only PaymentStatus/TransactionID and the upgrade links change after creation.
type Submission struct {
	ID                 string          `json:"id"`
	ConfirmationNumber string          `json:"confirmation_number"`
	FirmInfo           *FirmInfo       `json:"firm_info,omitempty"`
	Clients            []ClientEntity  `json:"clients"`
	ServiceType        ServiceType     `json:"service_type"`
	ClientCount        int             `json:"client_count"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	TierLabel          string          `json:"tier_label,omitempty"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	PaymentMethod      PaymentMethod   `json:"payment_method"`
	TransactionID      string          `json:"transaction_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpgradedFrom       string          `json:"upgraded_from,omitempty"`
	UpgradedTo         string          `json:"upgraded_to,omitempty"`
}

// Clone returns a deep copy of the submission.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	if s.FirmInfo != nil {
		firm := *s.FirmInfo
		out.FirmInfo = &firm
	}
	out.Clients = CloneClients(s.Clients)
	return &out
}

// CountByService returns the number of monitoring and filing clients.
func (s *Submission) CountByService() (monitoring, filing int) {
	for _, c := range s.Clients {
		switch c.ServiceType {
		case ServiceMonitoring:
			monitoring++
		case ServiceFiling:
			filing++
		}
	}
	return monitoring, filing
}

// UpgradeLink relates a monitoring submission to the filing submission it
// was upgraded into.
type UpgradeLink struct {
	OriginalSubmissionID string          `json:"original_submission_id"`
	UpgradedSubmissionID string          `json:"upgraded_submission_id"`
	UpgradeAmount        decimal.Decimal `json:"upgrade_amount"`
	CreatedAt            time.Time       `json:"created_at"`
}
