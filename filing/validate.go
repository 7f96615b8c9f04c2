/*
validate.go - Batch Validator

PURPOSE:
  Decides, per client entity, whether it can be selected for a final
  submission, and aggregates those decisions over a batch. These are pure
  functions: no I/O, no mutation of the input, same answer every time.

RULES:
  Always:
    - llc_name must be present
    - filing_status must be Exempt or Non-Exempt
    - service_type must be monitoring or filing
    - at most 4 beneficial owners
  Exempt:
    - exemption_type must be present
  Non-Exempt + filing:
    - at least one owner with full_name, dob, address, id_type and a
      4-digit id_last4
  Non-Exempt + monitoring:
    - owner data may be partial; monitoring stores data, it does not file

LAYERS:
  An empty batch is VALID here (SelectableCount == 0). Refusing to submit
  zero entities is the recorder's job (EmptyBatchError).

SEE ALSO:
  - submission/recorder.go: consumes BatchResult
  - types.go: ClientEntity, BeneficialOwner
*/
package filing

import "strings"

// Reasons reported by the validator. Stable strings: the UI matches on them.
const (
	ReasonMissingLLCName       = "missing LLC name"
	ReasonMissingFilingStatus  = "missing filing status"
	ReasonUnknownServiceType   = "unknown service type"
	ReasonMissingExemptionType = "missing exemption type"
	ReasonNoCompleteOwner      = "no beneficial owner with complete identification"
	ReasonTooManyOwners        = "more than 4 beneficial owners"
)

// EntityResult is the validator's verdict for one entity.
type EntityResult struct {
	ID         string   `json:"id"`
	Selectable bool     `json:"selectable"`
	Reasons    []string `json:"reasons,omitempty"`
}

// BatchResult aggregates EntityResults over a batch.
type BatchResult struct {
	SelectableCount int            `json:"selectable_count"`
	Ineligible      []EntityResult `json:"ineligible"`
}

// ValidateEntity checks one entity against the completeness rules.
func ValidateEntity(e ClientEntity) EntityResult {
	var reasons []string

	if strings.TrimSpace(e.LLCName) == "" {
		reasons = append(reasons, ReasonMissingLLCName)
	}
	if !e.ServiceType.IsEntityLevel() {
		reasons = append(reasons, ReasonUnknownServiceType)
	}
	if len(e.BeneficialOwners) > MaxBeneficialOwners {
		reasons = append(reasons, ReasonTooManyOwners)
	}

	switch e.FilingStatus {
	case StatusExempt:
		if strings.TrimSpace(e.ExemptionType) == "" {
			reasons = append(reasons, ReasonMissingExemptionType)
		}
	case StatusNonExempt:
		if e.ServiceType == ServiceFiling && !hasCompleteOwner(e.BeneficialOwners) {
			reasons = append(reasons, ReasonNoCompleteOwner)
		}
	default:
		reasons = append(reasons, ReasonMissingFilingStatus)
	}

	return EntityResult{
		ID:         e.ID,
		Selectable: len(reasons) == 0,
		Reasons:    reasons,
	}
}

func hasCompleteOwner(owners []BeneficialOwner) bool {
	for _, o := range owners {
		if o.Complete() {
			return true
		}
	}
	return false
}

// ValidateBatch validates every entity and aggregates the results.
// Ineligible is never nil so it serializes as [].
func ValidateBatch(entities []ClientEntity) BatchResult {
	res := BatchResult{Ineligible: []EntityResult{}}
	for _, e := range entities {
		r := ValidateEntity(e)
		if r.Selectable {
			res.SelectableCount++
			continue
		}
		res.Ineligible = append(res.Ineligible, r)
	}
	return res
}

// Selectable returns deep, ID-masked copies of the selectable entities with
// DataComplete set, preserving input order.
func Selectable(entities []ClientEntity) []ClientEntity {
	var out []ClientEntity
	for _, e := range entities {
		if !ValidateEntity(e).Selectable {
			continue
		}
		c := e.Masked()
		c.DataComplete = true
		out = append(out, c)
	}
	return out
}
