/*
Package upgrade provides Upgrade Accounting: turning a paid monitoring
submission into a filing submission for a fixed per-entity differential.

RULES:
  - Only a paid monitoring submission is eligible (NotEligibleError)
  - A submission is upgraded at most once (AlreadyUpgradedError)
  - Every client must pass the validator as a filing entity; monitoring
    accepts partial owner data, filing does not (NotEligibleError)
  - upgrade amount = client_count * upgrade price ($149), independent of the
    current filing tiers. The original amount is never charged again.

ATOMICITY:
  ApplyUpgrade is pure: it returns the new submission, the link and the
  original as it should look afterwards. The caller persists all three
  with filing.SubmissionStore.SaveUpgrade, which re-checks the at-most-once
  rule inside the same write, so two racing upgrades cannot both land.

SEE ALSO:
  - checkout/service.go: charges and persists the result
  - pricing/calculator.go: CalculateUpgrade
*/
package upgrade

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/pricing"
)

// Computation is the result of ComputeUpgrade.
type Computation struct {
	SubmissionID   string             `json:"submission_id"`
	ClientCount    int                `json:"client_count"`
	PerEntity      decimal.Decimal    `json:"per_entity"`
	UpgradeAmount  decimal.Decimal    `json:"upgrade_amount"`
	NewServiceType filing.ServiceType `json:"new_service_type"`
}

// Result is what ApplyUpgrade produces.
type Result struct {
	Original      *filing.Submission // copy with UpgradedTo set
	NewSubmission *filing.Submission
	Link          filing.UpgradeLink
}

// Options controls identity and time of the new submission.
type Options struct {
	Now   func() time.Time
	NewID func() string
}

// CheckEligible reports why original cannot be upgraded, or nil.
func CheckEligible(original *filing.Submission) error {
	if original == nil {
		return &filing.ValidationError{Field: "submission", Reason: "required"}
	}
	if original.UpgradedTo != "" {
		return &filing.AlreadyUpgradedError{SubmissionID: original.ID, UpgradedTo: original.UpgradedTo}
	}
	if original.ServiceType != filing.ServiceMonitoring {
		return &filing.NotEligibleError{SubmissionID: original.ID, Reason: "service type is " + string(original.ServiceType)}
	}
	if original.PaymentStatus != filing.PaymentPaid {
		return &filing.NotEligibleError{SubmissionID: original.ID, Reason: "payment status is " + string(original.PaymentStatus)}
	}
	if original.ClientCount <= 0 {
		return &filing.NotEligibleError{SubmissionID: original.ID, Reason: "no clients"}
	}
	if missing := incompleteForFiling(original.Clients); len(missing) > 0 {
		return &filing.NotEligibleError{
			SubmissionID: original.ID,
			Reason:       "incomplete beneficial owner data for " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// incompleteForFiling returns the IDs of clients that would not be
// selectable as filing entities.
func incompleteForFiling(clients []filing.ClientEntity) []string {
	var ids []string
	for _, c := range clients {
		c.ServiceType = filing.ServiceFiling
		if !filing.ValidateEntity(c).Selectable {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// ComputeUpgrade prices the upgrade of original against table.
func ComputeUpgrade(original *filing.Submission, table *pricing.Table) (Computation, error) {
	if err := CheckEligible(original); err != nil {
		return Computation{}, err
	}
	calc := pricing.NewCalculator(table)
	amount, err := calc.CalculateUpgrade(original.ClientCount)
	if err != nil {
		return Computation{}, err
	}
	return Computation{
		SubmissionID:   original.ID,
		ClientCount:    original.ClientCount,
		PerEntity:      calc.Table().UpgradePrice(),
		UpgradeAmount:  amount,
		NewServiceType: filing.ServiceFiling,
	}, nil
}

// ApplyUpgrade builds the upgraded submission and its link.
// auth.ProposedAmount must match the computed amount within one cent.
func ApplyUpgrade(original *filing.Submission, table *pricing.Table, auth filing.PaymentAuthorization, opts Options) (*Result, error) {
	comp, err := ComputeUpgrade(original, table)
	if err != nil {
		return nil, err
	}
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	if !filing.WithinTolerance(comp.UpgradeAmount, auth.ProposedAmount) {
		return nil, &filing.PriceMismatchError{Expected: comp.UpgradeAmount, Proposed: auth.ProposedAmount}
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	newID := uuid.NewString
	if opts.NewID != nil {
		newID = opts.NewID
	}
	at := now()

	clients := filing.CloneClients(original.Clients)
	for i := range clients {
		clients[i].ServiceType = filing.ServiceFiling
	}

	next := &filing.Submission{
		ID:                 newID(),
		ConfirmationNumber: filing.ConfirmationNumber(at),
		Clients:            clients,
		ServiceType:        filing.ServiceFiling,
		ClientCount:        original.ClientCount,
		AmountPaid:         comp.UpgradeAmount,
		TierLabel:          "Upgrade",
		PaymentStatus:      filing.PaymentPending,
		PaymentMethod:      auth.Method,
		CreatedAt:          at.UTC(),
		UpgradedFrom:       original.ID,
	}
	if original.FirmInfo != nil {
		f := *original.FirmInfo
		next.FirmInfo = &f
	}

	updated := original.Clone()
	updated.UpgradedTo = next.ID

	return &Result{
		Original:      updated,
		NewSubmission: next,
		Link: filing.UpgradeLink{
			OriginalSubmissionID: original.ID,
			UpgradedSubmissionID: next.ID,
			UpgradeAmount:        comp.UpgradeAmount,
			CreatedAt:            at.UTC(),
		},
	}, nil
}
