/*
store.go - Persistence interfaces for submissions, upgrade links and intents

PURPOSE:
  Defines the contract between the engine and the external key-value
  store. The engine hands finished records over; it never reaches into the
  storage engine itself.

KEY INTERFACES:
  SubmissionStore: finalized submissions and upgrade links
  IntentStore:     checkout intents (written before a charge, completed
                   after persistence)
  Store:           both of the above
  TxStore:         Store plus all-or-nothing WithTx

IMMUTABILITY CONTRACT:
  A Submission is written once. The only later writes are:
  - UpdatePaymentStatus(): compare-and-set on payment_status
  - SaveUpgrade(): sets upgraded_to on the original, at most once

ATOMIC UPGRADES:
  SaveUpgrade() writes the new submission, the forward link on the original
  and the UpgradeLink row in one unit. If the original already carries an
  upgraded_to value nothing is written and AlreadyUpgradedError is returned.

IDEMPOTENCY:
  Every intent carries an idempotency key; CreateIntent() rejects a key that
  already exists with ErrDuplicateIdempotencyKey. The checkout service uses
  this to turn a retried request into a lookup instead of a second charge.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - filing/store/memory.go: in-memory for tests and dev

SEE ALSO:
  - checkout/service.go: the only writer of intents
*/
package filing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SUBMISSION STORE
// =============================================================================

// SubmissionFilter narrows ListSubmissions.
type SubmissionFilter struct {
	FirmEIN       string
	ServiceType   ServiceType
	PaymentStatus PaymentStatus
	Limit         int
}

// Matches reports whether s passes the filter.
func (f SubmissionFilter) Matches(s *Submission) bool {
	if f.FirmEIN != "" && (s.FirmInfo == nil || s.FirmInfo.EIN != f.FirmEIN) {
		return false
	}
	if f.ServiceType != "" && s.ServiceType != f.ServiceType {
		return false
	}
	if f.PaymentStatus != "" && s.PaymentStatus != f.PaymentStatus {
		return false
	}
	return true
}

// SubmissionStore persists finalized submissions.
type SubmissionStore interface {
	// SaveSubmission inserts a new submission. Existing IDs are rejected.
	SaveSubmission(ctx context.Context, s *Submission) error

	// GetSubmission returns ErrNotFound when the ID is unknown.
	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// ListSubmissions returns matches, newest first.
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*Submission, error)

	// UpdatePaymentStatus moves payment_status from `from` to `to`.
	// A current status other than `from` is a ValidationError.
	UpdatePaymentStatus(ctx context.Context, id string, from, to PaymentStatus, transactionID string) error

	// SaveUpgrade atomically stores the upgraded submission, sets
	// original.UpgradedTo and records the link.
	SaveUpgrade(ctx context.Context, originalID string, upgraded *Submission, link UpgradeLink) error

	// GetUpgradeLink returns the link whose original is originalID.
	GetUpgradeLink(ctx context.Context, originalID string) (*UpgradeLink, error)
}

// =============================================================================
// INTENT STORE - write-ahead records for charge-then-persist
// =============================================================================

// IntentKind tells which operation an intent belongs to.
type IntentKind string

const (
	IntentSubmission IntentKind = "submission"
	IntentUpgrade    IntentKind = "upgrade"
)

// IntentStatus tracks an intent through checkout.
//
//	pending ──charge ok──▶ charged ──persist ok──▶ completed
//	   │                      │
//	 declined / voided     (reconciler persists later)
//	   ▼
//	 failed
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCharged   IntentStatus = "charged"
	IntentCompleted IntentStatus = "completed"
	IntentFailed    IntentStatus = "failed"
)

// Intent is written before a charge and completed after persistence.
// Payload is the submission that will be stored once the charge succeeds.
type Intent struct {
	ID             string
	IdempotencyKey string
	Kind           IntentKind
	Status         IntentStatus
	Amount         decimal.Decimal
	SubmissionID   string
	OriginalID     string // upgrade intents only
	Payload        *Submission
	TransactionID  string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IntentStore persists checkout intents.
type IntentStore interface {
	// CreateIntent returns ErrDuplicateIdempotencyKey if the key exists.
	CreateIntent(ctx context.Context, in Intent) error

	// GetIntentByKey returns ErrNotFound when the key is unknown.
	GetIntentByKey(ctx context.Context, key string) (*Intent, error)

	// UpdateIntent overwrites status, transaction id, error and updated_at.
	UpdateIntent(ctx context.Context, in Intent) error

	// ListIntents returns intents in the given status, oldest first.
	ListIntents(ctx context.Context, status IntentStatus) ([]Intent, error)
}

// =============================================================================
// COMBINED / TRANSACTIONAL STORE
// =============================================================================

// Store is the full persistence surface.
type Store interface {
	SubmissionStore
	IntentStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
