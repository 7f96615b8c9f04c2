/*
Package checkout runs the charge-then-persist protocol for submissions and
upgrades.

PURPOSE:
  The recorder and upgrade packages are pure: they build what should be
  stored. This package charges the firm and stores the result so that a
  customer is never charged without a stored submission, and a retried
  request is never charged twice.

PROTOCOL:
  1. The caller's idempotency key is locked (Locker) for the whole run
  2. An existing intent for the key is resumed instead of starting over
  3. A new intent is written with the payload BEFORE any charge
  4. Payment is authorized under the idempotency key
  5. The intent is marked charged
  6. Payload (paid) and completed intent are written in one WithTx
  7. CRM sync runs in the background and never fails the request

RECOVERY:
  - Charge outcome unknown (transport error): intent stays pending. A retry
    with the same key re-authorizes, which the gateway deduplicates. After
    StaleAfter the reconciler voids whatever was charged and fails it.
  - Charged but not stored: intent stays charged. A retry with the same key
    or the reconciler finishes the write.
  - Stored upgrade lost the race to another upgrade: the charge is voided
    and the intent fails with AlreadyUpgradedError.

INTENT STATES:
  pending -> charged -> completed
  pending -> failed (declined, or voided by the reconciler)
  charged -> failed (upgrade conflict, charge voided)

SEE ALSO:
  - filing/store.go: IntentStore, TxStore
  - submission/recorder.go, upgrade/upgrade.go: payload builders
  - store/redis/locker.go: cross-instance Locker
*/
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/crm"
	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/metrics"
	"github.com/nylta/bulk-filing/payment"
	"github.com/nylta/bulk-filing/resilience"
	"github.com/nylta/bulk-filing/submission"
	"github.com/nylta/bulk-filing/upgrade"
)

// Defaults applied by NewService.
const (
	DefaultLockTTL       = 2 * time.Minute
	DefaultChargeTimeout = 30 * time.Second
	DefaultCRMTimeout    = 15 * time.Second
	DefaultStaleAfter    = 30 * time.Minute
)

// Deps are the collaborators of a Service. Store, Payments and Recorder are
// required.
type Deps struct {
	Store    filing.TxStore
	Payments payment.Authorizer
	Recorder *submission.Recorder
	CRM      crm.Syncer
	Locker   Locker
	Logger   *zap.Logger

	// Retry governs the persistence write after a successful charge.
	Retry resilience.Policy

	LockTTL       time.Duration
	ChargeTimeout time.Duration
	CRMTimeout    time.Duration
	StaleAfter    time.Duration

	Now   func() time.Time
	NewID func() string
}

// Service orchestrates checkout. Safe for concurrent use.
type Service struct {
	store    filing.TxStore
	payments payment.Authorizer
	recorder *submission.Recorder
	crm      crm.Syncer
	locker   Locker
	logger   *zap.Logger
	retry    resilience.Policy

	lockTTL       time.Duration
	chargeTimeout time.Duration
	crmTimeout    time.Duration
	staleAfter    time.Duration

	now   func() time.Time
	newID func() string

	background sync.WaitGroup
}

// NewService fills unset Deps with defaults.
func NewService(d Deps) *Service {
	s := &Service{
		store:         d.Store,
		payments:      d.Payments,
		recorder:      d.Recorder,
		crm:           d.CRM,
		locker:        d.Locker,
		logger:        d.Logger,
		retry:         d.Retry,
		lockTTL:       d.LockTTL,
		chargeTimeout: d.ChargeTimeout,
		crmTimeout:    d.CRMTimeout,
		staleAfter:    d.StaleAfter,
		now:           d.Now,
		newID:         d.NewID,
	}
	if s.crm == nil {
		s.crm = crm.Noop{}
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	if s.logger == nil {
		s.logger = zap.L()
	}
	if s.retry.Attempts == 0 {
		s.retry = resilience.DefaultPolicy()
	}
	if s.retry.Retryable == nil {
		s.retry.Retryable = retryablePersist
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = resilience.LogRetries(s.logger, "store", "persist")
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.chargeTimeout <= 0 {
		s.chargeTimeout = DefaultChargeTimeout
	}
	if s.crmTimeout <= 0 {
		s.crmTimeout = DefaultCRMTimeout
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// retryablePersist retries store failures but not rule violations.
func retryablePersist(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !filing.IsClientError(err) && !filing.IsConflict(err) && !filing.IsNotFound(err)
}

// Wait blocks until background CRM syncs finish. Used on shutdown and in tests.
func (s *Service) Wait() {
	s.background.Wait()
}

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitRequest is a batch ready for payment.
type SubmitRequest struct {
	Firm        filing.FirmInfo
	Clients     []filing.ClientEntity
	ServiceType filing.ServiceType
	Auth        filing.PaymentAuthorization
}

// Submit records, charges and persists a batch.
//
// A repeated call with the same idempotency key returns the stored
// submission without charging again.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*filing.Submission, error) {
	start := time.Now()
	sub, err := s.submit(ctx, req)
	s.observe(filing.IntentSubmission, start, err)
	return sub, err
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (*filing.Submission, error) {
	key, err := idempotencyKey(req.Auth)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, key, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(unlock, key)

	if in, err := s.store.GetIntentByKey(ctx, key); err == nil {
		return s.resume(ctx, in, filing.IntentSubmission, req.Auth)
	} else if !filing.IsNotFound(err) {
		return nil, filing.External("store", "get_intent", err)
	}

	sub, err := s.recorder.CreateSubmission(submission.Request{
		Firm:        req.Firm,
		Clients:     req.Clients,
		ServiceType: req.ServiceType,
		Auth:        req.Auth,
	})
	if err != nil {
		return nil, err
	}

	in, err := s.createIntent(ctx, key, filing.IntentSubmission, sub, "")
	if err != nil {
		return nil, err
	}
	return s.run(ctx, in, req.Auth)
}

// =============================================================================
// UPGRADE
// =============================================================================

// Upgrade charges the monitoring -> filing differential for originalID and
// stores the new filing submission. auth.ProposedAmount must match
// client_count * upgrade price.
func (s *Service) Upgrade(ctx context.Context, originalID string, auth filing.PaymentAuthorization) (*filing.Submission, error) {
	start := time.Now()
	sub, err := s.upgrade(ctx, originalID, auth)
	s.observe(filing.IntentUpgrade, start, err)
	return sub, err
}

func (s *Service) upgrade(ctx context.Context, originalID string, auth filing.PaymentAuthorization) (*filing.Submission, error) {
	key, err := idempotencyKey(auth)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, key, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(unlock, key)

	if in, err := s.store.GetIntentByKey(ctx, key); err == nil {
		if in.OriginalID != originalID {
			return nil, fmt.Errorf("%w: key was used to upgrade %s", filing.ErrDuplicateIdempotencyKey, in.OriginalID)
		}
		return s.resume(ctx, in, filing.IntentUpgrade, auth)
	} else if !filing.IsNotFound(err) {
		return nil, filing.External("store", "get_intent", err)
	}

	// Two keys for the same original must not both reach the gateway.
	origKey := "upgrade:" + originalID
	unlockOrig, err := s.locker.Lock(ctx, origKey, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(unlockOrig, origKey)

	original, err := s.store.GetSubmission(ctx, originalID)
	if err != nil {
		if filing.IsNotFound(err) {
			return nil, err
		}
		return nil, filing.External("store", "get_submission", err)
	}

	res, err := upgrade.ApplyUpgrade(original, s.recorder.Pricing.Current(), auth, upgrade.Options{
		Now:   s.now,
		NewID: s.newID,
	})
	if err != nil {
		return nil, err
	}

	in, err := s.createIntent(ctx, key, filing.IntentUpgrade, res.NewSubmission, originalID)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, in, auth)
}

// =============================================================================
// PAYMENT STATUS
// =============================================================================

// UpdatePaymentStatus moves a stored submission to status if the
// transition is allowed (pending->paid|failed, failed->pending, paid->refunded).
func (s *Service) UpdatePaymentStatus(ctx context.Context, id string, status filing.PaymentStatus) (*filing.Submission, error) {
	if _, err := filing.ParsePaymentStatus(string(status)); err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.PaymentStatus.CanTransition(status) {
		return nil, &filing.ValidationError{
			Field:  "payment_status",
			Reason: fmt.Sprintf("cannot move from %s to %s", sub.PaymentStatus, status),
		}
	}
	if err := s.store.UpdatePaymentStatus(ctx, id, sub.PaymentStatus, status, sub.TransactionID); err != nil {
		return nil, err
	}
	s.logger.Info("payment status updated",
		zap.String("submission_id", id),
		zap.String("from", string(sub.PaymentStatus)),
		zap.String("to", string(status)))
	return s.store.GetSubmission(ctx, id)
}

// =============================================================================
// PROTOCOL
// =============================================================================

func idempotencyKey(auth filing.PaymentAuthorization) (string, error) {
	key := strings.TrimSpace(auth.IdempotencyKey)
	if key == "" {
		return "", &filing.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	return key, nil
}

func (s *Service) release(unlock func(context.Context) error, key string) {
	// The request context may already be gone; the lock must still go.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := unlock(ctx); err != nil {
		s.logger.Warn("failed to release checkout lock", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) createIntent(ctx context.Context, key string, kind filing.IntentKind, payload *filing.Submission, originalID string) (filing.Intent, error) {
	now := s.now().UTC()
	in := filing.Intent{
		ID:             s.newID(),
		IdempotencyKey: key,
		Kind:           kind,
		Status:         filing.IntentPending,
		Amount:         payload.AmountPaid,
		SubmissionID:   payload.ID,
		OriginalID:     originalID,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateIntent(ctx, in); err != nil {
		if errors.Is(err, filing.ErrDuplicateIdempotencyKey) {
			// Another instance won the race without holding our lock.
			return filing.Intent{}, filing.ErrIntentInFlight
		}
		return filing.Intent{}, filing.External("store", "create_intent", err)
	}
	return in, nil
}

// resume continues an intent found under the caller's key.
func (s *Service) resume(ctx context.Context, in *filing.Intent, kind filing.IntentKind, auth filing.PaymentAuthorization) (*filing.Submission, error) {
	if in.Kind != kind {
		return nil, fmt.Errorf("%w: key belongs to a %s checkout", filing.ErrDuplicateIdempotencyKey, in.Kind)
	}
	s.logger.Info("resuming checkout intent",
		zap.String("key", in.IdempotencyKey),
		zap.String("status", string(in.Status)))

	switch in.Status {
	case filing.IntentCompleted:
		sub, err := s.store.GetSubmission(ctx, in.SubmissionID)
		if err != nil && !filing.IsNotFound(err) {
			return nil, filing.External("store", "get_submission", err)
		}
		return sub, err
	case filing.IntentFailed:
		return nil, fmt.Errorf("%w: previous attempt failed: %s", filing.ErrDuplicateIdempotencyKey, in.Error)
	case filing.IntentCharged:
		return s.complete(ctx, *in)
	default:
		return s.run(ctx, *in, auth)
	}
}

// run charges a pending intent and completes it.
func (s *Service) run(ctx context.Context, in filing.Intent, auth filing.PaymentAuthorization) (*filing.Submission, error) {
	result, err := s.charge(ctx, in, auth)
	if err != nil {
		if errors.Is(err, filing.ErrPaymentDeclined) {
			in.Status = filing.IntentFailed
			in.Error = err.Error()
			s.saveIntent(ctx, in)
			return nil, err
		}
		s.logger.Error("charge outcome unknown, intent left pending",
			zap.String("key", in.IdempotencyKey),
			zap.Error(err))
		return nil, err
	}

	in.Status = filing.IntentCharged
	in.TransactionID = result.TransactionID
	in.Error = ""
	if err := s.saveIntent(ctx, in); err != nil {
		// Still pending in the store; a retry re-authorizes under the same key
		// and gets the same transaction back.
		return nil, err
	}
	metrics.AmountCharged.WithLabelValues(string(in.Kind)).Add(in.Amount.InexactFloat64())

	return s.complete(ctx, in)
}

func (s *Service) charge(ctx context.Context, in filing.Intent, auth filing.PaymentAuthorization) (payment.Authorization, error) {
	c := payment.Charge{
		Amount:         in.Amount,
		Method:         auth.Method,
		Token:          auth.Token,
		IdempotencyKey: in.IdempotencyKey,
		Description:    describe(in),
	}
	if in.Payload != nil {
		c.Method = in.Payload.PaymentMethod
		if in.Payload.FirmInfo != nil {
			c.Payer = payment.Payer{
				Name:  in.Payload.FirmInfo.Name,
				EIN:   in.Payload.FirmInfo.EIN,
				Email: in.Payload.FirmInfo.ContactEmail,
			}
		}
	}

	var result payment.Authorization
	err := resilience.WithTimeout(ctx, s.chargeTimeout, func(ctx context.Context) error {
		var err error
		result, err = s.payments.Authorize(ctx, c)
		return err
	})
	if err != nil {
		if errors.Is(err, filing.ErrPaymentDeclined) {
			return payment.Authorization{}, err
		}
		return payment.Authorization{}, filing.External("payment", "authorize", err)
	}
	return result, nil
}

func describe(in filing.Intent) string {
	if in.Kind == filing.IntentUpgrade {
		return "NYLTA upgrade of " + in.OriginalID
	}
	if in.Payload != nil {
		return fmt.Sprintf("NYLTA %s, %d entities", in.Payload.ServiceType, in.Payload.ClientCount)
	}
	return "NYLTA submission"
}

// complete stores the paid payload of a charged intent and marks it completed.
func (s *Service) complete(ctx context.Context, in filing.Intent) (*filing.Submission, error) {
	if in.Payload == nil {
		return nil, filing.External("store", "persist", fmt.Errorf("intent %s has no payload", in.IdempotencyKey))
	}
	sub := in.Payload.Clone()
	sub.PaymentStatus = filing.PaymentPaid
	sub.TransactionID = in.TransactionID

	done := in
	done.Status = filing.IntentCompleted
	done.UpdatedAt = s.now().UTC()

	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx filing.Store) error {
			if err := s.persist(ctx, tx, in, sub); err != nil {
				return err
			}
			return tx.UpdateIntent(ctx, done)
		})
	})
	if err != nil {
		if filing.IsConflict(err) {
			return nil, s.abandon(ctx, in, err)
		}
		s.logger.Error("charged but not persisted, intent left for reconciliation",
			zap.String("key", in.IdempotencyKey),
			zap.String("transaction_id", in.TransactionID),
			zap.Error(err))
		return nil, filing.External("store", "persist", err)
	}

	metrics.SubmissionsRecorded.WithLabelValues(string(sub.ServiceType)).Inc()
	if in.Kind == filing.IntentUpgrade {
		metrics.UpgradesApplied.Inc()
	}
	s.logger.Info("submission persisted",
		zap.String("submission_id", sub.ID),
		zap.String("confirmation", sub.ConfirmationNumber),
		zap.String("kind", string(in.Kind)),
		zap.Int("client_count", sub.ClientCount),
		zap.String("amount", sub.AmountPaid.StringFixed(2)))
	s.syncCRM(sub)
	return sub, nil
}

func (s *Service) persist(ctx context.Context, tx filing.Store, in filing.Intent, sub *filing.Submission) error {
	if in.Kind != filing.IntentUpgrade {
		return tx.SaveSubmission(ctx, sub)
	}
	link := filing.UpgradeLink{
		OriginalSubmissionID: in.OriginalID,
		UpgradedSubmissionID: sub.ID,
		UpgradeAmount:        in.Amount,
		CreatedAt:            sub.CreatedAt,
	}
	return tx.SaveUpgrade(ctx, in.OriginalID, sub, link)
}

// abandon voids a charge whose payload can no longer be stored.
func (s *Service) abandon(ctx context.Context, in filing.Intent, cause error) error {
	if err := s.payments.Void(ctx, in.TransactionID); err != nil {
		s.logger.Error("failed to void charge",
			zap.String("transaction_id", in.TransactionID),
			zap.Error(err))
	}
	in.Status = filing.IntentFailed
	in.Error = cause.Error()
	s.saveIntent(ctx, in)
	return cause
}

func (s *Service) saveIntent(ctx context.Context, in filing.Intent) error {
	in.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateIntent(ctx, in); err != nil {
		s.logger.Error("failed to update intent",
			zap.String("key", in.IdempotencyKey),
			zap.String("status", string(in.Status)),
			zap.Error(err))
		return filing.External("store", "update_intent", err)
	}
	return nil
}

func (s *Service) syncCRM(sub *filing.Submission) {
	contact := crm.ContactFor(sub)
	if contact.Email == "" {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.crmTimeout)
		defer cancel()
		if err := s.crm.SyncContact(ctx, contact); err != nil {
			metrics.CRMSyncFailures.Inc()
			s.logger.Warn("crm sync failed",
				zap.String("submission_id", sub.ID),
				zap.Error(err))
		}
	}()
}

func (s *Service) observe(kind filing.IntentKind, start time.Time, err error) {
	metrics.CheckoutDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CheckoutFailures.WithLabelValues(string(kind), failureReason(err)).Inc()
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, filing.ErrPaymentDeclined):
		return "declined"
	case errors.Is(err, filing.ErrPriceMismatch):
		return "price_mismatch"
	case errors.Is(err, filing.ErrIntentInFlight):
		return "in_flight"
	case filing.IsConflict(err):
		return "conflict"
	case filing.IsClientError(err):
		return "invalid"
	case filing.IsTimeout(err):
		return "timeout"
	case errors.Is(err, filing.ErrExternalService):
		return "external"
	case filing.IsNotFound(err):
		return "not_found"
	}
	return "other"
}
