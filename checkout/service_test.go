package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nylta/bulk-filing/checkout"
	"github.com/nylta/bulk-filing/crm"
	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/filing/store"
	"github.com/nylta/bulk-filing/payment"
	"github.com/nylta/bulk-filing/pricing"
	"github.com/nylta/bulk-filing/resilience"
	"github.com/nylta/bulk-filing/submission"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingCRM struct {
	mu       sync.Mutex
	contacts []crm.Contact
	err      error
}

func (r *recordingCRM) SyncContact(_ context.Context, c crm.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = append(r.contacts, c)
	return r.err
}

func (r *recordingCRM) Contacts() []crm.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crm.Contact(nil), r.contacts...)
}

// flakyStore fails the next failTx transactions before touching data.
type flakyStore struct {
	*store.TxMemory
	mu     sync.Mutex
	failTx int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(filing.Store) error) error {
	f.mu.Lock()
	fail := f.failTx > 0
	if fail {
		f.failTx--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return f.TxMemory.WithTx(ctx, fn)
}

type harness struct {
	svc      *checkout.Service
	store    *flakyStore
	payments *payment.Fake
	crm      *recordingCRM
	locker   *checkout.MemoryLocker
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    &flakyStore{TxMemory: store.NewTxMemory()},
		payments: payment.NewFake(),
		crm:      &recordingCRM{},
		locker:   checkout.NewMemoryLocker(),
		clock:    &clock{t: time.Date(2024, 6, 1, 15, 4, 5, 0, time.UTC)},
	}
	ids := 0
	newID := func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	rec := submission.NewRecorder(pricing.NewProvider(nil))
	rec.Now = h.clock.Now
	rec.NewID = newID

	h.svc = checkout.NewService(checkout.Deps{
		Store:      h.store,
		Payments:   h.payments,
		Recorder:   rec,
		CRM:        h.crm,
		Locker:     h.locker,
		Retry:      resilience.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		StaleAfter: 30 * time.Minute,
		Now:        h.clock.Now,
		NewID:      newID,
	})
	t.Cleanup(h.svc.Wait)
	return h
}

func firm() filing.FirmInfo {
	return filing.FirmInfo{Name: "Acme CPA", EIN: "12-3456789", ContactName: "Pat", ContactEmail: "ops@acme.test"}
}

func clients(n int, service filing.ServiceType) []filing.ClientEntity {
	out := make([]filing.ClientEntity, n)
	for i := range out {
		out[i] = filing.ClientEntity{
			ID:           fmt.Sprintf("c%d", i+1),
			LLCName:      fmt.Sprintf("Client %d LLC", i+1),
			FilingStatus: filing.StatusNonExempt,
			ServiceType:  service,
			BeneficialOwners: []filing.BeneficialOwner{{
				FullName: "Owner", DOB: "1970-01-01", Address: "1 Main St", IDType: "passport", IDLast4: "4321",
			}},
		}
	}
	return out
}

func submitReq(n int, service filing.ServiceType, amount, key string) checkout.SubmitRequest {
	return checkout.SubmitRequest{
		Firm:        firm(),
		Clients:     clients(n, service),
		ServiceType: service,
		Auth: filing.PaymentAuthorization{
			Method:         filing.MethodCard,
			Token:          "tok_ok",
			ProposedAmount: filing.MustDollars(amount),
			IdempotencyKey: key,
		},
	}
}

func upgradeAuth(amount, key string) filing.PaymentAuthorization {
	return filing.PaymentAuthorization{
		Method:         filing.MethodCard,
		Token:          "tok_ok",
		ProposedAmount: filing.MustDollars(amount),
		IdempotencyKey: key,
	}
}

func intent(t *testing.T, h *harness, key string) *filing.Intent {
	t.Helper()
	in, err := h.store.GetIntentByKey(context.Background(), key)
	require.NoError(t, err)
	return in
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_ChargesThenPersists(t *testing.T) {
	// GIVEN: 30 filers quoted at $11,343.00
	// WHEN: Submitted with an idempotency key
	// THEN: One charge for the recomputed amount, a paid submission, a
	//       completed intent and a CRM contact

	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, submitReq(30, filing.ServiceFiling, "11343.00", "key-1"))
	require.NoError(t, err)

	assert.Equal(t, filing.PaymentPaid, sub.PaymentStatus)
	assert.NotEmpty(t, sub.TransactionID)
	assert.Equal(t, "11343.00", sub.AmountPaid.StringFixed(2))

	charges := h.payments.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, "11343.00", charges[0].Amount.StringFixed(2))
	assert.Equal(t, "key-1", charges[0].IdempotencyKey)
	assert.Equal(t, "12-3456789", charges[0].Payer.EIN)

	stored, err := h.store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, filing.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, sub.TransactionID, stored.TransactionID)

	in := intent(t, h, "key-1")
	assert.Equal(t, filing.IntentCompleted, in.Status)
	assert.Equal(t, sub.ID, in.SubmissionID)

	h.svc.Wait()
	contacts := h.crm.Contacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, "ops@acme.test", contacts[0].Email)
	assert.Contains(t, contacts[0].Tags, crm.TagFiling)
}

func TestSubmit_SameKeyReturnsStoredSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.NoError(t, err)
	second, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.payments.Charges(), 1, "a retried request must not charge twice")

	list, err := h.store.ListSubmissions(ctx, filing.SubmissionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubmit_RequiresIdempotencyKey(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Submit(context.Background(), submitReq(3, filing.ServiceFiling, "1194.00", "  "))
	assert.ErrorIs(t, err, filing.ErrValidation)
	assert.Empty(t, h.payments.Charges())
}

func TestSubmit_PriceMismatchNeverCharges(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Submit(context.Background(), submitReq(30, filing.ServiceFiling, "11000.00", "key-1"))
	assert.ErrorIs(t, err, filing.ErrPriceMismatch)
	assert.Empty(t, h.payments.Charges())

	_, err = h.store.GetIntentByKey(context.Background(), "key-1")
	assert.True(t, filing.IsNotFound(err), "no intent is written for a rejected batch")
}

func TestSubmit_ManualQuoteNeverCharges(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Submit(context.Background(), submitReq(151, filing.ServiceFiling, "0", "key-1"))
	assert.ErrorIs(t, err, filing.ErrManualQuoteRequired)
	assert.Empty(t, h.payments.Charges())
}

func TestSubmit_DeclineFailsIntent(t *testing.T) {
	// GIVEN: A token the processor declines
	// WHEN: The batch is submitted
	// THEN: ErrPaymentDeclined, nothing stored, the intent is failed and the
	//       key cannot be reused

	h := newHarness(t)
	ctx := context.Background()
	req := submitReq(3, filing.ServiceFiling, "1194.00", "key-1")
	req.Auth.Token = "tok_declined"

	_, err := h.svc.Submit(ctx, req)
	require.ErrorIs(t, err, filing.ErrPaymentDeclined)

	list, _ := h.store.ListSubmissions(ctx, filing.SubmissionFilter{})
	assert.Empty(t, list)
	assert.Equal(t, filing.IntentFailed, intent(t, h, "key-1").Status)

	req.Auth.Token = "tok_ok"
	_, err = h.svc.Submit(ctx, req)
	assert.ErrorIs(t, err, filing.ErrDuplicateIdempotencyKey)
	assert.Empty(t, h.payments.Charges())
}

func TestSubmit_LostChargeResponseResumesWithSameKey(t *testing.T) {
	// GIVEN: The gateway charges but its response never arrives
	// WHEN: The caller retries with the same key
	// THEN: The retry finishes the checkout and the card is charged once

	h := newHarness(t)
	ctx := context.Background()
	h.payments.LoseNext = 1

	_, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.ErrorIs(t, err, filing.ErrExternalService)
	assert.Equal(t, filing.IntentPending, intent(t, h, "key-1").Status)

	sub, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.NoError(t, err)
	assert.Equal(t, filing.PaymentPaid, sub.PaymentStatus)
	assert.Len(t, h.payments.Charges(), 1)

	txn, _ := h.payments.TransactionFor("key-1")
	assert.Equal(t, txn, sub.TransactionID)
}

func TestSubmit_InFlightKeyIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unlock, err := h.locker.Lock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	defer unlock(ctx)

	_, err = h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	assert.ErrorIs(t, err, filing.ErrIntentInFlight)
	assert.Empty(t, h.payments.Charges())
}

func TestSubmit_PersistFailureIsReconciled(t *testing.T) {
	// GIVEN: A charge succeeds but every persistence attempt fails
	// WHEN: The reconciler runs once the store recovers
	// THEN: The caller saw an ExternalServiceError, the intent stayed
	//       charged, and the reconciler stores the paid submission

	h := newHarness(t)
	ctx := context.Background()
	h.store.failTx = 2

	_, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.ErrorIs(t, err, filing.ErrExternalService)

	in := intent(t, h, "key-1")
	assert.Equal(t, filing.IntentCharged, in.Status)
	assert.NotEmpty(t, in.TransactionID)

	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	sub, err := h.store.GetSubmission(ctx, in.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, filing.PaymentPaid, sub.PaymentStatus)
	assert.Equal(t, in.TransactionID, sub.TransactionID)
	assert.Len(t, h.payments.Charges(), 1)

	again, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)
}

func TestSubmit_TransientPersistFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.store.failTx = 1

	sub, err := h.svc.Submit(context.Background(), submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.NoError(t, err)
	assert.Equal(t, filing.PaymentPaid, sub.PaymentStatus)
	assert.Equal(t, filing.IntentCompleted, intent(t, h, "key-1").Status)
}

func TestSubmit_CRMFailureDoesNotFailCheckout(t *testing.T) {
	h := newHarness(t)
	h.crm.err = errors.New("crm down")

	_, err := h.svc.Submit(context.Background(), submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.NoError(t, err)

	h.svc.Wait()
	assert.Len(t, h.crm.Contacts(), 1)
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile_VoidsStaleCharge(t *testing.T) {
	// GIVEN: A pending intent whose charge went through but was never confirmed
	// WHEN: It is older than StaleAfter at reconciliation
	// THEN: The charge is voided and the intent fails

	h := newHarness(t)
	ctx := context.Background()
	h.payments.LoseNext = 1

	_, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.Error(t, err)

	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Voided, "fresh intents are left alone")

	h.clock.Advance(31 * time.Minute)
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Voided)

	txn, _ := h.payments.TransactionFor("key-1")
	assert.True(t, h.payments.Voided(txn))
	assert.Equal(t, filing.IntentFailed, intent(t, h, "key-1").Status)
}

func TestReconcile_AbandonsStaleUnchargedIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.payments.FailNext = 1

	_, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.Error(t, err)

	h.clock.Advance(time.Hour)
	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, filing.IntentFailed, intent(t, h, "key-1").Status)
}

func TestReconcile_SkipsLockedIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.failTx = 2

	_, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceFiling, "1194.00", "key-1"))
	require.Error(t, err)

	unlock, err := h.locker.Lock(ctx, "key-1", time.Minute)
	require.NoError(t, err)

	report, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, filing.IntentCharged, intent(t, h, "key-1").Status)

	require.NoError(t, unlock(ctx))
	report, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
}

// =============================================================================
// UPGRADE
// =============================================================================

func TestUpgrade_ChargesDifferentialOnce(t *testing.T) {
	// GIVEN: A paid monitoring submission of 3 entities
	// WHEN: Upgraded, then upgraded again with a different key
	// THEN: The first charges $447.00 and links both submissions; the second
	//       is AlreadyUpgradedError and charges nothing

	h := newHarness(t)
	ctx := context.Background()

	orig, err := h.svc.Submit(ctx, submitReq(3, filing.ServiceMonitoring, "747.00", "sub-key"))
	require.NoError(t, err)

	up, err := h.svc.Upgrade(ctx, orig.ID, upgradeAuth("447.00", "up-key-1"))
	require.NoError(t, err)
	assert.Equal(t, filing.ServiceFiling, up.ServiceType)
	assert.Equal(t, "447.00", up.AmountPaid.StringFixed(2))
	assert.Equal(t, orig.ID, up.UpgradedFrom)
	assert.Equal(t, filing.PaymentPaid, up.PaymentStatus)

	storedOrig, err := h.store.GetSubmission(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, up.ID, storedOrig.UpgradedTo)

	link, err := h.store.GetUpgradeLink(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, up.ID, link.UpgradedSubmissionID)
	assert.Equal(t, "447.00", link.UpgradeAmount.StringFixed(2))

	_, err = h.svc.Upgrade(ctx, orig.ID, upgradeAuth("447.00", "up-key-2"))
	assert.ErrorIs(t, err, filing.ErrAlreadyUpgraded)
	assert.Len(t, h.payments.Charges(), 2)

	h.svc.Wait()
	contacts := h.crm.Contacts()
	require.Len(t, contacts, 2)
	upgraded := 0
	for _, c := range contacts {
		for _, tag := range c.Tags {
			if tag == crm.TagUpgraded {
				upgraded++
			}
		}
	}
	assert.Equal(t, 1, upgraded)
}

func TestUpgrade_SameKeyReplays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orig, err := h.svc.Submit(ctx, submitReq(2, filing.ServiceMonitoring, "498.00", "sub-key"))
	require.NoError(t, err)

	first, err := h.svc.Upgrade(ctx, orig.ID, upgradeAuth("298.00", "up-key"))
	require.NoError(t, err)
	second, err := h.svc.Upgrade(ctx, orig.ID, upgradeAuth("298.00", "up-key"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.payments.Charges(), 2)
}

func TestUpgrade_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	filed, err := h.svc.Submit(ctx, submitReq(2, filing.ServiceFiling, "796.00", "sub-key"))
	require.NoError(t, err)

	_, err = h.svc.Upgrade(ctx, filed.ID, upgradeAuth("298.00", "up-1"))
	assert.ErrorIs(t, err, filing.ErrNotEligible)

	_, err = h.svc.Upgrade(ctx, "missing", upgradeAuth("298.00", "up-2"))
	assert.True(t, filing.IsNotFound(err))

	mon, err := h.svc.Submit(ctx, submitReq(2, filing.ServiceMonitoring, "498.00", "sub-key-2"))
	require.NoError(t, err)
	_, err = h.svc.Upgrade(ctx, mon.ID, upgradeAuth("100.00", "up-3"))
	assert.ErrorIs(t, err, filing.ErrPriceMismatch)

	_, err = h.svc.Upgrade(ctx, mon.ID, upgradeAuth("298.00", "sub-key-2"))
	assert.ErrorIs(t, err, filing.ErrDuplicateIdempotencyKey, "a submission key cannot be reused for an upgrade")

	assert.Len(t, h.payments.Charges(), 2)
}

// =============================================================================
// PAYMENT STATUS
// =============================================================================

func TestUpdatePaymentStatus_Transitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, submitReq(1, filing.ServiceFiling, "398.00", "key-1"))
	require.NoError(t, err)

	refunded, err := h.svc.UpdatePaymentStatus(ctx, sub.ID, filing.PaymentRefunded)
	require.NoError(t, err)
	assert.Equal(t, filing.PaymentRefunded, refunded.PaymentStatus)

	_, err = h.svc.UpdatePaymentStatus(ctx, sub.ID, filing.PaymentPaid)
	assert.ErrorIs(t, err, filing.ErrValidation)

	_, err = h.svc.UpdatePaymentStatus(ctx, sub.ID, "bogus")
	assert.ErrorIs(t, err, filing.ErrValidation)

	_, err = h.svc.UpdatePaymentStatus(ctx, "missing", filing.PaymentPaid)
	assert.True(t, filing.IsNotFound(err))
}
