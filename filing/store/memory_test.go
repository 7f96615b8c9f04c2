package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/filing/store"
)

func monitoringSub(id string, at time.Time) *filing.Submission {
	return &filing.Submission{
		ID:            id,
		FirmInfo:      &filing.FirmInfo{Name: "Acme", EIN: "11-1111111", ContactEmail: "ops@acme.test"},
		Clients:       []filing.ClientEntity{{ID: "c1", LLCName: "A LLC", ServiceType: filing.ServiceMonitoring}},
		ServiceType:   filing.ServiceMonitoring,
		ClientCount:   1,
		AmountPaid:    filing.MustDollars("249"),
		PaymentStatus: filing.PaymentPaid,
		CreatedAt:     at,
	}
}

func TestMemory_SaveGetIsolated(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	sub := monitoringSub("s1", time.Now())

	require.NoError(t, m.SaveSubmission(ctx, sub))
	sub.Clients[0].LLCName = "edited after save"

	got, err := m.GetSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "A LLC", got.Clients[0].LLCName, "stored snapshot must not follow caller edits")

	assert.Error(t, m.SaveSubmission(ctx, sub), "duplicate id")

	_, err = m.GetSubmission(ctx, "missing")
	assert.True(t, filing.IsNotFound(err))
}

func TestMemory_ListNewestFirstWithFilter(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.SaveSubmission(ctx, monitoringSub("old", base)))
	require.NoError(t, m.SaveSubmission(ctx, monitoringSub("new", base.Add(time.Hour))))
	other := monitoringSub("other-firm", base.Add(2*time.Hour))
	other.FirmInfo.EIN = "22-2222222"
	require.NoError(t, m.SaveSubmission(ctx, other))

	list, err := m.ListSubmissions(ctx, filing.SubmissionFilter{FirmEIN: "11-1111111"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	list, err = m.ListSubmissions(ctx, filing.SubmissionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemory_UpdatePaymentStatus_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	sub := monitoringSub("s1", time.Now())
	sub.PaymentStatus = filing.PaymentPending
	require.NoError(t, m.SaveSubmission(ctx, sub))

	require.NoError(t, m.UpdatePaymentStatus(ctx, "s1", filing.PaymentPending, filing.PaymentPaid, "txn-1"))

	err := m.UpdatePaymentStatus(ctx, "s1", filing.PaymentPending, filing.PaymentFailed, "")
	assert.ErrorIs(t, err, filing.ErrValidation, "stale from-status should be rejected")

	got, _ := m.GetSubmission(ctx, "s1")
	assert.Equal(t, filing.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "txn-1", got.TransactionID)
}

func TestMemory_SaveUpgrade_AtMostOnce(t *testing.T) {
	// GIVEN: A paid monitoring submission
	// WHEN: Two upgrades are saved
	// THEN: The first succeeds, the second is AlreadyUpgradedError and not stored

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveSubmission(ctx, monitoringSub("orig", time.Now())))

	up1 := monitoringSub("up-1", time.Now())
	up1.ServiceType = filing.ServiceFiling
	up1.UpgradedFrom = "orig"
	link := filing.UpgradeLink{OriginalSubmissionID: "orig", UpgradedSubmissionID: "up-1", UpgradeAmount: filing.MustDollars("149")}
	require.NoError(t, m.SaveUpgrade(ctx, "orig", up1, link))

	up2 := monitoringSub("up-2", time.Now())
	err := m.SaveUpgrade(ctx, "orig", up2, filing.UpgradeLink{OriginalSubmissionID: "orig", UpgradedSubmissionID: "up-2"})
	var already *filing.AlreadyUpgradedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, "up-1", already.UpgradedTo)

	_, err = m.GetSubmission(ctx, "up-2")
	assert.True(t, filing.IsNotFound(err), "rejected upgrade must not be stored")

	orig, _ := m.GetSubmission(ctx, "orig")
	assert.Equal(t, "up-1", orig.UpgradedTo)

	gotLink, err := m.GetUpgradeLink(ctx, "orig")
	require.NoError(t, err)
	assert.Equal(t, "up-1", gotLink.UpgradedSubmissionID)
}

func TestMemory_Intents(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now()

	in := filing.Intent{ID: "i1", IdempotencyKey: "k1", Kind: filing.IntentSubmission, Status: filing.IntentPending, CreatedAt: now}
	require.NoError(t, m.CreateIntent(ctx, in))
	assert.ErrorIs(t, m.CreateIntent(ctx, in), filing.ErrDuplicateIdempotencyKey)

	in.Status = filing.IntentCharged
	in.TransactionID = "txn"
	require.NoError(t, m.UpdateIntent(ctx, in))

	got, err := m.GetIntentByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, filing.IntentCharged, got.Status)
	assert.Equal(t, "txn", got.TransactionID)

	charged, err := m.ListIntents(ctx, filing.IntentCharged)
	require.NoError(t, err)
	assert.Len(t, charged, 1)

	pending, err := m.ListIntents(ctx, filing.IntentPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	m := store.NewTxMemory()
	require.NoError(t, m.CreateIntent(ctx, filing.Intent{IdempotencyKey: "k", Status: filing.IntentCharged}))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s filing.Store) error {
		if err := s.SaveSubmission(ctx, monitoringSub("s1", time.Now())); err != nil {
			return err
		}
		if err := s.UpdateIntent(ctx, filing.Intent{IdempotencyKey: "k", Status: filing.IntentCompleted}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetSubmission(ctx, "s1")
	assert.True(t, filing.IsNotFound(err), "submission should be rolled back")
	in, _ := m.GetIntentByKey(ctx, "k")
	assert.Equal(t, filing.IntentCharged, in.Status, "intent should be rolled back")
}

func TestTxMemory_Commit(t *testing.T) {
	ctx := context.Background()
	m := store.NewTxMemory()

	err := m.WithTx(ctx, func(s filing.Store) error {
		return s.SaveSubmission(ctx, monitoringSub("s1", time.Now()))
	})
	require.NoError(t, err)

	_, err = m.GetSubmission(ctx, "s1")
	assert.NoError(t, err)
}
