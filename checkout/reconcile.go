package checkout

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/metrics"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Completed int `json:"completed"` // charged intents persisted
	Voided    int `json:"voided"`    // stale pending intents whose charge was voided
	Abandoned int `json:"abandoned"` // stale pending intents that never charged
	Skipped   int `json:"skipped"`   // intents locked by a running checkout
	Failed    int `json:"failed"`
}

// Reconcile finishes what interrupted checkouts left behind.
//
// Charged intents are persisted and completed. Pending intents older than
// StaleAfter are looked up at the gateway: any charge found is voided, and
// the intent is marked failed either way. Intents held by a running checkout
// are skipped. Errors on single intents are collected; the pass continues.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var errs []error

	charged, err := s.store.ListIntents(ctx, filing.IntentCharged)
	if err != nil {
		return report, filing.External("store", "list_intents", err)
	}
	for _, in := range charged {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch err := s.withIntent(ctx, in.IdempotencyKey, filing.IntentCharged, func(cur filing.Intent) error {
			_, err := s.complete(ctx, cur)
			return err
		}); {
		case err == nil:
			report.Completed++
			metrics.IntentsReconciled.WithLabelValues("completed").Inc()
		case errors.Is(err, errSkip):
			report.Skipped++
		default:
			report.Failed++
			errs = append(errs, err)
		}
	}

	pending, err := s.store.ListIntents(ctx, filing.IntentPending)
	if err != nil {
		return report, filing.External("store", "list_intents", err)
	}
	cutoff := s.now().Add(-s.staleAfter)
	for _, in := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if in.UpdatedAt.After(cutoff) {
			continue
		}
		var voided bool
		switch err := s.withIntent(ctx, in.IdempotencyKey, filing.IntentPending, func(cur filing.Intent) error {
			var err error
			voided, err = s.expire(ctx, cur)
			return err
		}); {
		case err == nil && voided:
			report.Voided++
			metrics.IntentsReconciled.WithLabelValues("voided").Inc()
		case err == nil:
			report.Abandoned++
			metrics.IntentsReconciled.WithLabelValues("abandoned").Inc()
		case errors.Is(err, errSkip):
			report.Skipped++
		default:
			report.Failed++
			errs = append(errs, err)
		}
	}

	if report != (ReconcileReport{}) {
		s.logger.Info("reconciliation pass finished",
			zap.Int("completed", report.Completed),
			zap.Int("voided", report.Voided),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}
	return report, errors.Join(errs...)
}

var errSkip = errors.New("checkout: intent busy or moved on")

// withIntent locks key, re-reads the intent and runs fn if it is still in want.
func (s *Service) withIntent(ctx context.Context, key string, want filing.IntentStatus, fn func(filing.Intent) error) error {
	unlock, err := s.locker.Lock(ctx, key, s.lockTTL)
	if errors.Is(err, filing.ErrIntentInFlight) {
		return errSkip
	}
	if err != nil {
		return err
	}
	defer s.release(unlock, key)

	cur, err := s.store.GetIntentByKey(ctx, key)
	if err != nil {
		return filing.External("store", "get_intent", err)
	}
	if cur.Status != want {
		return errSkip
	}
	return fn(*cur)
}

// expire voids any charge made under a stale pending intent and fails it.
func (s *Service) expire(ctx context.Context, in filing.Intent) (bool, error) {
	auth, err := s.payments.Lookup(ctx, in.IdempotencyKey)
	voided := false
	switch {
	case filing.IsNotFound(err):
	case err != nil:
		return false, err
	case auth.Authorized && auth.TransactionID != "":
		if err := s.payments.Void(ctx, auth.TransactionID); err != nil {
			return false, err
		}
		voided = true
		in.TransactionID = auth.TransactionID
	}

	in.Status = filing.IntentFailed
	in.Error = "abandoned checkout"
	if voided {
		in.Error = "abandoned checkout, charge voided"
	}
	if err := s.saveIntent(ctx, in); err != nil {
		return false, err
	}
	s.logger.Warn("stale checkout intent expired",
		zap.String("key", in.IdempotencyKey),
		zap.Bool("voided", voided),
		zap.String("transaction_id", in.TransactionID))
	return voided, nil
}
