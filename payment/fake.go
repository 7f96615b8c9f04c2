package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nylta/bulk-filing/filing"
)

// Fake is an in-memory Authorizer for tests and local development.
// Charges are deduplicated by idempotency key like the real gateway.
type Fake struct {
	mu      sync.Mutex
	byKey   map[string]Authorization
	charges []Charge
	voided  map[string]bool

	// DeclineTokens are tokens that are always declined.
	DeclineTokens map[string]bool
	// FailNext makes the next N Authorize calls fail with a transport error.
	FailNext int
	// LoseNext makes the next N Authorize calls charge but report a
	// transport failure, as when the gateway's response is lost.
	LoseNext int
	// Err, if set, is returned by every Authorize call.
	Err error
}

func NewFake() *Fake {
	return &Fake{
		byKey:         make(map[string]Authorization),
		voided:        make(map[string]bool),
		DeclineTokens: map[string]bool{"tok_declined": true},
	}
}

func (f *Fake) Authorize(_ context.Context, c Charge) (Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return Authorization{}, f.Err
	}
	if f.FailNext > 0 {
		f.FailNext--
		return Authorization{}, fmt.Errorf("payment: fake transport failure")
	}
	if auth, ok := f.byKey[c.IdempotencyKey]; ok && c.IdempotencyKey != "" {
		return auth, nil
	}
	if f.DeclineTokens[c.Token] {
		return Authorization{}, &DeclinedError{Reason: "card declined"}
	}

	auth := Authorization{Authorized: true, TransactionID: "txn_" + uuid.NewString()}
	f.byKey[c.IdempotencyKey] = auth
	f.charges = append(f.charges, c)
	if f.LoseNext > 0 {
		f.LoseNext--
		return Authorization{}, fmt.Errorf("payment: fake response lost")
	}
	return auth, nil
}

func (f *Fake) Lookup(_ context.Context, key string) (Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth, ok := f.byKey[key]
	if !ok {
		return Authorization{}, fmt.Errorf("payment: no authorization for key %s: %w", key, filing.ErrNotFound)
	}
	return auth, nil
}

func (f *Fake) Void(_ context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voided[transactionID] = true
	return nil
}

// Charges returns every distinct charge accepted so far.
func (f *Fake) Charges() []Charge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Charge(nil), f.charges...)
}

// Voided reports whether transactionID was voided.
func (f *Fake) Voided(transactionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voided[transactionID]
}

// TransactionFor returns the transaction created for an idempotency key.
func (f *Fake) TransactionFor(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byKey[key]
	return a.TransactionID, ok
}

var _ Authorizer = (*Fake)(nil)
