// Package payment talks to the payment authorization service.
//
// The engine never handles card or bank numbers: the browser tokenizes
// them and the engine forwards the opaque token together with the amount it
// computed itself.
package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nylta/bulk-filing/filing"
)

// Payer identifies who is charged.
type Payer struct {
	Name  string `json:"name"`
	EIN   string `json:"ein"`
	Email string `json:"email"`
}

// Charge is one authorization request.
type Charge struct {
	Amount         decimal.Decimal      `json:"amount"`
	Method         filing.PaymentMethod `json:"method"`
	Token          string               `json:"token"`
	IdempotencyKey string               `json:"-"`
	Description    string               `json:"description"`
	Payer          Payer                `json:"payer"`
}

// Authorization is the processor's answer.
type Authorization struct {
	Authorized    bool   `json:"authorized"`
	TransactionID string `json:"transaction_id"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

// Authorizer charges and voids.
//
// Authorize returns a DeclinedError when the processor refuses the charge
// and an ExternalServiceError when it could not be reached. Retrying with
// the same IdempotencyKey never charges twice. Lookup returns the
// authorization made under a key, or filing.ErrNotFound if none was made.
type Authorizer interface {
	Authorize(ctx context.Context, c Charge) (Authorization, error)
	Lookup(ctx context.Context, idempotencyKey string) (Authorization, error)
	Void(ctx context.Context, transactionID string) error
}

// DeclinedError carries the processor's decline reason.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	if e.Reason == "" {
		return "payment declined"
	}
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

func (e *DeclinedError) Unwrap() error { return filing.ErrPaymentDeclined }
