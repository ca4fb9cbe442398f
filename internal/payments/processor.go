// Package payments talks to the external payment processor: escrow holds,
// captures, refunds and payouts, plus verification of the processor's
// signed webhook deliveries.
package payments

import (
	"context"
	"errors"
	"fmt"

	"escrowline/internal/domain"
)

type Op string

const (
	OpCreateCustomer Op = "create_customer"
	OpCreateHold     Op = "create_hold"
	OpCapture        Op = "capture"
	OpCancel         Op = "cancel"
	OpRefund         Op = "refund"
	OpTransfer       Op = "transfer"
)

var ErrHoldState = errors.New("hold is not in a state that allows this operation")

// APIError is a non-2xx answer from the processor.
type APIError struct {
	Op         Op
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor %s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
}

type HoldRequest struct {
	Amount         domain.Money
	Currency       string
	CustomerID     string
	Metadata       map[string]string
	IdempotencyKey string
}

type TransferRequest struct {
	Destination    string
	Amount         domain.Money
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Processor is the settlement processor contract. Every mutating call takes an
// idempotency key so replays after a timeout cannot move money twice.
type Processor interface {
	CreateCustomer(ctx context.Context, agentID string) (string, error)
	CreateHold(ctx context.Context, req HoldRequest) (string, error)
	Capture(ctx context.Context, holdRef, idempotencyKey string) error
	Cancel(ctx context.Context, holdRef, idempotencyKey string) error
	Refund(ctx context.Context, holdRef, idempotencyKey string) (string, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}
