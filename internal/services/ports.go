package services

import (
	"context"

	"github.com/shopspring/decimal"
)

// SettlementState is the gateway's view of a payment request.
type SettlementState int

const (
	SettlementPending SettlementState = iota
	SettlementSucceeded
	SettlementFailed
)

func (s SettlementState) String() string {
	switch s {
	case SettlementSucceeded:
		return "succeeded"
	case SettlementFailed:
		return "failed"
	default:
		return "pending"
	}
}

// PaymentRequest is the gateway's acknowledgement of a push payment request.
type PaymentRequest struct {
	RequestID         string
	MerchantRequestID string
	CustomerMessage   string
}

// PaymentStatus is the result of a settlement status query.
type PaymentStatus struct {
	State      SettlementState
	ResultCode string
	ResultDesc string
}

// PaymentGateway asks a payer to approve a mobile-money payment and reports its settlement.
// Implementations return GatewayError-style failures as plain errors; the
// coordinator classifies them as GatewayUnavailable.
type PaymentGateway interface {
	RequestPayment(ctx context.Context, phone string, amount decimal.Decimal) (PaymentRequest, error)
	QueryStatus(ctx context.Context, requestID string) (PaymentStatus, error)
}

// CreditReceipt identifies a submitted ledger credit.
type CreditReceipt struct {
	TxHash string
	// Confirmed is false when the transfer was accepted but not yet seen mined.
	Confirmed bool
}

// LedgerCreditor moves tokens to a wallet on the ledger. Repeated Credit calls
// with the same reference must not move tokens more than once.
type LedgerCreditor interface {
	Credit(ctx context.Context, reference, address string, amount decimal.Decimal) (CreditReceipt, error)
	BalanceOf(ctx context.Context, address string) (decimal.Decimal, error)
}

// Locker grants at most one holder per key. TryLock never blocks waiting for
// the key; acquired is false when someone else holds it.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), acquired bool, err error)
}
