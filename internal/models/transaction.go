package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of an on-ramp attempt.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction records one on-ramp attempt: a mobile-money payment request and
// the token credit it should produce.
//
// Settled, a terminal Status and a non-nil ProcessedAt always go together.
type Transaction struct {
	BaseModel
	PhoneNumber       string              `gorm:"not null;index" json:"phone_number"`
	AmountFiat        decimal.Decimal     `gorm:"type:numeric(20,4);not null" json:"amount_fiat"`
	WalletAddress     string              `gorm:"size:42;not null" json:"wallet_address"`
	GatewayRequestID  *string             `gorm:"uniqueIndex" json:"checkout_request_id"`
	MerchantRequestID string              `json:"merchant_request_id,omitempty"`
	Status            TransactionStatus   `gorm:"size:16;not null;default:PENDING" json:"status"`
	Settled           bool                `gorm:"not null;default:false;index" json:"settled"`
	ProcessedAt       *time.Time          `json:"processed_at,omitempty"`
	ResultCode        string              `json:"result_code,omitempty"`
	ResultDesc        string              `json:"result_desc,omitempty"`
	TokenAmount       decimal.NullDecimal `gorm:"type:numeric(38,18)" json:"token_amount"`
	LedgerTxHash      string              `json:"ledger_tx_hash,omitempty"`
	// LedgerConfirmed is false on a COMPLETED row whose transfer was accepted
	// but not seen mined before the receipt wait ran out.
	LedgerConfirmed   bool                `gorm:"not null;default:false;index" json:"ledger_confirmed"`
	Attempts          int                 `gorm:"not null;default:0" json:"attempts"`
	LastError         string              `json:"last_error,omitempty"`
}

// TableName keeps the table name stable regardless of the struct name.
func (Transaction) TableName() string {
	return "onramp_transactions"
}

// RequestID returns the gateway request id or an empty string before one is assigned.
func (t *Transaction) RequestID() string {
	if t.GatewayRequestID == nil {
		return ""
	}
	return *t.GatewayRequestID
}
