package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/onramp/internal/models"
	"github.com/example/onramp/internal/store"
)

// Outcome describes what a single Advance call did.
type Outcome string

const (
	OutcomePending        Outcome = "pending"
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeAlreadySettled Outcome = "already_settled"
	OutcomeInProgress     Outcome = "in_progress"
)

// AdvanceResult reports the outcome of Advance together with the latest known row.
type AdvanceResult struct {
	Outcome     Outcome
	Transaction *models.Transaction
}

// SettlementNotifier is told about every terminal transition.
type SettlementNotifier interface {
	NotifySettlement(txn models.Transaction)
}

// OnRampSettings is the configuration injected into OnRampService.
type OnRampSettings struct {
	CountryCode  string
	ExchangeRate decimal.Decimal
	FiatDecimals int32
	// CallTimeout bounds every gateway and ledger call.
	CallTimeout time.Duration
}

// OnRampService creates on-ramp transactions and drives them to a terminal state.
// It is the only writer of transaction rows.
type OnRampService struct {
	store    store.TransactionStore
	gateway  PaymentGateway
	ledger   LedgerCreditor
	locker   Locker
	notifier SettlementNotifier
	settings OnRampSettings
	logger   *slog.Logger
	now      func() time.Time

	// credited remembers receipts whose terminal write failed, so a retry
	// finishes the write instead of crediting a second time.
	credited sync.Map // uuid.UUID -> CreditReceipt
}

// OnRampDeps bundles the collaborators of OnRampService.
type OnRampDeps struct {
	Store    store.TransactionStore
	Gateway  PaymentGateway
	Ledger   LedgerCreditor
	Locker   Locker
	Notifier SettlementNotifier
	Logger   *slog.Logger
	Now      func() time.Time
}

const defaultCallTimeout = 20 * time.Second

// NewOnRampService validates settings and wires the coordinator. A non-positive
// exchange rate fails with ErrConfiguration.
func NewOnRampService(deps OnRampDeps, settings OnRampSettings) (*OnRampService, error) {
	if deps.Store == nil || deps.Gateway == nil || deps.Ledger == nil {
		return nil, newError(KindConfiguration, nil, "store, gateway and ledger are required")
	}
	if !settings.ExchangeRate.IsPositive() {
		return nil, newError(KindConfiguration, nil, "exchange rate must be positive, got %s", settings.ExchangeRate)
	}
	if settings.CountryCode == "" {
		return nil, newError(KindConfiguration, nil, "country code is required")
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = defaultCallTimeout
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &OnRampService{
		store:    deps.Store,
		gateway:  deps.Gateway,
		ledger:   deps.Ledger,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		settings: settings,
		logger:   deps.Logger,
		now:      deps.Now,
	}, nil
}

// InitiateRequest is the caller's on-ramp request.
type InitiateRequest struct {
	PhoneNumber   string
	AmountFiat    decimal.Decimal
	WalletAddress string
}

// Initiate validates the request, sends exactly one payment request to the
// payer's phone and records a PENDING transaction. Nothing is persisted when
// the gateway rejects the request.
func (s *OnRampService) Initiate(ctx context.Context, req InitiateRequest) (*models.Transaction, error) {
	if err := ValidateFiatAmount(req.AmountFiat, s.settings.FiatDecimals); err != nil {
		return nil, err
	}
	if err := ValidateAddress(req.WalletAddress); err != nil {
		return nil, err
	}
	phone, err := NormalizePhone(req.PhoneNumber, s.settings.CountryCode)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.settings.CallTimeout)
	pr, err := s.gateway.RequestPayment(callCtx, phone, req.AmountFiat)
	cancel()
	if err != nil {
		s.logger.Warn("payment request failed", "phone", phone, "amount", req.AmountFiat.String(), "error", err)
		return nil, newError(KindGatewayUnavailable, err, "payment request failed")
	}
	if pr.RequestID == "" {
		return nil, newError(KindGatewayUnavailable, nil, "gateway returned an empty request id")
	}

	requestID := pr.RequestID
	txn := &models.Transaction{
		PhoneNumber:       phone,
		AmountFiat:        req.AmountFiat,
		WalletAddress:     req.WalletAddress,
		GatewayRequestID:  &requestID,
		MerchantRequestID: pr.MerchantRequestID,
		Status:            models.StatusPending,
	}
	if err := s.store.Create(ctx, txn); err != nil {
		// The push already reached the payer; without a row the payment cannot be reconciled.
		s.logger.Error("payment requested but transaction not recorded",
			"checkout_request_id", requestID, "phone", phone, "amount", req.AmountFiat.String(), "error", err)
		return nil, newError(KindPersistence, err, "record transaction")
	}

	s.logger.Info("on-ramp initiated",
		"transaction_id", txn.ID, "checkout_request_id", requestID, "amount", req.AmountFiat.String())
	return txn, nil
}

// GetStatus returns the last committed state of a transaction.
func (s *OnRampService) GetStatus(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.storeError(err, "load transaction %s", id)
	}
	return txn, nil
}

// ListTransactions returns a page of transactions, newest first.
func (s *OnRampService) ListTransactions(ctx context.Context, offset, limit int) ([]models.Transaction, int64, error) {
	txns, total, err := s.store.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, newError(KindPersistence, err, "list transactions")
	}
	return txns, total, nil
}

// PendingTransactions returns up to limit unsettled transactions awaiting settlement.
func (s *OnRampService) PendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	txns, err := s.store.ListUnsettled(ctx, limit)
	if err != nil {
		return nil, newError(KindPersistence, err, "list unsettled transactions")
	}
	return txns, nil
}

// WalletBalance reports the token balance of address. Diagnostic only.
func (s *OnRampService) WalletBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := ValidateAddress(address); err != nil {
		return decimal.Zero, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.settings.CallTimeout)
	defer cancel()
	bal, err := s.ledger.BalanceOf(callCtx, address)
	if err != nil {
		return decimal.Zero, newError(KindLedgerUnavailable, err, "balance lookup")
	}
	return bal, nil
}

// AdvanceByRequestID advances the transaction owning a gateway request id.
func (s *OnRampService) AdvanceByRequestID(ctx context.Context, requestID string) (AdvanceResult, error) {
	txn, err := s.store.GetByGatewayRequestID(ctx, requestID)
	if err != nil {
		return AdvanceResult{}, s.storeError(err, "load transaction for request %s", requestID)
	}
	return s.Advance(ctx, txn.ID)
}

// Advance moves one transaction toward settlement. At most one Advance runs per
// transaction at a time; a concurrent call returns OutcomeInProgress, and a call
// on a settled transaction returns OutcomeAlreadySettled without any external call.
//
// Transient gateway or ledger failures leave the transaction PENDING and return a
// retryable error. A definitive gateway failure settles it as FAILED and is not
// an error.
func (s *OnRampService) Advance(ctx context.Context, id uuid.UUID) (AdvanceResult, error) {
	unlock, acquired, err := s.locker.TryLock(ctx, lockKey(id))
	if err != nil {
		return AdvanceResult{Outcome: OutcomePending}, newError(KindPersistence, err, "acquire lock for %s", id)
	}
	if !acquired {
		s.logger.Debug("advance skipped, transaction locked", "transaction_id", id)
		return AdvanceResult{Outcome: OutcomeInProgress}, nil
	}
	defer unlock()

	// Re-read under the lock so a settlement committed by a previous holder is seen.
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return AdvanceResult{}, s.storeError(err, "load transaction %s", id)
	}
	if txn.Settled {
		return AdvanceResult{Outcome: OutcomeAlreadySettled, Transaction: txn}, nil
	}
	if txn.GatewayRequestID == nil {
		return AdvanceResult{Outcome: OutcomePending, Transaction: txn},
			newError(KindConfiguration, nil, "transaction %s has no gateway request id", id)
	}

	if receipt, ok := s.credited.Load(id); ok {
		return s.complete(ctx, txn, receipt.(CreditReceipt))
	}

	log := s.logger.With("transaction_id", txn.ID, "checkout_request_id", txn.RequestID())

	callCtx, cancel := context.WithTimeout(ctx, s.settings.CallTimeout)
	status, err := s.gateway.QueryStatus(callCtx, txn.RequestID())
	cancel()
	if err != nil {
		log.Warn("settlement query failed", "error", err)
		s.recordAttempt(ctx, txn, err)
		return AdvanceResult{Outcome: OutcomePending, Transaction: txn},
			newError(KindGatewayUnavailable, err, "query settlement for %s", txn.RequestID())
	}

	switch status.State {
	case SettlementPending:
		log.Debug("settlement still pending")
		return AdvanceResult{Outcome: OutcomePending, Transaction: txn}, nil
	case SettlementFailed:
		return s.fail(ctx, txn, status)
	case SettlementSucceeded:
	default:
		return AdvanceResult{Outcome: OutcomePending, Transaction: txn},
			newError(KindGatewayUnavailable, nil, "unknown settlement state %d", status.State)
	}

	tokenAmount, err := ConvertFiatToToken(txn.AmountFiat, s.settings.ExchangeRate)
	if err != nil {
		log.Error("cannot convert settled payment", "error", err)
		return AdvanceResult{Outcome: OutcomePending, Transaction: txn}, err
	}

	callCtx, cancel = context.WithTimeout(ctx, s.settings.CallTimeout)
	receipt, err := s.ledger.Credit(callCtx, txn.ID.String(), txn.WalletAddress, tokenAmount)
	cancel()
	if err != nil {
		// The fiat side is final; keep the row open so the credit is retried.
		log.Error("ledger credit failed, transaction left open",
			"wallet", txn.WalletAddress, "token_amount", tokenAmount.String(), "error", err)
		s.recordAttempt(ctx, txn, err)
		return AdvanceResult{Outcome: OutcomePending, Transaction: txn},
			newError(KindLedgerUnavailable, err, "credit %s", txn.WalletAddress)
	}

	log.Info("wallet credited", "wallet", txn.WalletAddress, "token_amount", tokenAmount.String(),
		"ledger_tx_hash", receipt.TxHash, "confirmed", receipt.Confirmed)
	txn.ResultCode = status.ResultCode
	txn.ResultDesc = status.ResultDesc
	txn.TokenAmount = decimal.NewNullDecimal(tokenAmount)
	s.credited.Store(id, receipt)
	return s.complete(ctx, txn, receipt)
}

func (s *OnRampService) complete(ctx context.Context, txn *models.Transaction, receipt CreditReceipt) (AdvanceResult, error) {
	if !txn.TokenAmount.Valid {
		amount, err := ConvertFiatToToken(txn.AmountFiat, s.settings.ExchangeRate)
		if err != nil {
			return AdvanceResult{Outcome: OutcomePending, Transaction: txn}, err
		}
		txn.TokenAmount = decimal.NewNullDecimal(amount)
	}
	if txn.ResultCode == "" {
		txn.ResultCode = "0"
	}

	settlement := store.Settlement{
		Status:          models.StatusCompleted,
		ProcessedAt:     s.now().UTC(),
		ResultCode:      txn.ResultCode,
		ResultDesc:      txn.ResultDesc,
		TokenAmount:     txn.TokenAmount,
		LedgerTxHash:    receipt.TxHash,
		LedgerConfirmed: receipt.Confirmed,
	}
	// The credit is already on the ledger; the write must not be abandoned with the caller's context.
	err := s.store.Settle(context.WithoutCancel(ctx), txn.ID, settlement)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadySettled):
		s.credited.Delete(txn.ID)
		s.logger.Error("credited transaction was settled concurrently",
			"transaction_id", txn.ID, "ledger_tx_hash", receipt.TxHash)
		return AdvanceResult{Outcome: OutcomeAlreadySettled, Transaction: txn}, nil
	default:
		s.logger.Error("ledger credited but completion not recorded, will retry write only",
			"transaction_id", txn.ID, "ledger_tx_hash", receipt.TxHash, "error", err)
		return AdvanceResult{Outcome: OutcomePending, Transaction: txn},
			newError(KindPersistence, err, "record completion of %s", txn.ID)
	}
	s.credited.Delete(txn.ID)

	applySettlement(txn, settlement)
	s.logger.Info("transaction completed", "transaction_id", txn.ID, "checkout_request_id", txn.RequestID())
	if !receipt.Confirmed {
		s.logger.Warn("completed with an unconfirmed ledger transfer, check it is mined",
			"transaction_id", txn.ID, "ledger_tx_hash", receipt.TxHash)
	}
	s.notify(*txn)
	return AdvanceResult{Outcome: OutcomeCompleted, Transaction: txn}, nil
}

func (s *OnRampService) fail(ctx context.Context, txn *models.Transaction, status PaymentStatus) (AdvanceResult, error) {
	settlement := store.Settlement{
		Status:      models.StatusFailed,
		ProcessedAt: s.now().UTC(),
		ResultCode:  status.ResultCode,
		ResultDesc:  status.ResultDesc,
	}
	if err := s.store.Settle(ctx, txn.ID, settlement); err != nil {
		if errors.Is(err, store.ErrAlreadySettled) {
			return AdvanceResult{Outcome: OutcomeAlreadySettled, Transaction: txn}, nil
		}
		return AdvanceResult{Outcome: OutcomePending, Transaction: txn},
			newError(KindPersistence, err, "record failure of %s", txn.ID)
	}

	applySettlement(txn, settlement)
	s.logger.Info("transaction failed at gateway",
		"transaction_id", txn.ID, "checkout_request_id", txn.RequestID(),
		"result_code", status.ResultCode, "result_desc", status.ResultDesc)
	s.notify(*txn)
	return AdvanceResult{Outcome: OutcomeFailed, Transaction: txn}, nil
}

func (s *OnRampService) recordAttempt(ctx context.Context, txn *models.Transaction, cause error) {
	if err := s.store.RecordAttempt(ctx, txn.ID, cause.Error()); err != nil {
		s.logger.Warn("could not record attempt", "transaction_id", txn.ID, "error", err)
		return
	}
	txn.Attempts++
	txn.LastError = cause.Error()
}

func (s *OnRampService) notify(txn models.Transaction) {
	if s.notifier == nil {
		return
	}
	go s.notifier.NotifySettlement(txn)
}

func (s *OnRampService) storeError(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindNotFound, err, format, args...)
	}
	return newError(KindPersistence, err, format, args...)
}

func applySettlement(txn *models.Transaction, st store.Settlement) {
	at := st.ProcessedAt
	txn.Status = st.Status
	txn.Settled = true
	txn.ProcessedAt = &at
	txn.ResultCode = st.ResultCode
	txn.ResultDesc = st.ResultDesc
	txn.TokenAmount = st.TokenAmount
	txn.LedgerTxHash = st.LedgerTxHash
	txn.LedgerConfirmed = st.LedgerConfirmed
}

func lockKey(id uuid.UUID) string {
	return "onramp:advance:" + id.String()
}
