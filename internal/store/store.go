package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/onramp/internal/models"
)

var (
	// ErrNotFound is returned when no transaction matches the lookup.
	ErrNotFound = errors.New("transaction not found")
	// ErrAlreadySettled is returned when a terminal write loses the race to another writer.
	ErrAlreadySettled = errors.New("transaction already settled")
)

// Settlement is the terminal outcome written by Settle.
type Settlement struct {
	Status          models.TransactionStatus
	ProcessedAt     time.Time
	ResultCode      string
	ResultDesc      string
	TokenAmount     decimal.NullDecimal
	LedgerTxHash    string
	LedgerConfirmed bool
}

// TransactionStore is the durable record of on-ramp attempts.
type TransactionStore interface {
	Create(ctx context.Context, txn *models.Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetByGatewayRequestID(ctx context.Context, requestID string) (*models.Transaction, error)
	// ListUnsettled returns rows past initiation that have no terminal outcome yet, oldest first.
	ListUnsettled(ctx context.Context, limit int) ([]models.Transaction, error)
	List(ctx context.Context, offset, limit int) ([]models.Transaction, int64, error)
	// Settle moves an unsettled row to a terminal status. It is a compare-and-set
	// on the settled flag and returns ErrAlreadySettled if the row was settled first.
	Settle(ctx context.Context, id uuid.UUID, s Settlement) error
	// RecordAttempt bumps the attempt counter of an unsettled row and stores the last error.
	RecordAttempt(ctx context.Context, id uuid.UUID, lastErr string) error
}

// GormStore implements TransactionStore on top of gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, txn *models.Transaction) error {
	if txn.Status == "" {
		txn.Status = models.StatusPending
	}
	if err := s.db.WithContext(ctx).Create(txn).Error; err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return &txn, nil
}

func (s *GormStore) GetByGatewayRequestID(ctx context.Context, requestID string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).
		Where("gateway_request_id = ?", requestID).
		First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by request %s: %w", requestID, err)
	}
	return &txn, nil
}

func (s *GormStore) ListUnsettled(ctx context.Context, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	q := s.db.WithContext(ctx).
		Where("settled = ? AND gateway_request_id IS NOT NULL", false).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("list unsettled transactions: %w", err)
	}
	return txns, nil
}

func (s *GormStore) List(ctx context.Context, offset, limit int) ([]models.Transaction, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	var txns []models.Transaction
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&txns).Error; err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return txns, total, nil
}

func (s *GormStore) Settle(ctx context.Context, id uuid.UUID, st Settlement) error {
	if !st.Status.Terminal() {
		return fmt.Errorf("settle transaction %s: %q is not a terminal status", id, st.Status)
	}

	res := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND settled = ?", id, false).
		Updates(map[string]any{
			"status":           string(st.Status),
			"settled":          true,
			"processed_at":     st.ProcessedAt,
			"result_code":      st.ResultCode,
			"result_desc":      st.ResultDesc,
			"token_amount":     st.TokenAmount,
			"ledger_tx_hash":   st.LedgerTxHash,
			"ledger_confirmed": st.LedgerConfirmed,
		})
	if res.Error != nil {
		return fmt.Errorf("settle transaction %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return s.missOrSettled(ctx, id)
}

func (s *GormStore) RecordAttempt(ctx context.Context, id uuid.UUID, lastErr string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND settled = ?", id, false).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastErr,
		})
	if res.Error != nil {
		return fmt.Errorf("record attempt for %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return s.missOrSettled(ctx, id)
}

// missOrSettled tells apart a missing row from one that was already settled
// after a conditional update touched nothing.
func (s *GormStore) missOrSettled(ctx context.Context, id uuid.UUID) error {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check transaction %s: %w", id, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrAlreadySettled
}
