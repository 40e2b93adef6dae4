package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/onramp/internal/models"
	"github.com/example/onramp/internal/store"
)

var (
	errMockGateway = errors.New("mock gateway error")
	errMockLedger  = errors.New("mock ledger error")
	errMockStore   = errors.New("mock store error")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryStore implements store.TransactionStore in memory with the same
// compare-and-set semantics as the gorm store.
type memoryStore struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]models.Transaction
	createErr error
	settleErr error // returned once by Settle, then cleared
	creates   int
	settles   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[uuid.UUID]models.Transaction)}
}

func (m *memoryStore) Create(_ context.Context, txn *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.GatewayRequestID != nil {
		for _, row := range m.rows {
			if row.GatewayRequestID != nil && *row.GatewayRequestID == *txn.GatewayRequestID {
				return errors.New("duplicate gateway request id")
			}
		}
	}
	now := time.Now()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	m.rows[txn.ID] = *txn
	m.creates++
	return nil
}

func (m *memoryStore) Get(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (m *memoryStore) GetByGatewayRequestID(_ context.Context, requestID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.GatewayRequestID != nil && *row.GatewayRequestID == requestID {
			r := row
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memoryStore) ListUnsettled(_ context.Context, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, row := range m.rows {
		if !row.Settled && row.GatewayRequestID != nil {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) List(_ context.Context, offset, limit int) ([]models.Transaction, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, row := range m.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memoryStore) Settle(_ context.Context, id uuid.UUID, st store.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		err := m.settleErr
		m.settleErr = nil
		return err
	}
	row, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if row.Settled {
		return store.ErrAlreadySettled
	}
	at := st.ProcessedAt
	row.Status = st.Status
	row.Settled = true
	row.ProcessedAt = &at
	row.ResultCode = st.ResultCode
	row.ResultDesc = st.ResultDesc
	row.TokenAmount = st.TokenAmount
	row.LedgerTxHash = st.LedgerTxHash
	row.LedgerConfirmed = st.LedgerConfirmed
	m.rows[id] = row
	m.settles++
	return nil
}

func (m *memoryStore) RecordAttempt(_ context.Context, id uuid.UUID, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if row.Settled {
		return store.ErrAlreadySettled
	}
	row.Attempts++
	row.LastError = lastErr
	m.rows[id] = row
	return nil
}

func (m *memoryStore) settleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settles
}

// mockGateway implements PaymentGateway with call counters.
type mockGateway struct {
	mu           sync.Mutex
	RequestFunc  func(ctx context.Context, phone string, amount decimal.Decimal) (PaymentRequest, error)
	QueryFunc    func(ctx context.Context, requestID string) (PaymentStatus, error)
	RequestCalls int
	QueryCalls   int
	LastPhone    string
	LastAmount   decimal.Decimal
	seq          int
}

func (g *mockGateway) RequestPayment(ctx context.Context, phone string, amount decimal.Decimal) (PaymentRequest, error) {
	g.mu.Lock()
	g.RequestCalls++
	g.LastPhone = phone
	g.LastAmount = amount
	g.seq++
	seq := g.seq
	fn := g.RequestFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, phone, amount)
	}
	return PaymentRequest{
		RequestID:         "ws_CO_" + decimal.NewFromInt(int64(seq)).String(),
		MerchantRequestID: "mr_" + decimal.NewFromInt(int64(seq)).String(),
	}, nil
}

func (g *mockGateway) QueryStatus(ctx context.Context, requestID string) (PaymentStatus, error) {
	g.mu.Lock()
	g.QueryCalls++
	fn := g.QueryFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, requestID)
	}
	return PaymentStatus{State: SettlementPending}, nil
}

func (g *mockGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.RequestCalls, g.QueryCalls
}

// mockLedger implements LedgerCreditor with call counters.
type mockLedger struct {
	mu          sync.Mutex
	CreditFunc  func(ctx context.Context, reference, address string, amount decimal.Decimal) (CreditReceipt, error)
	CreditCalls   int
	Credited      []decimal.Decimal
	LastReference string
	Delay       time.Duration
}

func (l *mockLedger) Credit(ctx context.Context, reference, address string, amount decimal.Decimal) (CreditReceipt, error) {
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}
	l.mu.Lock()
	l.CreditCalls++
	l.LastReference = reference
	fn := l.CreditFunc
	l.mu.Unlock()

	if fn != nil {
		receipt, err := fn(ctx, reference, address, amount)
		if err == nil {
			l.mu.Lock()
			l.Credited = append(l.Credited, amount)
			l.mu.Unlock()
		}
		return receipt, err
	}
	l.mu.Lock()
	l.Credited = append(l.Credited, amount)
	l.mu.Unlock()
	return CreditReceipt{TxHash: "0xabc", Confirmed: true}, nil
}

func (l *mockLedger) BalanceOf(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.NewFromInt(42), nil
}

func (l *mockLedger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.CreditCalls
}

// recordingNotifier captures settlement notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	seen []models.Transaction
	done chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, 16)}
}

func (n *recordingNotifier) NotifySettlement(txn models.Transaction) {
	n.mu.Lock()
	n.seen = append(n.seen, txn)
	n.mu.Unlock()
	n.done <- struct{}{}
}
