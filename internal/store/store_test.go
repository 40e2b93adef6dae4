package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/onramp/internal/models"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return gormDB, mock
}

func TestSettleUpdatesOnlyUnsettledRow(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "onramp_transactions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Settle(context.Background(), id, Settlement{
		Status:      models.StatusFailed,
		ProcessedAt: time.Now(),
		ResultCode:  "1032",
		ResultDesc:  "Request cancelled by user",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleReportsLostRace(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "onramp_transactions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "onramp_transactions"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := s.Settle(context.Background(), id, Settlement{
		Status:      models.StatusCompleted,
		ProcessedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleMissingRow(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "onramp_transactions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "onramp_transactions"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := s.Settle(context.Background(), uuid.New(), Settlement{
		Status:      models.StatusCompleted,
		ProcessedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettleRejectsNonTerminalStatus(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	err := s.Settle(context.Background(), uuid.New(), Settlement{Status: models.StatusPending})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnsettledFiltersInitiatedRows(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "onramp_transactions" WHERE settled = $1 AND gateway_request_id IS NOT NULL ORDER BY created_at ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount_fiat", "status", "settled", "gateway_request_id"}).
			AddRow(id.String(), "500", "PENDING", false, "ws_CO_1"))

	txns, err := s.ListUnsettled(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, id, txns[0].ID)
	assert.Equal(t, "ws_CO_1", txns[0].RequestID())
	assert.Equal(t, "500", txns[0].AmountFiat.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsRecordNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "onramp_transactions" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAttemptOnSettledRow(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewGormStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "onramp_transactions" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "onramp_transactions"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := s.RecordAttempt(context.Background(), uuid.New(), "gateway timeout")
	assert.ErrorIs(t, err, ErrAlreadySettled)
}
