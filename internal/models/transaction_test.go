package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTransactionStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestTransactionRequestID(t *testing.T) {
	var txn Transaction
	assert.Equal(t, "", txn.RequestID())

	id := "ws_CO_1"
	txn.GatewayRequestID = &id
	assert.Equal(t, "ws_CO_1", txn.RequestID())
	assert.Equal(t, "onramp_transactions", txn.TableName())
}

func TestBeforeCreateAssignsID(t *testing.T) {
	var b BaseModel
	assert.NoError(t, b.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, b.ID)

	fixed := uuid.New()
	b = BaseModel{ID: fixed}
	assert.NoError(t, b.BeforeCreate(nil))
	assert.Equal(t, fixed, b.ID)
}
