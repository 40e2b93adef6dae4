package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertFiatToToken(t *testing.T) {
	got, err := ConvertFiatToToken(decimal.NewFromInt(1300), decimal.NewFromInt(130))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(10)), "got %s", got)

	got, err = ConvertFiatToToken(decimal.NewFromInt(500), decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(5)), "got %s", got)

	got, err = ConvertFiatToToken(decimal.NewFromInt(1000), decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "333.333333333333333333", got.String())
}

func TestConvertFiatToToken_Errors(t *testing.T) {
	_, err := ConvertFiatToToken(decimal.NewFromInt(100), decimal.Zero)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = ConvertFiatToToken(decimal.NewFromInt(100), decimal.NewFromInt(-130))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = ConvertFiatToToken(decimal.Zero, decimal.NewFromInt(130))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ConvertFiatToToken(decimal.NewFromInt(-1), decimal.NewFromInt(130))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{" 0712 345 678 ", "254712345678"},
		{"0700000000", "254700000000"},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.in, "254")
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestNormalizePhone_Invalid(t *testing.T) {
	for _, in := range []string{"", "0712", "07123abc78", "2547123456789012345"} {
		_, err := NormalizePhone(in, "254")
		assert.ErrorIs(t, err, ErrInvalidPhone, in)
	}
}

func TestValidateAddress(t *testing.T) {
	valid := []string{
		"0x52908400098527886e0f7030069857d2e4169ee7",
		"0x52908400098527886E0F7030069857D2E4169EE7",
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0X52908400098527886e0f7030069857d2e4169ee7",
		"0X5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}
	for _, addr := range valid {
		assert.NoError(t, ValidateAddress(addr), addr)
	}

	invalid := []string{
		"",
		"0x123",
		"52908400098527886e0f7030069857d2e4169ee7",
		"0x52908400098527886e0f7030069857d2e4169eg7",
		// one character flipped from a valid checksum
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD",
	}
	for _, addr := range invalid {
		assert.ErrorIs(t, ValidateAddress(addr), ErrInvalidAddress, addr)
	}
}

func TestValidateFiatAmount(t *testing.T) {
	assert.NoError(t, ValidateFiatAmount(decimal.NewFromInt(1), 0))
	assert.NoError(t, ValidateFiatAmount(decimal.RequireFromString("10.25"), 2))

	assert.ErrorIs(t, ValidateFiatAmount(decimal.Zero, 0), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateFiatAmount(decimal.NewFromInt(-3), 0), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateFiatAmount(decimal.RequireFromString("10.5"), 0), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateFiatAmount(decimal.RequireFromString("10.255"), 2), ErrInvalidAmount)
}

func TestErrorKinds(t *testing.T) {
	err := newError(KindLedgerUnavailable, errMockLedger, "credit %s", "0xabc")

	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, errMockLedger)
	assert.NotErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, KindLedgerUnavailable, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(ErrInvalidAmount))
	assert.Contains(t, err.Error(), "LedgerUnavailable: credit 0xabc")
}
