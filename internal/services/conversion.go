package services

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const addressHexLen = 40

// NormalizePhone rewrites a local number with a single leading zero into the
// international form for countryCode. Numbers already carrying the country
// code pass through unchanged; a leading "+" and surrounding spaces are dropped.
func NormalizePhone(raw, countryCode string) (string, error) {
	phone := strings.TrimSpace(raw)
	phone = strings.ReplaceAll(phone, " ", "")
	phone = strings.TrimPrefix(phone, "+")

	if strings.HasPrefix(phone, "0") && !strings.HasPrefix(phone, "00") {
		phone = countryCode + phone[1:]
	}

	if len(phone) < 9 || len(phone) > 15 {
		return "", newError(KindInvalidPhone, nil, "phone number %q has invalid length", raw)
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", newError(KindInvalidPhone, nil, "phone number %q contains non-digit characters", raw)
		}
	}
	return phone, nil
}

// ValidateAddress checks that addr is a 0x-prefixed 20-byte hex address. All-lower
// and all-upper addresses are accepted as is; mixed-case ones must carry a valid
// EIP-55 checksum.
func ValidateAddress(addr string) error {
	if len(addr) != 2+addressHexLen || !(strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X")) ||
		!common.IsHexAddress(addr) {
		return newError(KindInvalidAddress, nil, "address %q must be 0x followed by %d hex characters", addr, addressHexLen)
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	mixed, err := common.NewMixedcaseAddressFromString("0x" + body)
	if err != nil || !mixed.ValidChecksum() {
		return newError(KindInvalidAddress, err, "address %q has an invalid checksum", addr)
	}
	return nil
}

// ValidateFiatAmount rejects non-positive amounts and amounts with more
// fractional digits than the payment rail supports.
func ValidateFiatAmount(amount decimal.Decimal, fiatDecimals int32) error {
	if !amount.IsPositive() {
		return newError(KindInvalidAmount, nil, "amount must be greater than zero, got %s", amount)
	}
	if !amount.Equal(amount.Truncate(fiatDecimals)) {
		return newError(KindInvalidAmount, nil, "amount %s has more than %d decimal places", amount, fiatDecimals)
	}
	return nil
}

// ConvertFiatToToken returns fiatAmount / exchangeRate, where the rate is fiat
// units per token. A non-positive rate is a configuration error, not a
// per-transaction one.
func ConvertFiatToToken(fiatAmount, exchangeRate decimal.Decimal) (decimal.Decimal, error) {
	if !exchangeRate.IsPositive() {
		return decimal.Zero, newError(KindConfiguration, nil, "exchange rate must be positive, got %s", exchangeRate)
	}
	if !fiatAmount.IsPositive() {
		return decimal.Zero, newError(KindInvalidAmount, nil, "amount must be greater than zero, got %s", fiatAmount)
	}
	return fiatAmount.DivRound(exchangeRate, tokenPrecision), nil
}

// tokenPrecision bounds the fractional digits kept by the division; the ledger
// adapter truncates further to the token's own decimals.
const tokenPrecision = 18
