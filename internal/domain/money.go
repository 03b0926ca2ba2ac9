package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the fixed-point scale used for every ledger amount.
const MicrosPerUnit = 1_000_000

var microsScale = decimal.NewFromInt(MicrosPerUnit)

// Money represents a monetary value in a specific currency.
// Amount is stored as BIGINT micros (10^-6) to avoid floating point errors.
type Money struct {
	Amount   int64  // micros
	Currency string // ISO 4217 or stablecoin ticker, upper case
}

// NewMoney creates a new Money instance from micros.
func NewMoney(amount int64, currency string) Money {
	return Money{
		Amount:   amount,
		Currency: NormalizeCurrency(currency),
	}
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// ToDecimal converts the int64 micros to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(m.Amount).Div(microsScale)
}

// FromDecimal converts a decimal.Decimal to int64 micros, truncating sub-micro digits.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(microsScale).IntPart()
}

// ParseAmount parses a decimal string such as "12.50" into micros.
// Values with more than six fractional digits or a non-positive value are rejected.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, s)
	}
	scaled := d.Mul(microsScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has sub-micro precision", ErrInvalidAmount, s)
	}
	if !scaled.IsPositive() {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, s)
	}
	return scaled.IntPart(), nil
}

// MulRate returns trunc(amount × rate) in micros. Used by every fee formula so
// that quotes and settlements round identically.
func MulRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).IntPart()
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToDecimal().StringFixed(2), m.Currency)
}
