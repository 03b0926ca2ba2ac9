package service

import (
	"fmt"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/shopspring/decimal"
)

var maxFeeRate = decimal.NewFromInt(1)

// ValidateConfig rejects configurations that cannot produce a fee in [0, amount].
func ValidateConfig(cfg *models.SettlementConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil config: %w", domain.ErrInvalidFeeConfig)
	}
	switch cfg.FeeType {
	case domain.FeeTypePercentage, domain.FeeTypeHybrid:
		if cfg.Rate.IsNegative() || cfg.Rate.GreaterThan(maxFeeRate) {
			return fmt.Errorf("rate %s outside [0, 1]: %w", cfg.Rate, domain.ErrInvalidFeeConfig)
		}
	case domain.FeeTypeFixed:
	default:
		return fmt.Errorf("fee type %q: %w", cfg.FeeType, domain.ErrInvalidFeeConfig)
	}
	if cfg.FlatAmount < 0 {
		return fmt.Errorf("flat amount %d: %w", cfg.FlatAmount, domain.ErrInvalidFeeConfig)
	}
	return nil
}

// ComputeFee splits amount into fee and net. Fractional micros truncate
// toward zero, in the payer's favour. Preview and Settle both call it.
func ComputeFee(cfg *models.SettlementConfig, amount int64, currency string) (models.FeeQuote, error) {
	if amount <= 0 {
		return models.FeeQuote{}, fmt.Errorf("amount %d: %w", amount, domain.ErrInvalidAmount)
	}
	if err := ValidateConfig(cfg); err != nil {
		return models.FeeQuote{}, err
	}

	var fee int64
	switch cfg.FeeType {
	case domain.FeeTypePercentage:
		fee = domain.MulRate(amount, cfg.Rate)
	case domain.FeeTypeFixed:
		fee = min(cfg.FlatAmount, amount)
	case domain.FeeTypeHybrid:
		fee = cfg.FlatAmount + domain.MulRate(amount, cfg.Rate)
	}
	if fee < 0 || fee > amount {
		return models.FeeQuote{}, fmt.Errorf("fee %d on amount %d: %w", fee, amount, domain.ErrInvalidFeeConfig)
	}
	return models.FeeQuote{
		Amount:   amount,
		Fee:      fee,
		Net:      amount - fee,
		Currency: domain.NormalizeCurrency(currency),
	}, nil
}
