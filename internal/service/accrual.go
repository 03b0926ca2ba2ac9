package service

import (
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// earned returns floor(rate.Amount * elapsed / rate.Interval).
func earned(rate models.FlowRate, elapsed time.Duration) int64 {
	if elapsed <= 0 || rate.Amount <= 0 || rate.Interval <= 0 {
		return 0
	}
	return decimal.NewFromInt(rate.Amount).
		Mul(decimal.NewFromInt(int64(elapsed))).
		Div(decimal.NewFromInt(int64(rate.Interval))).
		Floor().
		IntPart()
}

// accrued is the amount owed to the destination but not yet settled. It is
// measured from the start of the current active segment so that repeated
// settlements never lose fractional micros.
func accrued(s *models.Stream, now time.Time) int64 {
	if s.Status != domain.StreamStatusActive {
		return 0
	}
	due := earned(s.FlowRate, now.Sub(s.ActiveSince)) - s.SettledSinceActive
	if due <= 0 {
		return 0
	}
	if remaining := s.Remaining(); due > remaining {
		return remaining
	}
	return due
}

// exhaustsAt estimates when an active stream will have accrued all of its
// remaining funds. Nil when the stream is not accruing.
func exhaustsAt(s *models.Stream) *time.Time {
	if s.Status != domain.StreamStatusActive || s.FlowRate.Amount <= 0 {
		return nil
	}
	target := decimal.NewFromInt(s.SettledSinceActive + s.Remaining())
	nanos := target.Mul(decimal.NewFromInt(int64(s.FlowRate.Interval))).
		Div(decimal.NewFromInt(s.FlowRate.Amount)).
		Ceil().
		IntPart()
	at := s.ActiveSince.Add(time.Duration(nanos))
	return &at
}
