package service

import (
	"fmt"
	"strings"

	"github.com/ayo6706/payout-ledger/internal/domain"
)

var streamTransitions = map[string]map[string]struct{}{
	domain.StreamStatusCreated: {
		domain.StreamStatusActive: {},
	},
	domain.StreamStatusActive: {
		domain.StreamStatusPaused:    {},
		domain.StreamStatusCompleted: {},
	},
	domain.StreamStatusPaused: {
		domain.StreamStatusActive:    {},
		domain.StreamStatusCompleted: {},
	},
	domain.StreamStatusCompleted: {},
}

func normalizeState(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	nextStates, ok := streamTransitions[normalizeState(current)]
	if !ok {
		return false
	}
	_, ok = nextStates[normalizeState(next)]
	return ok
}

func checkTransition(current, next string) error {
	if !canTransition(current, next) {
		return fmt.Errorf("%s -> %s: %w", current, next, domain.ErrInvalidStreamTransition)
	}
	return nil
}
