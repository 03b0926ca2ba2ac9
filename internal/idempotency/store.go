// Package idempotency caches settled results by idempotency key so that
// replayed payment events are answered without touching the ledger.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("idempotency key not found")

const redisKeyPrefix = "idempotency:settlement"

// Store is a Redis replay cache for settlement results. The ledger's unique
// key constraint stays authoritative; a cache miss only costs a ledger replay.
type Store struct {
	redis redis.Cmdable
	ttl   time.Duration
}

func NewStore(redis redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{redis: redis, ttl: ttl}
}

func (s *Store) Lookup(ctx context.Context, tenantID, key string) (*models.SettlementResult, error) {
	if s.redis == nil {
		return nil, ErrNotFound
	}
	val, err := s.redis.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.IncrementIdempotencyEvent("miss")
		return nil, ErrNotFound
	}
	if err != nil {
		observability.IncrementIdempotencyEvent("lookup_error")
		zap.L().Warn("redis idempotency lookup failed", zap.Error(err))
		return nil, ErrNotFound
	}
	var res models.SettlementResult
	if err := json.Unmarshal(val, &res); err != nil {
		observability.IncrementIdempotencyEvent("corrupt")
		return nil, ErrNotFound
	}
	observability.IncrementIdempotencyEvent("replay")
	return &res, nil
}

func (s *Store) Save(ctx context.Context, result models.SettlementResult) {
	if s.redis == nil {
		return
	}
	result.Replayed = false
	payload, err := json.Marshal(result)
	if err != nil {
		zap.L().Warn("marshal idempotency cache", zap.Error(err))
		return
	}
	if err := s.redis.Set(ctx, redisKey(result.TenantID, result.IdempotencyKey), payload, s.ttl).Err(); err != nil {
		zap.L().Warn("redis idempotency cache set failed", zap.Error(err))
	}
}

func redisKey(tenantID, key string) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, tenantID, key)
}
