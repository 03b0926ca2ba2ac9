package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const configKeyPrefix = "settlement:config"

// CachedConfigStore is a read-through Redis cache in front of a ConfigStore.
// Redis failures degrade to reading the backing store.
type CachedConfigStore struct {
	next  service.ConfigStore
	redis redis.Cmdable
	ttl   time.Duration
}

var (
	_ service.ConfigStore       = (*CachedConfigStore)(nil)
	_ service.ConfigInvalidator = (*CachedConfigStore)(nil)
)

func NewCachedConfigStore(next service.ConfigStore, rdb redis.Cmdable, ttl time.Duration) *CachedConfigStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedConfigStore{next: next, redis: rdb, ttl: ttl}
}

func (c *CachedConfigStore) GetConfig(ctx context.Context, tenantID string) (*models.SettlementConfig, error) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, configKey(tenantID)).Bytes()
		switch {
		case err == nil:
			var cfg models.SettlementConfig
			if jsonErr := json.Unmarshal(val, &cfg); jsonErr == nil {
				return &cfg, nil
			}
		case !errors.Is(err, redis.Nil):
			zap.L().Warn("settlement config cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	cfg, err := c.next.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if c.redis != nil {
		if payload, err := json.Marshal(cfg); err == nil {
			if err := c.redis.Set(ctx, configKey(tenantID), payload, c.ttl).Err(); err != nil {
				zap.L().Warn("settlement config cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}
	}
	return cfg, nil
}

func (c *CachedConfigStore) PutConfig(ctx context.Context, cfg *models.SettlementConfig) error {
	if err := c.next.PutConfig(ctx, cfg); err != nil {
		return err
	}
	return c.Invalidate(ctx, cfg.TenantID)
}

// Invalidate drops the cached config of tenantID.
func (c *CachedConfigStore) Invalidate(ctx context.Context, tenantID string) error {
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, configKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("invalidate settlement config: %w", err)
	}
	return nil
}

func configKey(tenantID string) string {
	return fmt.Sprintf("%s:%s", configKeyPrefix, tenantID)
}
