package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration derived from environment variables.
type Config struct {
	HTTPPort    string
	DatabaseURL string
	RedisURL    string
	LogLevel    string

	KafkaBrokers          []string
	KafkaEntriesTopic     string
	KafkaSettlementsTopic string
	KafkaPaymentsTopic    string
	KafkaGroupID          string

	SweepInterval     time.Duration
	SweepMinAge       time.Duration
	SweepBatchSize    int
	SweepRatePerSec   float64
	StreamConcurrency int

	ReconciliationInterval time.Duration
	LedgerMaxAttempts      int
	IdempotencyTTL         time.Duration
	ConfigCacheTTL         time.Duration
}

// UsesPostgres reports whether a database is configured. Without one the
// service runs on the in-memory store.
func (c *Config) UsesPostgres() bool { return strings.TrimSpace(c.DatabaseURL) != "" }

// UsesRedis reports whether the replay and config caches are enabled.
func (c *Config) UsesRedis() bool { return strings.TrimSpace(c.RedisURL) != "" }

// UsesKafka reports whether events are published to and consumed from Kafka.
func (c *Config) UsesKafka() bool { return len(c.KafkaBrokers) > 0 }

// Load reads environment variables using viper and returns a typed config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	bindEnv(v, "port", "PORT", "LEDGER_PORT")
	bindEnv(v, "database_url", "DATABASE_URL", "LEDGER_DATABASE_URL")
	bindEnv(v, "redis_url", "REDIS_URL", "LEDGER_REDIS_URL")
	bindEnv(v, "log_level", "LOG_LEVEL", "LEDGER_LOG_LEVEL")
	bindEnv(v, "kafka_brokers", "KAFKA_BROKERS", "LEDGER_KAFKA_BROKERS")
	bindEnv(v, "kafka_entries_topic", "KAFKA_ENTRIES_TOPIC", "LEDGER_KAFKA_ENTRIES_TOPIC")
	bindEnv(v, "kafka_settlements_topic", "KAFKA_SETTLEMENTS_TOPIC", "LEDGER_KAFKA_SETTLEMENTS_TOPIC")
	bindEnv(v, "kafka_payments_topic", "KAFKA_PAYMENTS_TOPIC", "LEDGER_KAFKA_PAYMENTS_TOPIC")
	bindEnv(v, "kafka_group_id", "KAFKA_GROUP_ID", "LEDGER_KAFKA_GROUP_ID")
	bindEnv(v, "sweep_interval", "SWEEP_INTERVAL", "LEDGER_SWEEP_INTERVAL")
	bindEnv(v, "sweep_min_age", "SWEEP_MIN_AGE", "LEDGER_SWEEP_MIN_AGE")
	bindEnv(v, "sweep_batch_size", "SWEEP_BATCH_SIZE", "LEDGER_SWEEP_BATCH_SIZE")
	bindEnv(v, "sweep_rate_per_sec", "SWEEP_RATE_PER_SEC", "LEDGER_SWEEP_RATE_PER_SEC")
	bindEnv(v, "stream_concurrency", "STREAM_CONCURRENCY", "LEDGER_STREAM_CONCURRENCY")
	bindEnv(v, "reconciliation_interval", "RECONCILIATION_INTERVAL", "LEDGER_RECONCILIATION_INTERVAL")
	bindEnv(v, "ledger_max_attempts", "LEDGER_MAX_ATTEMPTS")
	bindEnv(v, "idempotency_ttl", "IDEMPOTENCY_TTL", "LEDGER_IDEMPOTENCY_TTL")
	bindEnv(v, "config_cache_ttl", "CONFIG_CACHE_TTL", "LEDGER_CONFIG_CACHE_TTL")

	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_entries_topic", "ledger.entries")
	v.SetDefault("kafka_settlements_topic", "settlement.results")
	v.SetDefault("kafka_payments_topic", "")
	v.SetDefault("kafka_group_id", "payout-ledger")
	v.SetDefault("sweep_interval", "5m")
	v.SetDefault("sweep_min_age", "1m")
	v.SetDefault("sweep_batch_size", 500)
	v.SetDefault("sweep_rate_per_sec", 50)
	v.SetDefault("stream_concurrency", 8)
	v.SetDefault("reconciliation_interval", "24h")
	v.SetDefault("ledger_max_attempts", 4)
	v.SetDefault("idempotency_ttl", "24h")
	v.SetDefault("config_cache_ttl", "5m")

	durations := map[string]*time.Duration{}
	cfg := &Config{
		HTTPPort:              v.GetString("port"),
		DatabaseURL:           v.GetString("database_url"),
		RedisURL:              v.GetString("redis_url"),
		LogLevel:              v.GetString("log_level"),
		KafkaBrokers:          splitList(v.GetString("kafka_brokers")),
		KafkaEntriesTopic:     v.GetString("kafka_entries_topic"),
		KafkaSettlementsTopic: v.GetString("kafka_settlements_topic"),
		KafkaPaymentsTopic:    v.GetString("kafka_payments_topic"),
		KafkaGroupID:          v.GetString("kafka_group_id"),
		SweepBatchSize:        max(v.GetInt("sweep_batch_size"), 1),
		SweepRatePerSec:       v.GetFloat64("sweep_rate_per_sec"),
		StreamConcurrency:     max(v.GetInt("stream_concurrency"), 1),
		LedgerMaxAttempts:     max(v.GetInt("ledger_max_attempts"), 1),
	}
	durations["sweep_interval"] = &cfg.SweepInterval
	durations["sweep_min_age"] = &cfg.SweepMinAge
	durations["reconciliation_interval"] = &cfg.ReconciliationInterval
	durations["idempotency_ttl"] = &cfg.IdempotencyTTL
	durations["config_cache_ttl"] = &cfg.ConfigCacheTTL
	for key, dst := range durations {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
		}
		*dst = d
	}

	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if cfg.SweepMinAge < 0 {
		return nil, fmt.Errorf("SWEEP_MIN_AGE must not be negative")
	}
	if cfg.SweepRatePerSec <= 0 {
		return nil, fmt.Errorf("SWEEP_RATE_PER_SEC must be positive")
	}
	if cfg.KafkaPaymentsTopic != "" && !cfg.UsesKafka() {
		return nil, fmt.Errorf("KAFKA_BROKERS is required when KAFKA_PAYMENTS_TOPIC is set")
	}
	if cfg.UsesKafka() && (cfg.KafkaEntriesTopic == "" || cfg.KafkaSettlementsTopic == "") {
		return nil, fmt.Errorf("KAFKA_ENTRIES_TOPIC and KAFKA_SETTLEMENTS_TOPIC are required with KAFKA_BROKERS")
	}

	return cfg, nil
}

func bindEnv(v *viper.Viper, key string, names ...string) {
	args := append([]string{key}, names...)
	_ = v.BindEnv(args...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
