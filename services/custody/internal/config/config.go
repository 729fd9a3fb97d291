package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/custodex/libs/config"
	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	SinkVault = "vault"
	SinkKafka = "kafka"

	PricesRedis  = "redis"
	PricesStatic = "static"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	Deposits         string
	Withdrawals      string
	Assets           string
	Payouts          string
	Collections      string
	DepositsDetected string
	DeadLetter       string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PricePrefix string
}

type AuthConfig struct {
	JWTSecret string
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// AssetConfig bootstraps a registry entry. StaticPrice is only read when
// prices come from static feeds.
type AssetConfig struct {
	ID           domain.AssetID
	UnitScale    uint8
	FeedDecimals uint8
	StaticPrice  decimal.Decimal
}

type CustodyConfig struct {
	AggregateCeiling   *uint256.Int
	PerOperationLimit  *uint256.Int
	ReferencePrecision uint8
	PriceMaxAge        time.Duration
	PriceSource        string
	Sink               string
	OwnerID            uuid.UUID
	Native             AssetConfig
	Assets             []AssetConfig
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	GRPC      GRPCConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Custody   CustodyConfig
}

func Load() (*Config, error) {
	v, err := base.NewViper(os.Getenv("CEX_CONFIG"))
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "custody-service")
	v.SetDefault("kafka.topics.deposits", "custody.deposits")
	v.SetDefault("kafka.topics.withdrawals", "custody.withdrawals")
	v.SetDefault("kafka.topics.assets", "custody.assets")
	v.SetDefault("kafka.topics.payouts", "custody.payouts")
	v.SetDefault("kafka.topics.collections", "custody.collections")
	v.SetDefault("kafka.topics.deposits_detected", "custody.deposits.detected")
	v.SetDefault("kafka.topics.dead_letter", "custody.dlq")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.price_prefix", "custodex:price:")
	v.SetDefault("rate_limit.limit", 30)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("custody.aggregate_ceiling", "1000000")
	v.SetDefault("custody.per_operation_limit", "100000")
	v.SetDefault("custody.reference_precision", 8)
	v.SetDefault("custody.price_max_age", "1h")
	v.SetDefault("custody.price_source", PricesRedis)
	v.SetDefault("custody.sink", SinkKafka)
	v.SetDefault("custody.native.unit_scale", 18)
	v.SetDefault("custody.native.feed_decimals", 8)
	v.SetDefault("custody.native.static_price", "1")

	precision, err := uint8Setting("custody.reference_precision", envInt("CUSTODY_REFERENCE_PRECISION", v.GetInt("custody.reference_precision")))
	if err != nil {
		return nil, err
	}
	ceiling, err := ParseReferenceAmount(envString("CUSTODY_AGGREGATE_CEILING", v.GetString("custody.aggregate_ceiling")), precision)
	if err != nil {
		return nil, fmt.Errorf("custody.aggregate_ceiling: %w", err)
	}
	perOp, err := ParseReferenceAmount(envString("CUSTODY_PER_OPERATION_LIMIT", v.GetString("custody.per_operation_limit")), precision)
	if err != nil {
		return nil, fmt.Errorf("custody.per_operation_limit: %w", err)
	}

	ownerRaw := envString("CUSTODY_OWNER_ID", v.GetString("custody.owner_id"))
	owner, err := uuid.Parse(strings.TrimSpace(ownerRaw))
	if err != nil {
		return nil, fmt.Errorf("custody.owner_id must be a uuid: %w", err)
	}

	native, err := assetFromMap(map[string]any{
		"id":            string(domain.NativeAsset),
		"unit_scale":    v.GetInt("custody.native.unit_scale"),
		"feed_decimals": v.GetInt("custody.native.feed_decimals"),
		"static_price":  envString("CUSTODY_NATIVE_PRICE", v.GetString("custody.native.static_price")),
	})
	if err != nil {
		return nil, fmt.Errorf("custody.native: %w", err)
	}

	assets, err := parseAssets(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "custodex"),
			User:     envString("POSTGRES_USER", "custodex"),
			Password: envString("POSTGRES_PASSWORD", "custodex"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		GRPC: GRPCConfig{
			Host: envString("CEX_GRPC_HOST", "0.0.0.0"),
			Port: envInt("CEX_GRPC_PORT", 9091),
		},
		Kafka: KafkaConfig{
			Enabled:       envBool("KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Deposits:         envString("KAFKA_DEPOSITS_TOPIC", v.GetString("kafka.topics.deposits")),
				Withdrawals:      envString("KAFKA_WITHDRAWALS_TOPIC", v.GetString("kafka.topics.withdrawals")),
				Assets:           envString("KAFKA_ASSETS_TOPIC", v.GetString("kafka.topics.assets")),
				Payouts:          envString("KAFKA_PAYOUTS_TOPIC", v.GetString("kafka.topics.payouts")),
				Collections:      envString("KAFKA_COLLECTIONS_TOPIC", v.GetString("kafka.topics.collections")),
				DepositsDetected: envString("KAFKA_DEPOSITS_DETECTED_TOPIC", v.GetString("kafka.topics.deposits_detected")),
				DeadLetter:       envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Redis: RedisConfig{
			Addr:        envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password:    envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:          envInt("REDIS_DB", v.GetInt("redis.db")),
			PricePrefix: envString("REDIS_PRICE_PREFIX", v.GetString("redis.price_prefix")),
		},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", v.GetString("auth.jwt_secret")),
		},
		RateLimit: RateLimitConfig{
			Limit:  envInt("RATE_LIMIT", v.GetInt("rate_limit.limit")),
			Window: envDuration("RATE_LIMIT_WINDOW", v.GetDuration("rate_limit.window")),
		},
		Custody: CustodyConfig{
			AggregateCeiling:   ceiling,
			PerOperationLimit:  perOp,
			ReferencePrecision: precision,
			PriceMaxAge:        envDuration("CUSTODY_PRICE_MAX_AGE", v.GetDuration("custody.price_max_age")),
			PriceSource:        strings.ToLower(envString("CUSTODY_PRICE_SOURCE", v.GetString("custody.price_source"))),
			Sink:               strings.ToLower(envString("CUSTODY_SINK", v.GetString("custody.sink"))),
			OwnerID:            owner,
			Native:             native,
			Assets:             assets,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("CEX_GRPC_PORT must be positive")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret required")
	}
	if c.Custody.OwnerID == uuid.Nil {
		return fmt.Errorf("custody.owner_id must not be the nil uuid")
	}
	switch c.Custody.PriceSource {
	case PricesRedis, PricesStatic:
	default:
		return fmt.Errorf("custody.price_source must be %q or %q", PricesRedis, PricesStatic)
	}
	switch c.Custody.Sink {
	case SinkVault:
	case SinkKafka:
		if !c.Kafka.Enabled {
			return fmt.Errorf("custody.sink %q requires kafka", SinkKafka)
		}
	default:
		return fmt.Errorf("custody.sink must be %q or %q", SinkVault, SinkKafka)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.DepositsDetected == "" {
			return fmt.Errorf("kafka deposits detected topic required")
		}
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("rate_limit.limit must not be negative")
	}
	return nil
}

// ParseReferenceAmount reads a human reference-currency amount such as
// "1000000" or "2500.5" into integer units at the given precision.
func ParseReferenceAmount(raw string, precision uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%q must not be negative", raw)
	}
	scaled := d.Shift(int32(precision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%q has more than %d decimals", raw, precision)
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%q exceeds 256 bits", raw)
	}
	return out, nil
}

func parseAssets(v *viper.Viper) ([]AssetConfig, error) {
	raw := v.Get("custody.assets")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("custody.assets must be a list")
	}
	out := make([]AssetConfig, 0, len(items))
	seen := make(map[domain.AssetID]bool, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("custody.assets[%d] must be a map", i)
		}
		asset, err := assetFromMap(m)
		if err != nil {
			return nil, fmt.Errorf("custody.assets[%d]: %w", i, err)
		}
		if asset.ID.IsNative() {
			return nil, fmt.Errorf("custody.assets[%d]: %s is configured under custody.native", i, domain.NativeAsset)
		}
		if seen[asset.ID] {
			return nil, fmt.Errorf("custody.assets[%d]: duplicate asset %s", i, asset.ID)
		}
		seen[asset.ID] = true
		out = append(out, asset)
	}
	return out, nil
}

func assetFromMap(m map[string]any) (AssetConfig, error) {
	rawID, _ := m["id"].(string)
	id := domain.NormalizeAsset(rawID)
	if !id.Valid() {
		return AssetConfig{}, fmt.Errorf("id required")
	}
	unitScale, err := uint8Setting("unit_scale", toInt(m["unit_scale"]))
	if err != nil {
		return AssetConfig{}, err
	}
	feedDecimals, err := uint8Setting("feed_decimals", toInt(m["feed_decimals"]))
	if err != nil {
		return AssetConfig{}, err
	}
	if unitScale > domain.MaxUnitScale || feedDecimals > domain.MaxUnitScale {
		return AssetConfig{}, fmt.Errorf("unit_scale and feed_decimals must be at most %d", domain.MaxUnitScale)
	}
	price := decimal.Zero
	if rawPrice, ok := m["static_price"]; ok && rawPrice != nil && fmt.Sprint(rawPrice) != "" {
		price, err = decimal.NewFromString(fmt.Sprint(rawPrice))
		if err != nil {
			return AssetConfig{}, fmt.Errorf("static_price: %w", err)
		}
	}
	return AssetConfig{ID: id, UnitScale: unitScale, FeedDecimals: feedDecimals, StaticPrice: price}, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return -1
		}
		return i
	default:
		return 0
	}
}

func uint8Setting(name string, v int) (uint8, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%s must be between 0 and 255", name)
	}
	return uint8(v), nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
