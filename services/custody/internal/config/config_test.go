package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
)

const testOwner = "00000000-0000-0000-0000-0000000000ff"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CEX_CONFIG", writeConfig(t, "auth:\n  jwt_secret: secret\ncustody:\n  owner_id: "+testOwner+"\n"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GRPC.Port != 9091 {
		t.Fatalf("expected grpc port 9091, got %d", cfg.GRPC.Port)
	}
	if cfg.Kafka.ConsumerGroup != "custody-service" {
		t.Fatalf("unexpected consumer group %s", cfg.Kafka.ConsumerGroup)
	}
	if cfg.Kafka.Topics.DepositsDetected != "custody.deposits.detected" || cfg.Kafka.Topics.DeadLetter != "custody.dlq" {
		t.Fatalf("unexpected topics %+v", cfg.Kafka.Topics)
	}
	if cfg.Custody.ReferencePrecision != 8 {
		t.Fatalf("expected precision 8, got %d", cfg.Custody.ReferencePrecision)
	}
	if got := cfg.Custody.AggregateCeiling.Dec(); got != "100000000000000" {
		t.Fatalf("expected ceiling 1e14, got %s", got)
	}
	if got := cfg.Custody.PerOperationLimit.Dec(); got != "10000000000000" {
		t.Fatalf("expected per-operation limit 1e13, got %s", got)
	}
	if cfg.Custody.PriceMaxAge != time.Hour {
		t.Fatalf("expected 1h max age, got %s", cfg.Custody.PriceMaxAge)
	}
	if cfg.Custody.Sink != SinkKafka || cfg.Custody.PriceSource != PricesRedis {
		t.Fatalf("unexpected sink/prices %s/%s", cfg.Custody.Sink, cfg.Custody.PriceSource)
	}
	if cfg.Custody.Native.ID != domain.NativeAsset || cfg.Custody.Native.UnitScale != 18 {
		t.Fatalf("unexpected native asset %+v", cfg.Custody.Native)
	}
	if cfg.Custody.OwnerID.String() != testOwner {
		t.Fatalf("unexpected owner %s", cfg.Custody.OwnerID)
	}
}

func TestLoadAssetsAndLimits(t *testing.T) {
	body := strings.Join([]string{
		"auth:",
		"  jwt_secret: secret",
		"custody:",
		"  owner_id: " + testOwner,
		"  reference_precision: 0",
		"  aggregate_ceiling: \"1000000\"",
		"  per_operation_limit: \"100000\"",
		"  sink: vault",
		"  price_source: static",
		"  assets:",
		"    - id: usdc",
		"      unit_scale: 6",
		"      feed_decimals: 8",
		"      static_price: \"1.0001\"",
		"    - id: WBTC",
		"      unit_scale: 8",
		"      feed_decimals: 8",
		"",
	}, "\n")
	t.Setenv("CEX_CONFIG", writeConfig(t, body))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Custody.AggregateCeiling.Uint64() != 1_000_000 || cfg.Custody.PerOperationLimit.Uint64() != 100_000 {
		t.Fatalf("unexpected limits %s/%s", cfg.Custody.AggregateCeiling, cfg.Custody.PerOperationLimit)
	}
	if len(cfg.Custody.Assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(cfg.Custody.Assets))
	}
	usdc := cfg.Custody.Assets[0]
	if usdc.ID != "USDC" || usdc.UnitScale != 6 || usdc.FeedDecimals != 8 {
		t.Fatalf("unexpected usdc config %+v", usdc)
	}
	if usdc.StaticPrice.String() != "1.0001" {
		t.Fatalf("unexpected static price %s", usdc.StaticPrice)
	}
	if !cfg.Custody.Assets[1].StaticPrice.IsZero() {
		t.Fatalf("expected zero static price when unset")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CEX_CONFIG", writeConfig(t, "auth:\n  jwt_secret: secret\ncustody:\n  owner_id: "+testOwner+"\n"))
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("CUSTODY_AGGREGATE_CEILING", "5")
	t.Setenv("CUSTODY_SINK", "VAULT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Custody.AggregateCeiling.Uint64() != 500_000_000 {
		t.Fatalf("unexpected ceiling %s", cfg.Custody.AggregateCeiling)
	}
	if cfg.Custody.Sink != SinkVault {
		t.Fatalf("expected vault sink, got %s", cfg.Custody.Sink)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing secret":   "custody:\n  owner_id: " + testOwner + "\n",
		"missing owner":    "auth:\n  jwt_secret: secret\n",
		"bad ceiling":      "auth:\n  jwt_secret: secret\ncustody:\n  owner_id: " + testOwner + "\n  aggregate_ceiling: lots\n",
		"negative limit":   "auth:\n  jwt_secret: secret\ncustody:\n  owner_id: " + testOwner + "\n  per_operation_limit: \"-1\"\n",
		"unknown sink":     "auth:\n  jwt_secret: secret\ncustody:\n  owner_id: " + testOwner + "\n  sink: chain\n",
		"kafka sink off":   "auth:\n  jwt_secret: secret\nkafka:\n  enabled: false\ncustody:\n  owner_id: " + testOwner + "\n",
		"native in assets": "auth:\n  jwt_secret: secret\ncustody:\n  owner_id: " + testOwner + "\n  assets:\n    - id: native\n      unit_scale: 18\n",
		"scale too large":  "auth:\n  jwt_secret: secret\ncustody:\n  owner_id: " + testOwner + "\n  assets:\n    - id: big\n      unit_scale: 78\n",
		"duplicate asset":  "auth:\n  jwt_secret: secret\ncustody:\n  owner_id: " + testOwner + "\n  assets:\n    - id: usdc\n    - id: USDC\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CEX_CONFIG", writeConfig(t, body))
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseReferenceAmount(t *testing.T) {
	got, err := ParseReferenceAmount("2500.5", 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Uint64() != 250050 {
		t.Fatalf("expected 250050, got %s", got)
	}
	if _, err := ParseReferenceAmount("0.001", 2); err == nil {
		t.Fatalf("expected excess decimals to fail")
	}
	if _, err := ParseReferenceAmount("1e80", 0); err == nil {
		t.Fatalf("expected overflow to fail")
	}
}
