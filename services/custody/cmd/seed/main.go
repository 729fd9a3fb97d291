package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/custodex/libs/auth"
	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/oracle"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/AfshinJalili/custodex/services/custody/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	demoAccountID   = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	traderAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000102")
	ownerAccountID  = uuid.MustParse("00000000-0000-0000-0000-0000000000ff")
)

type seedAsset struct {
	id           domain.AssetID
	unitScale    uint8
	feedDecimals uint8
	price        string
}

var seedAssets = []seedAsset{
	{domain.NativeAsset, 18, 8, "2500"},
	{"USDC", 6, 8, "1"},
	{"DAI", 18, 8, "0.9998"},
	{"WBTC", 8, 8, "60000"},
}

func main() {
	env := getEnv("CEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "custodex"),
		getEnv("POSTGRES_PASSWORD", "custodex"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "custodex"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_ADDR", "localhost:6379")})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}
	prefix := getEnv("REDIS_PRICE_PREFIX", oracle.DefaultRedisPrefix)

	fmt.Println("Seeding custody...")

	store := storage.New(pool, nil)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	fmt.Println("✓ Schema migrated")

	if err := seedRegistry(ctx, store); err != nil {
		log.Fatalf("seed assets: %v", err)
	}
	fmt.Println("✓ Assets seeded")

	if err := seedPrices(ctx, client, prefix); err != nil {
		log.Fatalf("seed prices: %v", err)
	}
	fmt.Println("✓ Prices published")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, store, client, prefix); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	if secret := os.Getenv("JWT_SECRET"); secret != "" && env == "dev" {
		fmt.Println("\nTokens (DEV ONLY, valid 24h):")
		for name, account := range map[string]uuid.UUID{"demo": demoAccountID, "trader": traderAccountID} {
			printToken(name, account, secret)
		}
		printToken("owner", ownerAccountID, secret, auth.RoleCustodyAdmin)
	}
}

func seedRegistry(ctx context.Context, store *storage.Store) error {
	now := time.Now().UTC()
	for _, a := range seedAssets {
		if a.id.IsNative() {
			continue
		}
		if err := store.UpsertAsset(ctx, registry.AssetRecord{ID: a.id, UnitScale: a.unitScale, FeedDecimals: a.feedDecimals, UpdatedAt: now}); err != nil {
			return fmt.Errorf("%s: %w", a.id, err)
		}
	}
	return nil
}

func seedPrices(ctx context.Context, client redis.Cmdable, prefix string) error {
	now := time.Now()
	for i, a := range seedAssets {
		price, err := decimal.NewFromString(a.price)
		if err != nil {
			return fmt.Errorf("%s price: %w", a.id, err)
		}
		if err := oracle.Publish(ctx, client, prefix, a.id.String(), price, a.feedDecimals, now, uint64(i+1)); err != nil {
			return fmt.Errorf("%s: %w", a.id, err)
		}
	}
	return nil
}

func printToken(name string, account uuid.UUID, secret string, roles ...string) {
	now := time.Now()
	claims := auth.Claims{
		Roles: append([]string{"user"}, roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "custodex-seed",
			Subject:   account.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("sign %s token: %v", name, err)
	}
	fmt.Printf("  %s (%s): %s\n", name, account, signed)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
