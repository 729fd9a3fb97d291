package main

import (
	"context"
	"time"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/oracle"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/AfshinJalili/custodex/services/custody/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// seedTestData registers assets whose prices are broken on purpose: STALE
// was last published a day ago and NOPRICE has never been published.
func seedTestData(ctx context.Context, store *storage.Store, client redis.Cmdable, prefix string) error {
	now := time.Now().UTC()
	for _, id := range []string{"STALE", "NOPRICE"} {
		if err := store.UpsertAsset(ctx, registry.AssetRecord{ID: domain.AssetID(id), UnitScale: 6, FeedDecimals: 8, UpdatedAt: now}); err != nil {
			return err
		}
	}
	if err := client.Del(ctx, prefix+"NOPRICE").Err(); err != nil {
		return err
	}
	return oracle.Publish(ctx, client, prefix, "STALE", decimal.NewFromInt(1), 8, now.Add(-24*time.Hour), 1)
}
