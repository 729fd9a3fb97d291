package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/custodex/libs/kafka"
	"github.com/AfshinJalili/custodex/services/custody/internal/config"
	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/engine"
	"github.com/AfshinJalili/custodex/services/custody/internal/ledger"
	"github.com/AfshinJalili/custodex/services/custody/internal/oracle"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/AfshinJalili/custodex/services/custody/internal/service"
	"github.com/AfshinJalili/custodex/services/custody/internal/transfer"
	"github.com/redis/go-redis/v9"
)

type assetStore interface {
	ListAssets(ctx context.Context) ([]registry.AssetRecord, error)
	UpsertAsset(ctx context.Context, record registry.AssetRecord) error
}

// newSourceFactory builds price adapters for both bootstrap and admin-added
// assets. Static prices only cover assets listed in config; anything else
// gets a zero answer and is reported as invalid price data until a restart.
func newSourceFactory(cfg *config.Config, client redis.Cmdable) registry.SourceFactory {
	static := make(map[domain.AssetID]config.AssetConfig, len(cfg.Custody.Assets)+1)
	static[domain.NativeAsset] = cfg.Custody.Native
	for _, a := range cfg.Custody.Assets {
		static[a.ID] = a
	}

	return func(asset domain.AssetID, feedDecimals uint8) (*oracle.Adapter, error) {
		if cfg.Custody.PriceSource == config.PricesStatic {
			a, ok := static[asset]
			if !ok {
				a = config.AssetConfig{ID: asset, FeedDecimals: feedDecimals}
			}
			feed, err := staticFeed(a)
			if err != nil {
				return nil, err
			}
			return oracle.NewAdapter(asset, feed), nil
		}
		feed := oracle.NewRedisFeed(client, cfg.Redis.PricePrefix, asset.String(), feedDecimals)
		return oracle.NewAdapter(asset, feed, oracle.WithMaxAge(cfg.Custody.PriceMaxAge)), nil
	}
}

// staticFeed scales a configured decimal price into an integer answer at
// the asset's feed decimals. Adapters over static feeds skip the age check.
func staticFeed(a config.AssetConfig) (*oracle.StaticFeed, error) {
	scaled := a.StaticPrice.Shift(int32(a.FeedDecimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("static price %s for %s has more than %d decimals", a.StaticPrice, a.ID, a.FeedDecimals)
	}
	feed := oracle.NewStaticFeed(0, a.FeedDecimals)
	feed.Set(scaled.BigInt(), time.Now().UTC())
	return feed, nil
}

// bootstrapRegistry registers the native asset, every persisted asset, and
// any configured asset the store does not know yet. Persisted settings win
// over config so admin changes survive restarts.
func bootstrapRegistry(ctx context.Context, cfg *config.Config, store assetStore, sources registry.SourceFactory, logger *slog.Logger) (*registry.Registry, error) {
	nativeSource, err := sources(domain.NativeAsset, cfg.Custody.Native.FeedDecimals)
	if err != nil {
		return nil, fmt.Errorf("native price source: %w", err)
	}
	reg, err := registry.New(registry.Descriptor{
		ID:        domain.NativeAsset,
		UnitScale: cfg.Custody.Native.UnitScale,
		Source:    nativeSource,
	})
	if err != nil {
		return nil, err
	}

	persisted, err := store.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	known := make(map[domain.AssetID]bool, len(persisted))
	for _, record := range persisted {
		if record.ID.IsNative() {
			continue
		}
		known[record.ID] = true
		if err := putAsset(reg, sources, record.ID, record.UnitScale, record.FeedDecimals); err != nil {
			return nil, err
		}
	}

	for _, a := range cfg.Custody.Assets {
		if known[a.ID] {
			continue
		}
		if err := putAsset(reg, sources, a.ID, a.UnitScale, a.FeedDecimals); err != nil {
			return nil, err
		}
		if err := store.UpsertAsset(ctx, registry.AssetRecord{ID: a.ID, UnitScale: a.UnitScale, FeedDecimals: a.FeedDecimals, UpdatedAt: time.Now().UTC()}); err != nil {
			return nil, fmt.Errorf("persist asset %s: %w", a.ID, err)
		}
		logger.Info("asset bootstrapped from config", "asset", a.ID, "unit_scale", a.UnitScale)
	}
	return reg, nil
}

func putAsset(reg *registry.Registry, sources registry.SourceFactory, asset domain.AssetID, unitScale, feedDecimals uint8) error {
	source, err := sources(asset, feedDecimals)
	if err != nil {
		return fmt.Errorf("price source for %s: %w", asset, err)
	}
	return reg.Put(registry.Descriptor{ID: asset, UnitScale: unitScale, Source: source})
}

// buildSink picks where transfers go. The in-process vault starts with
// reserves equal to the restored ledger so payouts of existing balances
// succeed.
func buildSink(cfg *config.Config, publisher kafka.Publisher, book *ledger.Ledger, logger *slog.Logger) (engine.Sink, service.Receiver) {
	if cfg.Custody.Sink == config.SinkKafka && publisher != nil {
		return transfer.NewPayoutSink(publisher, transfer.Topics{
			Payouts:     cfg.Kafka.Topics.Payouts,
			Collections: cfg.Kafka.Topics.Collections,
		}, logger), nil
	}
	vault := transfer.NewVault()
	for _, asset := range book.Assets() {
		vault.Receive(asset, book.Aggregate(asset))
	}
	return vault, vault
}
