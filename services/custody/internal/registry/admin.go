package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/oracle"
	"github.com/google/uuid"
)

var (
	ErrOwnershipFixed   = fmt.Errorf("%w: ownership is fixed at construction", domain.ErrUnauthorized)
	ErrNativeAssetFixed = errors.New("native asset registration is fixed")
	ErrAssetNotFound    = errors.New("asset not registered")
)

type ChangeAction string

const (
	ActionAdded   ChangeAction = "added"
	ActionRemoved ChangeAction = "removed"
)

type AssetChange struct {
	Asset        domain.AssetID
	Action       ChangeAction
	UnitScale    uint8
	FeedDecimals uint8
	Actor        uuid.UUID
	At           time.Time
}

type AssetRecord struct {
	ID           domain.AssetID
	UnitScale    uint8
	FeedDecimals uint8
	UpdatedAt    time.Time
}

type AssetStore interface {
	UpsertAsset(ctx context.Context, record AssetRecord) error
	DeleteAsset(ctx context.Context, asset domain.AssetID) error
}

type ChangeRecorder interface {
	RecordAssetChange(ctx context.Context, change AssetChange) error
}

// SourceFactory builds the price source for a newly registered asset.
type SourceFactory func(asset domain.AssetID, feedDecimals uint8) (*oracle.Adapter, error)

type AdminOption func(*Admin)

func WithAssetStore(store AssetStore) AdminOption {
	return func(a *Admin) { a.store = store }
}

func WithChangeRecorder(recorder ChangeRecorder) AdminOption {
	return func(a *Admin) { a.recorder = recorder }
}

func WithAdminLogger(logger *slog.Logger) AdminOption {
	return func(a *Admin) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Admin is the owner-only write side of the registry.
type Admin struct {
	owner    uuid.UUID
	registry *Registry
	sources  SourceFactory
	store    AssetStore
	recorder ChangeRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewAdmin(owner uuid.UUID, registry *Registry, sources SourceFactory, opts ...AdminOption) *Admin {
	a := &Admin{
		owner:    owner,
		registry: registry,
		sources:  sources,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Admin) Owner() uuid.UUID {
	return a.owner
}

func (a *Admin) AddAsset(ctx context.Context, caller uuid.UUID, asset domain.AssetID, unitScale, feedDecimals uint8) (Descriptor, error) {
	if err := a.authorize(caller); err != nil {
		return Descriptor{}, err
	}
	if asset.IsNative() {
		return Descriptor{}, ErrNativeAssetFixed
	}
	if a.sources == nil {
		return Descriptor{}, fmt.Errorf("no price source factory configured")
	}
	source, err := a.sources(asset, feedDecimals)
	if err != nil {
		return Descriptor{}, fmt.Errorf("build price source: %w", err)
	}
	descriptor := Descriptor{ID: asset, UnitScale: unitScale, Source: source}

	now := a.now().UTC()
	if a.store != nil {
		if err := a.store.UpsertAsset(ctx, AssetRecord{ID: asset, UnitScale: unitScale, FeedDecimals: feedDecimals, UpdatedAt: now}); err != nil {
			return Descriptor{}, fmt.Errorf("persist asset: %w", err)
		}
	}
	if err := a.registry.Put(descriptor); err != nil {
		return Descriptor{}, err
	}

	a.logger.Info("asset registered", "asset", asset, "unit_scale", unitScale, "actor", caller)
	a.record(ctx, AssetChange{Asset: asset, Action: ActionAdded, UnitScale: unitScale, FeedDecimals: feedDecimals, Actor: caller, At: now})
	return descriptor, nil
}

func (a *Admin) RemoveAsset(ctx context.Context, caller uuid.UUID, asset domain.AssetID) error {
	if err := a.authorize(caller); err != nil {
		return err
	}
	if asset.IsNative() {
		return ErrNativeAssetFixed
	}
	existing, ok := a.registry.Descriptor(asset)
	if !ok {
		return ErrAssetNotFound
	}
	if a.store != nil {
		if err := a.store.DeleteAsset(ctx, asset); err != nil {
			return fmt.Errorf("delete asset: %w", err)
		}
	}
	a.registry.Remove(asset)

	a.logger.Info("asset deregistered", "asset", asset, "actor", caller)
	a.record(ctx, AssetChange{Asset: asset, Action: ActionRemoved, UnitScale: existing.UnitScale, Actor: caller, At: a.now().UTC()})
	return nil
}

// TransferOwnership is intentionally disabled.
func (a *Admin) TransferOwnership(_ context.Context, caller, _ uuid.UUID) error {
	if err := a.authorize(caller); err != nil {
		return err
	}
	return ErrOwnershipFixed
}

func (a *Admin) authorize(caller uuid.UUID) error {
	if caller == uuid.Nil || caller != a.owner {
		return fmt.Errorf("%w: caller %s is not the owner", domain.ErrUnauthorized, caller)
	}
	return nil
}

func (a *Admin) record(ctx context.Context, change AssetChange) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordAssetChange(ctx, change); err != nil {
		a.logger.Error("asset change record failed", "asset", change.Asset, "action", change.Action, "error", err)
	}
}
