package valuation

import (
	"context"
	"errors"
	"testing"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/oracle"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/holiman/uint256"
)

func newRegistry(t *testing.T, descriptors ...registry.Descriptor) *registry.Registry {
	t.Helper()
	reg, err := registry.New(descriptors...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestValueMultipliesBeforeDividing(t *testing.T) {
	// 1.5 units of an 18-decimal asset at 2000.12345678 reference units.
	feed := oracle.NewStaticFeed(200012345678, 8)
	reg := newRegistry(t, registry.Descriptor{ID: domain.NativeAsset, UnitScale: 18, Source: oracle.NewAdapter(domain.NativeAsset, feed)})
	conv := NewConverter(reg, 8)

	amount, _ := uint256.FromDecimal("1500000000000000000")
	value, err := conv.Value(context.Background(), domain.NativeAsset, amount)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.Dec() != "300018518517" {
		t.Fatalf("expected 300018518517, got %s", value.Dec())
	}
}

func TestValueFloorsTowardZero(t *testing.T) {
	feed := oracle.NewStaticFeed(3, 0)
	reg := newRegistry(t, registry.Descriptor{ID: "TKN", UnitScale: 1, Source: oracle.NewAdapter("TKN", feed)})
	conv := NewConverter(reg, 0)

	value, err := conv.Value(context.Background(), "TKN", uint256.NewInt(3))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	// 3 * 3 / 10 = 0.9 -> 0
	if !value.IsZero() {
		t.Fatalf("expected 0, got %s", value.Dec())
	}
}

func TestValueUnknownOrUnpricedAsset(t *testing.T) {
	reg := newRegistry(t, registry.Descriptor{ID: "OLD", UnitScale: 6})
	conv := NewConverter(reg, 8)

	for _, asset := range []domain.AssetID{"OLD", "NOPE"} {
		_, err := conv.Value(context.Background(), asset, uint256.NewInt(1))
		if !errors.Is(err, domain.ErrAssetNotAccepted) {
			t.Fatalf("expected asset not accepted for %s, got %v", asset, err)
		}
	}
}

func TestValueInvalidPrice(t *testing.T) {
	feed := oracle.NewStaticFeed(-1, 8)
	reg := newRegistry(t, registry.Descriptor{ID: "USDC", UnitScale: 6, Source: oracle.NewAdapter("USDC", feed)})

	_, err := NewConverter(reg, 8).Value(context.Background(), "USDC", uint256.NewInt(1))
	if !errors.Is(err, domain.ErrInvalidPriceData) {
		t.Fatalf("expected invalid price data, got %v", err)
	}
}

func TestValueOverflow(t *testing.T) {
	feed := oracle.NewStaticFeed(1000, 0)
	reg := newRegistry(t, registry.Descriptor{ID: "TKN", UnitScale: 0, Source: oracle.NewAdapter("TKN", feed)})

	max := new(uint256.Int).SetAllOne()
	_, err := NewConverter(reg, 0).Value(context.Background(), "TKN", max)
	if !errors.Is(err, domain.ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestConvertAdjustsFeedPrecision(t *testing.T) {
	amount := uint256.NewInt(2_000_000) // 2 units at scale 6

	lower := oracle.Price{Value: uint256.NewInt(150), Precision: 2}
	value, err := Convert(amount, lower, 6, 8)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if value.Dec() != "300000000" {
		t.Fatalf("expected 300000000 from 2-decimal feed, got %s", value.Dec())
	}

	higher := oracle.Price{Value: uint256.NewInt(1_500_000_000_000_000_000), Precision: 18}
	value, err = Convert(amount, higher, 6, 8)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if value.Dec() != "300000000" {
		t.Fatalf("expected 300000000 from 18-decimal feed, got %s", value.Dec())
	}
}

func TestConvertZeroAmount(t *testing.T) {
	value, err := Convert(new(uint256.Int), oracle.Price{Value: uint256.NewInt(5), Precision: 8}, 18, 8)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !value.IsZero() {
		t.Fatalf("expected zero, got %s", value.Dec())
	}
}
