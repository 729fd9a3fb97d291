package valuation

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/oracle"
	"github.com/holiman/uint256"
)

const DefaultReferencePrecision uint8 = 8

type Registry interface {
	PriceSource(asset domain.AssetID) (*oracle.Adapter, bool)
	UnitScale(asset domain.AssetID) (uint8, bool)
}

// Converter turns native-unit amounts into reference-currency value:
//
//	value = amount * price / 10^unitScale
//
// with the multiplication first and a single floor division. When the feed
// precision differs from the reference precision the gap is folded into the
// numerator or the divisor so there is still only one truncation.
type Converter struct {
	registry  Registry
	precision uint8
}

func NewConverter(registry Registry, referencePrecision uint8) *Converter {
	return &Converter{registry: registry, precision: referencePrecision}
}

func (c *Converter) ReferencePrecision() uint8 {
	return c.precision
}

func (c *Converter) Value(ctx context.Context, asset domain.AssetID, amount *uint256.Int) (*uint256.Int, error) {
	source, ok := c.registry.PriceSource(asset)
	if !ok {
		return nil, &domain.AssetError{Asset: asset}
	}
	unitScale, ok := c.registry.UnitScale(asset)
	if !ok {
		return nil, &domain.AssetError{Asset: asset}
	}

	price, err := source.LatestPrice(ctx)
	if err != nil {
		return nil, err
	}
	return Convert(amount, price, unitScale, c.precision)
}

// Convert is the pure arithmetic behind Value.
func Convert(amount *uint256.Int, price oracle.Price, unitScale, referencePrecision uint8) (*uint256.Int, error) {
	if amount == nil {
		amount = new(uint256.Int)
	}
	numerator, overflow := new(uint256.Int).MulOverflow(amount, price.Value)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", domain.ErrOverflow, amount.Dec(), price.Value.Dec())
	}

	divisor, err := domain.Pow10(unitScale)
	if err != nil {
		return nil, err
	}

	switch {
	case price.Precision < referencePrecision:
		factor, err := domain.Pow10(referencePrecision - price.Precision)
		if err != nil {
			return nil, err
		}
		if _, overflow := numerator.MulOverflow(numerator, factor); overflow {
			return nil, fmt.Errorf("%w: scaling value to reference precision", domain.ErrOverflow)
		}
	case price.Precision > referencePrecision:
		factor, err := domain.Pow10(price.Precision - referencePrecision)
		if err != nil {
			return nil, err
		}
		if _, overflow := divisor.MulOverflow(divisor, factor); overflow {
			// the divisor exceeds any 256-bit numerator, so the floor is zero
			return new(uint256.Int), nil
		}
	}

	return numerator.Div(numerator, divisor), nil
}
