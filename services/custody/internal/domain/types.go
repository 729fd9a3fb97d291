package domain

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AssetID identifies a custodied asset. NativeAsset is the sentinel for the
// chain's native unit; every other ID names a registered token.
type AssetID string

const NativeAsset AssetID = "NATIVE"

// MaxUnitScale bounds the fractional digits an asset may declare; 10^77 is the
// largest power of ten that fits in 256 bits.
const MaxUnitScale = 77

func NormalizeAsset(raw string) AssetID {
	return AssetID(strings.ToUpper(strings.TrimSpace(raw)))
}

func (a AssetID) String() string {
	return string(a)
}

func (a AssetID) IsNative() bool {
	return a == NativeAsset
}

func (a AssetID) Valid() bool {
	return strings.TrimSpace(string(a)) != ""
}

// ParseAmount parses a non-negative integer amount in native units.
func ParseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("amount must be a non-negative integer: %w", err)
	}
	return amount, nil
}

// Pow10 returns 10^exp, failing with ErrOverflow when it does not fit in 256 bits.
func Pow10(exp uint8) (*uint256.Int, error) {
	if exp > MaxUnitScale {
		return nil, fmt.Errorf("%w: 10^%d", ErrOverflow, exp)
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(exp))), nil
}

// FormatUnits renders amount with scale fractional digits, e.g. 1500 with
// scale 3 is "1.5".
func FormatUnits(amount *uint256.Int, scale uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(scale)).String()
}

// Clone copies v so callers never share a mutable amount with ledger state.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
