package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient external funds")
	ErrInsufficientReserve = errors.New("insufficient vault reserve")
)

// Hook runs after a payout lands with the recipient, the way a receiving
// contract would. A non-nil error reverts the payout.
type Hook func(ctx context.Context, asset domain.AssetID, to uuid.UUID, amount *uint256.Int) error

type holding struct {
	asset   domain.AssetID
	account uuid.UUID
}

// Vault is an in-memory custody wallet: it tracks what each account holds
// outside custody and what custody itself holds per asset.
type Vault struct {
	mu       sync.Mutex
	external map[holding]*uint256.Int
	reserves map[domain.AssetID]*uint256.Int
	hook     Hook
}

func NewVault() *Vault {
	return &Vault{
		external: make(map[holding]*uint256.Int),
		reserves: make(map[domain.AssetID]*uint256.Int),
	}
}

func (v *Vault) SetHook(hook Hook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hook = hook
}

// Fund gives account amount of asset outside custody.
func (v *Vault) Fund(asset domain.AssetID, account uuid.UUID, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := holding{asset: asset, account: account}
	v.external[k] = new(uint256.Int).Add(v.balance(v.external[k]), amount)
}

// Receive books funds that reached custody without a pull, such as detected
// deposits or the reserves restored at startup.
func (v *Vault) Receive(asset domain.AssetID, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reserves[asset] = new(uint256.Int).Add(v.balance(v.reserves[asset]), amount)
}

func (v *Vault) External(asset domain.AssetID, account uuid.UUID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return domain.Clone(v.external[holding{asset: asset, account: account}])
}

func (v *Vault) Reserve(asset domain.AssetID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return domain.Clone(v.reserves[asset])
}

func (v *Vault) MoveIn(_ context.Context, asset domain.AssetID, from uuid.UUID, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	k := holding{asset: asset, account: from}
	held := v.balance(v.external[k])
	if amount.Gt(held) {
		return fmt.Errorf("%w: %s holds %s %s", ErrInsufficientFunds, from, held.Dec(), asset)
	}
	v.external[k] = new(uint256.Int).Sub(held, amount)
	v.reserves[asset] = new(uint256.Int).Add(v.balance(v.reserves[asset]), amount)
	return nil
}

func (v *Vault) MoveOut(ctx context.Context, asset domain.AssetID, to uuid.UUID, amount *uint256.Int) error {
	v.mu.Lock()
	reserve := v.balance(v.reserves[asset])
	if amount.Gt(reserve) {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s holds %s", ErrInsufficientReserve, asset, reserve.Dec())
	}
	k := holding{asset: asset, account: to}
	v.reserves[asset] = new(uint256.Int).Sub(reserve, amount)
	v.external[k] = new(uint256.Int).Add(v.balance(v.external[k]), amount)
	hook := v.hook
	v.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := runHook(ctx, hook, asset, to, amount); err != nil {
		v.mu.Lock()
		v.reserves[asset] = new(uint256.Int).Add(v.balance(v.reserves[asset]), amount)
		v.external[k] = new(uint256.Int).Sub(v.balance(v.external[k]), amount)
		v.mu.Unlock()
		return fmt.Errorf("recipient rejected payout: %w", err)
	}
	return nil
}

func runHook(ctx context.Context, hook Hook, asset domain.AssetID, to uuid.UUID, amount *uint256.Int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook(ctx, asset, to, amount)
}

func (v *Vault) balance(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}
