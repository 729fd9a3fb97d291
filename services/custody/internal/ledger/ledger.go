package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

type key struct {
	asset   domain.AssetID
	account uuid.UUID
}

// Entry is one account's position in one asset.
type Entry struct {
	Balance     *uint256.Int
	Deposits    uint64
	Withdrawals uint64
}

type Counters struct {
	Deposits    uint64
	Withdrawals uint64
}

// Posting identifies a single applied credit or debit so it can be reversed.
type Posting struct {
	Kind    Kind
	Asset   domain.AssetID
	Account uuid.UUID
	Amount  *uint256.Int
	Balance *uint256.Int
}

type Snapshot struct {
	Asset   domain.AssetID
	Account uuid.UUID
	Entry   Entry
}

// Ledger holds balances, per-asset aggregates and operation counters. Each
// method is atomic on its own; callers serialize check-then-post sequences.
type Ledger struct {
	mu          sync.RWMutex
	entries     map[key]*Entry
	aggregates  map[domain.AssetID]*uint256.Int
	deposits    uint64
	withdrawals uint64
}

func New() *Ledger {
	return &Ledger{
		entries:    make(map[key]*Entry),
		aggregates: make(map[domain.AssetID]*uint256.Int),
	}
}

func (l *Ledger) Credit(asset domain.AssetID, account uuid.UUID, amount *uint256.Int) (Posting, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entry(asset, account)
	aggregate := l.aggregate(asset)

	balance, overflow := new(uint256.Int).AddOverflow(entry.Balance, amount)
	if overflow {
		return Posting{}, fmt.Errorf("%w: balance of %s for %s", domain.ErrOverflow, asset, account)
	}
	total, overflow := new(uint256.Int).AddOverflow(aggregate, amount)
	if overflow {
		return Posting{}, fmt.Errorf("%w: aggregate of %s", domain.ErrOverflow, asset)
	}

	l.store(asset, account, entry)
	entry.Balance = balance
	entry.Deposits++
	l.aggregates[asset] = total
	l.deposits++

	return Posting{Kind: KindCredit, Asset: asset, Account: account, Amount: domain.Clone(amount), Balance: domain.Clone(balance)}, nil
}

// CheckCredit reports whether Credit would succeed without mutating state.
func (l *Ledger) CheckCredit(asset domain.AssetID, account uuid.UUID, amount *uint256.Int) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, overflow := new(uint256.Int).AddOverflow(l.entry(asset, account).Balance, amount); overflow {
		return fmt.Errorf("%w: balance of %s for %s", domain.ErrOverflow, asset, account)
	}
	if _, overflow := new(uint256.Int).AddOverflow(l.aggregate(asset), amount); overflow {
		return fmt.Errorf("%w: aggregate of %s", domain.ErrOverflow, asset)
	}
	return nil
}

func (l *Ledger) Debit(asset domain.AssetID, account uuid.UUID, amount *uint256.Int) (Posting, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entry(asset, account)
	if amount.Gt(entry.Balance) {
		return Posting{}, &domain.InsufficientBalanceError{
			Asset:     asset,
			Account:   account,
			Requested: domain.Clone(amount),
			Available: domain.Clone(entry.Balance),
		}
	}
	aggregate := l.aggregate(asset)
	if amount.Gt(aggregate) {
		return Posting{}, fmt.Errorf("aggregate of %s below account balance", asset)
	}

	l.store(asset, account, entry)
	entry.Balance = new(uint256.Int).Sub(entry.Balance, amount)
	entry.Withdrawals++
	l.aggregates[asset] = new(uint256.Int).Sub(aggregate, amount)
	l.withdrawals++

	return Posting{Kind: KindDebit, Asset: asset, Account: account, Amount: domain.Clone(amount), Balance: domain.Clone(entry.Balance)}, nil
}

// Reverse undoes p, including its counter increments. It must be the most
// recent posting for the entry.
func (l *Ledger) Reverse(p Posting) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{asset: p.Asset, account: p.Account}
	entry, ok := l.entries[k]
	if !ok || !entry.Balance.Eq(p.Balance) {
		return fmt.Errorf("posting for %s/%s is not the latest", p.Asset, p.Account)
	}
	aggregate := l.aggregate(p.Asset)

	switch p.Kind {
	case KindCredit:
		if entry.Deposits == 0 || l.deposits == 0 {
			return fmt.Errorf("credit counters already at zero")
		}
		entry.Balance = new(uint256.Int).Sub(entry.Balance, p.Amount)
		entry.Deposits--
		l.aggregates[p.Asset] = new(uint256.Int).Sub(aggregate, p.Amount)
		l.deposits--
	case KindDebit:
		balance, overflow := new(uint256.Int).AddOverflow(entry.Balance, p.Amount)
		if overflow {
			return fmt.Errorf("%w: reversing debit", domain.ErrOverflow)
		}
		total, overflow := new(uint256.Int).AddOverflow(aggregate, p.Amount)
		if overflow {
			return fmt.Errorf("%w: reversing debit", domain.ErrOverflow)
		}
		if entry.Withdrawals == 0 || l.withdrawals == 0 {
			return fmt.Errorf("debit counters already at zero")
		}
		entry.Balance = balance
		entry.Withdrawals--
		l.aggregates[p.Asset] = total
		l.withdrawals--
	default:
		return fmt.Errorf("unknown posting kind %q", p.Kind)
	}
	return nil
}

// Restore replaces all state with the given snapshots. Aggregates and global
// counters are recomputed from the entries.
func (l *Ledger) Restore(snapshots []Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make(map[key]*Entry, len(snapshots))
	aggregates := make(map[domain.AssetID]*uint256.Int)
	var deposits, withdrawals uint64

	for _, s := range snapshots {
		k := key{asset: s.Asset, account: s.Account}
		if _, dup := entries[k]; dup {
			return fmt.Errorf("duplicate snapshot for %s/%s", s.Asset, s.Account)
		}
		balance := domain.Clone(s.Entry.Balance)
		entries[k] = &Entry{Balance: balance, Deposits: s.Entry.Deposits, Withdrawals: s.Entry.Withdrawals}

		total := aggregates[s.Asset]
		if total == nil {
			total = new(uint256.Int)
		}
		sum, overflow := new(uint256.Int).AddOverflow(total, balance)
		if overflow {
			return fmt.Errorf("%w: restoring aggregate of %s", domain.ErrOverflow, s.Asset)
		}
		aggregates[s.Asset] = sum
		deposits += s.Entry.Deposits
		withdrawals += s.Entry.Withdrawals
	}

	l.entries = entries
	l.aggregates = aggregates
	l.deposits = deposits
	l.withdrawals = withdrawals
	return nil
}

func (l *Ledger) Snapshot(asset domain.AssetID, account uuid.UUID) Snapshot {
	return Snapshot{Asset: asset, Account: account, Entry: l.Entry(asset, account)}
}

func (l *Ledger) Balance(asset domain.AssetID, account uuid.UUID) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Clone(l.entry(asset, account).Balance)
}

func (l *Ledger) Entry(asset domain.AssetID, account uuid.UUID) Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e := l.entry(asset, account)
	return Entry{Balance: domain.Clone(e.Balance), Deposits: e.Deposits, Withdrawals: e.Withdrawals}
}

func (l *Ledger) Aggregate(asset domain.AssetID) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Clone(l.aggregates[asset])
}

// Assets lists every asset that has ever held a balance, sorted.
func (l *Ledger) Assets() []domain.AssetID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.AssetID, 0, len(l.aggregates))
	for asset := range l.aggregates {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *Ledger) Counters() Counters {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Counters{Deposits: l.deposits, Withdrawals: l.withdrawals}
}

func (l *Ledger) entry(asset domain.AssetID, account uuid.UUID) *Entry {
	if e, ok := l.entries[key{asset: asset, account: account}]; ok {
		return e
	}
	return &Entry{Balance: new(uint256.Int)}
}

func (l *Ledger) store(asset domain.AssetID, account uuid.UUID, e *Entry) {
	l.entries[key{asset: asset, account: account}] = e
}

func (l *Ledger) aggregate(asset domain.AssetID) *uint256.Int {
	if total, ok := l.aggregates[asset]; ok {
		return total
	}
	return new(uint256.Int)
}
