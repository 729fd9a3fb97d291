package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/ledger"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type Registry interface {
	IsAccepted(asset domain.AssetID) bool
}

type Converter interface {
	Value(ctx context.Context, asset domain.AssetID, amount *uint256.Int) (*uint256.Int, error)
}

// Sink moves assets between external holders and custody. It is supplied by
// the caller's environment and must be treated as untrusted.
type Sink interface {
	MoveIn(ctx context.Context, asset domain.AssetID, from uuid.UUID, amount *uint256.Int) error
	MoveOut(ctx context.Context, asset domain.AssetID, to uuid.UUID, amount *uint256.Int) error
}

// Recorder announces committed movements. It runs after the operation and a
// failure does not undo it.
type Recorder interface {
	RecordMovement(ctx context.Context, m Movement) error
}

// Journal is the durable copy of the ledger. Writing to it is part of the
// operation: a failed CommitMovement undoes the posting. RevertMovement
// drops a committed movement whose transfer failed and stores restored as the
// entry's state.
type Journal interface {
	CommitMovement(ctx context.Context, m Movement) error
	RevertMovement(ctx context.Context, m Movement, restored ledger.Snapshot) error
}

var ErrCalleePanic = errors.New("callee panicked")

type MovementKind string

const (
	KindDeposit    MovementKind = "deposit"
	KindWithdrawal MovementKind = "withdrawal"
)

// DepositSource says where deposited funds come from. SourceCaller pulls the
// amount from the depositor through the sink, native asset included.
// SourceDetected means the funds were already observed in custody and no pull
// happens.
type DepositSource string

const (
	SourceCaller   DepositSource = "caller"
	SourceDetected DepositSource = "detected"
)

type Movement struct {
	ID      uuid.UUID
	Kind    MovementKind
	Asset   domain.AssetID
	Account uuid.UUID
	Amount  *uint256.Int
	Value   *uint256.Int
	Balance *uint256.Int
	Entry   ledger.Entry
	Source  DepositSource
	At      time.Time
}

type DepositRequest struct {
	Asset   domain.AssetID
	Account uuid.UUID
	Amount  *uint256.Int
	Source  DepositSource
}

type WithdrawRequest struct {
	Asset       domain.AssetID
	Account     uuid.UUID
	Amount      *uint256.Int
	Destination uuid.UUID
}

// Receipt describes a committed operation. RecordErr is set when the
// recorder failed after commit; the operation itself stands.
type Receipt struct {
	Movement
	RecordErr error
}

type Limits struct {
	AggregateCeiling *uint256.Int
	PerOperation     *uint256.Int
}

func (l Limits) clone() Limits {
	return Limits{AggregateCeiling: domain.Clone(l.AggregateCeiling), PerOperation: domain.Clone(l.PerOperation)}
}

type Option func(*Engine)

func WithRecorder(recorder Recorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

func WithJournal(journal Journal) Option {
	return func(e *Engine) { e.journal = journal }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine applies deposits and withdrawals to the ledger. Every operation runs
// checks, then effects (ledger and journal), then interactions, under the
// guard. It is single-threaded; callers serialize access.
type Engine struct {
	guard     Guard
	ledger    *ledger.Ledger
	registry  Registry
	converter Converter
	sink      Sink
	recorder  Recorder
	journal   Journal
	limits    Limits
	logger    *slog.Logger
	now       func() time.Time

	calls  atomic.Uint64
	inCall atomic.Bool
}

func New(l *ledger.Ledger, registry Registry, converter Converter, sink Sink, limits Limits, opts ...Option) (*Engine, error) {
	if l == nil || registry == nil || converter == nil || sink == nil {
		return nil, fmt.Errorf("ledger, registry, converter and sink are required")
	}
	if limits.AggregateCeiling == nil || limits.PerOperation == nil {
		return nil, fmt.Errorf("aggregate ceiling and per-operation limit are required")
	}
	e := &Engine{
		ledger:    l,
		registry:  registry,
		converter: converter,
		sink:      sink,
		limits:    limits.clone(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Limits() Limits {
	return e.limits.clone()
}

func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (*Receipt, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()

	if req.Amount == nil || req.Amount.IsZero() {
		return nil, domain.ErrZeroAmount
	}
	if !e.registry.IsAccepted(req.Asset) {
		return nil, &domain.AssetError{Asset: req.Asset}
	}

	value, err := e.value(ctx, req.Asset, req.Amount)
	if err != nil {
		return nil, err
	}
	current, err := e.aggregateValue(ctx, e.value)
	if err != nil {
		return nil, err
	}
	remaining := new(uint256.Int)
	if e.limits.AggregateCeiling.Gt(current) {
		remaining.Sub(e.limits.AggregateCeiling, current)
	}
	if value.Gt(remaining) {
		return nil, &domain.LimitError{Kind: domain.ErrExceedsAggregateCeiling, Attempted: value, Limit: remaining}
	}
	if err := e.ledger.CheckCredit(req.Asset, req.Account, req.Amount); err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = SourceCaller
	}
	if source == SourceCaller {
		if err := e.callout(func() error { return e.sink.MoveIn(ctx, req.Asset, req.Account, req.Amount) }); err != nil {
			return nil, &domain.TransferError{Direction: domain.TransferIn, Asset: req.Asset, Account: req.Account, Amount: domain.Clone(req.Amount), Err: err}
		}
	}

	posting, err := e.ledger.Credit(req.Asset, req.Account, req.Amount)
	if err != nil {
		e.refund(ctx, source, req.Asset, req.Account, req.Amount)
		return nil, err
	}

	m := e.movement(Movement{
		Kind:    KindDeposit,
		Asset:   req.Asset,
		Account: req.Account,
		Amount:  posting.Amount,
		Value:   value,
		Balance: posting.Balance,
		Source:  source,
	})
	if err := e.commit(ctx, m); err != nil {
		if revErr := e.ledger.Reverse(posting); revErr != nil {
			e.logger.Error("deposit rollback failed", "asset", req.Asset, "account", req.Account, "error", revErr)
			err = errors.Join(err, revErr)
		}
		e.refund(ctx, source, req.Asset, req.Account, req.Amount)
		return nil, err
	}

	return e.record(ctx, m), nil
}

func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (*Receipt, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()

	if req.Amount == nil || req.Amount.IsZero() {
		return nil, domain.ErrZeroAmount
	}
	if !e.registry.IsAccepted(req.Asset) {
		return nil, &domain.AssetError{Asset: req.Asset}
	}
	available := e.ledger.Balance(req.Asset, req.Account)
	if req.Amount.Gt(available) {
		return nil, &domain.InsufficientBalanceError{Asset: req.Asset, Account: req.Account, Requested: domain.Clone(req.Amount), Available: available}
	}

	value, err := e.value(ctx, req.Asset, req.Amount)
	if err != nil {
		return nil, err
	}
	if value.Gt(e.limits.PerOperation) {
		return nil, &domain.LimitError{Kind: domain.ErrExceedsPerOperationLimit, Attempted: value, Limit: domain.Clone(e.limits.PerOperation)}
	}

	posting, err := e.ledger.Debit(req.Asset, req.Account, req.Amount)
	if err != nil {
		return nil, err
	}
	m := e.movement(Movement{
		Kind:    KindWithdrawal,
		Asset:   req.Asset,
		Account: req.Account,
		Amount:  posting.Amount,
		Value:   value,
		Balance: posting.Balance,
	})
	if err := e.commit(ctx, m); err != nil {
		if revErr := e.ledger.Reverse(posting); revErr != nil {
			e.logger.Error("withdrawal rollback failed", "asset", req.Asset, "account", req.Account, "error", revErr)
			return nil, errors.Join(err, revErr)
		}
		return nil, err
	}

	destination := req.Destination
	if destination == uuid.Nil {
		destination = req.Account
	}
	if err := e.callout(func() error { return e.sink.MoveOut(ctx, req.Asset, destination, req.Amount) }); err != nil {
		transferErr := &domain.TransferError{Direction: domain.TransferOut, Asset: req.Asset, Account: req.Account, Amount: domain.Clone(req.Amount), Err: err}
		if revErr := e.ledger.Reverse(posting); revErr != nil {
			e.logger.Error("withdrawal rollback failed", "asset", req.Asset, "account", req.Account, "error", revErr)
			return nil, errors.Join(transferErr, revErr)
		}
		e.revert(ctx, m)
		e.logger.Warn("withdrawal transfer failed, ledger restored", "asset", req.Asset, "account", req.Account, "error", err)
		return nil, transferErr
	}

	return e.record(ctx, m), nil
}

// Callout reports whether an operation is waiting on a sink, feed or journal
// call, and a sequence number identifying that call.
func (e *Engine) Callout() (seq uint64, active bool) {
	return e.calls.Load(), e.inCall.Load()
}

// callout runs fn, which leaves the engine. A panic in fn comes back as an
// error wrapping ErrCalleePanic.
func (e *Engine) callout(fn func() error) (err error) {
	e.calls.Add(1)
	e.inCall.Store(true)
	defer func() {
		e.inCall.Store(false)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCalleePanic, r)
		}
	}()
	return fn()
}

func (e *Engine) value(ctx context.Context, asset domain.AssetID, amount *uint256.Int) (*uint256.Int, error) {
	var value *uint256.Int
	err := e.callout(func() error {
		var err error
		value, err = e.converter.Value(ctx, asset, amount)
		return err
	})
	if errors.Is(err, ErrCalleePanic) {
		return nil, &domain.PriceError{Asset: asset, Reason: "feed panicked", Err: err}
	}
	return value, err
}

func (e *Engine) movement(m Movement) Movement {
	m.ID = uuid.New()
	m.At = e.now().UTC()
	m.Entry = e.ledger.Entry(m.Asset, m.Account)
	return m
}

func (e *Engine) commit(ctx context.Context, m Movement) error {
	if e.journal == nil {
		return nil
	}
	if err := e.callout(func() error { return e.journal.CommitMovement(ctx, m) }); err != nil {
		e.logger.Error("movement journal failed", "kind", m.Kind, "asset", m.Asset, "account", m.Account, "movement_id", m.ID, "error", err)
		return fmt.Errorf("journal %s: %w", m.Kind, err)
	}
	return nil
}

// revert leaves the journal holding the debit when it fails, so a restart
// under-reports the balance rather than over-reporting it.
func (e *Engine) revert(ctx context.Context, m Movement) {
	if e.journal == nil {
		return
	}
	restored := e.ledger.Snapshot(m.Asset, m.Account)
	if err := e.callout(func() error { return e.journal.RevertMovement(ctx, m, restored) }); err != nil {
		e.logger.Error("movement journal revert failed", "kind", m.Kind, "asset", m.Asset, "account", m.Account, "movement_id", m.ID, "error", err)
	}
}

// refund returns pulled funds when the deposit could not be booked.
func (e *Engine) refund(ctx context.Context, source DepositSource, asset domain.AssetID, account uuid.UUID, amount *uint256.Int) {
	if source != SourceCaller {
		return
	}
	if err := e.callout(func() error { return e.sink.MoveOut(ctx, asset, account, amount) }); err != nil {
		e.logger.Error("deposit refund failed", "asset", asset, "account", account, "amount", amount.Dec(), "error", err)
	}
}

// AggregateValue is the live reference-currency value of everything in
// custody. A pricing failure for an accepted asset is returned. A sum beyond
// 256 bits saturates.
//
// Holdings of an asset that was removed from the registry have no price
// source and are left out, so they do not count against the aggregate
// ceiling until the asset is accepted again.
func (e *Engine) AggregateValue(ctx context.Context) (*uint256.Int, error) {
	return e.aggregateValue(ctx, e.converter.Value)
}

type valueFunc func(ctx context.Context, asset domain.AssetID, amount *uint256.Int) (*uint256.Int, error)

func (e *Engine) aggregateValue(ctx context.Context, valueOf valueFunc) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, asset := range e.ledger.Assets() {
		held := e.ledger.Aggregate(asset)
		if held.IsZero() {
			continue
		}
		if !e.registry.IsAccepted(asset) {
			e.logger.Warn("unpriced asset left out of aggregate value", "asset", asset, "held", held.Dec())
			continue
		}
		value, err := valueOf(ctx, asset, held)
		if err != nil {
			if errors.Is(err, domain.ErrOverflow) {
				return new(uint256.Int).SetAllOne(), nil
			}
			return nil, fmt.Errorf("value %s holdings: %w", asset, err)
		}
		if _, overflow := total.AddOverflow(total, value); overflow {
			return new(uint256.Int).SetAllOne(), nil
		}
	}
	return total, nil
}

func (e *Engine) record(ctx context.Context, m Movement) *Receipt {
	receipt := &Receipt{Movement: m}
	if e.recorder == nil {
		return receipt
	}
	if err := e.callout(func() error { return e.recorder.RecordMovement(ctx, m) }); err != nil {
		e.logger.Error("movement record failed", "kind", m.Kind, "asset", m.Asset, "account", m.Account, "movement_id", m.ID, "error", err)
		receipt.RecordErr = err
	}
	return receipt
}
