package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/engine"
	"github.com/AfshinJalili/custodex/services/custody/internal/ledger"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/AfshinJalili/custodex/services/custody/internal/storage"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "custody-service"

	defaultReentryWait = time.Second
	lockPollInterval   = 5 * time.Millisecond
)

var ErrHistoryUnavailable = errors.New("movement history not configured")

type Converter interface {
	Value(ctx context.Context, asset domain.AssetID, amount *uint256.Int) (*uint256.Int, error)
	ReferencePrecision() uint8
}

// Receiver books funds that reached custody outside the sink, such as
// detected deposits.
type Receiver interface {
	Receive(asset domain.AssetID, amount *uint256.Int)
}

type HistoryStore interface {
	ListMovements(ctx context.Context, accountID uuid.UUID, limit int) ([]storage.MovementRecord, error)
}

type Preview struct {
	Asset              domain.AssetID
	Amount             *uint256.Int
	Value              *uint256.Int
	UnitScale          uint8
	ReferencePrecision uint8
}

type Stats struct {
	Counters           ledger.Counters
	Aggregates         map[domain.AssetID]*uint256.Int
	AggregateValue     *uint256.Int
	Remaining          *uint256.Int
	ReferencePrecision uint8
}

type Option func(*CustodyService)

func WithReceiver(receiver Receiver) Option {
	return func(s *CustodyService) { s.receiver = receiver }
}

func WithHistory(history HistoryStore) Option {
	return func(s *CustodyService) { s.history = history }
}

func WithAdmin(admin *registry.Admin) Option {
	return func(s *CustodyService) { s.admin = admin }
}

// WithReentryWait bounds how long an operation waits for the lock while the
// running operation sits in a single sink, feed or journal call.
func WithReentryWait(d time.Duration) Option {
	return func(s *CustodyService) {
		if d > 0 {
			s.reentryWait = d
		}
	}
}

type inOperationKey struct{}

// CustodyService runs deposits and withdrawals one at a time. A call made
// from inside a running operation with that operation's context goes
// straight to the engine, whose guard rejects it. A call from inside a sink,
// feed or journal with any other context waits for the lock; once the running
// operation has been stuck in that one call for reentryWait, the waiter is
// treated as re-entering and fails with ErrReentrantCall. Queries read the
// ledger directly and never take the lock.
type CustodyService struct {
	sem         chan struct{}
	reentryWait time.Duration

	engine    *engine.Engine
	ledger    *ledger.Ledger
	registry  *registry.Registry
	converter Converter
	admin     *registry.Admin
	receiver  Receiver
	history   HistoryStore
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

func NewCustodyService(eng *engine.Engine, l *ledger.Ledger, reg *registry.Registry, converter Converter, logger *slog.Logger, metrics *Metrics, opts ...Option) *CustodyService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &CustodyService{
		sem:         make(chan struct{}, 1),
		reentryWait: defaultReentryWait,
		engine:      eng,
		ledger:      l,
		registry:    reg,
		converter:   converter,
		logger:      logger,
		metrics:     metrics,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CustodyService) Deposit(ctx context.Context, req engine.DepositRequest) (*engine.Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "custody.Deposit", trace.WithAttributes(
		attribute.String("custody.asset", req.Asset.String()),
		attribute.String("custody.source", string(req.Source)),
	))
	defer span.End()

	receipt, err := s.run(ctx, "deposit", func(ctx context.Context) (*engine.Receipt, error) {
		receipt, err := s.engine.Deposit(ctx, req)
		if err == nil && s.receiver != nil && receipt.Source == engine.SourceDetected {
			s.receiver.Receive(receipt.Asset, receipt.Amount)
		}
		return receipt, err
	})
	if err != nil {
		s.fail(span, "deposit", req.Asset, req.Account, err)
		return nil, err
	}
	s.committed(span, receipt)
	return receipt, nil
}

func (s *CustodyService) Withdraw(ctx context.Context, req engine.WithdrawRequest) (*engine.Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "custody.Withdraw", trace.WithAttributes(
		attribute.String("custody.asset", req.Asset.String()),
	))
	defer span.End()

	receipt, err := s.run(ctx, "withdraw", func(ctx context.Context) (*engine.Receipt, error) {
		return s.engine.Withdraw(ctx, req)
	})
	if err != nil {
		s.fail(span, "withdraw", req.Asset, req.Account, err)
		return nil, err
	}
	s.committed(span, receipt)
	return receipt, nil
}

func (s *CustodyService) run(ctx context.Context, op string, fn func(context.Context) (*engine.Receipt, error)) (*engine.Receipt, error) {
	start := time.Now()
	var (
		receipt *engine.Receipt
		err     error
	)
	if ctx.Value(inOperationKey{}) != nil {
		receipt, err = fn(ctx)
	} else if err = s.acquire(ctx); err == nil {
		receipt, err = func() (*engine.Receipt, error) {
			defer s.release()
			return fn(context.WithValue(ctx, inOperationKey{}, op))
		}()
	}

	status := "success"
	if err != nil {
		status = "rejected"
	}
	s.metrics.ObserveOperation(op, status, time.Since(start))
	return receipt, err
}

// acquire takes the operation lock, or gives up when ctx ends or when the
// holder has been inside the same callout for reentryWait.
func (s *CustodyService) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	var (
		watched uint64
		since   time.Time
	)
	for {
		select {
		case s.sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			seq, active := s.engine.Callout()
			switch {
			case !active:
				since = time.Time{}
			case since.IsZero() || seq != watched:
				watched, since = seq, now
			case now.Sub(since) >= s.reentryWait:
				return domain.ErrReentrantCall
			}
		}
	}
}

func (s *CustodyService) release() {
	<-s.sem
}

func (s *CustodyService) fail(span trace.Span, op string, asset domain.AssetID, account uuid.UUID, err error) {
	code := domain.Code(err)
	s.metrics.IncRejection(code)
	span.SetAttributes(attribute.String("custody.error_code", code))

	switch {
	case errors.Is(err, domain.ErrOverflow), errors.Is(err, domain.ErrReentrantCall), code == "INTERNAL_ERROR":
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		s.logger.Error(op+" failed", "asset", asset, "account", account, "code", code, "error", err)
	case errors.Is(err, domain.ErrTransferFailed), errors.Is(err, domain.ErrInvalidPriceData):
		span.RecordError(err)
		s.logger.Warn(op+" failed", "asset", asset, "account", account, "code", code, "error", err)
	default:
		s.logger.Info(op+" rejected", "asset", asset, "account", account, "code", code, "error", err)
	}
}

func (s *CustodyService) committed(span trace.Span, receipt *engine.Receipt) {
	span.SetAttributes(
		attribute.String("custody.movement_id", receipt.ID.String()),
		attribute.String("custody.amount", receipt.Amount.Dec()),
		attribute.String("custody.value", receipt.Value.Dec()),
	)
	if receipt.RecordErr != nil {
		s.metrics.IncRecordFailure()
		span.AddEvent("record failed", trace.WithAttributes(attribute.String("error", receipt.RecordErr.Error())))
	}
	s.logger.Info(string(receipt.Kind)+" committed",
		"movement_id", receipt.ID,
		"asset", receipt.Asset,
		"account", receipt.Account,
		"amount", receipt.Amount.Dec(),
		"value", receipt.Value.Dec(),
	)
}

func (s *CustodyService) Balance(asset domain.AssetID, account uuid.UUID) ledger.Entry {
	return s.ledger.Entry(asset, account)
}

func (s *CustodyService) Preview(ctx context.Context, asset domain.AssetID, amount *uint256.Int) (Preview, error) {
	scale, ok := s.registry.UnitScale(asset)
	if !ok || !s.registry.IsAccepted(asset) {
		return Preview{}, &domain.AssetError{Asset: asset}
	}
	value, err := s.converter.Value(ctx, asset, amount)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Asset:              asset,
		Amount:             domain.Clone(amount),
		Value:              value,
		UnitScale:          scale,
		ReferencePrecision: s.converter.ReferencePrecision(),
	}, nil
}

func (s *CustodyService) Asset(asset domain.AssetID) (registry.Descriptor, bool) {
	d, ok := s.registry.Descriptor(asset)
	if !ok {
		return registry.Descriptor{}, false
	}
	return d, true
}

func (s *CustodyService) IsAccepted(asset domain.AssetID) bool {
	return s.registry.IsAccepted(asset)
}

func (s *CustodyService) Assets() []registry.Descriptor {
	return s.registry.List()
}

func (s *CustodyService) Limits() engine.Limits {
	return s.engine.Limits()
}

// Stats reads without the operation lock; figures taken while an operation
// is in flight may straddle it.
func (s *CustodyService) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Counters:           s.ledger.Counters(),
		Aggregates:         make(map[domain.AssetID]*uint256.Int),
		ReferencePrecision: s.converter.ReferencePrecision(),
	}
	for _, asset := range s.ledger.Assets() {
		stats.Aggregates[asset] = s.ledger.Aggregate(asset)
	}

	value, err := s.engine.AggregateValue(ctx)
	if err != nil {
		return stats, fmt.Errorf("aggregate value: %w", err)
	}
	stats.AggregateValue = value
	ceiling := s.engine.Limits().AggregateCeiling
	stats.Remaining = new(uint256.Int)
	if ceiling.Gt(value) {
		stats.Remaining.Sub(ceiling, value)
	}
	s.metrics.SetCustodiedValue(decimal.NewFromBigInt(value.ToBig(), -int32(stats.ReferencePrecision)).InexactFloat64())
	return stats, nil
}

func (s *CustodyService) Movements(ctx context.Context, account uuid.UUID, limit int) ([]storage.MovementRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryUnavailable
	}
	return s.history.ListMovements(ctx, account, limit)
}

func (s *CustodyService) AddAsset(ctx context.Context, caller uuid.UUID, asset domain.AssetID, unitScale, feedDecimals uint8) (registry.Descriptor, error) {
	if s.admin == nil {
		return registry.Descriptor{}, domain.ErrUnauthorized
	}
	d, err := s.admin.AddAsset(ctx, caller, asset, unitScale, feedDecimals)
	s.metrics.IncAdminAction("add_asset", adminStatus(err))
	return d, err
}

func (s *CustodyService) RemoveAsset(ctx context.Context, caller uuid.UUID, asset domain.AssetID) error {
	if s.admin == nil {
		return domain.ErrUnauthorized
	}
	err := s.admin.RemoveAsset(ctx, caller, asset)
	s.metrics.IncAdminAction("remove_asset", adminStatus(err))
	return err
}

func (s *CustodyService) TransferOwnership(ctx context.Context, caller, newOwner uuid.UUID) error {
	if s.admin == nil {
		return domain.ErrUnauthorized
	}
	err := s.admin.TransferOwnership(ctx, caller, newOwner)
	s.metrics.IncAdminAction("transfer_ownership", adminStatus(err))
	return err
}

func adminStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}
