package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AfshinJalili/custodex/libs/kafka"
	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/engine"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const EventDepositDetected = "custody.deposit.detected"

// DepositDetectedEvent announces funds that already reached custody, for
// example a transfer observed by a chain watcher.
type DepositDetectedEvent struct {
	kafka.Envelope
	Asset     string `json:"asset"`
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type Depositor interface {
	Deposit(ctx context.Context, req engine.DepositRequest) (*engine.Receipt, error)
}

// Deduper claims event IDs so redelivered messages are credited once.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type DepositConsumer struct {
	custody Depositor
	dedupe  Deduper
	logger  *slog.Logger
}

func NewDepositConsumer(custody Depositor, dedupe Deduper, logger *slog.Logger) *DepositConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositConsumer{custody: custody, dedupe: dedupe, logger: logger}
}

func (c *DepositConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty")
	}
	var event DepositDetectedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", EventDepositDetected, err), "decode")
	}
	req, err := event.request()
	if err != nil {
		return kafka.DLQ(err, "invalid")
	}

	if c.dedupe != nil {
		claimed, err := c.dedupe.Claim(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("claim event %s: %w", event.EventID, err)
		}
		if !claimed {
			c.logger.Info("deposit event already processed", "event_id", event.EventID)
			return nil
		}
	}

	receipt, err := c.custody.Deposit(ctx, req)
	if err != nil {
		if permanent(err) {
			c.logger.Warn("detected deposit rejected", "event_id", event.EventID, "asset", req.Asset, "account", req.Account, "code", domain.Code(err))
			return kafka.DLQ(err, strings.ToLower(domain.Code(err)))
		}
		c.release(ctx, event.EventID)
		return err
	}

	c.logger.Info("detected deposit credited",
		"event_id", event.EventID,
		"movement_id", receipt.ID,
		"asset", receipt.Asset,
		"account", receipt.Account,
		"reference", event.Reference,
	)
	return nil
}

func (c *DepositConsumer) release(ctx context.Context, eventID string) {
	if c.dedupe == nil {
		return
	}
	if err := c.dedupe.Release(ctx, eventID); err != nil {
		c.logger.Error("release event claim failed", "event_id", eventID, "error", err)
	}
}

func (e *DepositDetectedEvent) request() (engine.DepositRequest, error) {
	if err := e.Envelope.Validate(); err != nil {
		return engine.DepositRequest{}, err
	}
	if e.EventType != EventDepositDetected {
		return engine.DepositRequest{}, fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	asset := domain.NormalizeAsset(e.Asset)
	if !asset.Valid() {
		return engine.DepositRequest{}, fmt.Errorf("asset is required")
	}
	account, err := uuid.Parse(strings.TrimSpace(e.AccountID))
	if err != nil || account == uuid.Nil {
		return engine.DepositRequest{}, fmt.Errorf("invalid account_id")
	}
	amount, err := domain.ParseAmount(e.Amount)
	if err != nil {
		return engine.DepositRequest{}, err
	}
	return engine.DepositRequest{
		Asset:   asset,
		Account: account,
		Amount:  amount,
		Source:  engine.SourceDetected,
	}, nil
}

// Rejections that a retry cannot fix. Price, reentrancy and transfer
// failures may clear up and are retried.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrZeroAmount) ||
		errors.Is(err, domain.ErrAssetNotAccepted) ||
		errors.Is(err, domain.ErrExceedsAggregateCeiling) ||
		errors.Is(err, domain.ErrOverflow)
}
