package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/custodex/libs/kafka"
	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	EventPayoutRequested     = "custody.payout.requested"
	EventCollectionRequested = "custody.collection.requested"
)

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

type Topics struct {
	Payouts     string
	Collections string
}

// Instruction asks the settlement side to move funds. Amount is in native
// units as a decimal string.
type Instruction struct {
	kafka.Envelope
	Asset   string `json:"asset"`
	Account string `json:"account_id"`
	Amount  string `json:"amount"`
}

// PayoutSink hands transfers to the settlement workers through Kafka. A
// broker acknowledgement counts as a successful transfer.
type PayoutSink struct {
	publisher Publisher
	topics    Topics
	logger    *slog.Logger
	now       func() time.Time
}

func NewPayoutSink(publisher Publisher, topics Topics, logger *slog.Logger) *PayoutSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutSink{
		publisher: publisher,
		topics:    topics,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *PayoutSink) MoveIn(ctx context.Context, asset domain.AssetID, from uuid.UUID, amount *uint256.Int) error {
	return s.publish(ctx, s.topics.Collections, EventCollectionRequested, asset, from, amount)
}

func (s *PayoutSink) MoveOut(ctx context.Context, asset domain.AssetID, to uuid.UUID, amount *uint256.Int) error {
	return s.publish(ctx, s.topics.Payouts, EventPayoutRequested, asset, to, amount)
}

func (s *PayoutSink) publish(ctx context.Context, topic, eventType string, asset domain.AssetID, account uuid.UUID, amount *uint256.Int) error {
	if s.publisher == nil || topic == "" {
		return fmt.Errorf("transfer publisher not configured for %s", eventType)
	}
	env, err := kafka.NewEnvelope(eventType, 1, kafka.WithTimestamp(s.now()), kafka.WithSource("custody-service"))
	if err != nil {
		return err
	}
	instruction := Instruction{
		Envelope: env,
		Asset:    asset.String(),
		Account:  account.String(),
		Amount:   amount.Dec(),
	}
	partition, offset, err := s.publisher.PublishJSON(ctx, topic, account.String(), instruction)
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	s.logger.Info("transfer instruction published", "event_type", eventType, "asset", asset, "account", account, "amount", amount.Dec(), "partition", partition, "offset", offset)
	return nil
}
