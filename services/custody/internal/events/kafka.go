package events

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/custodex/libs/kafka"
	"github.com/AfshinJalili/custodex/services/custody/internal/engine"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
)

const (
	EventDepositRecorded     = "custody.deposit.recorded"
	EventWithdrawalRecorded  = "custody.withdrawal.recorded"
	EventAssetSupportChanged = "custody.asset.changed"
)

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

type Topics struct {
	Deposits    string
	Withdrawals string
	Assets      string
}

type MovementEvent struct {
	kafka.Envelope
	MovementID string `json:"movement_id"`
	Asset      string `json:"asset"`
	AccountID  string `json:"account_id"`
	Amount     string `json:"amount"`
	Value      string `json:"value"`
	Balance    string `json:"balance"`
	Source     string `json:"deposit_source,omitempty"`
}

type AssetChangedEvent struct {
	kafka.Envelope
	Asset        string `json:"asset"`
	Action       string `json:"action"`
	UnitScale    uint8  `json:"unit_scale"`
	FeedDecimals uint8  `json:"feed_decimals"`
	ActorID      string `json:"actor_id"`
}

type KafkaRecorder struct {
	publisher Publisher
	topics    Topics
	source    string
}

func NewKafkaRecorder(publisher Publisher, topics Topics, source string) *KafkaRecorder {
	return &KafkaRecorder{publisher: publisher, topics: topics, source: source}
}

func (r *KafkaRecorder) RecordMovement(ctx context.Context, m engine.Movement) error {
	topic, eventType := r.topics.Deposits, EventDepositRecorded
	if m.Kind == engine.KindWithdrawal {
		topic, eventType = r.topics.Withdrawals, EventWithdrawalRecorded
	}
	if topic == "" {
		return fmt.Errorf("no topic configured for %s", m.Kind)
	}

	env, err := kafka.NewEnvelope(eventType, 1,
		kafka.WithEventID(kafka.DeterministicEventID(eventType, m.ID.String())),
		kafka.WithCorrelationID(m.ID.String()),
		kafka.WithSource(r.source),
		kafka.WithTimestamp(m.At),
	)
	if err != nil {
		return err
	}
	event := MovementEvent{
		Envelope:   env,
		MovementID: m.ID.String(),
		Asset:      m.Asset.String(),
		AccountID:  m.Account.String(),
		Amount:     m.Amount.Dec(),
		Value:      m.Value.Dec(),
		Balance:    m.Balance.Dec(),
		Source:     string(m.Source),
	}
	if _, _, err := r.publisher.PublishJSON(ctx, topic, m.Account.String(), event); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (r *KafkaRecorder) RecordAssetChange(ctx context.Context, change registry.AssetChange) error {
	if r.topics.Assets == "" {
		return fmt.Errorf("no topic configured for asset changes")
	}
	env, err := kafka.NewEnvelope(EventAssetSupportChanged, 1,
		kafka.WithEventID(kafka.DeterministicEventID(EventAssetSupportChanged, change.Asset.String(), string(change.Action), change.At.String())),
		kafka.WithSource(r.source),
		kafka.WithTimestamp(change.At),
	)
	if err != nil {
		return err
	}
	event := AssetChangedEvent{
		Envelope:     env,
		Asset:        change.Asset.String(),
		Action:       string(change.Action),
		UnitScale:    change.UnitScale,
		FeedDecimals: change.FeedDecimals,
		ActorID:      change.Actor.String(),
	}
	if _, _, err := r.publisher.PublishJSON(ctx, r.topics.Assets, change.Asset.String(), event); err != nil {
		return fmt.Errorf("publish %s: %w", EventAssetSupportChanged, err)
	}
	return nil
}
