package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const DefaultRedisPrefix = "custodex:price:"

var ErrPriceNotPublished = errors.New("price not published")

// RedisFeed reads the latest answer for one asset from a Redis hash
// (<prefix><ASSET> with fields answer, decimals, updated_at, round_id).
// The answer may be written as a decimal string; it is scaled by decimals
// into an integer.
type RedisFeed struct {
	client   redis.Cmdable
	key      string
	decimals uint8
}

func NewRedisFeed(client redis.Cmdable, prefix, asset string, decimals uint8) *RedisFeed {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisFeed{
		client:   client,
		key:      prefix + strings.ToUpper(strings.TrimSpace(asset)),
		decimals: decimals,
	}
}

func (f *RedisFeed) Key() string {
	return f.key
}

func (f *RedisFeed) Decimals() uint8 {
	return f.decimals
}

func (f *RedisFeed) LatestRound(ctx context.Context) (Round, error) {
	fields, err := f.client.HGetAll(ctx, f.key).Result()
	if err != nil {
		return Round{}, fmt.Errorf("read %s: %w", f.key, err)
	}
	rawAnswer, ok := fields["answer"]
	if !ok || strings.TrimSpace(rawAnswer) == "" {
		return Round{}, fmt.Errorf("%w: %s", ErrPriceNotPublished, f.key)
	}

	if rawDecimals, ok := fields["decimals"]; ok && rawDecimals != "" {
		published, err := strconv.ParseUint(rawDecimals, 10, 8)
		if err != nil {
			return Round{}, fmt.Errorf("parse decimals: %w", err)
		}
		if uint8(published) != f.decimals {
			return Round{}, fmt.Errorf("decimals mismatch: feed %d, published %d", f.decimals, published)
		}
	}

	answer, err := decimal.NewFromString(strings.TrimSpace(rawAnswer))
	if err != nil {
		return Round{}, fmt.Errorf("parse answer: %w", err)
	}
	scaled := answer.Shift(int32(f.decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Round{}, fmt.Errorf("answer %s has more than %d decimals", rawAnswer, f.decimals)
	}

	round := Round{Answer: scaled.BigInt()}
	if raw := fields["updated_at"]; raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Round{}, fmt.Errorf("parse updated_at: %w", err)
		}
		round.UpdatedAt = time.Unix(unix, 0).UTC()
	}
	if raw := fields["round_id"]; raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Round{}, fmt.Errorf("parse round_id: %w", err)
		}
		round.RoundID = id
	}
	return round, nil
}

// Publish writes a price in the layout LatestRound reads. Used by the seed
// tool and tests.
func Publish(ctx context.Context, client redis.Cmdable, prefix, asset string, answer decimal.Decimal, decimals uint8, updatedAt time.Time, roundID uint64) error {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	key := prefix + strings.ToUpper(strings.TrimSpace(asset))
	return client.HSet(ctx, key,
		"answer", answer.String(),
		"decimals", strconv.Itoa(int(decimals)),
		"updated_at", strconv.FormatInt(updatedAt.Unix(), 10),
		"round_id", strconv.FormatUint(roundID, 10),
	).Err()
}
