package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/holiman/uint256"
)

// Round is a single answer published by a feed. Answer is signed because
// feeds are allowed to report zero or negative values, which are rejected.
type Round struct {
	RoundID   uint64
	Answer    *big.Int
	UpdatedAt time.Time
}

type Feed interface {
	LatestRound(ctx context.Context) (Round, error)
	Decimals() uint8
}

// Price is a validated, strictly positive reference-currency price.
type Price struct {
	Value     *uint256.Int
	Precision uint8
	UpdatedAt time.Time
}

type Option func(*Adapter)

// WithMaxAge rejects answers older than maxAge. Zero disables the check.
func WithMaxAge(maxAge time.Duration) Option {
	return func(a *Adapter) {
		a.maxAge = maxAge
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// Adapter wraps exactly one feed for one asset.
type Adapter struct {
	asset  domain.AssetID
	feed   Feed
	maxAge time.Duration
	now    func() time.Time
}

func NewAdapter(asset domain.AssetID, feed Feed, opts ...Option) *Adapter {
	a := &Adapter{
		asset: asset,
		feed:  feed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Asset() domain.AssetID {
	return a.asset
}

// LatestPrice reads the feed on every call. There is no caching and no
// fallback to an earlier answer.
func (a *Adapter) LatestPrice(ctx context.Context) (Price, error) {
	if a == nil || a.feed == nil {
		return Price{}, &domain.PriceError{Asset: a.assetOrEmpty(), Reason: "no feed"}
	}

	round, err := a.feed.LatestRound(ctx)
	if err != nil {
		return Price{}, &domain.PriceError{Asset: a.asset, Reason: "feed unavailable", Err: err}
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return Price{}, &domain.PriceError{Asset: a.asset, Reason: "non-positive answer"}
	}

	value, overflow := uint256.FromBig(round.Answer)
	if overflow {
		return Price{}, &domain.PriceError{Asset: a.asset, Reason: "answer exceeds 256 bits"}
	}

	if a.maxAge > 0 {
		if round.UpdatedAt.IsZero() {
			return Price{}, &domain.PriceError{Asset: a.asset, Reason: "missing update time"}
		}
		if age := a.now().Sub(round.UpdatedAt); age > a.maxAge {
			return Price{}, &domain.PriceError{Asset: a.asset, Reason: fmt.Sprintf("stale answer (age %s)", age.Truncate(time.Second))}
		}
	}

	return Price{
		Value:     value,
		Precision: a.feed.Decimals(),
		UpdatedAt: round.UpdatedAt,
	}, nil
}

func (a *Adapter) assetOrEmpty() domain.AssetID {
	if a == nil {
		return ""
	}
	return a.asset
}
