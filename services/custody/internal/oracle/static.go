package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// StaticFeed serves a fixed answer. Set replaces it, which makes the feed
// usable for dev configs and for tests that move prices between calls.
type StaticFeed struct {
	mu        sync.RWMutex
	answer    *big.Int
	decimals  uint8
	updatedAt time.Time
	roundID   uint64
	err       error
}

func NewStaticFeed(answer int64, decimals uint8) *StaticFeed {
	return &StaticFeed{
		answer:    big.NewInt(answer),
		decimals:  decimals,
		updatedAt: time.Now().UTC(),
		roundID:   1,
	}
}

func (f *StaticFeed) Set(answer *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if answer != nil {
		f.answer = new(big.Int).Set(answer)
	} else {
		f.answer = nil
	}
	f.updatedAt = updatedAt
	f.roundID++
}

// Fail makes every subsequent read return err until it is cleared with nil.
func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StaticFeed) LatestRound(_ context.Context) (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return Round{}, f.err
	}
	var answer *big.Int
	if f.answer != nil {
		answer = new(big.Int).Set(f.answer)
	}
	return Round{RoundID: f.roundID, Answer: answer, UpdatedAt: f.updatedAt}, nil
}

func (f *StaticFeed) Decimals() uint8 {
	return f.decimals
}
