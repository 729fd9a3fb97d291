package engine

import (
	"sync/atomic"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
)

const (
	stateIdle int32 = iota
	stateBusy
)

// Guard rejects entry while an operation is in flight. Enter and Exit must be
// paired; callers defer Exit right after a successful Enter.
type Guard struct {
	state atomic.Int32
}

func (g *Guard) Enter() error {
	if !g.state.CompareAndSwap(stateIdle, stateBusy) {
		return domain.ErrReentrantCall
	}
	return nil
}

func (g *Guard) Exit() {
	g.state.Store(stateIdle)
}

func (g *Guard) Busy() bool {
	return g.state.Load() == stateBusy
}
