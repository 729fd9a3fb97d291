package engine

import (
	"errors"
	"testing"

	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
)

func TestGuardRejectsNestedEntry(t *testing.T) {
	var g Guard
	if err := g.Enter(); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if !g.Busy() {
		t.Fatalf("expected busy")
	}
	if err := g.Enter(); !errors.Is(err, domain.ErrReentrantCall) {
		t.Fatalf("expected reentrant call, got %v", err)
	}
	g.Exit()
	if g.Busy() {
		t.Fatalf("expected idle after exit")
	}
	if err := g.Enter(); err != nil {
		t.Fatalf("enter after exit: %v", err)
	}
	g.Exit()
}
