package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type MovementRecord struct {
	ID        uuid.UUID
	Kind      string
	Asset     string
	AccountID uuid.UUID
	Amount    *uint256.Int
	Value     *uint256.Int
	Balance   *uint256.Int
	Source    string
	CreatedAt time.Time
}
