package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount               = errors.New("zero amount")
	ErrAssetNotAccepted         = errors.New("asset not accepted")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrExceedsAggregateCeiling  = errors.New("exceeds aggregate ceiling")
	ErrExceedsPerOperationLimit = errors.New("exceeds per-operation limit")
	ErrInvalidPriceData         = errors.New("invalid price data")
	ErrTransferFailed           = errors.New("transfer failed")
	ErrReentrantCall            = errors.New("reentrant call")
	ErrOverflow                 = errors.New("arithmetic overflow")
	ErrUnauthorized             = errors.New("unauthorized")
)

type AssetError struct {
	Asset AssetID
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAssetNotAccepted, e.Asset)
}

func (e *AssetError) Unwrap() error { return ErrAssetNotAccepted }

type InsufficientBalanceError struct {
	Asset     AssetID
	Account   uuid.UUID
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: asset=%s account=%s requested=%s available=%s",
		ErrInsufficientBalance, e.Asset, e.Account, e.Requested.Dec(), e.Available.Dec())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// LimitError reports a breached ceiling. Kind is ErrExceedsAggregateCeiling
// (Limit holds the remaining headroom) or ErrExceedsPerOperationLimit.
type LimitError struct {
	Kind      error
	Attempted *uint256.Int
	Limit     *uint256.Int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: attempted=%s limit=%s", e.Kind, e.Attempted.Dec(), e.Limit.Dec())
}

func (e *LimitError) Unwrap() error { return e.Kind }

type PriceError struct {
	Asset  AssetID
	Reason string
	Err    error
}

func (e *PriceError) Error() string {
	msg := fmt.Sprintf("%s: asset=%s", ErrInvalidPriceData, e.Asset)
	if e.Reason != "" {
		msg += " reason=" + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PriceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidPriceData}
	}
	return []error{ErrInvalidPriceData, e.Err}
}

type TransferDirection string

const (
	TransferIn  TransferDirection = "in"
	TransferOut TransferDirection = "out"
)

type TransferError struct {
	Direction TransferDirection
	Asset     AssetID
	Account   uuid.UUID
	Amount    *uint256.Int
	Err       error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("%s: direction=%s asset=%s account=%s amount=%s",
		ErrTransferFailed, e.Direction, e.Asset, e.Account, e.Amount.Dec())
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransferFailed}
	}
	return []error{ErrTransferFailed, e.Err}
}

// Code maps an error onto the wire code used by the HTTP surface and metrics.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrReentrantCall):
		return "REENTRANT_CALL"
	case errors.Is(err, ErrOverflow):
		return "OVERFLOW"
	case errors.Is(err, ErrZeroAmount):
		return "ZERO_AMOUNT"
	case errors.Is(err, ErrAssetNotAccepted):
		return "ASSET_NOT_ACCEPTED"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrExceedsAggregateCeiling):
		return "EXCEEDS_AGGREGATE_CEILING"
	case errors.Is(err, ErrExceedsPerOperationLimit):
		return "EXCEEDS_PER_OPERATION_LIMIT"
	case errors.Is(err, ErrInvalidPriceData):
		return "INVALID_PRICE_DATA"
	case errors.Is(err, ErrTransferFailed):
		return "TRANSFER_FAILED"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	default:
		return "INTERNAL_ERROR"
	}
}
