package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/custodex/libs/auth"
	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/engine"
	"github.com/AfshinJalili/custodex/services/custody/internal/ledger"
	"github.com/AfshinJalili/custodex/services/custody/internal/ratelimit"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/AfshinJalili/custodex/services/custody/internal/service"
	"github.com/AfshinJalili/custodex/services/custody/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type CustodyService interface {
	Deposit(ctx context.Context, req engine.DepositRequest) (*engine.Receipt, error)
	Withdraw(ctx context.Context, req engine.WithdrawRequest) (*engine.Receipt, error)
	Balance(asset domain.AssetID, account uuid.UUID) ledger.Entry
	Preview(ctx context.Context, asset domain.AssetID, amount *uint256.Int) (service.Preview, error)
	Asset(asset domain.AssetID) (registry.Descriptor, bool)
	IsAccepted(asset domain.AssetID) bool
	Assets() []registry.Descriptor
	Limits() engine.Limits
	Stats(ctx context.Context) (service.Stats, error)
	Movements(ctx context.Context, account uuid.UUID, limit int) ([]storage.MovementRecord, error)
	AddAsset(ctx context.Context, caller uuid.UUID, asset domain.AssetID, unitScale, feedDecimals uint8) (registry.Descriptor, error)
	RemoveAsset(ctx context.Context, caller uuid.UUID, asset domain.AssetID) error
	TransferOwnership(ctx context.Context, caller, newOwner uuid.UUID) error
}

type Handler struct {
	Service CustodyService
	Limiter ratelimit.Limiter
	Logger  *slog.Logger
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

type addAssetRequest struct {
	Asset        string `json:"asset"`
	UnitScale    *int   `json:"unit_scale"`
	FeedDecimals *int   `json:"feed_decimals"`
}

type transferOwnershipRequest struct {
	NewOwner string `json:"new_owner"`
}

type movementResponse struct {
	MovementID  string `json:"movement_id"`
	Kind        string `json:"kind"`
	Asset       string `json:"asset"`
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount"`
	Value       string `json:"value"`
	Balance     string `json:"balance"`
	Deposits    uint64 `json:"deposits"`
	Withdrawals uint64 `json:"withdrawals"`
	Source      string `json:"source,omitempty"`
	Recorded    bool   `json:"recorded"`
	CreatedAt   string `json:"created_at"`
}

type balanceResponse struct {
	Asset       string `json:"asset"`
	AccountID   string `json:"account_id"`
	Balance     string `json:"balance"`
	Display     string `json:"display,omitempty"`
	Deposits    uint64 `json:"deposits"`
	Withdrawals uint64 `json:"withdrawals"`
}

type assetResponse struct {
	Asset     string `json:"asset"`
	UnitScale uint8  `json:"unit_scale"`
	Accepted  bool   `json:"accepted"`
}

type valueResponse struct {
	Asset              string `json:"asset"`
	Amount             string `json:"amount"`
	Value              string `json:"value"`
	Display            string `json:"display"`
	ReferencePrecision uint8  `json:"reference_precision"`
}

type statsResponse struct {
	Deposits           uint64            `json:"deposits"`
	Withdrawals        uint64            `json:"withdrawals"`
	Aggregates         map[string]string `json:"aggregates"`
	AggregateValue     string            `json:"aggregate_value"`
	Remaining          string            `json:"remaining"`
	AggregateCeiling   string            `json:"aggregate_ceiling"`
	PerOperationLimit  string            `json:"per_operation_limit"`
	ReferencePrecision uint8             `json:"reference_precision"`
}

type movementItem struct {
	MovementID string `json:"movement_id"`
	Kind       string `json:"kind"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Value      string `json:"value"`
	Balance    string `json:"balance"`
	Source     string `json:"source,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func New(svc CustodyService, limiter ratelimit.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Limiter: limiter, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	limited := ratelimit.Middleware(h.Limiter, accountKey, h.Logger)

	group := r.Group("/v1", auth.Middleware(jwtSecret))
	group.POST("/deposits", limited, h.Deposit)
	group.POST("/withdrawals", limited, h.Withdraw)
	group.GET("/balances/:asset", h.GetBalance)
	group.GET("/assets", h.ListAssets)
	group.GET("/assets/:asset", h.GetAsset)
	group.GET("/assets/:asset/value", h.GetValue)
	group.GET("/stats", h.GetStats)
	group.GET("/movements", h.ListMovements)

	admin := group.Group("/admin", auth.RequireRole(auth.RoleCustodyAdmin))
	admin.POST("/assets", h.AddAsset)
	admin.DELETE("/assets/:asset", h.RemoveAsset)
	admin.POST("/owner", h.TransferOwnership)
}

func (h *Handler) Deposit(c *gin.Context) {
	accountID, ok := auth.AccountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}

	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	asset, amount, ok := parseAssetAmount(c, req.Asset, req.Amount)
	if !ok {
		return
	}

	receipt, err := h.Service.Deposit(c.Request.Context(), engine.DepositRequest{
		Asset:   asset,
		Account: accountID,
		Amount:  amount,
		Source:  engine.SourceCaller,
	})
	if err != nil {
		h.writeDomainError(c, "deposit", err)
		return
	}
	c.JSON(http.StatusOK, toMovementResponse(receipt))
}

func (h *Handler) Withdraw(c *gin.Context) {
	accountID, ok := auth.AccountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}

	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	asset, amount, ok := parseAssetAmount(c, req.Asset, req.Amount)
	if !ok {
		return
	}
	var destination uuid.UUID
	if strings.TrimSpace(req.Destination) != "" {
		parsed, err := uuid.Parse(strings.TrimSpace(req.Destination))
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid destination", nil)
			return
		}
		destination = parsed
	}

	receipt, err := h.Service.Withdraw(c.Request.Context(), engine.WithdrawRequest{
		Asset:       asset,
		Account:     accountID,
		Amount:      amount,
		Destination: destination,
	})
	if err != nil {
		h.writeDomainError(c, "withdraw", err)
		return
	}
	c.JSON(http.StatusOK, toMovementResponse(receipt))
}

func (h *Handler) GetBalance(c *gin.Context) {
	accountID, ok := auth.AccountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}
	asset := domain.NormalizeAsset(c.Param("asset"))
	if !asset.Valid() {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "asset required", nil)
		return
	}

	entry := h.Service.Balance(asset, accountID)
	resp := balanceResponse{
		Asset:       asset.String(),
		AccountID:   accountID.String(),
		Balance:     entry.Balance.Dec(),
		Deposits:    entry.Deposits,
		Withdrawals: entry.Withdrawals,
	}
	if d, ok := h.Service.Asset(asset); ok {
		resp.Display = domain.FormatUnits(entry.Balance, d.UnitScale)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListAssets(c *gin.Context) {
	descriptors := h.Service.Assets()
	items := make([]assetResponse, 0, len(descriptors))
	for _, d := range descriptors {
		items = append(items, toAssetResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{"assets": items})
}

func (h *Handler) GetAsset(c *gin.Context) {
	d, ok := h.Service.Asset(domain.NormalizeAsset(c.Param("asset")))
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "asset not registered", nil)
		return
	}
	c.JSON(http.StatusOK, toAssetResponse(d))
}

func (h *Handler) GetValue(c *gin.Context) {
	asset, amount, ok := parseAssetAmount(c, c.Param("asset"), c.Query("amount"))
	if !ok {
		return
	}
	preview, err := h.Service.Preview(c.Request.Context(), asset, amount)
	if err != nil {
		h.writeDomainError(c, "value", err)
		return
	}
	c.JSON(http.StatusOK, valueResponse{
		Asset:              preview.Asset.String(),
		Amount:             preview.Amount.Dec(),
		Value:              preview.Value.Dec(),
		Display:            domain.FormatUnits(preview.Value, preview.ReferencePrecision),
		ReferencePrecision: preview.ReferencePrecision,
	})
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.Service.Stats(c.Request.Context())
	if err != nil {
		h.writeDomainError(c, "stats", err)
		return
	}
	limits := h.Service.Limits()
	aggregates := make(map[string]string, len(stats.Aggregates))
	for asset, total := range stats.Aggregates {
		aggregates[asset.String()] = total.Dec()
	}
	c.JSON(http.StatusOK, statsResponse{
		Deposits:           stats.Counters.Deposits,
		Withdrawals:        stats.Counters.Withdrawals,
		Aggregates:         aggregates,
		AggregateValue:     stats.AggregateValue.Dec(),
		Remaining:          stats.Remaining.Dec(),
		AggregateCeiling:   limits.AggregateCeiling.Dec(),
		PerOperationLimit:  limits.PerOperation.Dec(),
		ReferencePrecision: stats.ReferencePrecision,
	})
}

func (h *Handler) ListMovements(c *gin.Context) {
	accountID, ok := auth.AccountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return
		}
		limit = n
	}

	records, err := h.Service.Movements(c.Request.Context(), accountID, limit)
	if err != nil {
		if errors.Is(err, service.ErrHistoryUnavailable) {
			writeError(c, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "movement history unavailable", nil)
			return
		}
		h.Logger.Error("list movements failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]movementItem, 0, len(records))
	for _, r := range records {
		items = append(items, movementItem{
			MovementID: r.ID.String(),
			Kind:       r.Kind,
			Asset:      r.Asset,
			Amount:     r.Amount.Dec(),
			Value:      r.Value.Dec(),
			Balance:    r.Balance.Dec(),
			Source:     r.Source,
			CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"movements": items})
}

func (h *Handler) AddAsset(c *gin.Context) {
	caller, ok := auth.AccountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}

	var req addAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	asset := domain.NormalizeAsset(req.Asset)
	if !asset.Valid() {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "asset required", nil)
		return
	}
	if req.UnitScale == nil || *req.UnitScale < 0 || *req.UnitScale > domain.MaxUnitScale {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid unit_scale", nil)
		return
	}
	feedDecimals := 0
	if req.FeedDecimals != nil {
		feedDecimals = *req.FeedDecimals
	}
	if feedDecimals < 0 || feedDecimals > domain.MaxUnitScale {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid feed_decimals", nil)
		return
	}

	d, err := h.Service.AddAsset(c.Request.Context(), caller, asset, uint8(*req.UnitScale), uint8(feedDecimals))
	if err != nil {
		h.writeAdminError(c, "add asset", err)
		return
	}
	c.JSON(http.StatusCreated, toAssetResponse(d))
}

func (h *Handler) RemoveAsset(c *gin.Context) {
	caller, ok := auth.AccountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}
	asset := domain.NormalizeAsset(c.Param("asset"))
	if err := h.Service.RemoveAsset(c.Request.Context(), caller, asset); err != nil {
		h.writeAdminError(c, "remove asset", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) TransferOwnership(c *gin.Context) {
	caller, ok := auth.AccountIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing account", nil)
		return
	}
	var req transferOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	newOwner, err := uuid.Parse(strings.TrimSpace(req.NewOwner))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid new_owner", nil)
		return
	}
	if err := h.Service.TransferOwnership(c.Request.Context(), caller, newOwner); err != nil {
		h.writeAdminError(c, "transfer ownership", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) writeAdminError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, registry.ErrOwnershipFixed):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "ownership cannot be transferred", nil)
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "caller is not the owner", nil)
	case errors.Is(err, registry.ErrNativeAssetFixed):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "native asset cannot be changed", nil)
	case errors.Is(err, registry.ErrAssetNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "asset not registered", nil)
	default:
		h.Logger.Error(op+" failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func (h *Handler) writeDomainError(c *gin.Context, op string, err error) {
	code := domain.Code(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		h.Logger.Error(op+" failed", "error", err)
		writeError(c, status, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	writeError(c, status, code, messageForCode(code), detailsFor(err))
}

func statusForCode(code string) int {
	switch code {
	case "ZERO_AMOUNT", "ASSET_NOT_ACCEPTED", "INSUFFICIENT_BALANCE":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusForbidden
	case "REENTRANT_CALL":
		return http.StatusConflict
	case "EXCEEDS_AGGREGATE_CEILING", "EXCEEDS_PER_OPERATION_LIMIT", "OVERFLOW":
		return http.StatusUnprocessableEntity
	case "TRANSFER_FAILED":
		return http.StatusBadGateway
	case "INVALID_PRICE_DATA":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageForCode(code string) string {
	switch code {
	case "ZERO_AMOUNT":
		return "amount must be positive"
	case "ASSET_NOT_ACCEPTED":
		return "asset not accepted"
	case "INSUFFICIENT_BALANCE":
		return "insufficient balance"
	case "EXCEEDS_AGGREGATE_CEILING":
		return "deposit exceeds aggregate ceiling"
	case "EXCEEDS_PER_OPERATION_LIMIT":
		return "withdrawal exceeds per-operation limit"
	case "OVERFLOW":
		return "amount out of range"
	case "REENTRANT_CALL":
		return "operation already in progress"
	case "TRANSFER_FAILED":
		return "transfer failed"
	case "INVALID_PRICE_DATA":
		return "price unavailable"
	case "UNAUTHORIZED":
		return "not permitted"
	default:
		return "request failed"
	}
}

func detailsFor(err error) map[string]string {
	var (
		limitErr    *domain.LimitError
		balanceErr  *domain.InsufficientBalanceError
		assetErr    *domain.AssetError
		priceErr    *domain.PriceError
		transferErr *domain.TransferError
	)
	switch {
	case errors.As(err, &limitErr):
		return map[string]string{"attempted": limitErr.Attempted.Dec(), "limit": limitErr.Limit.Dec()}
	case errors.As(err, &balanceErr):
		return map[string]string{"requested": balanceErr.Requested.Dec(), "available": balanceErr.Available.Dec()}
	case errors.As(err, &assetErr):
		return map[string]string{"asset": assetErr.Asset.String()}
	case errors.As(err, &priceErr):
		details := map[string]string{"asset": priceErr.Asset.String()}
		if priceErr.Reason != "" {
			details["reason"] = priceErr.Reason
		}
		return details
	case errors.As(err, &transferErr):
		return map[string]string{"direction": string(transferErr.Direction), "asset": transferErr.Asset.String()}
	default:
		return nil
	}
}

func parseAssetAmount(c *gin.Context, rawAsset, rawAmount string) (domain.AssetID, *uint256.Int, bool) {
	asset := domain.NormalizeAsset(rawAsset)
	if !asset.Valid() {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "asset required", nil)
		return "", nil, false
	}
	amount, err := domain.ParseAmount(rawAmount)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount", map[string]string{"amount": rawAmount})
		return "", nil, false
	}
	return asset, amount, true
}

func toMovementResponse(receipt *engine.Receipt) movementResponse {
	return movementResponse{
		MovementID:  receipt.ID.String(),
		Kind:        string(receipt.Kind),
		Asset:       receipt.Asset.String(),
		AccountID:   receipt.Account.String(),
		Amount:      receipt.Amount.Dec(),
		Value:       receipt.Value.Dec(),
		Balance:     receipt.Balance.Dec(),
		Deposits:    receipt.Entry.Deposits,
		Withdrawals: receipt.Entry.Withdrawals,
		Source:      string(receipt.Source),
		Recorded:    receipt.RecordErr == nil,
		CreatedAt:   receipt.At.UTC().Format(time.RFC3339),
	}
}

func toAssetResponse(d registry.Descriptor) assetResponse {
	return assetResponse{
		Asset:     d.ID.String(),
		UnitScale: d.UnitScale,
		Accepted:  d.Source != nil,
	}
}

func accountKey(c *gin.Context) string {
	id, ok := auth.AccountIDFromContext(c)
	if !ok {
		return ""
	}
	return id.String()
}

func writeError(c *gin.Context, status int, code, message string, details map[string]string) {
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}
