package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/AfshinJalili/custodex/libs/auth"
	"github.com/AfshinJalili/custodex/services/custody/internal/domain"
	"github.com/AfshinJalili/custodex/services/custody/internal/engine"
	"github.com/AfshinJalili/custodex/services/custody/internal/ledger"
	"github.com/AfshinJalili/custodex/services/custody/internal/oracle"
	"github.com/AfshinJalili/custodex/services/custody/internal/ratelimit"
	"github.com/AfshinJalili/custodex/services/custody/internal/registry"
	"github.com/AfshinJalili/custodex/services/custody/internal/service"
	"github.com/AfshinJalili/custodex/services/custody/internal/transfer"
	"github.com/AfshinJalili/custodex/services/custody/internal/valuation"
	"github.com/AfshinJalili/custodex/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var testSecret = []byte("test-secret")

type harness struct {
	router   *gin.Engine
	vault    *transfer.Vault
	usdcFeed *oracle.StaticFeed
}

func newHarness(t *testing.T, limiter ratelimit.Limiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	nativeFeed := oracle.NewStaticFeed(1, 0)
	usdcFeed := oracle.NewStaticFeed(2, 0)
	reg, err := registry.New(
		registry.Descriptor{ID: domain.NativeAsset, Source: oracle.NewAdapter(domain.NativeAsset, nativeFeed)},
		registry.Descriptor{ID: "USDC", UnitScale: 2, Source: oracle.NewAdapter("USDC", usdcFeed)},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	l := ledger.New()
	vault := transfer.NewVault()
	conv := valuation.NewConverter(reg, 0)
	eng, err := engine.New(l, reg, conv, vault, engine.Limits{
		AggregateCeiling: uint256.NewInt(1_000),
		PerOperation:     uint256.NewInt(500),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	admin := registry.NewAdmin(testutil.OwnerAccountID, reg, func(asset domain.AssetID, decimals uint8) (*oracle.Adapter, error) {
		return oracle.NewAdapter(asset, oracle.NewStaticFeed(1, decimals)), nil
	})
	svc := service.NewCustodyService(eng, l, reg, conv, nil, nil, service.WithReceiver(vault), service.WithAdmin(admin))

	router := gin.New()
	New(svc, limiter, nil).Register(router, testSecret)
	return &harness{router: router, vault: vault, usdcFeed: usdcFeed}
}

func (h *harness) fund(asset domain.AssetID, account uuid.UUID, amount uint64) {
	h.vault.Fund(asset, account, uint256.NewInt(amount))
}

func token(t *testing.T, account uuid.UUID, roles ...string) string {
	t.Helper()
	tok, err := testutil.GenerateJWT(account, testSecret, time.Hour, time.Now(), roles...)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return tok
}

func TestDepositAndWithdrawNative(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)
	h.fund(domain.NativeAsset, testutil.DemoAccountID, 300)

	w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "native", "amount": "300"}, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	if !h.vault.External(domain.NativeAsset, testutil.DemoAccountID).IsZero() || h.vault.Reserve(domain.NativeAsset).Uint64() != 300 {
		t.Fatalf("expected native deposit pulled into custody")
	}
	dep := testutil.DecodeBody[movementResponse](t, w)
	if dep.Kind != "deposit" || dep.Asset != "NATIVE" || dep.Balance != "300" || dep.Value != "300" || dep.Deposits != 1 {
		t.Fatalf("unexpected deposit response %+v", dep)
	}
	if dep.AccountID != testutil.DemoAccountID.String() || dep.Source != "caller" || !dep.Recorded {
		t.Fatalf("unexpected deposit metadata %+v", dep)
	}

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": "NATIVE", "amount": "120"}, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	wd := testutil.DecodeBody[movementResponse](t, w)
	if wd.Kind != "withdrawal" || wd.Balance != "180" || wd.Withdrawals != 1 {
		t.Fatalf("unexpected withdrawal response %+v", wd)
	}
	if h.vault.External(domain.NativeAsset, testutil.DemoAccountID).Uint64() != 120 {
		t.Fatalf("expected payout to reach the account")
	}

	w = testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/balances/native", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	bal := testutil.DecodeBody[balanceResponse](t, w)
	if bal.Balance != "180" || bal.Deposits != 1 || bal.Withdrawals != 1 || bal.Display != "180" {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestNativeDepositWithoutFundsCannotMint(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)

	w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "NATIVE", "amount": "500"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeTransferFailed)

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": "NATIVE", "amount": "500"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInsufficientBalance)
	if !h.vault.External(domain.NativeAsset, testutil.DemoAccountID).IsZero() || !h.vault.Reserve(domain.NativeAsset).IsZero() {
		t.Fatalf("native funds created from nothing")
	}
}

func TestWithdrawToDestination(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)
	h.fund(domain.NativeAsset, testutil.DemoAccountID, 50)
	testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "NATIVE", "amount": "50"}, tok)

	w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/withdrawals", map[string]string{
		"asset": "NATIVE", "amount": "50", "destination": testutil.TraderAccountID.String(),
	}, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	if h.vault.External(domain.NativeAsset, testutil.TraderAccountID).Uint64() != 50 {
		t.Fatalf("expected payout to destination")
	}

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/withdrawals", map[string]string{
		"asset": "NATIVE", "amount": "1", "destination": "nope",
	}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)
}

func TestDepositRequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	w := testutil.MakeAPIRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "NATIVE", "amount": "1"})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
}

func TestDepositValidation(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)

	cases := []struct {
		name string
		body map[string]string
		code string
	}{
		{"zero amount", map[string]string{"asset": "NATIVE", "amount": "0"}, testutil.ErrorCodeZeroAmount},
		{"bad amount", map[string]string{"asset": "NATIVE", "amount": "1.5"}, testutil.ErrorCodeInvalidRequest},
		{"negative amount", map[string]string{"asset": "NATIVE", "amount": "-3"}, testutil.ErrorCodeInvalidRequest},
		{"missing asset", map[string]string{"amount": "3"}, testutil.ErrorCodeInvalidRequest},
		{"unknown asset", map[string]string{"asset": "DOGE", "amount": "3"}, testutil.ErrorCodeAssetNotAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", tc.body, tok)
			testutil.AssertErrorCode(t, w, tc.code)
		})
	}
}

func TestDepositOverCeilingReportsHeadroom(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)
	h.fund(domain.NativeAsset, testutil.DemoAccountID, 1_001)
	testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "NATIVE", "amount": "900"}, tok)

	w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "NATIVE", "amount": "101"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeExceedsAggregateCeiling)
	details := testutil.ErrorDetails(t, w)
	if details["attempted"] != "101" || details["limit"] != "100" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestWithdrawRejections(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)
	h.fund(domain.NativeAsset, testutil.DemoAccountID, 600)
	testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "NATIVE", "amount": "600"}, tok)

	w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": "NATIVE", "amount": "700"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInsufficientBalance)
	if details := testutil.ErrorDetails(t, w); details["available"] != "600" {
		t.Fatalf("unexpected details %v", details)
	}

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/withdrawals", map[string]string{"asset": "NATIVE", "amount": "501"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeExceedsPerOperationLimit)
}

func TestSecondaryDepositWithoutFundsFailsTransfer(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)

	w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "USDC", "amount": "10"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeTransferFailed)
	if details := testutil.ErrorDetails(t, w); details["direction"] != "in" {
		t.Fatalf("unexpected details %v", details)
	}

	h.vault.Fund("USDC", testutil.DemoAccountID, uint256.NewInt(500))
	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "USDC", "amount": "500"}, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	if resp := testutil.DecodeBody[movementResponse](t, w); resp.Value != "10" {
		t.Fatalf("expected value 10, got %s", resp.Value)
	}
}

func TestPriceFailureIsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)
	h.usdcFeed.Fail(errors.New("feed offline"))

	w := testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/assets/USDC/value?amount=5", nil, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidPriceData)
	if details := testutil.ErrorDetails(t, w); details["asset"] != "USDC" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestAssetQueries(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)

	w := testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/assets", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	list := testutil.DecodeBody[struct {
		Assets []assetResponse `json:"assets"`
	}](t, w)
	if len(list.Assets) != 2 || list.Assets[0].Asset != "NATIVE" || list.Assets[1].Asset != "USDC" {
		t.Fatalf("unexpected assets %+v", list.Assets)
	}

	w = testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/assets/usdc", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	if a := testutil.DecodeBody[assetResponse](t, w); a.UnitScale != 2 || !a.Accepted {
		t.Fatalf("unexpected asset %+v", a)
	}

	w = testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/assets/DOGE", nil, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeNotFound)

	w = testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/assets/USDC/value?amount=250", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	v := testutil.DecodeBody[valueResponse](t, w)
	if v.Value != "5" || v.Display != "5" || v.ReferencePrecision != 0 {
		t.Fatalf("unexpected value %+v", v)
	}

	w = testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/assets/USDC/value", nil, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)
}

func TestStats(t *testing.T) {
	h := newHarness(t, nil)
	tok := token(t, testutil.DemoAccountID)
	h.fund(domain.NativeAsset, testutil.DemoAccountID, 400)
	testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", map[string]string{"asset": "NATIVE", "amount": "400"}, tok)

	w := testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/stats", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	stats := testutil.DecodeBody[statsResponse](t, w)
	if stats.Deposits != 1 || stats.AggregateValue != "400" || stats.Remaining != "600" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Aggregates["NATIVE"] != "400" || stats.AggregateCeiling != "1000" || stats.PerOperationLimit != "500" {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMovementsWithoutHistory(t *testing.T) {
	h := newHarness(t, nil)
	w := testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/movements", nil, token(t, testutil.DemoAccountID))
	testutil.AssertHTTPStatus(t, w, http.StatusServiceUnavailable)

	w = testutil.MakeAuthRequest(h.router, http.MethodGet, "/v1/movements?limit=x", nil, token(t, testutil.DemoAccountID))
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t, nil)
	owner := token(t, testutil.OwnerAccountID, auth.RoleCustodyAdmin)
	body := map[string]any{"asset": "wbtc", "unit_scale": 8, "feed_decimals": 8}

	w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/admin/assets", body, token(t, testutil.DemoAccountID))
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeForbidden)

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/admin/assets", body, token(t, testutil.DemoAccountID, auth.RoleCustodyAdmin))
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeForbidden)

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/admin/assets", body, owner)
	testutil.AssertHTTPStatus(t, w, http.StatusCreated)
	if a := testutil.DecodeBody[assetResponse](t, w); a.Asset != "WBTC" || a.UnitScale != 8 || !a.Accepted {
		t.Fatalf("unexpected asset %+v", a)
	}

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/admin/assets", map[string]any{"asset": "big", "unit_scale": 78}, owner)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/admin/assets", map[string]any{"asset": "native", "unit_scale": 18}, owner)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)

	w = testutil.MakeAuthRequest(h.router, http.MethodDelete, "/v1/admin/assets/WBTC", nil, owner)
	testutil.AssertHTTPStatus(t, w, http.StatusNoContent)

	w = testutil.MakeAuthRequest(h.router, http.MethodDelete, "/v1/admin/assets/WBTC", nil, owner)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeNotFound)

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/admin/owner", map[string]string{"new_owner": testutil.DemoAccountID.String()}, owner)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeForbidden)
}

func TestDepositsAreRateLimitedPerAccount(t *testing.T) {
	h := newHarness(t, ratelimit.NewMemory(1, time.Minute))
	body := map[string]string{"asset": "NATIVE", "amount": "1"}
	h.fund(domain.NativeAsset, testutil.DemoAccountID, 2)
	h.fund(domain.NativeAsset, testutil.TraderAccountID, 1)

	w := testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", body, token(t, testutil.DemoAccountID))
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", body, token(t, testutil.DemoAccountID))
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeRateLimited)

	w = testutil.MakeAuthRequest(h.router, http.MethodPost, "/v1/deposits", body, token(t, testutil.TraderAccountID))
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
}
