package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest           = "INVALID_REQUEST"
	ErrorCodeUnauthorized             = "UNAUTHORIZED"
	ErrorCodeForbidden                = "FORBIDDEN"
	ErrorCodeNotFound                 = "NOT_FOUND"
	ErrorCodeRateLimited              = "RATE_LIMITED"
	ErrorCodeZeroAmount               = "ZERO_AMOUNT"
	ErrorCodeAssetNotAccepted         = "ASSET_NOT_ACCEPTED"
	ErrorCodeInsufficientBalance      = "INSUFFICIENT_BALANCE"
	ErrorCodeExceedsAggregateCeiling  = "EXCEEDS_AGGREGATE_CEILING"
	ErrorCodeExceedsPerOperationLimit = "EXCEEDS_PER_OPERATION_LIMIT"
	ErrorCodeOverflow                 = "OVERFLOW"
	ErrorCodeReentrantCall            = "REENTRANT_CALL"
	ErrorCodeInvalidPriceData         = "INVALID_PRICE_DATA"
	ErrorCodeTransferFailed           = "TRANSFER_FAILED"
	ErrorCodeInternalError            = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != HTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d (body %s)", HTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

// ErrorDetails decodes the details object of an error response.
func ErrorDetails(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return errResp.Details
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Message != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, errResp.Message)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d (body %s)", expectedStatus, resp.Code, resp.Body.String())
	}
}

// HTTPStatusForErrorCode is the status the custody API pairs with each code.
func HTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeZeroAmount, ErrorCodeAssetNotAccepted, ErrorCodeInsufficientBalance:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeReentrantCall:
		return http.StatusConflict
	case ErrorCodeExceedsAggregateCeiling, ErrorCodeExceedsPerOperationLimit, ErrorCodeOverflow:
		return http.StatusUnprocessableEntity
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeTransferFailed:
		return http.StatusBadGateway
	case ErrorCodeInvalidPriceData:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
