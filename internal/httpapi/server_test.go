package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"

	"github.com/MarkoPoloResearchLab/creditgate/internal/gateway"
	"github.com/MarkoPoloResearchLab/creditgate/internal/provider"
	"github.com/MarkoPoloResearchLab/creditgate/internal/settlement"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const (
	testSigningKey = "secret-key"
	testIssuer     = "tauth"
	testCookieName = "app_session"
)

type stubGateway struct {
	lastRequest gateway.Request
	response    gateway.Response
	err         error
	balance     ledger.Balance
	quota       gateway.Quota
	quotaErr    error
}

func (stub *stubGateway) Generate(_ context.Context, request gateway.Request) (gateway.Response, error) {
	stub.lastRequest = request
	return stub.response, stub.err
}

func (stub *stubGateway) Balance(_ context.Context, _ string) (ledger.Balance, error) {
	return stub.balance, nil
}

func (stub *stubGateway) Quota(_ context.Context, accountID string) (gateway.Quota, error) {
	quota := stub.quota
	quota.AccountID = accountID
	return quota, stub.quotaErr
}

func (stub *stubGateway) EndpointHealth() []provider.EndpointHealth {
	return []provider.EndpointHealth{{ProviderID: "a", Priority: 0, State: provider.StateClosed}}
}

func (stub *stubGateway) AllowedModels() map[string][]string {
	return map[string][]string{"free": {"small"}}
}

type stubEntries struct {
	lastLimit int
	entries   []ledger.Entry
}

func (stub *stubEntries) ListEntries(_ context.Context, _ ledger.AccountID, _ int64, limit int) ([]ledger.Entry, error) {
	stub.lastLimit = limit
	return stub.entries, nil
}

type stubPayments struct {
	events  []settlement.PaymentEvent
	outcome settlement.Outcome
	err     error
}

func (stub *stubPayments) SettlePayment(_ context.Context, event settlement.PaymentEvent) (settlement.Outcome, error) {
	stub.events = append(stub.events, event)
	return stub.outcome, stub.err
}

func mustServer(test *testing.T, cfg Config, gatewayStub *stubGateway, entries *stubEntries, payments *stubPayments) *Server {
	test.Helper()
	server, err := New(cfg, gatewayStub, entries, payments, nil)
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	return server
}

func performJSON(test *testing.T, handler http.Handler, method string, path string, body any, decorate func(*http.Request)) (*httptest.ResponseRecorder, map[string]any) {
	test.Helper()
	var reader bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reader).Encode(body); err != nil {
			test.Fatalf("encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &reader)
	request.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(request)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func errorCode(payload map[string]any) string {
	errorObject, _ := payload["error"].(map[string]any)
	code, _ := errorObject["code"].(string)
	return code
}

func TestGenerateMapsGatewayErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		statusCode int
		code       string
	}{
		{name: "invalid", err: fmt.Errorf("%w: bad", gateway.ErrInvalidRequest), statusCode: http.StatusBadRequest, code: "invalid_request"},
		{name: "credits", err: gateway.ErrInsufficientCredits, statusCode: http.StatusPaymentRequired, code: "insufficient_credits"},
		{name: "inactive", err: gateway.ErrAccountInactive, statusCode: http.StatusForbidden, code: "account_inactive"},
		{name: "rate", err: gateway.ErrRateLimited, statusCode: http.StatusTooManyRequests, code: "rate_limited"},
		{name: "in flight", err: gateway.ErrRequestInFlight, statusCode: http.StatusConflict, code: "request_in_flight"},
		{name: "exhausted", err: gateway.ErrAllProvidersExhausted, statusCode: http.StatusServiceUnavailable, code: "all_providers_exhausted"},
		{name: "storage", err: gateway.ErrTransientStorage, statusCode: http.StatusServiceUnavailable, code: "transient_storage"},
		{name: "deadline", err: gateway.ErrDeadlineExceeded, statusCode: http.StatusGatewayTimeout, code: "deadline_exceeded"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			gatewayStub := &stubGateway{err: testCase.err, response: gateway.Response{State: gateway.StateRejected}}
			server := mustServer(test, Config{}, gatewayStub, &stubEntries{}, &stubPayments{})
			recorder, payload := performJSON(test, server.Handler(), http.MethodPost, "/v1/generate", map[string]any{
				"account_id": "acct-1",
				"capability": "text",
			}, nil)
			if recorder.Code != testCase.statusCode {
				test.Fatalf("expected status %d, got %d", testCase.statusCode, recorder.Code)
			}
			if code := errorCode(payload); code != testCase.code {
				test.Fatalf("expected code %s, got %s", testCase.code, code)
			}
		})
	}
}

func TestGeneratePassesRequestThrough(test *testing.T) {
	test.Parallel()
	gatewayStub := &stubGateway{response: gateway.Response{State: gateway.StateSettled, CreditsCharged: 15, CreditsRemaining: 85, ProviderID: "a"}}
	server := mustServer(test, Config{}, gatewayStub, &stubEntries{}, &stubPayments{})

	recorder, payload := performJSON(test, server.Handler(), http.MethodPost, "/v1/generate", map[string]any{
		"account_id":  "acct-1",
		"capability":  "text",
		"model":       "small",
		"params":      map[string]any{"prompt": "hi"},
		"tier":        "pro",
		"deadline_ms": 500,
	}, func(request *http.Request) {
		request.Header.Set(idempotencyHeader, "tok-1")
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload["credits_remaining"] != float64(85) || payload["state"] != string(gateway.StateSettled) {
		test.Fatalf("unexpected payload: %v", payload)
	}
	forwarded := gatewayStub.lastRequest
	if forwarded.IdempotencyToken != "tok-1" || forwarded.TierOverride != "pro" || forwarded.Model != "small" {
		test.Fatalf("unexpected forwarded request: %+v", forwarded)
	}
	if forwarded.Deadline.IsZero() || string(forwarded.Params) != `{"prompt":"hi"}` {
		test.Fatalf("expected deadline and params forwarded, got %+v", forwarded)
	}
}

func TestEntriesClampLimit(test *testing.T) {
	test.Parallel()
	entries := &stubEntries{entries: []ledger.Entry{{EntryID: "e1", Type: ledger.EntryGrant, Amount: 100}}}
	server := mustServer(test, Config{}, &stubGateway{}, entries, &stubPayments{})

	recorder, payload := performJSON(test, server.Handler(), http.MethodGet, "/v1/accounts/acct-1/entries?limit=1000", nil, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if entries.lastLimit != maxEntriesLimit {
		test.Fatalf("expected limit clamped to %d, got %d", maxEntriesLimit, entries.lastLimit)
	}
	listed, _ := payload["entries"].([]any)
	if len(listed) != 1 {
		test.Fatalf("expected one entry, got %v", payload)
	}

	recorder, _ = performJSON(test, server.Handler(), http.MethodGet, "/v1/accounts/acct-1/entries?limit=-1", nil, nil)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for negative limit, got %d", recorder.Code)
	}
}

func TestQuotaReportsUsage(test *testing.T) {
	test.Parallel()
	gatewayStub := &stubGateway{quota: gateway.Quota{Tier: "free", Month: "2026-10", CurrentUsage: 12, MonthlyLimit: 40, Remaining: 28}}
	server := mustServer(test, Config{}, gatewayStub, &stubEntries{}, &stubPayments{})

	recorder, payload := performJSON(test, server.Handler(), http.MethodGet, "/v1/accounts/acct-1/quota", nil, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload["account_id"] != "acct-1" || payload["month"] != "2026-10" || payload["current_usage"] != float64(12) || payload["remaining"] != float64(28) {
		test.Fatalf("unexpected quota payload: %v", payload)
	}

	gatewayStub.quotaErr = fmt.Errorf("%w: redis down", gateway.ErrTransientStorage)
	recorder, payload = performJSON(test, server.Handler(), http.MethodGet, "/v1/accounts/acct-1/quota", nil, nil)
	if recorder.Code != http.StatusServiceUnavailable || errorCode(payload) != "transient_storage" {
		test.Fatalf("expected 503 transient_storage, got %d %v", recorder.Code, payload)
	}
}

func TestPaymentEventWebhook(test *testing.T) {
	test.Parallel()
	payments := &stubPayments{outcome: settlement.OutcomeApplied}
	server := mustServer(test, Config{WebhookSecret: "hook"}, &stubGateway{}, &stubEntries{}, payments)
	event := map[string]any{"session_id": "cs_1", "account_id": "acct-1", "credits_granted": 40}

	recorder, _ := performJSON(test, server.Handler(), http.MethodPost, "/v1/payments/events", event, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without secret, got %d", recorder.Code)
	}
	recorder, payload := performJSON(test, server.Handler(), http.MethodPost, "/v1/payments/events", event, func(request *http.Request) {
		request.Header.Set(webhookSecretHeader, "hook")
	})
	if recorder.Code != http.StatusOK || payload["outcome"] != string(settlement.OutcomeApplied) {
		test.Fatalf("expected applied, got %d %v", recorder.Code, payload)
	}
	if len(payments.events) != 1 || payments.events[0].CreditsGranted != 40 {
		test.Fatalf("unexpected forwarded events: %+v", payments.events)
	}

	payments.err = settlement.ErrInvalidPaymentEvent
	recorder, _ = performJSON(test, server.Handler(), http.MethodPost, "/v1/payments/events", event, func(request *http.Request) {
		request.Header.Set(webhookSecretHeader, "hook")
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for invalid event, got %d", recorder.Code)
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	server := mustServer(test, Config{}, &stubGateway{}, &stubEntries{}, &stubPayments{})
	recorder, payload := performJSON(test, server.Handler(), http.MethodGet, "/healthz", nil, nil)
	if recorder.Code != http.StatusOK || payload["status"] != "ok" {
		test.Fatalf("unexpected healthz: %d %v", recorder.Code, payload)
	}
	recorder, payload = performJSON(test, server.Handler(), http.MethodGet, "/v1/providers/health", nil, nil)
	providers, _ := payload["providers"].([]any)
	if recorder.Code != http.StatusOK || len(providers) != 1 {
		test.Fatalf("unexpected provider health: %d %v", recorder.Code, payload)
	}
}

func buildSessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:    userID,
		UserRoles: []string{"member"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signedToken}
}

func TestSessionBindsAccount(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: testSigningKey, SessionIssuer: testIssuer, SessionCookieName: testCookieName}
	gatewayStub := &stubGateway{balance: ledger.Balance{CreditsRemaining: 7, Tier: "free", Active: true}}
	server := mustServer(test, cfg, gatewayStub, &stubEntries{}, &stubPayments{})
	cookie := buildSessionCookie(test, "user-1")

	recorder, _ := performJSON(test, server.Handler(), http.MethodGet, "/v1/accounts/user-1/balance", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without a session, got %d", recorder.Code)
	}
	recorder, payload := performJSON(test, server.Handler(), http.MethodGet, "/v1/accounts/user-1/balance", nil, func(request *http.Request) {
		request.AddCookie(cookie)
	})
	if recorder.Code != http.StatusOK || payload["credits_remaining"] != float64(7) {
		test.Fatalf("expected own balance, got %d %v", recorder.Code, payload)
	}
	recorder, _ = performJSON(test, server.Handler(), http.MethodGet, "/v1/accounts/user-2/balance", nil, func(request *http.Request) {
		request.AddCookie(cookie)
	})
	if recorder.Code != http.StatusForbidden {
		test.Fatalf("expected 403 for another account, got %d", recorder.Code)
	}

	recorder, _ = performJSON(test, server.Handler(), http.MethodPost, "/v1/generate", map[string]any{"capability": "text"}, func(request *http.Request) {
		request.AddCookie(cookie)
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected generate to succeed, got %d", recorder.Code)
	}
	if gatewayStub.lastRequest.AccountID != "user-1" {
		test.Fatalf("expected session user as account, got %q", gatewayStub.lastRequest.AccountID)
	}
}
