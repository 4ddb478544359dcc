package inbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

type stubOperations struct {
	registered   core.RegisterInstanceRequest
	removed      string
	completed    core.CompleteAuthorizationRequest
	importedPair core.TokenPair
	transfer     core.TransferRequest
	transferErr  error
	authorized   bool
	accounts     []core.Account
	refreshErr   error
}

func (s *stubOperations) RegisterInstance(_ context.Context, req core.RegisterInstanceRequest) (core.Instance, error) {
	s.registered = req
	return core.Instance{ID: req.ID, Name: req.Name, CredentialRef: req.ID, DefaultCurrency: "NOK", MaxAmount: req.MaxAmount}, nil
}

func (s *stubOperations) RemoveInstance(_ context.Context, instanceID string) error {
	s.removed = instanceID
	return nil
}

func (s *stubOperations) Instance(_ context.Context, instanceID string) (core.Instance, error) {
	if instanceID == "missing" {
		return core.Instance{}, core.ErrInstanceNotFound
	}
	return core.Instance{ID: instanceID}, nil
}

func (s *stubOperations) Instances(context.Context) ([]core.Instance, error) {
	return []core.Instance{{ID: "inst_1"}}, nil
}

func (s *stubOperations) AuthorizationURL(_ context.Context, instanceID string, redirectURI string) (core.AuthorizationURLResponse, error) {
	return core.AuthorizationURLResponse{URL: "https://bank.test/authorize?redirect_uri=" + redirectURI, State: instanceID + "_state"}, nil
}

func (s *stubOperations) CompleteAuthorization(_ context.Context, req core.CompleteAuthorizationRequest) error {
	s.completed = req
	return nil
}

func (s *stubOperations) ImportTokenPair(_ context.Context, _ string, pair core.TokenPair) (core.TokenPair, error) {
	s.importedPair = pair
	pair.Version = 1
	return pair, nil
}

func (s *stubOperations) EnsureAuthorized(context.Context, string) (bool, error) {
	return s.authorized, nil
}

func (s *stubOperations) SubmitTransfer(_ context.Context, req core.TransferRequest) (core.TransferResult, error) {
	s.transfer = req
	result := core.TransferResult{
		IntegrationID: req.InstanceID,
		Kind:          req.Kind,
		Amount:        req.Amount,
		FromAccount:   req.FromAccount,
		ToAccount:     req.ToAccount,
		Success:       s.transferErr == nil,
	}
	if s.transferErr != nil {
		result.FailureKind = core.FailureKindOf(s.transferErr)
		result.FailureReason = s.transferErr.Error()
	} else {
		result.PaymentID = "pay_1"
	}
	return result, s.transferErr
}

func (s *stubOperations) RefreshAccounts(context.Context, string) (map[string]core.Account, error) {
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return map[string]core.Account{"12345678903": {AccountNumber: "12345678903", Balance: decimal.NewFromInt(42)}}, nil
}

func (s *stubOperations) Accounts(context.Context, string) ([]core.Account, error) {
	return s.accounts, nil
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pengerobot_operations_total 1\n"))
	})
	handler := NewServer(&stubOperations{}, WithMetricsHandler(metrics)).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || decodeJSON(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected healthz response %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pengerobot_operations_total") {
		t.Fatalf("unexpected metrics response %d %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterInstance(t *testing.T) {
	ops := &stubOperations{}
	handler := NewServer(ops).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/v1/instances",
		`{"id":"inst_1","name":"Household","client_id":"cid","client_secret":"sec","max_amount":"500"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	if ops.registered.ClientSecret != "sec" || !ops.registered.MaxAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected register request %#v", ops.registered)
	}
	body := decodeJSON(t, rec)
	if body["id"] != "inst_1" || body["max_amount"] != "500.00" {
		t.Fatalf("unexpected instance view %#v", body)
	}
	if _, leaked := body["client_secret"]; leaked {
		t.Fatalf("client secret must not be echoed")
	}
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	handler := NewServer(&stubOperations{}).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/v1/instances", `{"id":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	envelope := decodeJSON(t, rec)["error"].(map[string]any)
	if envelope["text_code"] != core.ErrorValidationFailed {
		t.Fatalf("unexpected error envelope %#v", envelope)
	}
	if envelope["request_id"] == "" || envelope["request_id"] == nil {
		t.Fatalf("expected request id on error envelope")
	}
}

func TestGetMissingInstanceIsNotFound(t *testing.T) {
	handler := NewServer(&stubOperations{}).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/v1/instances/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitTransferSuccess(t *testing.T) {
	ops := &stubOperations{}
	handler := NewServer(ops).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/v1/instances/inst_1/transfers",
		`{"kind":"debit","from_account":"12345678903","to_account":"98765432106","amount":"100.50"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if ops.transfer.InstanceID != "inst_1" || !ops.transfer.Amount.Equal(decimal.RequireFromString("100.50")) {
		t.Fatalf("unexpected transfer request %#v", ops.transfer)
	}
	if body := decodeJSON(t, rec); body["payment_id"] != "pay_1" || body["success"] != true {
		t.Fatalf("unexpected transfer result %#v", body)
	}
}

func TestSubmitTransferThrottledCarriesResultAndRetryAfter(t *testing.T) {
	ops := &stubOperations{transferErr: core.NewThrottledError("inst_1", 90*time.Second, "")}
	handler := NewServer(ops).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/v1/instances/inst_1/transfers",
		`{"kind":"debit","from_account":"12345678903","to_account":"98765432106","amount":"10"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("expected Retry-After 90, got %q", got)
	}
	body := decodeJSON(t, rec)
	result, ok := body["result"].(map[string]any)
	if !ok || result["failure_kind"] != string(core.FailureThrottled) || result["success"] != false {
		t.Fatalf("expected failed transfer result next to the error, got %#v", body)
	}
}

func TestSubmitTransferRejectsMismatchedInstance(t *testing.T) {
	ops := &stubOperations{}
	handler := NewServer(ops).Handler()

	rec := doRequest(t, handler, http.MethodPost, "/v1/instances/inst_1/transfers",
		`{"instance_id":"inst_2","kind":"debit","from_account":"1","to_account":"2","amount":"1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if ops.transfer.InstanceID != "" {
		t.Fatalf("transfer should not reach the service")
	}
}

func TestAuthorizationRoutes(t *testing.T) {
	ops := &stubOperations{authorized: true}
	handler := NewServer(ops).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/v1/instances/inst_1/authorization", "")
	if rec.Code != http.StatusOK || decodeJSON(t, rec)["authorized"] != true {
		t.Fatalf("unexpected ensure response %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/instances/inst_1/authorization/url?redirect_uri=https://home.test/cb", "")
	if rec.Code != http.StatusOK || decodeJSON(t, rec)["state"] != "inst_1_state" {
		t.Fatalf("unexpected url response %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPost, "/v1/instances/inst_1/authorization/complete",
		`{"code":"abc","state":"inst_1_state"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected complete response %d %s", rec.Code, rec.Body.String())
	}
	if ops.completed.InstanceID != "inst_1" || ops.completed.Code != "abc" {
		t.Fatalf("unexpected complete request %#v", ops.completed)
	}
}

func TestImportTokenPairUsesExpiresIn(t *testing.T) {
	ops := &stubOperations{}
	server := NewServer(ops)
	fixed := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	server.now = func() time.Time { return fixed }

	rec := doRequest(t, server.Handler(), http.MethodPut, "/v1/instances/inst_1/tokens",
		`{"access_token":"a","refresh_token":"r","expires_in":600}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if !ops.importedPair.AccessExpiry.Equal(fixed.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", ops.importedPair.AccessExpiry)
	}
	if strings.Contains(rec.Body.String(), `"r"`) {
		t.Fatalf("tokens must not be echoed: %s", rec.Body.String())
	}
}

func TestAccountRoutes(t *testing.T) {
	ops := &stubOperations{accounts: []core.Account{{AccountNumber: "12345678903", Kind: core.AccountKindChecking}}}
	handler := NewServer(ops).Handler()

	rec := doRequest(t, handler, http.MethodGet, "/v1/instances/inst_1/accounts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if accounts := decodeJSON(t, rec)["accounts"].([]any); len(accounts) != 1 {
		t.Fatalf("expected one account, got %#v", accounts)
	}

	rec = doRequest(t, handler, http.MethodPost, "/v1/instances/inst_1/accounts/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}

	ops.refreshErr = core.NewAuthorizationExpiredError("inst_1", "refresh token revoked")
	rec = doRequest(t, handler, http.MethodPost, "/v1/instances/inst_1/accounts/refresh", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired authorization, got %d", rec.Code)
	}
}

func TestRemoveInstance(t *testing.T) {
	ops := &stubOperations{}
	rec := doRequest(t, NewServer(ops).Handler(), http.MethodDelete, "/v1/instances/inst_4", "")
	if rec.Code != http.StatusNoContent || ops.removed != "inst_4" {
		t.Fatalf("unexpected remove response %d removed=%q", rec.Code, ops.removed)
	}
}
