package core

import (
	"context"
	"net/url"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"
)

func mustTestService(t *testing.T, extra ...Option) *testServiceFixture {
	t.Helper()
	fixture, err := newTestService(extra...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return fixture
}

func isNotFound(err error) bool {
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryNotFound
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(DefaultConfig()); err == nil {
		t.Fatalf("expected missing token endpoint to fail")
	}
	if _, err := NewService(DefaultConfig(), WithTokenEndpoint(&stubTokenEndpoint{}), WithTransport(&stubTransport{})); err == nil {
		t.Fatalf("expected missing gateway factory to fail")
	}
}

func TestRegisterInstanceAppliesDefaults(t *testing.T) {
	fixture := mustTestService(t)

	instance, err := fixture.service.RegisterInstance(context.Background(), RegisterInstanceRequest{
		Name:              "Hytta",
		ClientID:          "client-2",
		ClientSecret:      "secret-2",
		MonitoredAccounts: []string{"1234.56.78903", " ", "1234 56 78903"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if instance.ID == "" || instance.CredentialRef != instance.ID {
		t.Fatalf("expected generated id reused as credential ref, got %+v", instance)
	}
	if instance.DefaultCurrency != "NOK" || !instance.MaxAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected config defaults, got currency=%q max=%s", instance.DefaultCurrency, instance.MaxAmount)
	}
	if len(instance.MonitoredAccounts) != 1 || instance.MonitoredAccounts[0] != testFromAccount {
		t.Fatalf("expected normalized monitored accounts, got %v", instance.MonitoredAccounts)
	}
	credential, err := fixture.creds.GetCredential(context.Background(), instance.ID)
	if err != nil || credential.ClientID != "client-2" {
		t.Fatalf("expected stored credential, got %+v %v", credential, err)
	}
}

func TestRegisterInstanceValidation(t *testing.T) {
	fixture := mustTestService(t)
	ctx := context.Background()

	_, err := fixture.service.RegisterInstance(ctx, RegisterInstanceRequest{ID: "inst_2", CredentialRef: "missing"})
	if !IsValidationFailed(err) {
		t.Fatalf("expected missing credentials to fail validation, got %v", err)
	}
	_, err = fixture.service.RegisterInstance(ctx, RegisterInstanceRequest{ID: "inst_2", ClientID: "c", DefaultCurrency: "JPY"})
	if !IsValidationFailed(err) {
		t.Fatalf("expected unsupported currency to fail validation, got %v", err)
	}
	_, err = fixture.service.RegisterInstance(ctx, RegisterInstanceRequest{ID: "inst_2", ClientID: "c", MaxAmount: decimal.NewFromInt(-5)})
	if !IsValidationFailed(err) {
		t.Fatalf("expected negative max amount to fail validation, got %v", err)
	}

	shared, err := fixture.service.RegisterInstance(ctx, RegisterInstanceRequest{ID: "inst_3", CredentialRef: "cred_1"})
	if err != nil {
		t.Fatalf("expected existing credential ref to be accepted: %v", err)
	}
	if shared.CredentialRef != "cred_1" {
		t.Fatalf("expected shared credential ref, got %q", shared.CredentialRef)
	}
}

func TestAuthorizationRoundTrip(t *testing.T) {
	fixture := mustTestService(t)
	ctx := context.Background()
	fixture.endpoint.exchanged = TokenPair{
		AccessToken:  "access-code",
		RefreshToken: "refresh-code",
		AccessExpiry: time.Now().UTC().Add(time.Hour),
	}

	started, err := fixture.service.AuthorizationURL(ctx, testInstanceID, "")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	parsed, err := url.Parse(started.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if parsed.Query().Get("state") != started.State || parsed.Query().Get("redirect_uri") != DefaultRedirectURI {
		t.Fatalf("unexpected authorize url %s", started.URL)
	}

	err = fixture.service.CompleteAuthorization(ctx, CompleteAuthorizationRequest{
		InstanceID: testInstanceID,
		Code:       "code-1",
		State:      started.State,
	})
	if err != nil {
		t.Fatalf("complete authorization: %v", err)
	}
	if fixture.endpoint.exchangeCode != "code-1" {
		t.Fatalf("expected code exchange, got %q", fixture.endpoint.exchangeCode)
	}
	pair, err := fixture.creds.GetTokenPair(ctx, testInstanceID)
	if err != nil || pair.RefreshToken != "refresh-code" || pair.Status != TokenStatusActive {
		t.Fatalf("expected stored pair from code exchange, got %+v %v", pair, err)
	}

	err = fixture.service.CompleteAuthorization(ctx, CompleteAuthorizationRequest{
		InstanceID: testInstanceID,
		Code:       "code-2",
		State:      started.State,
	})
	if !IsValidationFailed(err) {
		t.Fatalf("expected reused state to fail, got %v", err)
	}
}

func TestCompleteAuthorizationRejectsInstanceMismatch(t *testing.T) {
	fixture := mustTestService(t)
	ctx := context.Background()

	started, err := fixture.service.AuthorizationURL(ctx, testInstanceID, "https://example.com/callback")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	err = fixture.service.CompleteAuthorization(ctx, CompleteAuthorizationRequest{
		InstanceID: "other",
		Code:       "code",
		State:      started.State,
	})
	if !IsValidationFailed(err) {
		t.Fatalf("expected instance mismatch to fail, got %v", err)
	}
	if fixture.endpoint.exchangeCode != "" {
		t.Fatalf("mismatched state must not reach the token endpoint")
	}
}

func TestImportTokenPairRequiresRefreshToken(t *testing.T) {
	fixture := mustTestService(t)
	if _, err := fixture.service.ImportTokenPair(context.Background(), testInstanceID, TokenPair{AccessToken: "a"}); !IsValidationFailed(err) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestEnsureAuthorized(t *testing.T) {
	fixture := mustTestService(t)
	ctx := context.Background()

	ok, err := fixture.service.EnsureAuthorized(ctx, testInstanceID)
	if err != nil || !ok {
		t.Fatalf("expected authorized instance, got %v %v", ok, err)
	}
	if fixture.endpoint.calls.Load() != 0 {
		t.Fatalf("valid token must not be refreshed")
	}

	if err := fixture.service.Tokens().Invalidate(ctx, testInstanceID, "test"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	ok, err = fixture.service.EnsureAuthorized(ctx, testInstanceID)
	if err != nil || ok {
		t.Fatalf("expected unauthorized after invalidation, got %v %v", ok, err)
	}

	if _, err := fixture.service.EnsureAuthorized(ctx, "missing"); !isNotFound(err) {
		t.Fatalf("expected not found for unknown instance, got %v", err)
	}
}

func TestRemoveInstance(t *testing.T) {
	fixture := mustTestService(t)
	ctx := context.Background()
	if _, err := fixture.service.RefreshAccounts(ctx, testInstanceID); err != nil {
		t.Fatalf("refresh accounts: %v", err)
	}

	if err := fixture.service.RemoveInstance(ctx, testInstanceID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := fixture.service.Instance(ctx, testInstanceID); !isNotFound(err) {
		t.Fatalf("expected removed instance to be gone, got %v", err)
	}
	pair, err := fixture.creds.GetTokenPair(ctx, testInstanceID)
	if err != nil || pair.Status != TokenStatusInvalid || pair.RefreshToken != "" {
		t.Fatalf("expected invalidated token pair, got %+v %v", pair, err)
	}
	if err := fixture.service.RemoveInstance(ctx, testInstanceID); !isNotFound(err) {
		t.Fatalf("expected not found on second removal, got %v", err)
	}
}

func TestServiceSubmitTransferRefreshesBalances(t *testing.T) {
	fixture := mustTestService(t)

	result, err := fixture.service.SubmitTransfer(context.Background(), debitRequest("250"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Success || result.PaymentID != "pay-1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(fixture.publisher.Events()) != 1 {
		t.Fatalf("expected one outcome event")
	}
	if len(fixture.gateway.balanceCalls) != 2 {
		t.Fatalf("expected balance refresh of both accounts, got %v", fixture.gateway.balanceCalls)
	}
	for _, urgency := range fixture.gateway.urgencies {
		if urgency != UrgencySkip {
			t.Fatalf("post-transfer refresh must never wait for budget, got %v", fixture.gateway.urgencies)
		}
	}
}

func TestServiceSubmitTransferWithoutBalanceRefresh(t *testing.T) {
	fixture := mustTestService(t, WithConfigProvider(NewCfgxConfigProvider(StaticConfigLoader(map[string]any{
		"transfer": map[string]any{"refresh_balances_after_transfer": false},
	}))))

	if _, err := fixture.service.SubmitTransfer(context.Background(), debitRequest("250")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fixture.gateway.balanceCalls) != 0 {
		t.Fatalf("expected no balance refresh, got %v", fixture.gateway.balanceCalls)
	}
	if fixture.service.Config().Transfer.RefreshBalancesAfterTransfer {
		t.Fatalf("expected loaded config to disable refresh")
	}
}

func TestServiceSubmitTransferUnknownInstance(t *testing.T) {
	fixture := mustTestService(t)
	req := debitRequest("100")
	req.InstanceID = "missing"

	result, err := fixture.service.SubmitTransfer(context.Background(), req)
	if !isNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if result.Success || result.IntegrationID != "missing" {
		t.Fatalf("unexpected result %+v", result)
	}
	if fixture.gateway.transferCount() != 0 {
		t.Fatalf("unknown instance must not dispatch")
	}
	events := fixture.publisher.Events()
	if len(events) != 1 {
		t.Fatalf("expected one failure event, got %d", len(events))
	}
	if events[0].InstanceID != "missing" || events[0].Result.Success || !events[0].Result.Amount.Equal(req.Amount) {
		t.Fatalf("unexpected failure event %+v", events[0])
	}
}

func TestServiceResolvesCreditCardByListing(t *testing.T) {
	fixture := mustTestService(t)

	result, err := fixture.service.SubmitTransfer(context.Background(), TransferRequest{
		InstanceID:  testInstanceID,
		Kind:        TransferKindCreditCard,
		FromAccount: testFromAccount,
		ToAccount:   "Kredittkort",
		Amount:      decimal.NewFromInt(300),
	})
	if err != nil {
		t.Fatalf("submit credit card: %v", err)
	}
	if result.CreditCardAccountID != "cc-1" || result.PaymentID != "pay-cc" {
		t.Fatalf("unexpected credit card result %+v", result)
	}
	if fixture.gateway.listCalls < 1 || fixture.gateway.urgencies[0] != UrgencyQueue {
		t.Fatalf("expected one queued listing to resolve the card, got calls=%d urgencies=%v", fixture.gateway.listCalls, fixture.gateway.urgencies)
	}
}

func TestServiceResolveAccountPrefersCache(t *testing.T) {
	fixture := mustTestService(t)
	ctx := context.Background()
	if _, err := fixture.service.RefreshAccounts(ctx, testInstanceID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	calls := fixture.gateway.listCalls

	account, ok, err := fixture.service.ResolveAccount(ctx, testInstance(), "cc-1")
	if err != nil || !ok || account.AccountNumber != "K1234" {
		t.Fatalf("expected cached card, got %+v %v %v", account, ok, err)
	}
	if fixture.gateway.listCalls != calls {
		t.Fatalf("cache hit must not list accounts again")
	}
	if _, ok, _ := fixture.service.ResolveAccount(ctx, testInstance(), "nope"); ok {
		t.Fatalf("expected unknown reference to miss")
	}
}

func TestRefreshAccountsWaitsForBudget(t *testing.T) {
	fixture := mustTestService(t)
	ctx := context.Background()

	accounts, err := fixture.service.RefreshAccounts(ctx, testInstanceID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("expected three accounts, got %d", len(accounts))
	}
	for _, urgency := range fixture.gateway.urgencies {
		if urgency != UrgencyQueue {
			t.Fatalf("user refresh must queue for budget, got %v", fixture.gateway.urgencies)
		}
	}
	listed, err := fixture.service.Accounts(ctx, testInstanceID)
	if err != nil || len(listed) != 3 {
		t.Fatalf("expected cached accounts, got %d %v", len(listed), err)
	}
}

func TestPollAccountsUsesSkipUrgency(t *testing.T) {
	fixture := mustTestService(t)
	fixture.gateway.listErr = NewThrottledError(testInstanceID, time.Minute, "budget exhausted")

	report, err := fixture.service.PollAccounts(context.Background(), testInstanceID)
	if !IsThrottled(err) || !report.Throttled {
		t.Fatalf("expected throttled poll, got %+v %v", report, err)
	}
	if fixture.gateway.urgencies[0] != UrgencySkip {
		t.Fatalf("scheduled poll must skip, got %v", fixture.gateway.urgencies)
	}

	if _, err := fixture.service.PollAccounts(context.Background(), "missing"); !isNotFound(err) {
		t.Fatalf("expected instance not found, got %v", err)
	}
}
