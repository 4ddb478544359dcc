package command

import (
	"context"
	"fmt"
	"testing"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

func TestSubmitTransferCommand_StoresResultOnSuccess(t *testing.T) {
	expected := core.TransferResult{IntegrationID: "home", Success: true, PaymentID: "p-1"}
	called := false
	svc := stubMutatingService{
		submitTransferFn: func(_ context.Context, req core.TransferRequest) (core.TransferResult, error) {
			called = true
			if req.InstanceID != "home" || !req.Amount.Equal(decimal.RequireFromString("150")) {
				t.Fatalf("unexpected transfer request: %#v", req)
			}
			return expected, nil
		},
	}

	cmd := NewSubmitTransferCommand(svc)
	collector := gocmd.NewResult[core.TransferResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, SubmitTransferMessage{Request: core.TransferRequest{
		InstanceID:  "home",
		Kind:        core.TransferKindDebit,
		FromAccount: "12345678903",
		ToAccount:   "98765432103",
		Amount:      decimal.RequireFromString("150"),
	}})
	if err != nil {
		t.Fatalf("execute submit transfer: %v", err)
	}
	if !called {
		t.Fatalf("expected transfer service invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.PaymentID != expected.PaymentID || !result.Success {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestSubmitTransferCommand_StoresFailedResultWithError(t *testing.T) {
	failure := core.NewValidationError("amount exceeds the maximum")
	svc := stubMutatingService{
		submitTransferFn: func(_ context.Context, req core.TransferRequest) (core.TransferResult, error) {
			return core.TransferResult{
				IntegrationID: req.InstanceID,
				FailureKind:   core.FailureValidation,
				FailureReason: failure.Message,
			}, failure
		},
	}

	collector := gocmd.NewResult[core.TransferResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewSubmitTransferCommand(svc).Execute(ctx, SubmitTransferMessage{Request: core.TransferRequest{InstanceID: "home"}})
	if err == nil {
		t.Fatalf("expected transfer error")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected failed result to be stored")
	}
	if result.FailureKind != core.FailureValidation {
		t.Fatalf("expected validation failure kind, got %q", result.FailureKind)
	}
}

func TestMutationCommands_DelegateToService(t *testing.T) {
	t.Run("register instance", func(t *testing.T) {
		svc := stubMutatingService{
			registerInstanceFn: func(_ context.Context, req core.RegisterInstanceRequest) (core.Instance, error) {
				if req.ID != "home" || req.ClientID != "client" {
					t.Fatalf("unexpected register payload: %#v", req)
				}
				return core.Instance{ID: req.ID, Name: "Home"}, nil
			},
		}
		collector := gocmd.NewResult[core.Instance]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewRegisterInstanceCommand(svc).Execute(ctx, RegisterInstanceMessage{Request: core.RegisterInstanceRequest{
			ID:           "home",
			ClientID:     "client",
			ClientSecret: "secret",
		}})
		if err != nil {
			t.Fatalf("execute register: %v", err)
		}
		stored, ok := collector.Load()
		if !ok || stored.Name != "Home" {
			t.Fatalf("unexpected stored instance: %#v", stored)
		}
	})

	t.Run("remove instance", func(t *testing.T) {
		called := false
		svc := stubMutatingService{
			removeInstanceFn: func(_ context.Context, instanceID string) error {
				called = true
				if instanceID != "home" {
					t.Fatalf("unexpected instance id %q", instanceID)
				}
				return nil
			},
		}
		if err := NewRemoveInstanceCommand(svc).Execute(context.Background(), RemoveInstanceMessage{InstanceID: "home"}); err != nil {
			t.Fatalf("execute remove: %v", err)
		}
		if !called {
			t.Fatalf("expected remove invocation")
		}
	})

	t.Run("complete authorization", func(t *testing.T) {
		svc := stubMutatingService{
			completeAuthorizationFn: func(_ context.Context, req core.CompleteAuthorizationRequest) error {
				if req.Code != "code-1" || req.State != "st" {
					t.Fatalf("unexpected authorization payload: %#v", req)
				}
				return nil
			},
		}
		err := NewCompleteAuthorizationCommand(svc).Execute(context.Background(), CompleteAuthorizationMessage{
			Request: core.CompleteAuthorizationRequest{Code: "code-1", State: "st"},
		})
		if err != nil {
			t.Fatalf("execute complete authorization: %v", err)
		}
	})

	t.Run("import token pair hides tokens", func(t *testing.T) {
		svc := stubMutatingService{
			importTokenPairFn: func(_ context.Context, instanceID string, pair core.TokenPair) (core.TokenPair, error) {
				pair.Version = 1
				return pair, nil
			},
		}
		collector := gocmd.NewResult[core.TokenPair]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewImportTokenPairCommand(svc).Execute(ctx, ImportTokenPairMessage{
			InstanceID: "home",
			Pair:       core.TokenPair{AccessToken: "at", RefreshToken: "rt"},
		})
		if err != nil {
			t.Fatalf("execute import: %v", err)
		}
		stored, ok := collector.Load()
		if !ok {
			t.Fatalf("expected stored token pair")
		}
		if stored.AccessToken != "" || stored.RefreshToken != "" || stored.Version != 1 {
			t.Fatalf("unexpected stored token pair: %#v", stored)
		}
	})

	t.Run("refresh accounts", func(t *testing.T) {
		svc := stubMutatingService{
			refreshAccountsFn: func(_ context.Context, instanceID string) (map[string]core.Account, error) {
				return map[string]core.Account{"12345678903": {AccountNumber: "12345678903"}}, nil
			},
		}
		collector := gocmd.NewResult[map[string]core.Account]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewRefreshAccountsCommand(svc).Execute(ctx, RefreshAccountsMessage{InstanceID: "home"}); err != nil {
			t.Fatalf("execute refresh: %v", err)
		}
		stored, ok := collector.Load()
		if !ok || len(stored) != 1 {
			t.Fatalf("unexpected stored accounts: %#v", stored)
		}
	})

	t.Run("poll accounts propagates errors", func(t *testing.T) {
		svc := stubMutatingService{
			pollAccountsFn: func(_ context.Context, instanceID string) (core.PollReport, error) {
				return core.PollReport{}, fmt.Errorf("boom")
			},
		}
		if err := NewPollAccountsCommand(svc).Execute(context.Background(), PollAccountsMessage{InstanceID: "home"}); err == nil {
			t.Fatalf("expected poll error")
		}
	})
}

func TestMessages_ValidateReturnsRichError(t *testing.T) {
	cases := map[string]interface{ Validate() error }{
		"remove":   RemoveInstanceMessage{},
		"complete": CompleteAuthorizationMessage{Request: core.CompleteAuthorizationRequest{State: "st"}},
		"import":   ImportTokenPairMessage{InstanceID: "home"},
		"transfer": SubmitTransferMessage{},
		"refresh":  RefreshAccountsMessage{InstanceID: " "},
		"poll":     PollAccountsMessage{},
		"register": RegisterInstanceMessage{Request: core.RegisterInstanceRequest{ClientSecret: "s"}},
		"negative": RegisterInstanceMessage{Request: core.RegisterInstanceRequest{MaxAmount: decimal.NewFromInt(-1)}},
	}
	for name, msg := range cases {
		err := msg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			t.Fatalf("%s: expected go-errors envelope, got %T", name, err)
		}
		if rich.Category != goerrors.CategoryValidation {
			t.Fatalf("%s: expected validation category, got %q", name, rich.Category)
		}
		if rich.TextCode != core.ErrorValidationFailed {
			t.Fatalf("%s: expected %q text code, got %q", name, core.ErrorValidationFailed, rich.TextCode)
		}
	}

	if err := (SubmitTransferMessage{Request: core.TransferRequest{InstanceID: "home"}}).Validate(); err != nil {
		t.Fatalf("transfer message with only an instance id must pass: %v", err)
	}
}

func TestCommands_NilServiceReturnsRichError(t *testing.T) {
	var cmd *SubmitTransferCommand
	err := cmd.Execute(context.Background(), SubmitTransferMessage{})
	if err == nil {
		t.Fatalf("expected command dependency error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal || rich.TextCode != core.ErrorInternal {
		t.Fatalf("unexpected dependency error: %q %q", rich.Category, rich.TextCode)
	}
}

type stubMutatingService struct {
	registerInstanceFn      func(context.Context, core.RegisterInstanceRequest) (core.Instance, error)
	removeInstanceFn        func(context.Context, string) error
	completeAuthorizationFn func(context.Context, core.CompleteAuthorizationRequest) error
	importTokenPairFn       func(context.Context, string, core.TokenPair) (core.TokenPair, error)
	submitTransferFn        func(context.Context, core.TransferRequest) (core.TransferResult, error)
	refreshAccountsFn       func(context.Context, string) (map[string]core.Account, error)
	pollAccountsFn          func(context.Context, string) (core.PollReport, error)
}

func (s stubMutatingService) RegisterInstance(ctx context.Context, req core.RegisterInstanceRequest) (core.Instance, error) {
	if s.registerInstanceFn == nil {
		return core.Instance{}, nil
	}
	return s.registerInstanceFn(ctx, req)
}

func (s stubMutatingService) RemoveInstance(ctx context.Context, instanceID string) error {
	if s.removeInstanceFn == nil {
		return nil
	}
	return s.removeInstanceFn(ctx, instanceID)
}

func (s stubMutatingService) CompleteAuthorization(ctx context.Context, req core.CompleteAuthorizationRequest) error {
	if s.completeAuthorizationFn == nil {
		return nil
	}
	return s.completeAuthorizationFn(ctx, req)
}

func (s stubMutatingService) ImportTokenPair(ctx context.Context, instanceID string, pair core.TokenPair) (core.TokenPair, error) {
	if s.importTokenPairFn == nil {
		return pair, nil
	}
	return s.importTokenPairFn(ctx, instanceID, pair)
}

func (s stubMutatingService) SubmitTransfer(ctx context.Context, req core.TransferRequest) (core.TransferResult, error) {
	if s.submitTransferFn == nil {
		return core.TransferResult{}, nil
	}
	return s.submitTransferFn(ctx, req)
}

func (s stubMutatingService) RefreshAccounts(ctx context.Context, instanceID string) (map[string]core.Account, error) {
	if s.refreshAccountsFn == nil {
		return map[string]core.Account{}, nil
	}
	return s.refreshAccountsFn(ctx, instanceID)
}

func (s stubMutatingService) PollAccounts(ctx context.Context, instanceID string) (core.PollReport, error) {
	if s.pollAccountsFn == nil {
		return core.PollReport{}, nil
	}
	return s.pollAccountsFn(ctx, instanceID)
}
