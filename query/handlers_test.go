package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

func TestEnsureAuthorizedQuery_QueryDelegates(t *testing.T) {
	called := false
	reader := stubAuthorizationReader{
		ensureFn: func(_ context.Context, instanceID string) (bool, error) {
			called = true
			if instanceID != "home" {
				t.Fatalf("unexpected instance id %q", instanceID)
			}
			return true, nil
		},
	}

	ok, err := NewEnsureAuthorizedQuery(reader).Query(context.Background(), EnsureAuthorizedMessage{InstanceID: "home"})
	if err != nil {
		t.Fatalf("query ensure authorized: %v", err)
	}
	if !called || !ok {
		t.Fatalf("expected authorized result from reader, called=%v ok=%v", called, ok)
	}
}

func TestAuthorizationURLQuery_PassesRedirectURI(t *testing.T) {
	reader := stubAuthorizationReader{
		urlFn: func(_ context.Context, instanceID string, redirectURI string) (core.AuthorizationURLResponse, error) {
			if instanceID != "home" || redirectURI != "https://example.com/cb" {
				t.Fatalf("unexpected authorization url request: %q %q", instanceID, redirectURI)
			}
			return core.AuthorizationURLResponse{URL: "https://bank/authorize?state=st", State: "st"}, nil
		},
	}

	res, err := NewAuthorizationURLQuery(reader).Query(context.Background(), AuthorizationURLMessage{
		InstanceID:  "home",
		RedirectURI: "https://example.com/cb",
	})
	if err != nil {
		t.Fatalf("query authorization url: %v", err)
	}
	if res.State != "st" {
		t.Fatalf("unexpected authorization url response: %#v", res)
	}
}

func TestInstanceQueries_Delegate(t *testing.T) {
	reader := stubInstanceReader{
		instances: []core.Instance{{ID: "home", Name: "Home"}, {ID: "cabin", Name: "Cabin"}},
	}

	instance, err := NewGetInstanceQuery(reader).Query(context.Background(), GetInstanceMessage{InstanceID: "cabin"})
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if instance.Name != "Cabin" {
		t.Fatalf("unexpected instance: %#v", instance)
	}

	if _, err := NewGetInstanceQuery(reader).Query(context.Background(), GetInstanceMessage{InstanceID: "missing"}); err == nil {
		t.Fatalf("expected error for unknown instance")
	}

	list, err := NewListInstancesQuery(reader).Query(context.Background(), ListInstancesMessage{})
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected two instances, got %d", len(list))
	}
}

func TestListAccountsQuery_QueryDelegates(t *testing.T) {
	reader := stubAccountReader{
		accounts: map[string][]core.Account{
			"home": {{AccountNumber: "12345678903", Name: "Brukskonto"}},
		},
	}
	accounts, err := NewListAccountsQuery(reader).Query(context.Background(), ListAccountsMessage{InstanceID: "home"})
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Name != "Brukskonto" {
		t.Fatalf("unexpected accounts: %#v", accounts)
	}
}

type stubAuthorizationReader struct {
	urlFn    func(context.Context, string, string) (core.AuthorizationURLResponse, error)
	ensureFn func(context.Context, string) (bool, error)
}

func (s stubAuthorizationReader) AuthorizationURL(ctx context.Context, instanceID string, redirectURI string) (core.AuthorizationURLResponse, error) {
	if s.urlFn == nil {
		return core.AuthorizationURLResponse{}, nil
	}
	return s.urlFn(ctx, instanceID, redirectURI)
}

func (s stubAuthorizationReader) EnsureAuthorized(ctx context.Context, instanceID string) (bool, error) {
	if s.ensureFn == nil {
		return false, nil
	}
	return s.ensureFn(ctx, instanceID)
}

type stubInstanceReader struct {
	instances []core.Instance
}

func (s stubInstanceReader) Instance(_ context.Context, instanceID string) (core.Instance, error) {
	for _, instance := range s.instances {
		if instance.ID == instanceID {
			return instance, nil
		}
	}
	return core.Instance{}, fmt.Errorf("instance %q: %w", instanceID, core.ErrInstanceNotFound)
}

func (s stubInstanceReader) Instances(context.Context) ([]core.Instance, error) {
	return append([]core.Instance(nil), s.instances...), nil
}

type stubAccountReader struct {
	accounts map[string][]core.Account
}

func (s stubAccountReader) Accounts(_ context.Context, instanceID string) ([]core.Account, error) {
	return s.accounts[instanceID], nil
}
