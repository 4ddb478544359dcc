package query

import (
	"context"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

type InstanceReader interface {
	Instance(ctx context.Context, instanceID string) (core.Instance, error)
	Instances(ctx context.Context) ([]core.Instance, error)
}

type AccountReader interface {
	Accounts(ctx context.Context, instanceID string) ([]core.Account, error)
}

type AuthorizationReader interface {
	AuthorizationURL(ctx context.Context, instanceID string, redirectURI string) (core.AuthorizationURLResponse, error)
	EnsureAuthorized(ctx context.Context, instanceID string) (bool, error)
}

type GetInstanceQuery struct {
	reader InstanceReader
}

func NewGetInstanceQuery(reader InstanceReader) *GetInstanceQuery {
	return &GetInstanceQuery{reader: reader}
}

func (q *GetInstanceQuery) Query(ctx context.Context, msg GetInstanceMessage) (core.Instance, error) {
	if q == nil || q.reader == nil {
		return core.Instance{}, missingReader("instance")
	}
	return q.reader.Instance(ctx, msg.InstanceID)
}

type ListInstancesQuery struct {
	reader InstanceReader
}

func NewListInstancesQuery(reader InstanceReader) *ListInstancesQuery {
	return &ListInstancesQuery{reader: reader}
}

func (q *ListInstancesQuery) Query(ctx context.Context, _ ListInstancesMessage) ([]core.Instance, error) {
	if q == nil || q.reader == nil {
		return nil, missingReader("instance")
	}
	return q.reader.Instances(ctx)
}

// ListAccountsQuery serves the cached accounts without calling the bank.
type ListAccountsQuery struct {
	reader AccountReader
}

func NewListAccountsQuery(reader AccountReader) *ListAccountsQuery {
	return &ListAccountsQuery{reader: reader}
}

func (q *ListAccountsQuery) Query(ctx context.Context, msg ListAccountsMessage) ([]core.Account, error) {
	if q == nil || q.reader == nil {
		return nil, missingReader("account")
	}
	return q.reader.Accounts(ctx, msg.InstanceID)
}

type AuthorizationURLQuery struct {
	reader AuthorizationReader
}

func NewAuthorizationURLQuery(reader AuthorizationReader) *AuthorizationURLQuery {
	return &AuthorizationURLQuery{reader: reader}
}

func (q *AuthorizationURLQuery) Query(ctx context.Context, msg AuthorizationURLMessage) (core.AuthorizationURLResponse, error) {
	if q == nil || q.reader == nil {
		return core.AuthorizationURLResponse{}, missingReader("authorization")
	}
	return q.reader.AuthorizationURL(ctx, msg.InstanceID, msg.RedirectURI)
}

type EnsureAuthorizedQuery struct {
	reader AuthorizationReader
}

func NewEnsureAuthorizedQuery(reader AuthorizationReader) *EnsureAuthorizedQuery {
	return &EnsureAuthorizedQuery{reader: reader}
}

func (q *EnsureAuthorizedQuery) Query(ctx context.Context, msg EnsureAuthorizedMessage) (bool, error) {
	if q == nil || q.reader == nil {
		return false, missingReader("authorization")
	}
	return q.reader.EnsureAuthorized(ctx, msg.InstanceID)
}
