package query

import "strings"

const (
	TypeGetInstance      = "pengerobot.query.instance.get"
	TypeListInstances    = "pengerobot.query.instance.list"
	TypeListAccounts     = "pengerobot.query.accounts.list"
	TypeAuthorizationURL = "pengerobot.query.authorization.url"
	TypeEnsureAuthorized = "pengerobot.query.authorization.ensure"
)

type GetInstanceMessage struct {
	InstanceID string
}

func (GetInstanceMessage) Type() string { return TypeGetInstance }

func (m GetInstanceMessage) Validate() error {
	return requireInstanceID(m.InstanceID)
}

type ListInstancesMessage struct{}

func (ListInstancesMessage) Type() string { return TypeListInstances }

func (ListInstancesMessage) Validate() error { return nil }

type ListAccountsMessage struct {
	InstanceID string
}

func (ListAccountsMessage) Type() string { return TypeListAccounts }

func (m ListAccountsMessage) Validate() error {
	return requireInstanceID(m.InstanceID)
}

type AuthorizationURLMessage struct {
	InstanceID  string
	RedirectURI string
}

func (AuthorizationURLMessage) Type() string { return TypeAuthorizationURL }

func (m AuthorizationURLMessage) Validate() error {
	return requireInstanceID(m.InstanceID)
}

type EnsureAuthorizedMessage struct {
	InstanceID string
}

func (EnsureAuthorizedMessage) Type() string { return TypeEnsureAuthorized }

func (m EnsureAuthorizedMessage) Validate() error {
	return requireInstanceID(m.InstanceID)
}

func requireInstanceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidField("instance_id", "required")
	}
	return nil
}
