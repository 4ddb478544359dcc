package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

var (
	_ gocmd.Querier[GetInstanceMessage, core.Instance]                      = (*GetInstanceQuery)(nil)
	_ gocmd.Querier[ListInstancesMessage, []core.Instance]                  = (*ListInstancesQuery)(nil)
	_ gocmd.Querier[ListAccountsMessage, []core.Account]                    = (*ListAccountsQuery)(nil)
	_ gocmd.Querier[AuthorizationURLMessage, core.AuthorizationURLResponse] = (*AuthorizationURLQuery)(nil)
	_ gocmd.Querier[EnsureAuthorizedMessage, bool]                          = (*EnsureAuthorizedQuery)(nil)
)
