package pengerobot

import (
	"context"
	"fmt"

	gocommand "github.com/remimikalsen/sparebank1-pengerobot/adapters/gocommand"
	"github.com/remimikalsen/sparebank1-pengerobot/command"
	"github.com/remimikalsen/sparebank1-pengerobot/core"
	"github.com/remimikalsen/sparebank1-pengerobot/query"
)

// CommandQueryService is everything the facade needs from the service.
type CommandQueryService interface {
	command.MutatingService
	query.InstanceReader
	query.AccountReader
	query.AuthorizationReader
}

type Commands struct {
	RegisterInstance      *command.RegisterInstanceCommand
	RemoveInstance        *command.RemoveInstanceCommand
	CompleteAuthorization *command.CompleteAuthorizationCommand
	ImportTokenPair       *command.ImportTokenPairCommand
	SubmitTransfer        *command.SubmitTransferCommand
	RefreshAccounts       *command.RefreshAccountsCommand
	PollAccounts          *command.PollAccountsCommand
}

type Queries struct {
	GetInstance      *query.GetInstanceQuery
	ListInstances    *query.ListInstancesQuery
	ListAccounts     *query.ListAccountsQuery
	AuthorizationURL *query.AuthorizationURLQuery
	EnsureAuthorized *query.EnsureAuthorizedQuery
}

// Facade exposes the inbound operations as go-command handlers plus typed
// helpers that run them.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("pengerobot: command/query service is required")
	}
	facade := &Facade{service: service}
	facade.commands = Commands{
		RegisterInstance:      command.NewRegisterInstanceCommand(service),
		RemoveInstance:        command.NewRemoveInstanceCommand(service),
		CompleteAuthorization: command.NewCompleteAuthorizationCommand(service),
		ImportTokenPair:       command.NewImportTokenPairCommand(service),
		SubmitTransfer:        command.NewSubmitTransferCommand(service),
		RefreshAccounts:       command.NewRefreshAccountsCommand(service),
		PollAccounts:          command.NewPollAccountsCommand(service),
	}
	facade.queries = Queries{
		GetInstance:      query.NewGetInstanceQuery(service),
		ListInstances:    query.NewListInstancesQuery(service),
		ListAccounts:     query.NewListAccountsQuery(service),
		AuthorizationURL: query.NewAuthorizationURLQuery(service),
		EnsureAuthorized: query.NewEnsureAuthorizedQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func (f *Facade) RegisterInstance(ctx context.Context, req core.RegisterInstanceRequest) (core.Instance, error) {
	return gocommand.Execute[command.RegisterInstanceMessage, core.Instance](
		ctx, f.Commands().RegisterInstance, command.RegisterInstanceMessage{Request: req},
	)
}

func (f *Facade) RemoveInstance(ctx context.Context, instanceID string) error {
	_, err := gocommand.Execute[command.RemoveInstanceMessage, struct{}](
		ctx, f.Commands().RemoveInstance, command.RemoveInstanceMessage{InstanceID: instanceID},
	)
	return err
}

func (f *Facade) CompleteAuthorization(ctx context.Context, req core.CompleteAuthorizationRequest) error {
	_, err := gocommand.Execute[command.CompleteAuthorizationMessage, struct{}](
		ctx, f.Commands().CompleteAuthorization, command.CompleteAuthorizationMessage{Request: req},
	)
	return err
}

// ImportTokenPair stores an externally obtained pair. The returned pair has
// its tokens blanked.
func (f *Facade) ImportTokenPair(ctx context.Context, instanceID string, pair core.TokenPair) (core.TokenPair, error) {
	return gocommand.Execute[command.ImportTokenPairMessage, core.TokenPair](
		ctx, f.Commands().ImportTokenPair, command.ImportTokenPairMessage{InstanceID: instanceID, Pair: pair},
	)
}

// SubmitTransfer returns the transfer result alongside any error.
func (f *Facade) SubmitTransfer(ctx context.Context, req core.TransferRequest) (core.TransferResult, error) {
	return gocommand.Execute[command.SubmitTransferMessage, core.TransferResult](
		ctx, f.Commands().SubmitTransfer, command.SubmitTransferMessage{Request: req},
	)
}

func (f *Facade) RefreshAccounts(ctx context.Context, instanceID string) (map[string]core.Account, error) {
	return gocommand.Execute[command.RefreshAccountsMessage, map[string]core.Account](
		ctx, f.Commands().RefreshAccounts, command.RefreshAccountsMessage{InstanceID: instanceID},
	)
}

func (f *Facade) PollAccounts(ctx context.Context, instanceID string) (core.PollReport, error) {
	return gocommand.Execute[command.PollAccountsMessage, core.PollReport](
		ctx, f.Commands().PollAccounts, command.PollAccountsMessage{InstanceID: instanceID},
	)
}

func (f *Facade) Instance(ctx context.Context, instanceID string) (core.Instance, error) {
	return gocommand.Ask[query.GetInstanceMessage, core.Instance](
		ctx, f.Queries().GetInstance, query.GetInstanceMessage{InstanceID: instanceID},
	)
}

func (f *Facade) Instances(ctx context.Context) ([]core.Instance, error) {
	return gocommand.Ask[query.ListInstancesMessage, []core.Instance](
		ctx, f.Queries().ListInstances, query.ListInstancesMessage{},
	)
}

func (f *Facade) Accounts(ctx context.Context, instanceID string) ([]core.Account, error) {
	return gocommand.Ask[query.ListAccountsMessage, []core.Account](
		ctx, f.Queries().ListAccounts, query.ListAccountsMessage{InstanceID: instanceID},
	)
}

func (f *Facade) AuthorizationURL(ctx context.Context, instanceID string, redirectURI string) (core.AuthorizationURLResponse, error) {
	return gocommand.Ask[query.AuthorizationURLMessage, core.AuthorizationURLResponse](
		ctx, f.Queries().AuthorizationURL, query.AuthorizationURLMessage{InstanceID: instanceID, RedirectURI: redirectURI},
	)
}

func (f *Facade) EnsureAuthorized(ctx context.Context, instanceID string) (bool, error) {
	return gocommand.Ask[query.EnsureAuthorizedMessage, bool](
		ctx, f.Queries().EnsureAuthorized, query.EnsureAuthorizedMessage{InstanceID: instanceID},
	)
}

// Subscribe registers every command with the registry and subscribes
// commands and queries to the go-command dispatcher. Call
// subs.Unsubscribe to detach them.
func (f *Facade) Subscribe(adapter *gocommand.RegistryAdapter, subs *gocommand.Subscriptions) error {
	if f == nil {
		return fmt.Errorf("pengerobot: facade is nil")
	}
	if subs == nil {
		return fmt.Errorf("pengerobot: subscriptions are required")
	}
	c := f.commands
	q := f.queries
	steps := []func() error{
		func() error { return gocommand.RegisterAndSubscribe[command.RegisterInstanceMessage](adapter, subs, c.RegisterInstance) },
		func() error { return gocommand.RegisterAndSubscribe[command.RemoveInstanceMessage](adapter, subs, c.RemoveInstance) },
		func() error { return gocommand.RegisterAndSubscribe[command.CompleteAuthorizationMessage](adapter, subs, c.CompleteAuthorization) },
		func() error { return gocommand.RegisterAndSubscribe[command.ImportTokenPairMessage](adapter, subs, c.ImportTokenPair) },
		func() error { return gocommand.RegisterAndSubscribe[command.SubmitTransferMessage](adapter, subs, c.SubmitTransfer) },
		func() error { return gocommand.RegisterAndSubscribe[command.RefreshAccountsMessage](adapter, subs, c.RefreshAccounts) },
		func() error { return gocommand.RegisterAndSubscribe[command.PollAccountsMessage](adapter, subs, c.PollAccounts) },
		func() error { return gocommand.SubscribeQueryTo[query.GetInstanceMessage, core.Instance](subs, q.GetInstance) },
		func() error { return gocommand.SubscribeQueryTo[query.ListInstancesMessage, []core.Instance](subs, q.ListInstances) },
		func() error { return gocommand.SubscribeQueryTo[query.ListAccountsMessage, []core.Account](subs, q.ListAccounts) },
		func() error { return gocommand.SubscribeQueryTo[query.AuthorizationURLMessage, core.AuthorizationURLResponse](subs, q.AuthorizationURL) },
		func() error { return gocommand.SubscribeQueryTo[query.EnsureAuthorizedMessage, bool](subs, q.EnsureAuthorized) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			subs.Unsubscribe()
			return err
		}
	}
	return nil
}

var (
	_ CommandQueryService = (*core.Service)(nil)
	_ CommandQueryService = (*Facade)(nil)
	_ core.PollRunner     = (*Facade)(nil)
)
