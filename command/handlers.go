package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

type MutatingService interface {
	RegisterInstance(ctx context.Context, req core.RegisterInstanceRequest) (core.Instance, error)
	RemoveInstance(ctx context.Context, instanceID string) error
	CompleteAuthorization(ctx context.Context, req core.CompleteAuthorizationRequest) error
	ImportTokenPair(ctx context.Context, instanceID string, pair core.TokenPair) (core.TokenPair, error)
	SubmitTransfer(ctx context.Context, req core.TransferRequest) (core.TransferResult, error)
	RefreshAccounts(ctx context.Context, instanceID string) (map[string]core.Account, error)
	PollAccounts(ctx context.Context, instanceID string) (core.PollReport, error)
}

type RegisterInstanceCommand struct {
	service MutatingService
}

func NewRegisterInstanceCommand(service MutatingService) *RegisterInstanceCommand {
	return &RegisterInstanceCommand{service: service}
}

func (c *RegisterInstanceCommand) Execute(ctx context.Context, msg RegisterInstanceMessage) error {
	if c == nil || c.service == nil {
		return missingService("instance")
	}
	out, err := c.service.RegisterInstance(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RemoveInstanceCommand struct {
	service MutatingService
}

func NewRemoveInstanceCommand(service MutatingService) *RemoveInstanceCommand {
	return &RemoveInstanceCommand{service: service}
}

func (c *RemoveInstanceCommand) Execute(ctx context.Context, msg RemoveInstanceMessage) error {
	if c == nil || c.service == nil {
		return missingService("instance")
	}
	return c.service.RemoveInstance(ctx, msg.InstanceID)
}

type CompleteAuthorizationCommand struct {
	service MutatingService
}

func NewCompleteAuthorizationCommand(service MutatingService) *CompleteAuthorizationCommand {
	return &CompleteAuthorizationCommand{service: service}
}

func (c *CompleteAuthorizationCommand) Execute(ctx context.Context, msg CompleteAuthorizationMessage) error {
	if c == nil || c.service == nil {
		return missingService("authorization")
	}
	return c.service.CompleteAuthorization(ctx, msg.Request)
}

type ImportTokenPairCommand struct {
	service MutatingService
}

func NewImportTokenPairCommand(service MutatingService) *ImportTokenPairCommand {
	return &ImportTokenPairCommand{service: service}
}

func (c *ImportTokenPairCommand) Execute(ctx context.Context, msg ImportTokenPairMessage) error {
	if c == nil || c.service == nil {
		return missingService("authorization")
	}
	out, err := c.service.ImportTokenPair(ctx, msg.InstanceID, msg.Pair)
	if err != nil {
		return err
	}
	// never hand the tokens back to the caller
	out.AccessToken = ""
	out.RefreshToken = ""
	storeResult(ctx, out)
	return nil
}

type SubmitTransferCommand struct {
	service MutatingService
}

func NewSubmitTransferCommand(service MutatingService) *SubmitTransferCommand {
	return &SubmitTransferCommand{service: service}
}

// Execute stores the transfer result even when the transfer failed, so the
// caller sees the failure kind and bank errors next to the returned error.
func (c *SubmitTransferCommand) Execute(ctx context.Context, msg SubmitTransferMessage) error {
	if c == nil || c.service == nil {
		return missingService("transfer")
	}
	out, err := c.service.SubmitTransfer(ctx, msg.Request)
	storeResult(ctx, out)
	return err
}

type RefreshAccountsCommand struct {
	service MutatingService
}

func NewRefreshAccountsCommand(service MutatingService) *RefreshAccountsCommand {
	return &RefreshAccountsCommand{service: service}
}

func (c *RefreshAccountsCommand) Execute(ctx context.Context, msg RefreshAccountsMessage) error {
	if c == nil || c.service == nil {
		return missingService("account")
	}
	out, err := c.service.RefreshAccounts(ctx, msg.InstanceID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type PollAccountsCommand struct {
	service MutatingService
}

func NewPollAccountsCommand(service MutatingService) *PollAccountsCommand {
	return &PollAccountsCommand{service: service}
}

func (c *PollAccountsCommand) Execute(ctx context.Context, msg PollAccountsMessage) error {
	if c == nil || c.service == nil {
		return missingService("account")
	}
	out, err := c.service.PollAccounts(ctx, msg.InstanceID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
