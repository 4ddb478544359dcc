package command

import (
	"strings"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

const (
	TypeRegisterInstance      = "pengerobot.command.instance.register"
	TypeRemoveInstance        = "pengerobot.command.instance.remove"
	TypeCompleteAuthorization = "pengerobot.command.authorization.complete"
	TypeImportTokenPair       = "pengerobot.command.token_pair.import"
	TypeSubmitTransfer        = "pengerobot.command.transfer.submit"
	TypeRefreshAccounts       = "pengerobot.command.accounts.refresh"
	TypePollAccounts          = "pengerobot.command.accounts.poll"
)

type RegisterInstanceMessage struct {
	Request core.RegisterInstanceRequest
}

func (RegisterInstanceMessage) Type() string { return TypeRegisterInstance }

func (m RegisterInstanceMessage) Validate() error {
	if strings.TrimSpace(m.Request.ClientSecret) != "" && strings.TrimSpace(m.Request.ClientID) == "" {
		return invalidField("client_id", "required when a client secret is given")
	}
	if m.Request.MaxAmount.IsNegative() {
		return invalidField("max_amount", "must not be negative")
	}
	return nil
}

type RemoveInstanceMessage struct {
	InstanceID string
}

func (RemoveInstanceMessage) Type() string { return TypeRemoveInstance }

func (m RemoveInstanceMessage) Validate() error {
	return requireInstanceID(m.InstanceID)
}

type CompleteAuthorizationMessage struct {
	Request core.CompleteAuthorizationRequest
}

func (CompleteAuthorizationMessage) Type() string { return TypeCompleteAuthorization }

func (m CompleteAuthorizationMessage) Validate() error {
	if strings.TrimSpace(m.Request.Code) == "" {
		return invalidField("code", "required")
	}
	if strings.TrimSpace(m.Request.State) == "" {
		return invalidField("state", "required")
	}
	return nil
}

type ImportTokenPairMessage struct {
	InstanceID string
	Pair       core.TokenPair
}

func (ImportTokenPairMessage) Type() string { return TypeImportTokenPair }

func (m ImportTokenPairMessage) Validate() error {
	if err := requireInstanceID(m.InstanceID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Pair.RefreshToken) == "" {
		return invalidField("refresh_token", "required")
	}
	return nil
}

// SubmitTransferMessage only checks the instance id. Everything else is
// validated by the orchestrator so that a rejected request still produces
// an outcome event.
type SubmitTransferMessage struct {
	Request core.TransferRequest
}

func (SubmitTransferMessage) Type() string { return TypeSubmitTransfer }

func (m SubmitTransferMessage) Validate() error {
	return requireInstanceID(m.Request.InstanceID)
}

type RefreshAccountsMessage struct {
	InstanceID string
}

func (RefreshAccountsMessage) Type() string { return TypeRefreshAccounts }

func (m RefreshAccountsMessage) Validate() error {
	return requireInstanceID(m.InstanceID)
}

type PollAccountsMessage struct {
	InstanceID string
}

func (PollAccountsMessage) Type() string { return TypePollAccounts }

func (m PollAccountsMessage) Validate() error {
	return requireInstanceID(m.InstanceID)
}

func requireInstanceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidField("instance_id", "required")
	}
	return nil
}
