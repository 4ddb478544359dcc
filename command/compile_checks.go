package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RegisterInstanceMessage]      = (*RegisterInstanceCommand)(nil)
	_ gocmd.Commander[RemoveInstanceMessage]        = (*RemoveInstanceCommand)(nil)
	_ gocmd.Commander[CompleteAuthorizationMessage] = (*CompleteAuthorizationCommand)(nil)
	_ gocmd.Commander[ImportTokenPairMessage]       = (*ImportTokenPairCommand)(nil)
	_ gocmd.Commander[SubmitTransferMessage]        = (*SubmitTransferCommand)(nil)
	_ gocmd.Commander[RefreshAccountsMessage]       = (*RefreshAccountsCommand)(nil)
	_ gocmd.Commander[PollAccountsMessage]          = (*PollAccountsCommand)(nil)
)
