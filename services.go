// Package pengerobot wires the SpareBank 1 transfer robot: token lifecycle,
// the rate-limited bank dispatcher, transfers and account polling.
package pengerobot

import "github.com/remimikalsen/sparebank1-pengerobot/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type Instance = core.Instance
type TokenPair = core.TokenPair
type Account = core.Account
type PollReport = core.PollReport

type RegisterInstanceRequest = core.RegisterInstanceRequest
type CompleteAuthorizationRequest = core.CompleteAuthorizationRequest
type TransferRequest = core.TransferRequest
type TransferResult = core.TransferResult
type OutcomeEvent = core.OutcomeEvent

var (
	WithLogger           = core.WithLogger
	WithLoggerProvider   = core.WithLoggerProvider
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithConfigProvider   = core.WithConfigProvider
	WithOptionsResolver  = core.WithOptionsResolver
	WithCredentialStore  = core.WithCredentialStore
	WithInstanceStore    = core.WithInstanceStore
	WithTokenEndpoint    = core.WithTokenEndpoint
	WithTransport        = core.WithTransport
	WithRateLimitPolicy  = core.WithRateLimitPolicy
	WithBankGateway      = core.WithBankGateway
	WithOutcomePublisher = core.WithOutcomePublisher
	WithAccountCache     = core.WithAccountCache
	WithOAuthStateStore  = core.WithOAuthStateStore
	WithClock            = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}
