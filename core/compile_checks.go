package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ CredentialStore  = (*MemoryCredentialStore)(nil)
	_ InstanceStore    = (*MemoryInstanceStore)(nil)
	_ OutboxStore      = (*MemoryOutboxStore)(nil)
	_ OAuthStateStore  = (*MemoryOAuthStateStore)(nil)
	_ OutcomePublisher = (*OutboxPublisher)(nil)
	_ OutcomePublisher = (*SinkPublisher)(nil)
	_ OutcomeSink      = (*LogSink)(nil)
	_ ConfigProvider   = (*CfgxConfigProvider)(nil)
	_ OptionsResolver  = GoOptionsResolver{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
