package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// BankGateway is the full set of bank calls the service needs.
type BankGateway interface {
	AccountGateway
	TransferGateway
}

// BankGatewayFactory builds the bank gateway on top of the service dispatcher.
type BankGatewayFactory func(caller APICaller, cfg Config) BankGateway

type serviceBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	credentialStore CredentialStore
	instanceStore   InstanceStore
	tokenEndpoint   TokenEndpoint
	transport       TransportAdapter
	rateLimitPolicy RateLimitPolicy
	gatewayFactory  BankGatewayFactory
	publisher       OutcomePublisher
	accountCache    *AccountCache
	oauthStates     OAuthStateStore
	now             func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *serviceBuilder) {
		b.credentialStore = store
	}
}

func WithInstanceStore(store InstanceStore) Option {
	return func(b *serviceBuilder) {
		b.instanceStore = store
	}
}

func WithTokenEndpoint(endpoint TokenEndpoint) Option {
	return func(b *serviceBuilder) {
		b.tokenEndpoint = endpoint
	}
}

func WithTransport(transport TransportAdapter) Option {
	return func(b *serviceBuilder) {
		b.transport = transport
	}
}

func WithRateLimitPolicy(policy RateLimitPolicy) Option {
	return func(b *serviceBuilder) {
		b.rateLimitPolicy = policy
	}
}

func WithBankGateway(factory BankGatewayFactory) Option {
	return func(b *serviceBuilder) {
		b.gatewayFactory = factory
	}
}

func WithOutcomePublisher(publisher OutcomePublisher) Option {
	return func(b *serviceBuilder) {
		b.publisher = publisher
	}
}

func WithAccountCache(cache *AccountCache) Option {
	return func(b *serviceBuilder) {
		b.accountCache = cache
	}
}

func WithOAuthStateStore(store OAuthStateStore) Option {
	return func(b *serviceBuilder) {
		b.oauthStates = store
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("pengerobot", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		credentialStore: NewMemoryCredentialStore(),
		instanceStore:   NewMemoryInstanceStore(),
		accountCache:    NewAccountCache(),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves an in-memory raw config map.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded file < runtime overrides.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			diffLayer(configToLayerMap(runtime), configToLayerMap(defaults)),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName)

	bank := map[string]any{}
	putString(bank, "api_base_url", cfg.Bank.APIBaseURL)
	putString(bank, "token_url", cfg.Bank.TokenURL)
	putString(bank, "authorize_url", cfg.Bank.AuthorizeURL)
	putString(bank, "redirect_uri", cfg.Bank.RedirectURI)
	putInt(bank, "request_timeout_seconds", cfg.Bank.RequestTimeoutSeconds)
	putBool(bank, "include_credit_card_accounts", cfg.Bank.IncludeCreditCardAccounts)
	putSection(layer, "bank", bank)

	token := map[string]any{}
	putInt(token, "refresh_margin_seconds", cfg.Token.RefreshMarginSeconds)
	putInt(token, "refresh_timeout_seconds", cfg.Token.RefreshTimeoutSeconds)
	putSection(layer, "token", token)

	rate := map[string]any{}
	putInt(rate, "hourly_limit", cfg.RateLimit.HourlyLimit)
	putInt(rate, "window_seconds", cfg.RateLimit.WindowSeconds)
	putInt(rate, "max_queue_wait_seconds", cfg.RateLimit.MaxQueueWaitSeconds)
	putInt(rate, "initial_backoff_seconds", cfg.RateLimit.InitialBackoffSeconds)
	putInt(rate, "max_backoff_seconds", cfg.RateLimit.MaxBackoffSeconds)
	putInt(rate, "quiet_period_seconds", cfg.RateLimit.QuietPeriodSeconds)
	putSection(layer, "rate_limit", rate)

	transfer := map[string]any{}
	putString(transfer, "default_currency", cfg.Transfer.DefaultCurrency)
	putString(transfer, "default_max_amount", cfg.Transfer.DefaultMaxAmount)
	putString(transfer, "timezone", cfg.Transfer.Timezone)
	putBool(transfer, "refresh_balances_after_transfer", cfg.Transfer.RefreshBalancesAfterTransfer)
	putSection(layer, "transfer", transfer)

	poller := map[string]any{}
	putInt(poller, "interval_seconds", cfg.Poller.IntervalSeconds)
	putSection(layer, "poller", poller)

	outbox := map[string]any{}
	putInt(outbox, "batch_size", cfg.Outbox.BatchSize)
	putInt(outbox, "max_attempts", cfg.Outbox.MaxAttempts)
	putInt(outbox, "initial_backoff_seconds", cfg.Outbox.InitialBackoffSeconds)
	putInt(outbox, "max_backoff_seconds", cfg.Outbox.MaxBackoffSeconds)
	putInt(outbox, "poll_interval_seconds", cfg.Outbox.PollIntervalSeconds)
	putSection(layer, "outbox", outbox)
	return layer
}

// diffLayer keeps the entries of layer that differ from base, so a runtime
// config equal to the defaults never overrides a loaded value.
func diffLayer(layer map[string]any, base map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range layer {
		if section, ok := value.(map[string]any); ok {
			baseSection, _ := base[key].(map[string]any)
			putSection(out, key, diffLayer(section, baseSection))
			continue
		}
		if baseValue, ok := base[key]; ok && baseValue == value {
			continue
		}
		out[key] = value
	}
	return out
}

func putString(target map[string]any, key string, value string) {
	target[key] = strings.TrimSpace(value)
}

func putInt(target map[string]any, key string, value int) {
	target[key] = value
}

func putBool(target map[string]any, key string, value bool) {
	target[key] = value
}

func putSection(target map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		target[key] = section
	}
}
