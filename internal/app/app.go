// Package app is the composition root: it turns settings and the core config
// sections into a running service with storage, transport, event sinks, the
// poll worker and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-command"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/errgroup"

	pengerobot "github.com/remimikalsen/sparebank1-pengerobot"
	"github.com/remimikalsen/sparebank1-pengerobot/adapters/gocommand"
	"github.com/remimikalsen/sparebank1-pengerobot/adapters/gojob"
	"github.com/remimikalsen/sparebank1-pengerobot/adapters/gologger"
	"github.com/remimikalsen/sparebank1-pengerobot/adapters/prommetrics"
	"github.com/remimikalsen/sparebank1-pengerobot/core"
	"github.com/remimikalsen/sparebank1-pengerobot/inbound"
	"github.com/remimikalsen/sparebank1-pengerobot/providers"
	"github.com/remimikalsen/sparebank1-pengerobot/providers/sparebank1"
	"github.com/remimikalsen/sparebank1-pengerobot/ratelimit"
	"github.com/remimikalsen/sparebank1-pengerobot/transport"
	"github.com/remimikalsen/sparebank1-pengerobot/webhooks"
)

type Option func(*builder)

type builder struct {
	httpClient     transport.HTTPDoer
	webhookClient  webhooks.HTTPDoer
	loggerProvider glog.LoggerProvider
	sinks          []core.OutcomeSink
	now            func() time.Time
}

// WithHTTPClient replaces the client used for bank and token calls.
func WithHTTPClient(client transport.HTTPDoer) Option {
	return func(b *builder) {
		b.httpClient = client
	}
}

func WithWebhookClient(client webhooks.HTTPDoer) Option {
	return func(b *builder) {
		b.webhookClient = client
	}
}

func WithLoggerProvider(provider glog.LoggerProvider) Option {
	return func(b *builder) {
		b.loggerProvider = provider
	}
}

// WithSinks adds outcome sinks next to the configured log and webhook sinks.
func WithSinks(sinks ...core.OutcomeSink) Option {
	return func(b *builder) {
		b.sinks = append(b.sinks, sinks...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *builder) {
		b.now = now
	}
}

// App owns every long lived component of one pengerobot process.
type App struct {
	settings Settings
	config   core.Config
	logger   glog.Logger

	service  *core.Service
	facade   *pengerobot.Facade
	commands *gocommand.RegistryAdapter
	subs     *gocommand.Subscriptions
	metrics  *prommetrics.Recorder

	stores     stores
	outbox     *core.OutboxDispatcher
	queue      *gojob.MemoryQueue
	pollWorker *core.PollWorker
	server     *inbound.Server
}

// New builds the application. raw holds the core sections (bank, token,
// rate_limit, transfer, poller, outbox) as decoded from the config file.
func New(ctx context.Context, settings Settings, raw map[string]any, opts ...Option) (*App, error) {
	b := builder{}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	provider := b.loggerProvider
	if provider == nil {
		provider = newConsoleLogger(settings.Logging, os.Stderr)
	}
	provider, logger := gologger.Resolve("pengerobot", provider, nil)

	configProvider := core.NewCfgxConfigProvider(core.StaticConfigLoader(raw))
	cfg, err := configProvider.Load(ctx, core.DefaultConfig())
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, settings)
	if err != nil {
		return nil, err
	}
	a := &App{
		settings: settings,
		config:   cfg,
		logger:   logger,
		metrics:  prommetrics.NewRecorder(),
		stores:   st,
		queue:    gojob.NewMemoryQueue(),
		subs:     &gocommand.Subscriptions{},
	}
	if err := a.wire(ctx, b, provider, configProvider); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, b builder, provider glog.LoggerProvider, configProvider core.ConfigProvider) error {
	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: a.config.RequestTimeout()}
	}
	adapter := transport.NewRESTAdapter(httpClient)
	endpoint, err := providers.NewOAuth2TokenEndpointFromConfig(a.config, adapter)
	if err != nil {
		return err
	}

	sinks, err := a.outcomeSinks(b)
	if err != nil {
		return err
	}
	var publisher core.OutcomePublisher = core.NewSinkPublisher(sinks...)
	if a.stores.outbox != nil {
		outboxPublisher, pubErr := core.NewOutboxPublisher(a.stores.outbox)
		if pubErr != nil {
			return pubErr
		}
		publisher = outboxPublisher
		a.outbox, err = core.NewOutboxDispatcher(a.stores.outbox, sinks, core.OutboxDispatcherConfigFrom(a.config), provider.GetLogger("pengerobot.outbox"))
		if err != nil {
			return err
		}
	}

	opts := []pengerobot.Option{
		pengerobot.WithLoggerProvider(provider),
		pengerobot.WithMetricsRecorder(a.metrics),
		pengerobot.WithConfigProvider(configProvider),
		pengerobot.WithCredentialStore(a.stores.credentials),
		pengerobot.WithInstanceStore(a.stores.instances),
		pengerobot.WithTokenEndpoint(endpoint),
		pengerobot.WithTransport(adapter),
		pengerobot.WithRateLimitPolicy(ratelimit.NewBudgetPolicy(a.stores.rateLimits, ratelimit.BudgetConfigFrom(a.config))),
		pengerobot.WithBankGateway(sparebank1.Factory),
		pengerobot.WithOutcomePublisher(publisher),
		pengerobot.WithOAuthStateStore(a.stores.oauthStates),
	}
	if b.now != nil {
		opts = append(opts, pengerobot.WithClock(b.now))
	}
	a.service, err = pengerobot.NewService(a.config, opts...)
	if err != nil {
		return err
	}
	a.config = a.service.Config()

	a.facade, err = pengerobot.NewFacade(a.service)
	if err != nil {
		return err
	}
	a.commands = gocommand.NewRegistryAdapter(command.NewRegistry())
	if err := a.facade.Subscribe(a.commands, a.subs); err != nil {
		return err
	}
	if err := a.commands.Initialize(); err != nil {
		return err
	}

	a.pollWorker, err = core.NewPollWorker(
		a.facade,
		gojob.NewDequeuerAdapter(a.queue, gojob.RetryPolicy{}),
		gologger.NewJobLogHook(provider.GetLogger("pengerobot.poller")),
		provider.GetLogger("pengerobot.poller"),
		a.metrics,
	)
	if err != nil {
		return err
	}

	serverOpts := []inbound.Option{
		inbound.WithLogger(provider.GetLogger("pengerobot.http")),
		inbound.WithRequestTimeout(a.settings.httpRequestTimeout()),
	}
	if a.settings.HTTP.Metrics {
		serverOpts = append(serverOpts, inbound.WithMetricsHandler(a.metrics.Handler()))
	}
	a.server = inbound.NewServer(a.facade, serverOpts...)

	return a.seedInstances(ctx)
}

// newConsoleLogger builds the root go-logger for the process. Format is
// "json", "pretty" or anything else for key=value text.
func newConsoleLogger(settings LoggingSettings, out io.Writer) *glog.BaseLogger {
	opts := []glog.Option{
		glog.WithLevel(strings.TrimSpace(settings.Level)),
		glog.WithWriter(out),
	}
	switch strings.ToLower(strings.TrimSpace(settings.Format)) {
	case "json":
		opts = append(opts, glog.WithLoggerTypeJSON())
	case "pretty":
		opts = append(opts, glog.WithLoggerTypePretty())
	default:
		opts = append(opts, glog.WithLoggerTypeConsole())
	}
	return glog.NewLogger(opts...)
}

func (a *App) outcomeSinks(b builder) ([]core.OutcomeSink, error) {
	var sinks []core.OutcomeSink
	if a.settings.Events.Log {
		sinks = append(sinks, core.NewLogSink(a.logger))
	}
	if url := strings.TrimSpace(a.settings.Events.WebhookURL); url != "" {
		sink, err := webhooks.NewSink(webhooks.SinkOptions{
			URL:     url,
			Secret:  a.settings.Events.WebhookSecret,
			Timeout: a.settings.webhookTimeout(),
			Headers: a.settings.Events.Headers,
			Client:  b.webhookClient,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return append(sinks, b.sinks...), nil
}

// seedInstances registers the instances listed in the settings. Existing
// instances are updated in place and keep their tokens.
func (a *App) seedInstances(ctx context.Context) error {
	for _, instance := range a.settings.Instances {
		req, err := instance.request()
		if err != nil {
			return err
		}
		if _, err := a.facade.RegisterInstance(ctx, req); err != nil {
			return fmt.Errorf("app: seed instance %s: %w", req.ID, err)
		}
	}
	return nil
}

func (a *App) Config() core.Config {
	return a.config
}

func (a *App) Settings() Settings {
	return a.settings
}

func (a *App) Service() *core.Service {
	return a.service
}

func (a *App) Facade() *pengerobot.Facade {
	return a.facade
}

func (a *App) Logger() glog.Logger {
	return a.logger
}

// SetAddr overrides the listen address before Run.
func (a *App) SetAddr(addr string) {
	a.settings.HTTP.Addr = addr
}

func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// DispatchOutbox drains pending outcome events once. It is a no-op for the
// memory driver, where events are delivered inline.
func (a *App) DispatchOutbox(ctx context.Context) (core.DispatchStats, error) {
	if a.outbox == nil {
		return core.DispatchStats{}, nil
	}
	return a.outbox.DispatchPending(ctx, 0)
}

// Run serves HTTP and runs the poll scheduler, the poll worker and the
// outbox dispatcher until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              a.settings.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		a.logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return ignoreCanceled(a.service.RunPollScheduler(ctx, gojob.NewEnqueuerAdapter(a.queue)))
	})
	group.Go(func() error {
		return ignoreCanceled(a.pollWorker.Run(ctx))
	})
	if a.outbox != nil {
		interval := time.Duration(a.config.Outbox.PollIntervalSeconds) * time.Second
		group.Go(func() error {
			return ignoreCanceled(a.outbox.Run(ctx, interval))
		})
	}
	return group.Wait()
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.subs != nil {
		a.subs.Unsubscribe()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	return a.stores.close()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
