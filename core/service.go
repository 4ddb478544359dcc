package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/shopspring/decimal"
)

// Service wires the token manager, dispatcher, poller and transfer
// orchestrator for every registered instance.
type Service struct {
	config         Config
	loggerProvider LoggerProvider
	credentials    CredentialStore
	instances      InstanceStore
	endpoint       TokenEndpoint
	tokens         *TokenManager
	dispatcher     *Dispatcher
	gateway        BankGateway
	poller         *AccountPoller
	orchestrator   *TransferOrchestrator
	cache          *AccountCache
	oauthStates    OAuthStateStore
	now            func() time.Time
	instrumentation
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("pengerobot", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("pengerobot"); named != nil {
			logger = glog.Ensure(named)
		}
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.oauthStates == nil {
		builder.oauthStates = NewMemoryOAuthStateStore(DefaultOAuthStateTTL)
	}
	if builder.accountCache == nil {
		builder.accountCache = NewAccountCache()
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}
	if builder.publisher == nil {
		builder.publisher = NewSinkPublisher(NewLogSink(logger))
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, err
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, err
	}

	if builder.tokenEndpoint == nil {
		return nil, fmt.Errorf("core: token endpoint is required")
	}
	if builder.transport == nil {
		return nil, fmt.Errorf("core: transport is required")
	}
	if builder.gatewayFactory == nil {
		return nil, fmt.Errorf("core: bank gateway factory is required")
	}

	tokens, err := NewTokenManager(builder.credentialStore, builder.instanceStore, builder.tokenEndpoint, TokenManagerConfig{
		RefreshMargin:  finalConfig.RefreshMargin(),
		RefreshTimeout: finalConfig.RefreshTimeout(),
		Now:            builder.now,
		Logger:         logger,
		Metrics:        builder.metricsRecorder,
	})
	if err != nil {
		return nil, err
	}
	dispatcher, err := NewDispatcher(tokens, builder.rateLimitPolicy, builder.transport, logger, builder.metricsRecorder)
	if err != nil {
		return nil, err
	}
	gateway := builder.gatewayFactory(dispatcher, finalConfig)
	if gateway == nil {
		return nil, fmt.Errorf("core: bank gateway factory returned nil")
	}
	poller, err := NewAccountPoller(gateway, builder.accountCache, logger, builder.metricsRecorder)
	if err != nil {
		return nil, err
	}
	poller.now = builder.now

	svc := &Service{
		config:          finalConfig,
		loggerProvider:  provider,
		credentials:     builder.credentialStore,
		instances:       builder.instanceStore,
		endpoint:        builder.tokenEndpoint,
		tokens:          tokens,
		dispatcher:      dispatcher,
		gateway:         gateway,
		poller:          poller,
		cache:           builder.accountCache,
		oauthStates:     builder.oauthStates,
		now:             builder.now,
		instrumentation: instrumentation{logger: logger, metrics: builder.metricsRecorder},
	}

	orchestratorConfig := TransferOrchestratorConfig{
		Location:         finalConfig.Location(),
		DefaultMaxAmount: finalConfig.DefaultMaxAmountValue(),
		Now:              builder.now,
		Logger:           logger,
		Metrics:          builder.metricsRecorder,
	}
	if finalConfig.Transfer.RefreshBalancesAfterTransfer {
		orchestratorConfig.AfterSuccess = svc.refreshTransferAccounts
	}
	svc.orchestrator, err = NewTransferOrchestrator(gateway, svc, builder.publisher, orchestratorConfig)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) LoggerProvider() LoggerProvider {
	return s.loggerProvider
}

// Tokens exposes the token manager for callers that need direct token access.
func (s *Service) Tokens() *TokenManager {
	return s.tokens
}

type RegisterInstanceRequest struct {
	ID                string
	Name              string
	CredentialRef     string
	ClientID          string
	ClientSecret      string
	DefaultCurrency   string
	MaxAmount         decimal.Decimal
	MonitoredAccounts []string
}

// RegisterInstance creates or updates an instance. When client credentials
// are given they are stored under CredentialRef, or the instance id.
func (s *Service) RegisterInstance(ctx context.Context, req RegisterInstanceRequest) (instance Instance, err error) {
	startedAt := time.Now()
	defer func() {
		s.observeOperation(ctx, startedAt, "register_instance", err, map[string]any{"instance_id": instance.ID})
	}()

	instance = Instance{
		ID:                strings.TrimSpace(req.ID),
		Name:              strings.TrimSpace(req.Name),
		CredentialRef:     strings.TrimSpace(req.CredentialRef),
		DefaultCurrency:   NormalizeCurrency(req.DefaultCurrency),
		MaxAmount:         QuantizeAmount(req.MaxAmount),
		MonitoredAccounts: normalizeMonitored(req.MonitoredAccounts),
	}
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	if instance.Name == "" {
		instance.Name = instance.ID
	}
	if instance.CredentialRef == "" {
		instance.CredentialRef = instance.ID
	}
	if instance.DefaultCurrency == "" {
		instance.DefaultCurrency = NormalizeCurrency(s.config.Transfer.DefaultCurrency)
	}
	if !IsSupportedCurrency(instance.DefaultCurrency) {
		return Instance{}, NewValidationError("unsupported currency", fieldError("default_currency", "unsupported", req.DefaultCurrency))
	}
	if instance.MaxAmount.IsZero() {
		instance.MaxAmount = s.config.DefaultMaxAmountValue()
	}
	if instance.MaxAmount.IsNegative() {
		return Instance{}, NewValidationError("max amount must be positive", fieldError("max_amount", "must be positive", req.MaxAmount.String()))
	}

	if clientID := strings.TrimSpace(req.ClientID); clientID != "" {
		if err = s.credentials.PutCredential(ctx, Credential{
			Ref:          instance.CredentialRef,
			ClientID:     clientID,
			ClientSecret: strings.TrimSpace(req.ClientSecret),
		}); err != nil {
			return Instance{}, err
		}
	} else if _, err = s.credentials.GetCredential(ctx, instance.CredentialRef); err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			err = NewValidationError("client credentials are required", fieldError("client_id", "required", ""))
		}
		return Instance{}, err
	}

	instance, err = s.instances.UpsertInstance(ctx, instance)
	if err != nil {
		return Instance{}, err
	}
	return instance, nil
}

// RemoveInstance deletes the instance, invalidates its tokens and drops its
// cached accounts.
func (s *Service) RemoveInstance(ctx context.Context, instanceID string) (err error) {
	startedAt := time.Now()
	defer func() {
		s.observeOperation(ctx, startedAt, "remove_instance", err, map[string]any{"instance_id": instanceID})
	}()

	instanceID = strings.TrimSpace(instanceID)
	if err = s.tokens.Invalidate(ctx, instanceID, "instance removed"); err != nil {
		return err
	}
	s.cache.Drop(instanceID)
	if err = s.instances.DeleteInstance(ctx, instanceID); err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			return NewNotFoundError("instance not found", err)
		}
		return err
	}
	return nil
}

func (s *Service) Instance(ctx context.Context, instanceID string) (Instance, error) {
	instance, err := s.instances.GetInstance(ctx, strings.TrimSpace(instanceID))
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			return Instance{}, NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID), err)
		}
		return Instance{}, err
	}
	return instance, nil
}

func (s *Service) Instances(ctx context.Context) ([]Instance, error) {
	return s.instances.ListInstances(ctx)
}

type AuthorizationURLResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// AuthorizationURL starts the OAuth code flow for an instance.
func (s *Service) AuthorizationURL(ctx context.Context, instanceID string, redirectURI string) (AuthorizationURLResponse, error) {
	instance, err := s.Instance(ctx, instanceID)
	if err != nil {
		return AuthorizationURLResponse{}, err
	}
	credential, err := s.credentials.GetCredential(ctx, instance.CredentialRef)
	if err != nil {
		return AuthorizationURLResponse{}, err
	}
	redirectURI = s.redirectURI(redirectURI)
	state, err := generateOAuthState()
	if err != nil {
		return AuthorizationURLResponse{}, err
	}
	authorizeURL, err := s.endpoint.AuthorizationURL(credential, redirectURI, state)
	if err != nil {
		return AuthorizationURLResponse{}, err
	}
	if err := s.oauthStates.Save(ctx, OAuthStateRecord{
		State:       state,
		InstanceID:  instance.ID,
		RedirectURI: redirectURI,
		CreatedAt:   s.now(),
	}); err != nil {
		return AuthorizationURLResponse{}, err
	}
	return AuthorizationURLResponse{URL: authorizeURL, State: state}, nil
}

type CompleteAuthorizationRequest struct {
	InstanceID  string
	Code        string
	State       string
	RedirectURI string
}

// CompleteAuthorization exchanges an authorization code and stores the first
// token pair of the instance.
func (s *Service) CompleteAuthorization(ctx context.Context, req CompleteAuthorizationRequest) (err error) {
	startedAt := time.Now()
	defer func() {
		s.observeOperation(ctx, startedAt, "complete_authorization", err, map[string]any{"instance_id": req.InstanceID})
	}()

	if strings.TrimSpace(req.Code) == "" {
		return NewValidationError("authorization code is required", fieldError("code", "required", ""))
	}
	record, err := s.oauthStates.Consume(ctx, req.State)
	if err != nil {
		return err
	}
	instanceID := strings.TrimSpace(req.InstanceID)
	if instanceID == "" {
		instanceID = record.InstanceID
	}
	if instanceID != record.InstanceID {
		return NewValidationError("oauth state belongs to another instance", fieldError("state", "instance mismatch", req.State))
	}
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		redirectURI = record.RedirectURI
	}
	if record.RedirectURI != "" && redirectURI != record.RedirectURI {
		return NewValidationError("redirect uri does not match the authorization request", fieldError("redirect_uri", "mismatch", req.RedirectURI))
	}

	instance, err := s.Instance(ctx, instanceID)
	if err != nil {
		return err
	}
	credential, err := s.credentials.GetCredential(ctx, instance.CredentialRef)
	if err != nil {
		return err
	}
	pair, err := s.endpoint.Exchange(ctx, credential, strings.TrimSpace(req.Code), redirectURI)
	if err != nil {
		return err
	}
	_, err = s.ImportTokenPair(ctx, instance.ID, pair)
	return err
}

// ImportTokenPair stores a token pair obtained outside the code flow.
func (s *Service) ImportTokenPair(ctx context.Context, instanceID string, pair TokenPair) (TokenPair, error) {
	if strings.TrimSpace(pair.RefreshToken) == "" {
		return TokenPair{}, NewValidationError("refresh token is required", fieldError("refresh_token", "required", ""))
	}
	pair.Status = TokenStatusActive
	pair.InvalidReason = ""
	if pair.UpdatedAt.IsZero() {
		pair.UpdatedAt = s.now()
	}
	return s.credentials.PutTokenPair(ctx, strings.TrimSpace(instanceID), pair)
}

// EnsureAuthorized reports whether the instance can obtain a valid access
// token, refreshing it when needed.
func (s *Service) EnsureAuthorized(ctx context.Context, instanceID string) (ok bool, err error) {
	startedAt := time.Now()
	defer func() {
		s.observeOperation(ctx, startedAt, "ensure_authorized", err, map[string]any{
			"instance_id": instanceID,
			"authorized":  ok,
		})
	}()
	if _, err = s.Instance(ctx, instanceID); err != nil {
		return false, err
	}
	return s.tokens.Authorized(ctx, instanceID)
}

// SubmitTransfer runs one transfer for the instance named in req.
func (s *Service) SubmitTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	instance, err := s.Instance(ctx, req.InstanceID)
	if err != nil {
		result := TransferResult{
			IntegrationID: req.InstanceID,
			Kind:          req.Kind,
			Amount:        req.Amount,
			FromAccount:   req.FromAccount,
			ToAccount:     req.ToAccount,
			FailureKind:   FailureKindOf(err),
			FailureReason: failureMessage(err),
			AttemptedAt:   s.now(),
		}
		// every transfer attempt yields exactly one outcome event
		s.orchestrator.publish(ctx, result)
		return result, err
	}
	return s.orchestrator.Submit(ctx, instance, req)
}

// RefreshAccounts polls the instance on behalf of a user and waits for
// budget when needed.
func (s *Service) RefreshAccounts(ctx context.Context, instanceID string) (map[string]Account, error) {
	instance, err := s.Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	report, err := s.poller.Poll(ctx, instance, UrgencyQueue)
	if err != nil {
		return nil, err
	}
	return report.Accounts, nil
}

// PollAccounts is the scheduled variant of RefreshAccounts. It never waits
// for budget.
func (s *Service) PollAccounts(ctx context.Context, instanceID string) (PollReport, error) {
	instance, err := s.Instance(ctx, instanceID)
	if err != nil {
		return PollReport{}, err
	}
	return s.poller.Poll(ctx, instance, UrgencySkip)
}

// Accounts returns the cached accounts of the instance.
func (s *Service) Accounts(ctx context.Context, instanceID string) ([]Account, error) {
	if _, err := s.Instance(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.cache.List(strings.TrimSpace(instanceID)), nil
}

// ResolveAccount looks the reference up in the cache and falls back to one
// account listing at the bank.
func (s *Service) ResolveAccount(ctx context.Context, instance Instance, reference string) (Account, bool, error) {
	if account, ok := s.cache.Find(instance.ID, reference); ok {
		return account, true, nil
	}
	listed, err := s.gateway.ListAccounts(ctx, instance.ID, UrgencyQueue)
	if err != nil {
		return Account{}, false, err
	}
	scratch := NewAccountCache()
	byNumber := make(map[string]Account, len(listed))
	for _, account := range listed {
		byNumber[NormalizeAccountNumber(account.AccountNumber)] = account
	}
	scratch.Replace(instance.ID, byNumber)
	account, ok := scratch.Find(instance.ID, reference)
	return account, ok, nil
}

func (s *Service) refreshTransferAccounts(ctx context.Context, instance Instance, result TransferResult) {
	report := s.poller.RefreshBalances(ctx, instance, UrgencySkip, result.FromAccount, result.ToAccount)
	if report.Partial() {
		s.logDebug(ctx, "post-transfer balance refresh incomplete", map[string]any{
			"instance_id": instance.ID,
			"misses":      report.Misses,
		})
	}
}

func (s *Service) redirectURI(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested != "" {
		if parsed, err := url.Parse(requested); err == nil && parsed.Scheme != "" {
			return requested
		}
	}
	return s.config.Bank.RedirectURI
}

func normalizeMonitored(accounts []string) []string {
	out := make([]string, 0, len(accounts))
	seen := map[string]bool{}
	for _, account := range accounts {
		account = strings.TrimSpace(account)
		if account == "" {
			continue
		}
		key := NormalizeAccountNumber(account)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

var _ AccountResolver = (*Service)(nil)
