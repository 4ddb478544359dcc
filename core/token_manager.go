package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenManager hands out access tokens and renews them with the refresh
// token. At most one refresh per instance is in flight; concurrent callers
// share its result.
type TokenManager struct {
	credentials    CredentialStore
	instances      InstanceStore
	endpoint       TokenEndpoint
	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	flights        singleflight.Group
	instrumentation
}

type TokenManagerConfig struct {
	RefreshMargin  time.Duration
	RefreshTimeout time.Duration
	Now            func() time.Time
	Logger         Logger
	Metrics        MetricsRecorder
}

func NewTokenManager(
	credentials CredentialStore,
	instances InstanceStore,
	endpoint TokenEndpoint,
	cfg TokenManagerConfig,
) (*TokenManager, error) {
	if credentials == nil {
		return nil, fmt.Errorf("core: credential store is required")
	}
	if instances == nil {
		return nil, fmt.Errorf("core: instance store is required")
	}
	if endpoint == nil {
		return nil, fmt.Errorf("core: token endpoint is required")
	}
	if cfg.RefreshMargin < 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &TokenManager{
		credentials:     credentials,
		instances:       instances,
		endpoint:        endpoint,
		margin:          cfg.RefreshMargin,
		refreshTimeout:  cfg.RefreshTimeout,
		now:             cfg.Now,
		instrumentation: instrumentation{logger: cfg.Logger, metrics: cfg.Metrics},
	}, nil
}

// EnsureValidToken returns the stored access token while it is outside the
// refresh margin, and refreshes it otherwise.
func (m *TokenManager) EnsureValidToken(ctx context.Context, instanceID string) (string, error) {
	instanceID = strings.TrimSpace(instanceID)
	pair, err := m.currentPair(ctx, instanceID)
	if err != nil {
		return "", err
	}
	state := ResolveTokenState(m.now(), pair, m.margin)
	if state.Invalid {
		return "", NewAuthorizationExpiredError(instanceID, pair.InvalidReason)
	}
	if state.Usable() {
		return pair.AccessToken, nil
	}
	refreshed, err := m.refresh(ctx, instanceID, "")
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh renews the token after the bank rejected rejectedAccessToken.
// When another caller already rotated past it, the newer token is returned
// without a second refresh.
func (m *TokenManager) ForceRefresh(ctx context.Context, instanceID string, rejectedAccessToken string) (string, error) {
	instanceID = strings.TrimSpace(instanceID)
	pair, err := m.currentPair(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if !pair.Active() {
		return "", NewAuthorizationExpiredError(instanceID, pair.InvalidReason)
	}
	if pair.AccessToken != rejectedAccessToken && ResolveTokenState(m.now(), pair, m.margin).Usable() {
		return pair.AccessToken, nil
	}
	refreshed, err := m.refresh(ctx, instanceID, rejectedAccessToken)
	if err != nil {
		return "", err
	}
	if refreshed.AccessToken == rejectedAccessToken {
		// joined a flight that saw the rejected token as still fresh
		refreshed, err = m.refresh(ctx, instanceID, rejectedAccessToken)
		if err != nil {
			return "", err
		}
	}
	return refreshed.AccessToken, nil
}

// Authorized reports whether the instance holds a usable or refreshable pair.
func (m *TokenManager) Authorized(ctx context.Context, instanceID string) (bool, error) {
	_, err := m.EnsureValidToken(ctx, instanceID)
	if err == nil {
		return true, nil
	}
	if IsAuthorizationExpired(err) || errors.Is(err, ErrTokenPairNotFound) {
		return false, nil
	}
	return false, err
}

// Invalidate marks the stored pair unusable, for example when the instance
// is removed.
func (m *TokenManager) Invalidate(ctx context.Context, instanceID string, reason string) error {
	pair, err := m.credentials.GetTokenPair(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrTokenPairNotFound) {
			return nil
		}
		return err
	}
	pair.Status = TokenStatusInvalid
	pair.InvalidReason = reason
	pair.AccessToken = ""
	pair.RefreshToken = ""
	_, err = m.credentials.PutTokenPair(ctx, instanceID, pair)
	return err
}

func (m *TokenManager) refresh(ctx context.Context, instanceID string, rejected string) (TokenPair, error) {
	flight := m.flights.DoChan(instanceID, func() (any, error) {
		// the refresh outlives a cancelled caller so a rotated token is never lost
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refreshOnce(refreshCtx, instanceID, rejected)
	})
	select {
	case <-ctx.Done():
		return TokenPair{}, ctx.Err()
	case result := <-flight:
		if result.Err != nil {
			return TokenPair{}, result.Err
		}
		pair, _ := result.Val.(TokenPair)
		return pair, nil
	}
}

func (m *TokenManager) refreshOnce(ctx context.Context, instanceID string, rejected string) (pair TokenPair, err error) {
	startedAt := time.Now()
	fields := map[string]any{"instance_id": instanceID}
	defer func() {
		m.observeOperation(ctx, startedAt, "token_refresh", err, fields)
	}()

	current, err := m.currentPair(ctx, instanceID)
	if err != nil {
		return TokenPair{}, err
	}
	if !current.Active() {
		return TokenPair{}, NewAuthorizationExpiredError(instanceID, current.InvalidReason)
	}
	if current.AccessToken != rejected && ResolveTokenState(m.now(), current, m.margin).Usable() {
		fields["skipped"] = true
		return current, nil
	}
	if strings.TrimSpace(current.RefreshToken) == "" {
		return TokenPair{}, NewAuthorizationExpiredError(instanceID, "no refresh token stored")
	}

	instance, err := m.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return TokenPair{}, err
	}
	credential, err := m.credentials.GetCredential(ctx, instance.CredentialRef)
	if err != nil {
		return TokenPair{}, err
	}

	next, err := m.endpoint.Refresh(ctx, credential, current.RefreshToken)
	if err != nil {
		if IsAuthorizationExpired(err) {
			m.markInvalid(ctx, instanceID, current, err)
			return TokenPair{}, NewAuthorizationExpiredError(instanceID, "refresh token rejected")
		}
		if IsNetworkFailure(err) {
			return TokenPair{}, err
		}
		return TokenPair{}, NewNetworkFailureError("token refresh", err)
	}
	if strings.TrimSpace(next.RefreshToken) == "" {
		next.RefreshToken = current.RefreshToken
	}
	next.Status = TokenStatusActive
	next.InvalidReason = ""

	stored, err := m.credentials.CompareAndSwapTokenPair(ctx, instanceID, current.Version, next)
	if err != nil {
		if errors.Is(err, ErrTokenPairConflict) {
			// another process rotated the pair first; use what it stored
			latest, getErr := m.currentPair(ctx, instanceID)
			if getErr == nil && latest.Active() && ResolveTokenState(m.now(), latest, m.margin).Usable() {
				fields["conflict"] = true
				return latest, nil
			}
		}
		return TokenPair{}, err
	}
	fields["access_expiry"] = stored.AccessExpiry.Format(time.RFC3339)
	fields["rotated"] = stored.RefreshToken != current.RefreshToken
	return stored, nil
}

func (m *TokenManager) markInvalid(ctx context.Context, instanceID string, current TokenPair, cause error) {
	invalid := current
	invalid.Status = TokenStatusInvalid
	invalid.InvalidReason = "refresh token rejected by bank"
	if _, err := m.credentials.CompareAndSwapTokenPair(ctx, instanceID, current.Version, invalid); err != nil {
		m.logWarn(ctx, "could not mark token pair invalid", map[string]any{
			"instance_id": instanceID,
			"error":       err.Error(),
			"cause":       cause.Error(),
		})
	}
}

func (m *TokenManager) currentPair(ctx context.Context, instanceID string) (TokenPair, error) {
	if instanceID == "" {
		return TokenPair{}, NewValidationError("instance id is required")
	}
	pair, err := m.credentials.GetTokenPair(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrTokenPairNotFound) {
			return TokenPair{}, NewAuthorizationExpiredError(instanceID, "instance has not been authorized")
		}
		return TokenPair{}, err
	}
	return pair, nil
}

var _ TokenSource = (*TokenManager)(nil)
