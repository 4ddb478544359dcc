package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
	"github.com/remimikalsen/sparebank1-pengerobot/transport"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	defaultTokenTTL            = 10 * time.Minute
	maxTokenResponseBodyBytes  = 1 << 20 // 1 MiB
)

type OAuth2Config struct {
	AuthorizeURL        string
	TokenURL            string
	ClientSecretInBody  bool
	Scopes              []string
	TokenTTL            time.Duration
	TokenRequestTimeout time.Duration
	Now                 func() time.Time
	Transport           core.TransportAdapter
}

// OAuth2TokenEndpoint speaks the authorization-code and refresh-token grants
// against the bank token URL.
type OAuth2TokenEndpoint struct {
	cfg       OAuth2Config
	transport core.TransportAdapter
}

type tokenEndpointPayload struct {
	AccessToken      string
	TokenType        string
	RefreshToken     string
	Scope            string
	ExpiresIn        int64
	ErrorCode        string
	ErrorDescription string
}

func NewOAuth2TokenEndpoint(cfg OAuth2Config) (*OAuth2TokenEndpoint, error) {
	cfg.AuthorizeURL = strings.TrimSpace(cfg.AuthorizeURL)
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("providers: token url is required")
	}
	if cfg.AuthorizeURL == "" {
		return nil, fmt.Errorf("providers: authorize url is required")
	}
	cfg.Scopes = normalizeScopes(cfg.Scopes)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.TokenRequestTimeout <= 0 {
		cfg.TokenRequestTimeout = defaultTokenRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time {
			return time.Now().UTC()
		}
	}
	adapter := cfg.Transport
	if adapter == nil {
		rest := transport.NewRESTAdapter(&http.Client{Timeout: cfg.TokenRequestTimeout})
		rest.MaxResponseBodyBytes = maxTokenResponseBodyBytes
		adapter = rest
	}
	return &OAuth2TokenEndpoint{cfg: cfg, transport: adapter}, nil
}

// NewOAuth2TokenEndpointFromConfig wires the endpoint to the bank section of cfg.
func NewOAuth2TokenEndpointFromConfig(cfg core.Config, adapter core.TransportAdapter) (*OAuth2TokenEndpoint, error) {
	return NewOAuth2TokenEndpoint(OAuth2Config{
		AuthorizeURL:        cfg.Bank.AuthorizeURL,
		TokenURL:            cfg.Bank.TokenURL,
		TokenRequestTimeout: time.Duration(cfg.Token.RefreshTimeoutSeconds) * time.Second,
		Transport:           adapter,
	})
}

func (e *OAuth2TokenEndpoint) AuthorizationURL(credential core.Credential, redirectURI string, state string) (string, error) {
	if e == nil {
		return "", fmt.Errorf("providers: token endpoint is nil")
	}
	clientID := strings.TrimSpace(credential.ClientID)
	if clientID == "" {
		return "", core.NewValidationError("client id is required")
	}
	if strings.TrimSpace(state) == "" {
		return "", core.NewValidationError("oauth state is required")
	}
	parsed, err := url.Parse(e.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("providers: parse authorize url: %w", err)
	}
	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		query.Set("redirect_uri", redirectURI)
	}
	if len(e.cfg.Scopes) > 0 {
		query.Set("scope", strings.Join(e.cfg.Scopes, " "))
	}
	query.Set("state", strings.TrimSpace(state))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (e *OAuth2TokenEndpoint) Exchange(ctx context.Context, credential core.Credential, code string, redirectURI string) (core.TokenPair, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return core.TokenPair{}, core.NewValidationError("authorization code is required")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	payload, err := e.fetchToken(ctx, credential, form)
	if err != nil {
		return core.TokenPair{}, err
	}
	if payload.RefreshToken == "" {
		return core.TokenPair{}, core.NewAuthorizationExpiredError("", "token endpoint returned no refresh token")
	}
	return e.toTokenPair(payload), nil
}

// Refresh trades refreshToken for a new pair. A response without a rotated
// refresh token carries the old one over.
func (e *OAuth2TokenEndpoint) Refresh(ctx context.Context, credential core.Credential, refreshToken string) (core.TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return core.TokenPair{}, core.NewAuthorizationExpiredError("", "no refresh token stored")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	payload, err := e.fetchToken(ctx, credential, form)
	if err != nil {
		return core.TokenPair{}, err
	}
	pair := e.toTokenPair(payload)
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

func (e *OAuth2TokenEndpoint) fetchToken(ctx context.Context, credential core.Credential, form url.Values) (tokenEndpointPayload, error) {
	if e == nil || e.transport == nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token endpoint is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	clientID := strings.TrimSpace(credential.ClientID)
	if clientID == "" {
		return tokenEndpointPayload{}, core.NewValidationError("client id is required")
	}
	secret := strings.TrimSpace(credential.ClientSecret)

	values := url.Values{}
	for key, items := range form {
		for _, item := range items {
			values.Add(key, strings.TrimSpace(item))
		}
	}
	values.Set("client_id", clientID)
	headers := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Accept":       "application/json",
	}
	if secret != "" {
		if e.cfg.ClientSecretInBody {
			values.Set("client_secret", secret)
		} else {
			headers["Authorization"] = basicAuth(clientID, secret)
		}
	}

	res, err := e.transport.Do(ctx, core.TransportRequest{
		Method:  http.MethodPost,
		URL:     e.cfg.TokenURL,
		Headers: headers,
		Body:    []byte(values.Encode()),
		Timeout: e.cfg.TokenRequestTimeout,
	})
	if err != nil {
		if core.IsNetworkFailure(err) {
			return tokenEndpointPayload{}, err
		}
		return tokenEndpointPayload{}, core.NewNetworkFailureError("token request", err)
	}

	payload, parseErr := parseTokenPayload(res.Body, headerValue(res.Headers, "Content-Type"))
	switch {
	case res.StatusCode >= http.StatusInternalServerError:
		return tokenEndpointPayload{}, core.NewNetworkFailureError("token request",
			fmt.Errorf("token endpoint returned HTTP %d", res.StatusCode))
	case res.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := core.RetryAfterFromHeaders(res.Headers, e.cfg.Now())
		return tokenEndpointPayload{}, core.NewThrottledError("", retryAfter, "token endpoint returned 429")
	case res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices:
		// 400 invalid_grant, 401 invalid_client and friends need re-authorization
		return tokenEndpointPayload{}, core.NewAuthorizationExpiredError("",
			fmt.Sprintf("token endpoint error (%d): %s", res.StatusCode, describeTokenError(payload)))
	}
	if parseErr != nil {
		return tokenEndpointPayload{}, core.NewNetworkFailureError("token request",
			fmt.Errorf("decode token response: %w", parseErr))
	}
	if payload.ErrorCode != "" {
		return tokenEndpointPayload{}, core.NewAuthorizationExpiredError("", describeTokenError(payload))
	}
	if payload.AccessToken == "" {
		return tokenEndpointPayload{}, core.NewNetworkFailureError("token request",
			fmt.Errorf("token endpoint response missing access token"))
	}
	return payload, nil
}

func (e *OAuth2TokenEndpoint) toTokenPair(payload tokenEndpointPayload) core.TokenPair {
	now := e.cfg.Now()
	ttl := e.cfg.TokenTTL
	if payload.ExpiresIn > 0 {
		ttl = time.Duration(payload.ExpiresIn) * time.Second
	}
	return core.TokenPair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    normalizeTokenType(payload.TokenType),
		Scope:        payload.Scope,
		AccessExpiry: now.Add(ttl),
		Status:       core.TokenStatusActive,
		UpdatedAt:    now,
	}
}

func describeTokenError(payload tokenEndpointPayload) string {
	if payload.ErrorCode != "" && payload.ErrorDescription != "" {
		return payload.ErrorCode + ": " + payload.ErrorDescription
	}
	if payload.ErrorDescription != "" {
		return payload.ErrorDescription
	}
	if payload.ErrorCode != "" {
		return payload.ErrorCode
	}
	return "unknown error"
}

func parseTokenPayload(body []byte, contentType string) (tokenEndpointPayload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		return parseTokenPayloadForm(body)
	}
	if payload, err := parseTokenPayloadJSON(body); err == nil || strings.Contains(contentType, "json") {
		return payload, err
	}
	return parseTokenPayloadForm(body)
}

func parseTokenPayloadJSON(body []byte) (tokenEndpointPayload, error) {
	if strings.TrimSpace(string(body)) == "" {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tokenEndpointPayload{}, err
	}
	return tokenEndpointPayload{
		AccessToken:      readAnyString(decoded["access_token"]),
		TokenType:        readAnyString(decoded["token_type"]),
		RefreshToken:     readAnyString(decoded["refresh_token"]),
		Scope:            readAnyString(decoded["scope"]),
		ExpiresIn:        readAnyInt64(decoded["expires_in"]),
		ErrorCode:        readAnyString(decoded["error"]),
		ErrorDescription: readAnyString(decoded["error_description"]),
	}, nil
}

func parseTokenPayloadForm(body []byte) (tokenEndpointPayload, error) {
	if strings.TrimSpace(string(body)) == "" {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return tokenEndpointPayload{
		AccessToken:      strings.TrimSpace(values.Get("access_token")),
		TokenType:        strings.TrimSpace(values.Get("token_type")),
		RefreshToken:     strings.TrimSpace(values.Get("refresh_token")),
		Scope:            strings.TrimSpace(values.Get("scope")),
		ExpiresIn:        expiresIn,
		ErrorCode:        strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}, nil
}

func normalizeTokenType(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "bearer") {
		return "Bearer"
	}
	return trimmed
}

func normalizeScopes(input []string) []string {
	values := make([]string, 0, len(input))
	seen := map[string]struct{}{}
	for _, value := range input {
		for _, part := range strings.Fields(strings.ReplaceAll(value, ",", " ")) {
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			values = append(values, part)
		}
	}
	return values
}

func basicAuth(username string, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func headerValue(headers map[string]string, key string) string {
	for name, value := range headers {
		if strings.EqualFold(name, key) {
			return value
		}
	}
	return ""
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return strings.TrimSpace(typed.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

var _ core.TokenEndpoint = (*OAuth2TokenEndpoint)(nil)
