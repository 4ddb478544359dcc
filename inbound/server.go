package inbound

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/shopspring/decimal"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

// Operations is the inbound surface. pengerobot.Facade implements it.
type Operations interface {
	RegisterInstance(ctx context.Context, req core.RegisterInstanceRequest) (core.Instance, error)
	RemoveInstance(ctx context.Context, instanceID string) error
	Instance(ctx context.Context, instanceID string) (core.Instance, error)
	Instances(ctx context.Context) ([]core.Instance, error)
	AuthorizationURL(ctx context.Context, instanceID string, redirectURI string) (core.AuthorizationURLResponse, error)
	CompleteAuthorization(ctx context.Context, req core.CompleteAuthorizationRequest) error
	ImportTokenPair(ctx context.Context, instanceID string, pair core.TokenPair) (core.TokenPair, error)
	EnsureAuthorized(ctx context.Context, instanceID string) (bool, error)
	SubmitTransfer(ctx context.Context, req core.TransferRequest) (core.TransferResult, error)
	RefreshAccounts(ctx context.Context, instanceID string) (map[string]core.Account, error)
	Accounts(ctx context.Context, instanceID string) ([]core.Account, error)
}

type Server struct {
	ops            Operations
	logger         core.Logger
	metrics        http.Handler
	requestTimeout time.Duration
	now            func() time.Time
}

type Option func(*Server)

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithLogger(logger core.Logger) Option {
	return func(s *Server) {
		s.logger = glog.Ensure(logger)
	}
}

// WithRequestTimeout bounds each request. Transfers already handed to the
// bank still complete.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.requestTimeout = timeout
		}
	}
}

func NewServer(ops Operations, opts ...Option) *Server {
	server := &Server{
		ops:            ops,
		logger:         glog.Nop(),
		requestTimeout: 2 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	return server
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1/instances", func(r chi.Router) {
		r.Get("/", s.handleListInstances)
		r.Post("/", s.handleRegisterInstance)
		r.Route("/{instanceID}", func(r chi.Router) {
			r.Get("/", s.handleGetInstance)
			r.Delete("/", s.handleRemoveInstance)

			r.Get("/authorization", s.handleEnsureAuthorized)
			r.Get("/authorization/url", s.handleAuthorizationURL)
			r.Post("/authorization/complete", s.handleCompleteAuthorization)
			r.Put("/tokens", s.handleImportTokenPair)

			r.Post("/transfers", s.handleSubmitTransfer)
			r.Get("/accounts", s.handleListAccounts)
			r.Post("/accounts/refresh", s.handleRefreshAccounts)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, core.NewNotFoundError("route not found", nil), nil)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger := s.logger.WithContext(r.Context())
		if fieldsLogger, ok := logger.(core.FieldsLogger); ok {
			logger = fieldsLogger.WithFields(map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"request_id":  middleware.GetReqID(r.Context()),
				"duration_ms": s.now().Sub(startedAt).Milliseconds(),
			})
		}
		if ww.Status() >= http.StatusInternalServerError {
			logger.Warn("http request failed")
			return
		}
		logger.Debug("http request")
	})
}

type instanceView struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	CredentialRef     string    `json:"credential_ref"`
	DefaultCurrency   string    `json:"default_currency"`
	MaxAmount         string    `json:"max_amount"`
	MonitoredAccounts []string  `json:"monitored_accounts"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toInstanceView(instance core.Instance) instanceView {
	monitored := instance.MonitoredAccounts
	if monitored == nil {
		monitored = []string{}
	}
	return instanceView{
		ID:                instance.ID,
		Name:              instance.Name,
		CredentialRef:     instance.CredentialRef,
		DefaultCurrency:   instance.DefaultCurrency,
		MaxAmount:         instance.MaxAmount.StringFixed(2),
		MonitoredAccounts: monitored,
		CreatedAt:         instance.CreatedAt,
		UpdatedAt:         instance.UpdatedAt,
	}
}

type registerInstanceBody struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	CredentialRef     string           `json:"credential_ref"`
	ClientID          string           `json:"client_id"`
	ClientSecret      string           `json:"client_secret"`
	DefaultCurrency   string           `json:"default_currency"`
	MaxAmount         *decimal.Decimal `json:"max_amount"`
	MonitoredAccounts []string         `json:"monitored_accounts"`
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	var body registerInstanceBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err, nil)
		return
	}
	req := core.RegisterInstanceRequest{
		ID:                body.ID,
		Name:              body.Name,
		CredentialRef:     body.CredentialRef,
		ClientID:          body.ClientID,
		ClientSecret:      body.ClientSecret,
		DefaultCurrency:   body.DefaultCurrency,
		MonitoredAccounts: body.MonitoredAccounts,
	}
	if body.MaxAmount != nil {
		req.MaxAmount = *body.MaxAmount
	}
	instance, err := s.ops.RegisterInstance(r.Context(), req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceView(instance))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.ops.Instances(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	views := make([]instanceView, 0, len(instances))
	for _, instance := range instances {
		views = append(views, toInstanceView(instance))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": views})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := s.ops.Instance(r.Context(), instanceID(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceView(instance))
}

func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.ops.RemoveInstance(r.Context(), instanceID(r)); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnsureAuthorized(w http.ResponseWriter, r *http.Request) {
	id := instanceID(r)
	ok, err := s.ops.EnsureAuthorized(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": id, "authorized": ok})
}

func (s *Server) handleAuthorizationURL(w http.ResponseWriter, r *http.Request) {
	res, err := s.ops.AuthorizationURL(r.Context(), instanceID(r), r.URL.Query().Get("redirect_uri"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type completeAuthorizationBody struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	RedirectURI string `json:"redirect_uri"`
}

func (s *Server) handleCompleteAuthorization(w http.ResponseWriter, r *http.Request) {
	var body completeAuthorizationBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err, nil)
		return
	}
	id := instanceID(r)
	err := s.ops.CompleteAuthorization(r.Context(), core.CompleteAuthorizationRequest{
		InstanceID:  id,
		Code:        body.Code,
		State:       body.State,
		RedirectURI: body.RedirectURI,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": id, "authorized": true})
}

type tokenPairBody struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	Scope        string     `json:"scope"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (s *Server) handleImportTokenPair(w http.ResponseWriter, r *http.Request) {
	var body tokenPairBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err, nil)
		return
	}
	pair := core.TokenPair{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		Scope:        body.Scope,
	}
	switch {
	case body.ExpiresAt != nil:
		pair.AccessExpiry = body.ExpiresAt.UTC()
	case body.ExpiresIn > 0:
		pair.AccessExpiry = s.now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	id := instanceID(r)
	stored, err := s.ops.ImportTokenPair(r.Context(), id, pair)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":   id,
		"version":       stored.Version,
		"access_expiry": stored.AccessExpiry,
	})
}

func (s *Server) handleSubmitTransfer(w http.ResponseWriter, r *http.Request) {
	var req core.TransferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if path := instanceID(r); req.InstanceID == "" {
		req.InstanceID = path
	} else if req.InstanceID != path {
		writeError(w, r, core.NewValidationError("instance_id in body does not match the path"), nil)
		return
	}
	result, err := s.ops.SubmitTransfer(r.Context(), req)
	if err != nil {
		writeError(w, r, err, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.ops.Accounts(r.Context(), instanceID(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if accounts == nil {
		accounts = []core.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleRefreshAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.ops.RefreshAccounts(r.Context(), instanceID(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if accounts == nil {
		accounts = map[string]core.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func instanceID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "instanceID"))
}
