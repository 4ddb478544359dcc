package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger
type FieldsLogger = glog.FieldsLogger
type LoggerProvider = glog.LoggerProvider

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// CredentialStore is the persistence contract for OAuth client credentials and
// the per-instance token pair. CompareAndSwapTokenPair must replace the stored
// pair only when its version equals expectedVersion.
type CredentialStore interface {
	GetCredential(ctx context.Context, ref string) (Credential, error)
	PutCredential(ctx context.Context, credential Credential) error
	GetTokenPair(ctx context.Context, instanceID string) (TokenPair, error)
	PutTokenPair(ctx context.Context, instanceID string, pair TokenPair) (TokenPair, error)
	CompareAndSwapTokenPair(ctx context.Context, instanceID string, expectedVersion int64, next TokenPair) (TokenPair, error)
}

type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (Instance, error)
	UpsertInstance(ctx context.Context, instance Instance) (Instance, error)
	DeleteInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context) ([]Instance, error)
}

// TokenEndpoint talks to the bank OAuth token endpoint.
type TokenEndpoint interface {
	Refresh(ctx context.Context, credential Credential, refreshToken string) (TokenPair, error)
	Exchange(ctx context.Context, credential Credential, code string, redirectURI string) (TokenPair, error)
	AuthorizationURL(credential Credential, redirectURI string, state string) (string, error)
}

// TokenSource hands out bearer tokens to the dispatcher.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, instanceID string) (string, error)
	ForceRefresh(ctx context.Context, instanceID string, rejectedAccessToken string) (string, error)
}

// TransportRequest is one HTTP exchange with the bank. Timeout overrides the
// adapter default when positive.
type TransportRequest struct {
	Method   string
	URL      string
	Headers  map[string]string
	Query    map[string]string
	Body     []byte
	Metadata map[string]any
	Timeout  time.Duration
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type RateLimitKey struct {
	ProviderID string
	ScopeType  string
	ScopeID    string
	BucketKey  string
}

type ProviderResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

// CallUrgency tells the rate limiter what to do when the budget is spent.
type CallUrgency string

const (
	// UrgencyQueue waits for the next free slot, bounded by the queue wait.
	UrgencyQueue CallUrgency = "queue"
	// UrgencySkip fails fast with a throttled error.
	UrgencySkip CallUrgency = "skip"
)

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey, urgency CallUrgency) error
	AfterCall(ctx context.Context, key RateLimitKey, res ProviderResponseMeta) error
}

// APICaller is the dispatch contract used by bank gateways.
type APICaller interface {
	Dispatch(ctx context.Context, req DispatchRequest) (TransportResponse, error)
}

// AccountGateway lists accounts and reads balances at the bank.
type AccountGateway interface {
	ListAccounts(ctx context.Context, instanceID string, urgency CallUrgency) ([]Account, error)
	FetchBalance(ctx context.Context, instanceID string, accountNumber string, urgency CallUrgency) (Balance, error)
}

// TransferGateway submits transfers. A non-2xx bank response is returned as a
// TransferResponse, not as an error.
type TransferGateway interface {
	SubmitDebit(ctx context.Context, instanceID string, payload DebitPayload) (TransferResponse, error)
	SubmitCreditCard(ctx context.Context, instanceID string, payload CreditCardPayload) (TransferResponse, error)
}

type AccountResolver interface {
	ResolveAccount(ctx context.Context, instance Instance, reference string) (Account, bool, error)
}

type OutcomePublisher interface {
	Publish(ctx context.Context, event OutcomeEvent) error
}

type OutcomeSink interface {
	Name() string
	Deliver(ctx context.Context, event OutcomeEvent) error
}

type OutboxStore interface {
	Enqueue(ctx context.Context, event OutcomeEvent) error
	ClaimBatch(ctx context.Context, limit int) ([]OutcomeEvent, error)
	Ack(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// JobExecutionMessage is a queued job. Messages sharing an IdempotencyKey
// are collapsed according to DedupPolicy.
type JobExecutionMessage struct {
	JobID          string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
