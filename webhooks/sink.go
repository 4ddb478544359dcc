package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

const (
	SinkName         = "webhook"
	DefaultUserAgent = "pengerobot-webhook/1.0"
	DefaultTimeout   = 5 * time.Second

	EventIDHeader   = "X-Pengerobot-Event-Id"
	EventNameHeader = "X-Pengerobot-Event"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type SinkOptions struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	Client    HTTPDoer
}

// Sink posts outcome events as JSON. Connection failures, 429 and 5xx
// answers are retryable; any other non-2xx answer is not.
type Sink struct {
	endpoint  string
	timeout   time.Duration
	userAgent string
	headers   map[string]string
	client    HTTPDoer
	signer    HMACSigner
}

func NewSink(opts SinkOptions) (*Sink, error) {
	endpoint := strings.TrimSpace(opts.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("webhooks: url is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("webhooks: invalid url %q", endpoint)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	headers := make(map[string]string, len(opts.Headers))
	for key, value := range opts.Headers {
		if key = strings.TrimSpace(key); key != "" {
			headers[key] = value
		}
	}
	return &Sink{
		endpoint:  endpoint,
		timeout:   timeout,
		userAgent: userAgent,
		headers:   headers,
		client:    client,
		signer:    NewHMACSigner(opts.Secret),
	}, nil
}

func (s *Sink) Name() string {
	return SinkName
}

func (s *Sink) Deliver(ctx context.Context, event core.OutcomeEvent) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("webhooks: sink is not configured")
	}
	body, err := json.Marshal(Envelope(event))
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "webhooks: encode event").
			WithTextCode(core.ErrorInternal)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "webhooks: build request").
			WithTextCode(core.ErrorInternal)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(EventIDHeader, event.ID)
	req.Header.Set(EventNameHeader, event.Name)
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}
	s.signer.Apply(req, body)

	res, err := s.client.Do(req)
	if err != nil {
		return core.NewNetworkFailureError("webhook delivery", err).
			WithMetadata(map[string]any{"event_id": event.ID})
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	return statusError(event, res.StatusCode)
}

// Envelope is the JSON document posted for event.
func Envelope(event core.OutcomeEvent) map[string]any {
	payload := event.Payload()
	payload["event_id"] = event.ID
	payload["event_name"] = event.Name
	payload["occurred_at"] = event.OccurredAt.UTC().Format(time.RFC3339)
	return payload
}

func statusError(event core.OutcomeEvent, status int) error {
	metadata := map[string]any{
		"event_id":    event.ID,
		"http_status": status,
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return core.NewNetworkFailureError(
			"webhook delivery",
			fmt.Errorf("webhook endpoint returned status %d", status),
		).WithMetadata(metadata)
	}
	return goerrors.New(fmt.Sprintf("webhooks: endpoint rejected event with status %d", status), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(core.ErrorNetworkFailure).
		WithMetadata(metadata)
}

var _ core.OutcomeSink = (*Sink)(nil)
