package core

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Dispatcher is the only path from the core to the bank API. It takes a
// budget slot, attaches the bearer token and reacts to 401 and 429.
type Dispatcher struct {
	tokens    TokenSource
	policy    RateLimitPolicy
	transport TransportAdapter
	instrumentation
}

func NewDispatcher(
	tokens TokenSource,
	policy RateLimitPolicy,
	transport TransportAdapter,
	logger Logger,
	metrics MetricsRecorder,
) (*Dispatcher, error) {
	if tokens == nil {
		return nil, fmt.Errorf("core: token source is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("core: transport is required")
	}
	return &Dispatcher{
		tokens:          tokens,
		policy:          policy,
		transport:       transport,
		instrumentation: instrumentation{logger: logger, metrics: metrics},
	}, nil
}

// InstanceRateLimitKey is the budget bucket shared by every caller of an instance.
func InstanceRateLimitKey(instanceID string) RateLimitKey {
	return RateLimitKey{
		ProviderID: ProviderSpareBank1,
		ScopeType:  ScopeTypeInstance,
		ScopeID:    strings.TrimSpace(instanceID),
		BucketKey:  BucketBankAPI,
	}
}

// Dispatch sends req. A 401 is retried once with a forced refresh. Non-2xx
// responses other than 401 and 429 are returned as-is for the caller to
// interpret.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (res TransportResponse, err error) {
	startedAt := time.Now()
	urgency := req.Urgency
	if urgency == "" {
		urgency = UrgencyQueue
	}
	fields := map[string]any{
		"instance_id": req.InstanceID,
		"operation":   req.Operation,
		"urgency":     string(urgency),
	}
	defer func() {
		if res.StatusCode > 0 {
			fields["http_status"] = res.StatusCode
		}
		d.observeOperation(ctx, startedAt, "bank_dispatch", err, fields)
	}()

	if strings.TrimSpace(req.InstanceID) == "" {
		return TransportResponse{}, NewValidationError("instance id is required")
	}
	key := InstanceRateLimitKey(req.InstanceID)

	// unauthorized instances fail here without consuming a budget slot
	token, err := d.tokens.EnsureValidToken(ctx, req.InstanceID)
	if err != nil {
		return TransportResponse{}, err
	}
	if d.policy != nil {
		if err := d.policy.BeforeCall(ctx, key, urgency); err != nil {
			return TransportResponse{}, err
		}
	}
	if req.Detach {
		// admitted calls run to completion; only the queue wait is cancellable
		ctx = context.WithoutCancel(ctx)
	}
	res, err = d.send(ctx, key, req, token)
	if err != nil {
		return TransportResponse{}, err
	}
	if res.StatusCode == http.StatusUnauthorized {
		fields["auth_retry"] = true
		token, err = d.tokens.ForceRefresh(ctx, req.InstanceID, token)
		if err != nil {
			return TransportResponse{}, err
		}
		if d.policy != nil {
			if err := d.policy.BeforeCall(ctx, key, urgency); err != nil {
				return TransportResponse{}, err
			}
		}
		res, err = d.send(ctx, key, req, token)
		if err != nil {
			return TransportResponse{}, err
		}
		if res.StatusCode == http.StatusUnauthorized {
			return res, NewAuthorizationExpiredError(req.InstanceID, "bank rejected a freshly refreshed access token")
		}
	}
	if res.StatusCode == http.StatusTooManyRequests {
		retryAfter, _ := RetryAfterFromHeaders(res.Headers, time.Now())
		return res, NewThrottledError(req.InstanceID, retryAfter, "bank returned 429")
	}
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, key RateLimitKey, req DispatchRequest, token string) (TransportResponse, error) {
	outbound := req.Request
	outbound.Headers = cloneHeaders(outbound.Headers)
	outbound.Headers["Authorization"] = "Bearer " + token

	res, err := d.transport.Do(ctx, outbound)
	if err != nil {
		if IsNetworkFailure(err) {
			return TransportResponse{}, err
		}
		return TransportResponse{}, NewNetworkFailureError(req.Operation, err)
	}
	if d.policy != nil {
		meta := ProviderResponseMeta{StatusCode: res.StatusCode, Headers: res.Headers}
		if retryAfter, ok := RetryAfterFromHeaders(res.Headers, time.Now()); ok {
			meta.RetryAfter = &retryAfter
		}
		if err := d.policy.AfterCall(ctx, key, meta); err != nil {
			d.logWarn(ctx, "rate limit bookkeeping failed", map[string]any{
				"instance_id": req.InstanceID,
				"error":       err.Error(),
			})
		}
	}
	return res, nil
}

// RetryAfterFromHeaders reads a Retry-After header in seconds or HTTP-date form.
func RetryAfterFromHeaders(headers map[string]string, now time.Time) (time.Duration, bool) {
	raw := ""
	for key, value := range headers {
		if strings.EqualFold(strings.TrimSpace(key), "retry-after") {
			raw = strings.TrimSpace(value)
			break
		}
	}
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now), true
	}
	return 0, false
}

func cloneHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for key, value := range headers {
		out[key] = value
	}
	return out
}

var _ APICaller = (*Dispatcher)(nil)
