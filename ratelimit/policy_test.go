package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleep advances the clock instead of waiting.
func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func instanceKey(id string) core.RateLimitKey {
	return core.RateLimitKey{ProviderID: core.ProviderSpareBank1, ScopeType: core.ScopeTypeInstance, ScopeID: id, BucketKey: core.BucketBankAPI}
}

func newTestPolicy(config BudgetConfig) (*BudgetPolicy, *testClock, *MemoryStateStore) {
	store := NewMemoryStateStore()
	policy := NewBudgetPolicy(store, config)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	policy.Now = clock.Now
	policy.Sleep = clock.Sleep
	return policy, clock, store
}

func TestBudgetPolicyAllowsCallsWithinLimit(t *testing.T) {
	policy, _, _ := newTestPolicy(BudgetConfig{Limit: 3})
	key := instanceKey("inst_1")
	for i := 0; i < 3; i++ {
		if err := policy.BeforeCall(context.Background(), key, core.UrgencySkip); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	remaining, err := policy.Remaining(context.Background(), key)
	if err != nil || remaining != 0 {
		t.Fatalf("expected exhausted budget, got %d %v", remaining, err)
	}
}

func TestBudgetPolicySkipFailsFastWhenExhausted(t *testing.T) {
	policy, _, _ := newTestPolicy(BudgetConfig{Limit: 1})
	key := instanceKey("inst_1")
	if err := policy.BeforeCall(context.Background(), key, core.UrgencySkip); err != nil {
		t.Fatalf("first call: %v", err)
	}

	err := policy.BeforeCall(context.Background(), key, core.UrgencySkip)
	if !core.IsThrottled(err) {
		t.Fatalf("expected throttled, got %v", err)
	}
	if wait, ok := core.RetryAfter(err); !ok || wait != time.Hour {
		t.Fatalf("expected retry after one hour, got %v %v", wait, ok)
	}
}

func TestBudgetPolicyQueueWaitsForSlot(t *testing.T) {
	policy, clock, _ := newTestPolicy(BudgetConfig{Limit: 1, Window: 10 * time.Second, MaxQueueWait: 30 * time.Second})
	key := instanceKey("inst_1")
	start := clock.Now()
	if err := policy.BeforeCall(context.Background(), key, core.UrgencyQueue); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := policy.BeforeCall(context.Background(), key, core.UrgencyQueue); err != nil {
		t.Fatalf("queued call: %v", err)
	}
	if waited := clock.Now().Sub(start); waited != 10*time.Second {
		t.Fatalf("expected queued call to wait for the window, waited %s", waited)
	}
}

func TestBudgetPolicyQueueGivesUpBeyondMaxWait(t *testing.T) {
	policy, clock, _ := newTestPolicy(BudgetConfig{Limit: 1, Window: time.Hour, MaxQueueWait: 30 * time.Second})
	key := instanceKey("inst_1")
	if err := policy.BeforeCall(context.Background(), key, core.UrgencyQueue); err != nil {
		t.Fatalf("first call: %v", err)
	}
	start := clock.Now()
	if err := policy.BeforeCall(context.Background(), key, core.UrgencyQueue); !core.IsThrottled(err) {
		t.Fatalf("expected throttled when the slot is beyond the queue wait, got %v", err)
	}
	if !clock.Now().Equal(start) {
		t.Fatalf("hopeless waits must fail without sleeping")
	}
}

func TestBudgetPolicyQueueRespectsCancellation(t *testing.T) {
	policy, _, store := newTestPolicy(BudgetConfig{Limit: 1, Window: 10 * time.Second, MaxQueueWait: time.Minute})
	key := instanceKey("inst_1")
	if err := policy.BeforeCall(context.Background(), key, core.UrgencyQueue); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := policy.BeforeCall(ctx, key, core.UrgencyQueue); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	state, _ := store.Get(context.Background(), key)
	if len(state.Calls) != 1 {
		t.Fatalf("abandoned waits must not consume budget, got %d calls", len(state.Calls))
	}
}

func TestBudgetPolicyBackoffAfterTooManyRequests(t *testing.T) {
	policy, clock, _ := newTestPolicy(BudgetConfig{InitialBackoff: time.Minute, MaxBackoff: 4 * time.Minute, QuietPeriod: time.Hour})
	key := instanceKey("inst_1")
	ctx := context.Background()

	if err := policy.AfterCall(ctx, key, core.ProviderResponseMeta{StatusCode: http.StatusTooManyRequests}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	err := policy.BeforeCall(ctx, key, core.UrgencySkip)
	if wait, ok := core.RetryAfter(err); !core.IsThrottled(err) || !ok || wait != time.Minute {
		t.Fatalf("expected one minute backoff, got %v", err)
	}

	expected := []time.Duration{2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	for _, want := range expected {
		clock.Advance(time.Minute)
		if err := policy.AfterCall(ctx, key, core.ProviderResponseMeta{StatusCode: http.StatusTooManyRequests}); err != nil {
			t.Fatalf("after call: %v", err)
		}
		err := policy.BeforeCall(ctx, key, core.UrgencySkip)
		if wait, _ := core.RetryAfter(err); wait != want {
			t.Fatalf("expected backoff %s, got %s", want, wait)
		}
	}
}

func TestBudgetPolicyPrefersLongerRetryAfter(t *testing.T) {
	policy, _, _ := newTestPolicy(BudgetConfig{InitialBackoff: time.Minute, MaxBackoff: time.Hour})
	key := instanceKey("inst_1")
	ctx := context.Background()

	if err := policy.AfterCall(ctx, key, core.ProviderResponseMeta{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{"Retry-After": "600"},
	}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	err := policy.BeforeCall(ctx, key, core.UrgencySkip)
	if wait, _ := core.RetryAfter(err); wait != 10*time.Minute {
		t.Fatalf("expected retry-after of 10m to win, got %s", wait)
	}
}

func TestBudgetPolicyResetsAttemptsAfterQuietPeriod(t *testing.T) {
	policy, clock, store := newTestPolicy(BudgetConfig{InitialBackoff: time.Minute, MaxBackoff: time.Hour, QuietPeriod: time.Hour})
	key := instanceKey("inst_1")
	ctx := context.Background()
	throttled := core.ProviderResponseMeta{StatusCode: http.StatusTooManyRequests}

	_ = policy.AfterCall(ctx, key, throttled)
	clock.Advance(5 * time.Minute)
	_ = policy.AfterCall(ctx, key, throttled)
	state, _ := store.Get(ctx, key)
	if state.Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", state.Attempts)
	}

	clock.Advance(2 * time.Hour)
	if err := policy.AfterCall(ctx, key, core.ProviderResponseMeta{StatusCode: http.StatusOK}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	state, _ = store.Get(ctx, key)
	if state.Attempts != 0 {
		t.Fatalf("expected attempts reset after quiet period, got %d", state.Attempts)
	}
	_ = policy.AfterCall(ctx, key, throttled)
	err := policy.BeforeCall(ctx, key, core.UrgencySkip)
	if wait, _ := core.RetryAfter(err); wait != time.Minute {
		t.Fatalf("expected backoff to restart at one minute, got %s", wait)
	}
}

func TestBudgetPolicyKeysAreIndependent(t *testing.T) {
	policy, _, _ := newTestPolicy(BudgetConfig{Limit: 1})
	ctx := context.Background()
	_ = policy.AfterCall(ctx, instanceKey("inst_1"), core.ProviderResponseMeta{StatusCode: http.StatusTooManyRequests})

	if err := policy.BeforeCall(ctx, instanceKey("inst_2"), core.UrgencySkip); err != nil {
		t.Fatalf("other instances must not share backoff: %v", err)
	}
	if err := policy.BeforeCall(ctx, instanceKey("inst_1"), core.UrgencySkip); !core.IsThrottled(err) {
		t.Fatalf("expected inst_1 throttled, got %v", err)
	}
}

func TestBudgetPolicyConcurrentAccountingIsExact(t *testing.T) {
	policy, _, store := newTestPolicy(BudgetConfig{Limit: 20})
	key := instanceKey("inst_1")
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := policy.BeforeCall(context.Background(), key, core.UrgencySkip); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 20 {
		t.Fatalf("expected exactly 20 admitted calls, got %d", admitted.Load())
	}
	state, _ := store.Get(context.Background(), key)
	if len(state.Calls) != 20 {
		t.Fatalf("expected 20 recorded calls, got %d", len(state.Calls))
	}
}

func TestBudgetPolicyRestartKeepsBackoff(t *testing.T) {
	policy, clock, store := newTestPolicy(BudgetConfig{InitialBackoff: time.Minute})
	key := instanceKey("inst_1")
	_ = policy.AfterCall(context.Background(), key, core.ProviderResponseMeta{StatusCode: http.StatusTooManyRequests})

	restarted := NewBudgetPolicy(store, BudgetConfig{InitialBackoff: time.Minute})
	restarted.Now = clock.Now
	if err := restarted.BeforeCall(context.Background(), key, core.UrgencySkip); !core.IsThrottled(err) {
		t.Fatalf("expected persisted backoff to survive restart, got %v", err)
	}
}

func TestBudgetPolicyHonoursExhaustedHeaders(t *testing.T) {
	policy, clock, _ := newTestPolicy(BudgetConfig{})
	key := instanceKey("inst_1")
	reset := clock.Now().Add(90 * time.Second)
	_ = policy.AfterCall(context.Background(), key, core.ProviderResponseMeta{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     formatUnix(reset),
		},
	})
	err := policy.BeforeCall(context.Background(), key, core.UrgencySkip)
	if wait, _ := core.RetryAfter(err); wait != 90*time.Second {
		t.Fatalf("expected 90s wait from headers, got %v", err)
	}
}

func TestBudgetConfigFrom(t *testing.T) {
	cfg := BudgetConfigFrom(core.DefaultConfig())
	if cfg.Limit != 100 || cfg.Window != time.Hour || cfg.MaxQueueWait != 30*time.Second {
		t.Fatalf("unexpected budget config %+v", cfg)
	}
}

func TestDispatcherSecondCallAfterTooManyRequestsNeverReachesNetwork(t *testing.T) {
	policy, _, _ := newTestPolicy(BudgetConfig{})
	transport := &countingTransport{status: http.StatusTooManyRequests}
	dispatcher, err := core.NewDispatcher(staticTokens("tok"), policy, transport, nil, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	req := core.DispatchRequest{
		InstanceID: "inst_1",
		Operation:  "balance",
		Urgency:    core.UrgencySkip,
		Request:    core.TransportRequest{Method: http.MethodPost, URL: "https://bank.example/balance"},
	}

	if _, err := dispatcher.Dispatch(context.Background(), req); !core.IsThrottled(err) {
		t.Fatalf("expected 429 to surface as throttled, got %v", err)
	}
	if _, err := dispatcher.Dispatch(context.Background(), req); !core.IsThrottled(err) {
		t.Fatalf("expected immediate follow-up to be throttled, got %v", err)
	}
	if transport.calls.Load() != 1 {
		t.Fatalf("expected one network call, got %d", transport.calls.Load())
	}
}

type countingTransport struct {
	status int
	calls  atomic.Int32
}

func (t *countingTransport) Do(context.Context, core.TransportRequest) (core.TransportResponse, error) {
	t.calls.Add(1)
	return core.TransportResponse{StatusCode: t.status}, nil
}

type staticTokens string

func (s staticTokens) EnsureValidToken(context.Context, string) (string, error) { return string(s), nil }

func (s staticTokens) ForceRefresh(context.Context, string, string) (string, error) {
	return string(s), nil
}

func formatUnix(at time.Time) string {
	return strconv.FormatInt(at.Unix(), 10)
}
