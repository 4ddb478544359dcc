package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is the persisted budget of one key: the calls inside the current
// window and the reactive backoff after throttling.
type State struct {
	Key             core.RateLimitKey
	Calls           []time.Time
	Attempts        int
	ThrottledUntil  *time.Time
	LastThrottledAt *time.Time
	RetryAfter      *time.Duration
	LastStatus      int
	UpdatedAt       time.Time
	Metadata        map[string]any
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

type BudgetConfig struct {
	Limit          int
	Window         time.Duration
	MaxQueueWait   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	QuietPeriod    time.Duration
}

func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Limit:          core.DefaultHourlyCallLimit,
		Window:         time.Hour,
		MaxQueueWait:   30 * time.Second,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Hour,
		QuietPeriod:    time.Hour,
	}
}

// BudgetConfigFrom reads the rate_limit section of the service config.
func BudgetConfigFrom(cfg core.Config) BudgetConfig {
	return BudgetConfig{
		Limit:          cfg.RateLimit.HourlyLimit,
		Window:         time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		MaxQueueWait:   time.Duration(cfg.RateLimit.MaxQueueWaitSeconds) * time.Second,
		InitialBackoff: time.Duration(cfg.RateLimit.InitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(cfg.RateLimit.MaxBackoffSeconds) * time.Second,
		QuietPeriod:    time.Duration(cfg.RateLimit.QuietPeriodSeconds) * time.Second,
	}
}

// BudgetPolicy keeps a sliding window of calls per key and backs off after
// the bank answers 429. Queued callers wait for a slot; skipping callers
// fail fast.
type BudgetPolicy struct {
	Store  StateStore
	Config BudgetConfig
	Now    func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	locks sync.Map
}

func NewBudgetPolicy(store StateStore, config BudgetConfig) *BudgetPolicy {
	defaults := DefaultBudgetConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.MaxQueueWait < 0 {
		config.MaxQueueWait = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.QuietPeriod <= 0 {
		config.QuietPeriod = defaults.QuietPeriod
	}
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &BudgetPolicy{
		Store:  store,
		Config: config,
		Now:    func() time.Time { return time.Now().UTC() },
		Sleep:  sleepContext,
	}
}

// BeforeCall reserves one call in the window of key.
func (p *BudgetPolicy) BeforeCall(ctx context.Context, key core.RateLimitKey, urgency core.CallUrgency) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	queuedAt := p.now()
	for {
		wait, reason, err := p.reserve(ctx, key)
		if err != nil || wait <= 0 {
			return err
		}
		if urgency == core.UrgencySkip {
			return core.NewThrottledError(key.ScopeID, wait, reason)
		}
		remaining := p.Config.MaxQueueWait - p.now().Sub(queuedAt)
		if wait > remaining {
			return core.NewThrottledError(key.ScopeID, wait, reason)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve records a call when budget is left, otherwise it reports how long
// until the next slot opens.
func (p *BudgetPolicy) reserve(ctx context.Context, key core.RateLimitKey) (time.Duration, string, error) {
	mu := p.lock(key)
	mu.Lock()
	defer mu.Unlock()

	state, err := p.load(ctx, key)
	if err != nil {
		return 0, "", err
	}
	now := p.now()
	state.Calls = pruneCalls(state.Calls, now.Add(-p.Config.Window))

	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return until.Sub(now), "bank backoff active", nil
	}
	if len(state.Calls) >= p.Config.Limit {
		wait := state.Calls[0].Add(p.Config.Window).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return wait, "hourly call budget exhausted", nil
	}

	state.Calls = append(state.Calls, now)
	state.UpdatedAt = now
	if err := p.Store.Upsert(ctx, state); err != nil {
		return 0, "", err
	}
	return 0, "", nil
}

// AfterCall records the response. A 429 starts or extends the backoff of
// key; the attempt counter resets after a quiet period without 429s.
func (p *BudgetPolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.ProviderResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	mu := p.lock(key)
	mu.Lock()
	defer mu.Unlock()

	state, err := p.load(ctx, key)
	if err != nil {
		return err
	}
	now := p.now()
	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Metadata = cloneMap(state.Metadata)
	for k, v := range cloneMap(res.Metadata) {
		state.Metadata[k] = v
	}
	if last := state.LastThrottledAt; last != nil && now.Sub(*last) >= p.Config.QuietPeriod {
		state.Attempts = 0
	}

	retryAfter, hasRetryAfter := parseRetryAfter(res, now)
	if res.StatusCode == 429 {
		state.Attempts++
		delay := p.nextBackoff(state.Attempts)
		if hasRetryAfter && retryAfter > delay {
			delay = retryAfter
		}
		until := now.Add(delay)
		throttledAt := now
		state.ThrottledUntil = &until
		state.LastThrottledAt = &throttledAt
		state.RetryAfter = &delay
		return p.Store.Upsert(ctx, state)
	}

	state.RetryAfter = nil
	if remaining, ok := parseHeaderInt(res.Headers, "x-ratelimit-remaining"); ok && remaining == 0 {
		if resetAt, ok := parseHeaderResetAt(res.Headers); ok && resetAt.After(now) {
			state.ThrottledUntil = &resetAt
		}
	}
	return p.Store.Upsert(ctx, state)
}

// Remaining reports how many calls key may still make in the current window.
func (p *BudgetPolicy) Remaining(ctx context.Context, key core.RateLimitKey) (int, error) {
	key = normalizeKey(key)
	mu := p.lock(key)
	mu.Lock()
	defer mu.Unlock()

	state, err := p.load(ctx, key)
	if err != nil {
		return 0, err
	}
	used := len(pruneCalls(state.Calls, p.now().Add(-p.Config.Window)))
	if used >= p.Config.Limit {
		return 0, nil
	}
	return p.Config.Limit - used, nil
}

func (p *BudgetPolicy) load(ctx context.Context, key core.RateLimitKey) (State, error) {
	state, err := p.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return State{Key: key}, nil
		}
		return State{}, err
	}
	state.Key = key
	return state, nil
}

func (p *BudgetPolicy) lock(key core.RateLimitKey) *sync.Mutex {
	actual, _ := p.locks.LoadOrStore(stateKey(key), &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (p *BudgetPolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *BudgetPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (p *BudgetPolicy) nextBackoff(attempt int) time.Duration {
	initial := p.Config.InitialBackoff
	maximum := p.Config.MaxBackoff
	if attempt <= 1 {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum || delay <= 0 {
			return maximum
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func pruneCalls(calls []time.Time, cutoff time.Time) []time.Time {
	if len(calls) == 0 {
		return nil
	}
	sorted := append([]time.Time(nil), calls...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	index := sort.Search(len(sorted), func(i int) bool { return sorted[i].After(cutoff) })
	return sorted[index:]
}

func parseRetryAfter(res core.ProviderResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	return core.RetryAfterFromHeaders(res.Headers, now)
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	value := headerValue(headers, "x-ratelimit-reset")
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeKey(key core.RateLimitKey) core.RateLimitKey {
	return core.RateLimitKey{
		ProviderID: strings.TrimSpace(strings.ToLower(key.ProviderID)),
		ScopeType:  strings.TrimSpace(strings.ToLower(key.ScopeType)),
		ScopeID:    strings.TrimSpace(key.ScopeID),
		BucketKey:  strings.TrimSpace(strings.ToLower(key.BucketKey)),
	}
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.RateLimitKey) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[stateKey(normalizeKey(key))]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return CloneState(state), nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state = CloneState(state)
	state.Key = normalizeKey(state.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[stateKey(state.Key)] = state
	return nil
}

// CloneState deep-copies the mutable parts of state.
func CloneState(state State) State {
	state.Calls = append([]time.Time(nil), state.Calls...)
	state.Metadata = cloneMap(state.Metadata)
	if state.ThrottledUntil != nil {
		value := *state.ThrottledUntil
		state.ThrottledUntil = &value
	}
	if state.LastThrottledAt != nil {
		value := *state.LastThrottledAt
		state.LastThrottledAt = &value
	}
	if state.RetryAfter != nil {
		value := *state.RetryAfter
		state.RetryAfter = &value
	}
	return state
}

// StateKey is the flat storage key of key.
func StateKey(key core.RateLimitKey) string {
	return stateKey(normalizeKey(key))
}

func stateKey(key core.RateLimitKey) string {
	return key.ProviderID + "|" + key.ScopeType + "|" + key.ScopeID + "|" + key.BucketKey
}

var _ core.RateLimitPolicy = (*BudgetPolicy)(nil)
