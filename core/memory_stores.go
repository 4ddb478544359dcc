package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemoryCredentialStore struct {
	mu          sync.RWMutex
	credentials map[string]Credential
	pairs       map[string]TokenPair
	now         func() time.Time
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		credentials: map[string]Credential{},
		pairs:       map[string]TokenPair{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryCredentialStore) GetCredential(_ context.Context, ref string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.credentials[strings.TrimSpace(ref)]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return credential, nil
}

func (s *MemoryCredentialStore) PutCredential(_ context.Context, credential Credential) error {
	ref := strings.TrimSpace(credential.Ref)
	if ref == "" {
		return fmt.Errorf("core: credential ref is required")
	}
	credential.Ref = ref
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[ref] = credential
	return nil
}

func (s *MemoryCredentialStore) GetTokenPair(_ context.Context, instanceID string) (TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.pairs[strings.TrimSpace(instanceID)]
	if !ok {
		return TokenPair{}, ErrTokenPairNotFound
	}
	return pair, nil
}

// PutTokenPair overwrites unconditionally. Used when authorization completes.
func (s *MemoryCredentialStore) PutTokenPair(_ context.Context, instanceID string, pair TokenPair) (TokenPair, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return TokenPair{}, fmt.Errorf("core: instance id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pair.Version = s.pairs[instanceID].Version + 1
	pair.UpdatedAt = s.now()
	s.pairs[instanceID] = pair
	return pair, nil
}

func (s *MemoryCredentialStore) CompareAndSwapTokenPair(
	_ context.Context,
	instanceID string,
	expectedVersion int64,
	next TokenPair,
) (TokenPair, error) {
	instanceID = strings.TrimSpace(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pairs[instanceID]
	if !ok {
		return TokenPair{}, ErrTokenPairNotFound
	}
	if current.Version != expectedVersion {
		return TokenPair{}, ErrTokenPairConflict
	}
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	s.pairs[instanceID] = next
	return next, nil
}

type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{instances: map[string]Instance{}}
}

func (s *MemoryInstanceStore) GetInstance(_ context.Context, id string) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[strings.TrimSpace(id)]
	if !ok {
		return Instance{}, ErrInstanceNotFound
	}
	return cloneInstance(instance), nil
}

func (s *MemoryInstanceStore) UpsertInstance(_ context.Context, instance Instance) (Instance, error) {
	instance.ID = strings.TrimSpace(instance.ID)
	if instance.ID == "" {
		return Instance{}, fmt.Errorf("core: instance id is required")
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[instance.ID]; ok {
		instance.CreatedAt = existing.CreatedAt
	} else {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now
	s.instances[instance.ID] = cloneInstance(instance)
	return cloneInstance(instance), nil
}

func (s *MemoryInstanceStore) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := s.instances[id]; !ok {
		return ErrInstanceNotFound
	}
	delete(s.instances, id)
	return nil
}

func (s *MemoryInstanceStore) ListInstances(context.Context) ([]Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instance, 0, len(s.instances))
	for _, instance := range s.instances {
		out = append(out, cloneInstance(instance))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneInstance(instance Instance) Instance {
	instance.MonitoredAccounts = append([]string(nil), instance.MonitoredAccounts...)
	return instance
}

type memoryOutboxEntry struct {
	event         OutcomeEvent
	status        string
	nextAttemptAt time.Time
	lastError     string
}

// MemoryOutboxStore keeps outcome events until a sink acknowledges them.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*memoryOutboxEntry
	now     func() time.Time
}

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusDelivered  = "delivered"
	outboxStatusFailed     = "failed"
)

func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{
		entries: map[string]*memoryOutboxEntry{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryOutboxStore) Enqueue(_ context.Context, event OutcomeEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("core: outbox event id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[event.ID]; exists {
		return nil
	}
	s.entries[event.ID] = &memoryOutboxEntry{event: event, status: outboxStatusPending}
	s.order = append(s.order, event.ID)
	return nil
}

func (s *MemoryOutboxStore) ClaimBatch(_ context.Context, limit int) ([]OutcomeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutcomeEvent, 0, limit)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		entry := s.entries[id]
		if entry == nil || entry.status != outboxStatusPending || entry.nextAttemptAt.After(now) {
			continue
		}
		entry.status = outboxStatusProcessing
		entry.event.Attempts++
		out = append(out, entry.event)
	}
	return out, nil
}

func (s *MemoryOutboxStore) Ack(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[eventID]
	if !ok {
		return fmt.Errorf("core: outbox event %q not found", eventID)
	}
	entry.status = outboxStatusDelivered
	entry.lastError = ""
	return nil
}

func (s *MemoryOutboxStore) Retry(_ context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[eventID]
	if !ok {
		return fmt.Errorf("core: outbox event %q not found", eventID)
	}
	entry.status = outboxStatusPending
	entry.nextAttemptAt = nextAttemptAt
	if cause != nil {
		entry.lastError = cause.Error()
	}
	if nextAttemptAt.IsZero() {
		entry.status = outboxStatusFailed
	}
	return nil
}

// Pending counts events not yet delivered.
func (s *MemoryOutboxStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.entries {
		if entry.status == outboxStatusPending || entry.status == outboxStatusProcessing {
			count++
		}
	}
	return count
}

var (
	_ CredentialStore = (*MemoryCredentialStore)(nil)
	_ InstanceStore   = (*MemoryInstanceStore)(nil)
	_ OutboxStore     = (*MemoryOutboxStore)(nil)
)
