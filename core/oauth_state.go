package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// DefaultOAuthStateTTL bounds how long an authorize redirect may take.
const DefaultOAuthStateTTL = 15 * time.Minute

// OAuthStateRecord binds an authorize redirect to the instance that started it.
type OAuthStateRecord struct {
	State       string
	InstanceID  string
	RedirectURI string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the redirect came back too late.
func (r OAuthStateRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

type OAuthStateStore interface {
	Save(ctx context.Context, record OAuthStateRecord) error
	// Consume returns the record at most once.
	Consume(ctx context.Context, state string) (OAuthStateRecord, error)
}

// OAuthStateError is the validation error returned for a state that is
// blank, unknown, already used or expired.
func OAuthStateError(reason string) error {
	return NewValidationError("oauth state "+reason, goerrors.FieldError{Field: "state", Message: reason})
}

// MemoryOAuthStateStore keeps pending states in process. States do not
// survive a restart, so the authorize URL and the code exchange must be
// handled by the same process.
type MemoryOAuthStateStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]OAuthStateRecord
}

func NewMemoryOAuthStateStore(ttl time.Duration) *MemoryOAuthStateStore {
	if ttl <= 0 {
		ttl = DefaultOAuthStateTTL
	}
	return &MemoryOAuthStateStore{
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		pending: map[string]OAuthStateRecord{},
	}
}

func (s *MemoryOAuthStateStore) Save(_ context.Context, record OAuthStateRecord) error {
	record.State = strings.TrimSpace(record.State)
	if record.State == "" {
		return fmt.Errorf("core: oauth state is required")
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for state, pending := range s.pending {
		if pending.Expired(now) {
			delete(s.pending, state)
		}
	}
	s.pending[record.State] = record
	return nil
}

func (s *MemoryOAuthStateStore) Consume(_ context.Context, state string) (OAuthStateRecord, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return OAuthStateRecord{}, OAuthStateError("required")
	}

	s.mu.Lock()
	record, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()

	switch {
	case !ok:
		return OAuthStateRecord{}, OAuthStateError("unknown")
	case record.Expired(s.now()):
		return OAuthStateRecord{}, OAuthStateError("expired")
	}
	return record, nil
}

// generateOAuthState returns 24 random bytes, URL safe encoded.
func generateOAuthState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
