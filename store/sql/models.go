package sqlstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

type credentialRecord struct {
	bun.BaseModel `bun:"table:pengerobot_credentials,alias:pc"`

	ID                    string    `bun:"id,pk"`
	Ref                   string    `bun:"ref,notnull"`
	ClientID              string    `bun:"client_id,notnull"`
	EncryptedClientSecret []byte    `bun:"encrypted_client_secret"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type instanceRecord struct {
	bun.BaseModel `bun:"table:pengerobot_instances,alias:pi"`

	ID                string    `bun:"id,pk"`
	Name              string    `bun:"name,notnull"`
	CredentialRef     string    `bun:"credential_ref,notnull"`
	DefaultCurrency   string    `bun:"default_currency,notnull"`
	MaxAmount         string    `bun:"max_amount,notnull"`
	MonitoredAccounts []string  `bun:"monitored_accounts,type:jsonb,notnull"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// tokenPairRecord stores the access and refresh tokens as one encrypted
// payload. version backs compare-and-swap rotation.
type tokenPairRecord struct {
	bun.BaseModel `bun:"table:pengerobot_token_pairs,alias:ptp"`

	ID               string     `bun:"id,pk"`
	InstanceID       string     `bun:"instance_id,notnull"`
	EncryptedPayload []byte     `bun:"encrypted_payload,notnull"`
	TokenType        string     `bun:"token_type,notnull"`
	Scope            string     `bun:"scope,notnull"`
	AccessExpiry     *time.Time `bun:"access_expiry,nullzero"`
	Status           string     `bun:"status,notnull"`
	InvalidReason    string     `bun:"invalid_reason,notnull"`
	Version          int64      `bun:"version,notnull"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:pengerobot_rate_limit_state,alias:prl"`

	ID              string         `bun:"id,pk"`
	ProviderID      string         `bun:"provider_id,notnull"`
	ScopeType       string         `bun:"scope_type,notnull"`
	ScopeID         string         `bun:"scope_id,notnull"`
	BucketKey       string         `bun:"bucket_key,notnull"`
	Calls           []time.Time    `bun:"calls,type:jsonb,notnull"`
	Attempts        int            `bun:"attempts,notnull"`
	ThrottledUntil  *time.Time     `bun:"throttled_until,nullzero"`
	LastThrottledAt *time.Time     `bun:"last_throttled_at,nullzero"`
	RetryAfter      *int           `bun:"retry_after_seconds,nullzero"`
	LastStatus      int            `bun:"last_status,notnull"`
	Metadata        map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type outboxRecord struct {
	bun.BaseModel `bun:"table:pengerobot_outbox,alias:po"`

	ID            string              `bun:"id,pk"`
	EventID       string              `bun:"event_id,notnull"`
	EventName     string              `bun:"event_name,notnull"`
	InstanceID    string              `bun:"instance_id,notnull"`
	Result        core.TransferResult `bun:"result,type:jsonb,notnull"`
	Status        string              `bun:"status,notnull"`
	Attempts      int                 `bun:"attempts,notnull"`
	NextAttemptAt *time.Time          `bun:"next_attempt_at,nullzero"`
	LastError     string              `bun:"last_error,notnull"`
	OccurredAt    time.Time           `bun:"occurred_at,notnull"`
	CreatedAt     time.Time           `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time           `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type oauthStateRecord struct {
	bun.BaseModel `bun:"table:pengerobot_oauth_states,alias:pos"`

	ID          string    `bun:"id,pk"`
	State       string    `bun:"state,notnull"`
	InstanceID  string    `bun:"instance_id,notnull"`
	RedirectURI string    `bun:"redirect_uri,notnull"`
	ExpiresAt   time.Time `bun:"expires_at,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
