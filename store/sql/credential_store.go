package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

// CredentialStore persists OAuth client credentials and token pairs. Client
// secrets and token payloads are encrypted with the configured
// SecretProvider before they reach the database.
type CredentialStore struct {
	db        *bun.DB
	repo      repository.Repository[*credentialRecord]
	tokenRepo repository.Repository[*tokenPairRecord]
	secrets   core.SecretProvider
	codec     core.TokenPairCodec
	now       func() time.Time
}

func NewCredentialStore(db *bun.DB, secrets core.SecretProvider) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("sqlstore: secret provider is required")
	}
	repo := repository.NewRepository[*credentialRecord](db, credentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	tokenRepo := repository.NewRepository[*tokenPairRecord](db, tokenPairHandlers())
	if validator, ok := tokenRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid token pair repository wiring: %w", err)
		}
	}
	return &CredentialStore{
		db:        db,
		repo:      repo,
		tokenRepo: tokenRepo,
		secrets:   secrets,
		codec:     core.JSONTokenPairCodec{},
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, ref string) (core.Credential, error) {
	if s == nil || s.repo == nil {
		return core.Credential{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("ref", "=", strings.TrimSpace(ref)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Credential{}, err
	}
	if len(records) == 0 {
		return core.Credential{}, core.ErrCredentialNotFound
	}
	record := records[0]
	credential := core.Credential{Ref: record.Ref, ClientID: record.ClientID}
	if len(record.EncryptedClientSecret) > 0 {
		secret, decryptErr := s.secrets.Decrypt(ctx, record.EncryptedClientSecret)
		if decryptErr != nil {
			return core.Credential{}, fmt.Errorf("sqlstore: decrypt client secret %q: %w", record.Ref, decryptErr)
		}
		credential.ClientSecret = string(secret)
	}
	return credential, nil
}

func (s *CredentialStore) PutCredential(ctx context.Context, credential core.Credential) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	ref := strings.TrimSpace(credential.Ref)
	if ref == "" {
		return fmt.Errorf("sqlstore: credential ref is required")
	}
	var encrypted []byte
	if secret := strings.TrimSpace(credential.ClientSecret); secret != "" {
		ciphertext, err := s.secrets.Encrypt(ctx, []byte(secret))
		if err != nil {
			return fmt.Errorf("sqlstore: encrypt client secret %q: %w", ref, err)
		}
		encrypted = ciphertext
	}
	now := s.now()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &credentialRecord{}
		err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.ref = ?", ref).
			Limit(1).
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if errors.Is(err, sql.ErrNoRows) {
			record = &credentialRecord{
				ID:                    uuid.NewString(),
				Ref:                   ref,
				ClientID:              strings.TrimSpace(credential.ClientID),
				EncryptedClientSecret: encrypted,
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			_, insertErr := s.repo.CreateTx(ctx, tx, record)
			return insertErr
		}
		_, updateErr := tx.NewUpdate().
			Model((*credentialRecord)(nil)).
			Set("client_id = ?", strings.TrimSpace(credential.ClientID)).
			Set("encrypted_client_secret = ?", encrypted).
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Exec(ctx)
		return updateErr
	})
}

func (s *CredentialStore) GetTokenPair(ctx context.Context, instanceID string) (core.TokenPair, error) {
	if s == nil || s.db == nil {
		return core.TokenPair{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	record, err := findTokenPair(ctx, s.db, strings.TrimSpace(instanceID))
	if err != nil {
		return core.TokenPair{}, err
	}
	if record == nil {
		return core.TokenPair{}, core.ErrTokenPairNotFound
	}
	return s.toDomain(ctx, record)
}

// PutTokenPair overwrites the stored pair and bumps its version.
func (s *CredentialStore) PutTokenPair(ctx context.Context, instanceID string, pair core.TokenPair) (core.TokenPair, error) {
	if s == nil || s.db == nil {
		return core.TokenPair{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return core.TokenPair{}, fmt.Errorf("sqlstore: instance id is required")
	}
	payload, err := s.encryptPair(ctx, pair)
	if err != nil {
		return core.TokenPair{}, err
	}
	now := s.now()

	var stored core.TokenPair
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, findErr := findTokenPair(ctx, tx, instanceID)
		if findErr != nil {
			return findErr
		}
		if current == nil {
			record := newTokenPairRecord(instanceID, pair, payload, 1, now)
			if _, insertErr := s.tokenRepo.CreateTx(ctx, tx, record); insertErr != nil {
				if isUniqueConstraintError(insertErr) {
					return core.ErrTokenPairConflict
				}
				return insertErr
			}
			stored = withVersion(pair, 1, now)
			return nil
		}
		next := current.Version + 1
		affected, updateErr := updateTokenPair(ctx, tx, instanceID, current.Version, pair, payload, next, now)
		if updateErr != nil {
			return updateErr
		}
		if affected == 0 {
			return core.ErrTokenPairConflict
		}
		stored = withVersion(pair, next, now)
		return nil
	})
	if err != nil {
		return core.TokenPair{}, err
	}
	return stored, nil
}

// CompareAndSwapTokenPair writes next only while the stored version still
// equals expectedVersion.
func (s *CredentialStore) CompareAndSwapTokenPair(
	ctx context.Context,
	instanceID string,
	expectedVersion int64,
	next core.TokenPair,
) (core.TokenPair, error) {
	if s == nil || s.db == nil {
		return core.TokenPair{}, fmt.Errorf("sqlstore: credential store is not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	payload, err := s.encryptPair(ctx, next)
	if err != nil {
		return core.TokenPair{}, err
	}
	now := s.now()
	version := expectedVersion + 1

	affected, err := updateTokenPair(ctx, s.db, instanceID, expectedVersion, next, payload, version, now)
	if err != nil {
		return core.TokenPair{}, err
	}
	if affected == 0 {
		current, findErr := findTokenPair(ctx, s.db, instanceID)
		if findErr != nil {
			return core.TokenPair{}, findErr
		}
		if current == nil {
			return core.TokenPair{}, core.ErrTokenPairNotFound
		}
		return core.TokenPair{}, core.ErrTokenPairConflict
	}
	return withVersion(next, version, now), nil
}

func (s *CredentialStore) encryptPair(ctx context.Context, pair core.TokenPair) ([]byte, error) {
	encoded, err := s.codec.Encode(pair)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.secrets.Encrypt(ctx, encoded)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encrypt token pair: %w", err)
	}
	return ciphertext, nil
}

func (s *CredentialStore) toDomain(ctx context.Context, record *tokenPairRecord) (core.TokenPair, error) {
	plaintext, err := s.secrets.Decrypt(ctx, record.EncryptedPayload)
	if err != nil {
		return core.TokenPair{}, fmt.Errorf("sqlstore: decrypt token pair %q: %w", record.InstanceID, err)
	}
	pair, err := s.codec.Decode(plaintext)
	if err != nil {
		return core.TokenPair{}, err
	}
	pair.TokenType = record.TokenType
	pair.Scope = record.Scope
	if record.AccessExpiry != nil {
		pair.AccessExpiry = record.AccessExpiry.UTC()
	}
	pair.Status = core.TokenStatus(record.Status)
	pair.InvalidReason = record.InvalidReason
	pair.Version = record.Version
	pair.UpdatedAt = record.UpdatedAt.UTC()
	return pair, nil
}

func findTokenPair(ctx context.Context, db bun.IDB, instanceID string) (*tokenPairRecord, error) {
	record := &tokenPairRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.instance_id = ?", instanceID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func updateTokenPair(
	ctx context.Context,
	db bun.IDB,
	instanceID string,
	expectedVersion int64,
	pair core.TokenPair,
	payload []byte,
	version int64,
	now time.Time,
) (int64, error) {
	result, err := db.NewUpdate().
		Model((*tokenPairRecord)(nil)).
		Set("encrypted_payload = ?", payload).
		Set("token_type = ?", strings.TrimSpace(pair.TokenType)).
		Set("scope = ?", strings.TrimSpace(pair.Scope)).
		Set("access_expiry = ?", timePointer(pair.AccessExpiry)).
		Set("status = ?", string(tokenStatus(pair))).
		Set("invalid_reason = ?", strings.TrimSpace(pair.InvalidReason)).
		Set("version = ?", version).
		Set("updated_at = ?", now).
		Where("instance_id = ?", instanceID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func newTokenPairRecord(instanceID string, pair core.TokenPair, payload []byte, version int64, now time.Time) *tokenPairRecord {
	return &tokenPairRecord{
		ID:               uuid.NewString(),
		InstanceID:       instanceID,
		EncryptedPayload: payload,
		TokenType:        strings.TrimSpace(pair.TokenType),
		Scope:            strings.TrimSpace(pair.Scope),
		AccessExpiry:     timePointer(pair.AccessExpiry),
		Status:           string(tokenStatus(pair)),
		InvalidReason:    strings.TrimSpace(pair.InvalidReason),
		Version:          version,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func withVersion(pair core.TokenPair, version int64, now time.Time) core.TokenPair {
	pair.Status = tokenStatus(pair)
	pair.Version = version
	pair.UpdatedAt = now
	return pair
}

func tokenStatus(pair core.TokenPair) core.TokenStatus {
	if strings.TrimSpace(string(pair.Status)) == "" {
		return core.TokenStatusActive
	}
	return pair.Status
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

var _ core.CredentialStore = (*CredentialStore)(nil)
