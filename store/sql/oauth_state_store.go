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

// OAuthStateStore keeps pending authorize redirects in the database so the
// code exchange can run in another process than the one that built the URL.
type OAuthStateStore struct {
	db   *bun.DB
	repo repository.Repository[*oauthStateRecord]
	ttl  time.Duration
	now  func() time.Time
}

func NewOAuthStateStore(db *bun.DB) (*OAuthStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*oauthStateRecord](db, oauthStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid oauth state repository wiring: %w", err)
		}
	}
	return &OAuthStateStore{
		db:   db,
		repo: repo,
		ttl:  core.DefaultOAuthStateTTL,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *OAuthStateStore) Save(ctx context.Context, record core.OAuthStateRecord) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: oauth state store is not configured")
	}
	state := strings.TrimSpace(record.State)
	if state == "" {
		return fmt.Errorf("sqlstore: oauth state is required")
	}
	createdAt := record.CreatedAt.UTC()
	if record.CreatedAt.IsZero() {
		createdAt = s.now()
	}
	expiresAt := record.ExpiresAt.UTC()
	if record.ExpiresAt.IsZero() {
		expiresAt = createdAt.Add(s.ttl)
	}

	_, err := s.repo.Create(ctx, &oauthStateRecord{
		ID:          uuid.NewString(),
		State:       state,
		InstanceID:  strings.TrimSpace(record.InstanceID),
		RedirectURI: strings.TrimSpace(record.RedirectURI),
		ExpiresAt:   expiresAt,
		CreatedAt:   createdAt,
	})
	if err != nil {
		return err
	}

	// expired rows are dropped opportunistically on every save
	_, _ = s.db.NewDelete().
		Model((*oauthStateRecord)(nil)).
		Where("expires_at < ?", s.now()).
		Exec(ctx)
	return nil
}

// Consume returns the record once and deletes it in the same transaction.
func (s *OAuthStateStore) Consume(ctx context.Context, state string) (core.OAuthStateRecord, error) {
	if s == nil || s.db == nil {
		return core.OAuthStateRecord{}, fmt.Errorf("sqlstore: oauth state store is not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return core.OAuthStateRecord{}, core.OAuthStateError("required")
	}

	var record oauthStateRecord
	found := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model(&record).
			Where("?TableAlias.state = ?", state).
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		res, err := tx.NewDelete().
			Model((*oauthStateRecord)(nil)).
			Where("id = ?", record.ID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, affErr := res.RowsAffected(); affErr == nil && affected == 0 {
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return core.OAuthStateRecord{}, err
	}
	if !found {
		return core.OAuthStateRecord{}, core.OAuthStateError("unknown")
	}
	out := core.OAuthStateRecord{
		State:       record.State,
		InstanceID:  record.InstanceID,
		RedirectURI: record.RedirectURI,
		CreatedAt:   record.CreatedAt.UTC(),
		ExpiresAt:   record.ExpiresAt.UTC(),
	}
	if out.Expired(s.now()) {
		return core.OAuthStateRecord{}, core.OAuthStateError("expired")
	}
	return out, nil
}

var _ core.OAuthStateStore = (*OAuthStateStore)(nil)
