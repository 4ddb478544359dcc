package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

type InstanceStore struct {
	db   *bun.DB
	repo repository.Repository[*instanceRecord]
	now  func() time.Time
}

func NewInstanceStore(db *bun.DB) (*InstanceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*instanceRecord](db, instanceHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid instance repository wiring: %w", err)
		}
	}
	return &InstanceStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *InstanceStore) GetInstance(ctx context.Context, id string) (core.Instance, error) {
	if s == nil || s.db == nil {
		return core.Instance{}, fmt.Errorf("sqlstore: instance store is not configured")
	}
	record, err := findInstance(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return core.Instance{}, err
	}
	if record == nil {
		return core.Instance{}, core.ErrInstanceNotFound
	}
	return record.toDomain()
}

func (s *InstanceStore) UpsertInstance(ctx context.Context, instance core.Instance) (core.Instance, error) {
	if s == nil || s.db == nil {
		return core.Instance{}, fmt.Errorf("sqlstore: instance store is not configured")
	}
	instance.ID = strings.TrimSpace(instance.ID)
	if instance.ID == "" {
		return core.Instance{}, fmt.Errorf("sqlstore: instance id is required")
	}
	now := s.now()

	var stored core.Instance
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, findErr := findInstance(ctx, tx, instance.ID)
		if findErr != nil {
			return findErr
		}
		record := newInstanceRecord(instance, now)
		if existing == nil {
			if _, insertErr := s.repo.CreateTx(ctx, tx, record); insertErr != nil {
				return insertErr
			}
		} else {
			record.CreatedAt = existing.CreatedAt
			if _, updateErr := tx.NewUpdate().
				Model(record).
				Column("name", "credential_ref", "default_currency", "max_amount", "monitored_accounts", "updated_at").
				Where("id = ?", record.ID).
				Exec(ctx); updateErr != nil {
				return updateErr
			}
		}
		domain, convErr := record.toDomain()
		if convErr != nil {
			return convErr
		}
		stored = domain
		return nil
	})
	if err != nil {
		return core.Instance{}, err
	}
	return stored, nil
}

// DeleteInstance removes the instance together with its token pair.
func (s *InstanceStore) DeleteInstance(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: instance store is not configured")
	}
	id = strings.TrimSpace(id)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewDelete().
			Model((*instanceRecord)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return core.ErrInstanceNotFound
		}
		_, err = tx.NewDelete().
			Model((*tokenPairRecord)(nil)).
			Where("instance_id = ?", id).
			Exec(ctx)
		return err
	})
}

func (s *InstanceStore) ListInstances(ctx context.Context) ([]core.Instance, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: instance store is not configured")
	}
	records, _, err := s.repo.List(ctx, repository.OrderBy("id ASC"))
	if err != nil {
		return nil, err
	}
	out := make([]core.Instance, 0, len(records))
	for _, record := range records {
		instance, convErr := record.toDomain()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, instance)
	}
	return out, nil
}

func findInstance(ctx context.Context, db bun.IDB, id string) (*instanceRecord, error) {
	record := &instanceRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
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

func newInstanceRecord(instance core.Instance, now time.Time) *instanceRecord {
	monitored := make([]string, 0, len(instance.MonitoredAccounts))
	for _, account := range instance.MonitoredAccounts {
		if trimmed := strings.TrimSpace(account); trimmed != "" {
			monitored = append(monitored, trimmed)
		}
	}
	return &instanceRecord{
		ID:                instance.ID,
		Name:              strings.TrimSpace(instance.Name),
		CredentialRef:     strings.TrimSpace(instance.CredentialRef),
		DefaultCurrency:   strings.ToUpper(strings.TrimSpace(instance.DefaultCurrency)),
		MaxAmount:         instance.MaxAmount.String(),
		MonitoredAccounts: monitored,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (r *instanceRecord) toDomain() (core.Instance, error) {
	if r == nil {
		return core.Instance{}, nil
	}
	maxAmount := decimal.Zero
	if trimmed := strings.TrimSpace(r.MaxAmount); trimmed != "" {
		parsed, err := decimal.NewFromString(trimmed)
		if err != nil {
			return core.Instance{}, fmt.Errorf("sqlstore: instance %q has invalid max amount %q: %w", r.ID, r.MaxAmount, err)
		}
		maxAmount = parsed
	}
	return core.Instance{
		ID:                r.ID,
		Name:              r.Name,
		CredentialRef:     r.CredentialRef,
		DefaultCurrency:   r.DefaultCurrency,
		MaxAmount:         maxAmount,
		MonitoredAccounts: append([]string(nil), r.MonitoredAccounts...),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}, nil
}

var _ core.InstanceStore = (*InstanceStore)(nil)
