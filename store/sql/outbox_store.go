package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

// Outbox row lifecycle: pending -> processing -> delivered, or back to
// pending with a next_attempt_at, or failed once retries run out.
const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusDelivered  = "delivered"
	outboxStatusFailed     = "failed"
)

// OutboxStore persists outcome events until every sink has taken them.
type OutboxStore struct {
	db   *bun.DB
	repo repository.Repository[*outboxRecord]
	now  func() time.Time
}

func NewOutboxStore(db *bun.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*outboxRecord](db, outboxHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	return &OutboxStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Enqueue stores event once. An event id that is already queued is ignored.
func (s *OutboxStore) Enqueue(ctx context.Context, event core.OutcomeEvent) error {
	if s == nil || s.repo == nil {
		return errOutboxUnset
	}
	eventID, name := strings.TrimSpace(event.ID), strings.TrimSpace(event.Name)
	switch {
	case eventID == "":
		return fmt.Errorf("sqlstore: outbox event id is required")
	case name == "":
		return fmt.Errorf("sqlstore: outbox event name is required")
	}

	now := s.now()
	occurredAt := now
	if !event.OccurredAt.IsZero() {
		occurredAt = event.OccurredAt.UTC()
	}
	_, err := s.repo.Create(ctx, &outboxRecord{
		ID:         uuid.NewString(),
		EventID:    eventID,
		EventName:  name,
		InstanceID: strings.TrimSpace(event.InstanceID),
		Result:     event.Result,
		Status:     outboxStatusPending,
		OccurredAt: occurredAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if isUniqueConstraintError(err) {
		return nil
	}
	return err
}

// ClaimBatch flips up to limit due pending rows to processing, oldest first,
// and counts the attempt. The status guard on the update keeps two
// dispatchers from claiming the same row.
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]core.OutcomeEvent, error) {
	if s == nil || s.db == nil {
		return nil, errOutboxUnset
	}
	limit = max(limit, 1)
	now := s.now()

	var claimed []outboxRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		due := tx.NewSelect().
			Model((*outboxRecord)(nil)).
			Column("id").
			Where("status = ?", outboxStatusPending).
			WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("next_attempt_at IS NULL").WhereOr("next_attempt_at <= ?", now)
			}).
			Order("occurred_at ASC").
			Limit(limit)

		return tx.NewUpdate().
			Model((*outboxRecord)(nil)).
			Set("status = ?", outboxStatusProcessing).
			Set("attempts = attempts + 1").
			Set("updated_at = ?", now).
			Where("id IN (?)", due).
			Where("status = ?", outboxStatusPending).
			Returning("*").
			Scan(ctx, &claimed)
	})
	if err != nil {
		return nil, err
	}

	events := make([]core.OutcomeEvent, len(claimed))
	for i, record := range claimed {
		events[i] = core.OutcomeEvent{
			ID:         record.EventID,
			Name:       record.EventName,
			InstanceID: record.InstanceID,
			OccurredAt: record.OccurredAt.UTC(),
			Result:     record.Result,
			Attempts:   record.Attempts,
		}
	}
	return events, nil
}

func (s *OutboxStore) Ack(ctx context.Context, eventID string) error {
	return s.transition(ctx, eventID, outboxStatusDelivered, nil, "")
}

// Retry puts the event back in the queue. A zero nextAttemptAt marks it
// failed for good.
func (s *OutboxStore) Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	if nextAttemptAt.IsZero() {
		return s.transition(ctx, eventID, outboxStatusFailed, nil, lastError)
	}
	next := nextAttemptAt.UTC()
	return s.transition(ctx, eventID, outboxStatusPending, &next, lastError)
}

func (s *OutboxStore) transition(ctx context.Context, eventID, status string, next *time.Time, lastError string) error {
	if s == nil || s.db == nil {
		return errOutboxUnset
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("status = ?", status).
		Set("next_attempt_at = ?", next).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", s.now()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

// CountByStatus reports how many events sit in each status.
func (s *OutboxStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, errOutboxUnset
	}
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := s.db.NewSelect().
		Model((*outboxRecord)(nil)).
		ColumnExpr("status, COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

var errOutboxUnset = fmt.Errorf("sqlstore: outbox store is not configured")

var _ core.OutboxStore = (*OutboxStore)(nil)
