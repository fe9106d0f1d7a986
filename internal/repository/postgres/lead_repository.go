package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-call-engine/internal/domain"
	"github.com/acme/lead-call-engine/internal/repository"
)

// LeadRepository implements repository.LeadRepository using PostgreSQL.
// Phone numbers live in lead_phones ordered by position.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs a new repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

type leadRecord struct {
	ID                uuid.UUID      `db:"id"`
	CurrentPhoneIndex int            `db:"current_phone_index"`
	AttemptCount      int            `db:"attempt_count"`
	State             string         `db:"state"`
	Disposition       sql.NullString `db:"disposition"`
	NextAttemptAt     sql.NullTime   `db:"next_attempt_at"`
	RetryPending      bool           `db:"retry_pending"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r leadRecord) toDomain(phones []string) domain.Lead {
	lead := domain.Lead{
		ID:                r.ID,
		Phones:            phones,
		CurrentPhoneIndex: r.CurrentPhoneIndex,
		AttemptCount:      r.AttemptCount,
		State:             domain.LeadState(r.State),
		RetryPending:      r.RetryPending,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.Disposition.Valid {
		lead.Disposition = r.Disposition.String
	}
	if r.NextAttemptAt.Valid {
		t := r.NextAttemptAt.Time
		lead.NextAttemptAt = &t
	}
	return lead
}

// Get fetches a lead and its phone numbers.
func (r *LeadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	var record leadRecord
	err := r.db.QueryRowxContext(ctx, `SELECT id, current_phone_index, attempt_count, state, disposition, next_attempt_at, retry_pending, updated_at
		FROM leads WHERE id = $1`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead repo: get: %w", err)
	}

	var phones []string
	if err := r.db.SelectContext(ctx, &phones, `SELECT phone_number FROM lead_phones
		WHERE lead_id = $1 ORDER BY position ASC`, id); err != nil {
		return nil, fmt.Errorf("lead repo: list phones: %w", err)
	}

	lead := record.toDomain(phones)
	return &lead, nil
}

// UpdateRotation stores the lead's next phone index, attempt count and state.
// An update whose attempt count is not ahead of the stored one returns
// ErrConflict, so a replayed outcome is applied at most once.
func (r *LeadRepository) UpdateRotation(ctx context.Context, update repository.LeadUpdate) error {
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = time.Now().UTC()
	}
	params := map[string]any{
		"id":                  update.LeadID,
		"current_phone_index": update.PhoneIndex,
		"attempt_count":       update.AttemptCount,
		"state":               string(update.State),
		"disposition":         nullString(update.Disposition),
		"next_attempt_at":     update.NextAttemptAt,
		"retry_pending":       update.RetryPending,
		"updated_at":          update.UpdatedAt,
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var current int
		if err := tx.GetContext(ctx, &current, `SELECT attempt_count FROM leads WHERE id = $1 FOR UPDATE`, update.LeadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("lead repo: lock: %w", err)
		}
		if current >= update.AttemptCount {
			return fmt.Errorf("lead repo: attempt %d already applied (stored %d): %w", update.AttemptCount, current, repository.ErrConflict)
		}

		if _, err := tx.NamedExecContext(ctx, `UPDATE leads SET
			current_phone_index = :current_phone_index,
			attempt_count = :attempt_count,
			state = :state,
			disposition = COALESCE(:disposition, disposition),
			next_attempt_at = :next_attempt_at,
			retry_pending = :retry_pending,
			updated_at = :updated_at
			WHERE id = :id`, params); err != nil {
			return fmt.Errorf("lead repo: update rotation: %w", err)
		}
		return nil
	})
}

// ConfirmRetry clears the pending flag left by UpdateRotation once the retry
// for attempt is on the bus. A lead that has moved past attempt is untouched.
func (r *LeadRepository) ConfirmRetry(ctx context.Context, leadID uuid.UUID, attempt int) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE leads SET retry_pending = FALSE
		WHERE id = $1 AND attempt_count = $2`, leadID, attempt); err != nil {
		return fmt.Errorf("lead repo: confirm retry: %w", err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
