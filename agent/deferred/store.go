package deferred

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Store persists deferred executions. Claim must be atomic across
// concurrent engine instances: exactly one caller wins a given record.
type Store interface {
	Create(ctx context.Context, ex *Execution) error
	// Due returns non-terminal records whose retry time has passed,
	// oldest first, excluding records another instance is processing.
	Due(ctx context.Context, now time.Time, limit int) ([]*Execution, error)
	// Claim moves a queued or failed record to processing, conditional
	// on the record's status and on its retry time having elapsed. It
	// reports false when another caller already holds the record or
	// the record is still backing off.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	MarkStarted(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextRetryAt, now time.Time) error
	Abandon(ctx context.Context, id string, attempts int, lastError string, now time.Time) error
	Get(ctx context.Context, id string) (*Execution, error)
}

// claimable are the statuses a Claim may take over.
var claimable = []Status{StatusQueued, StatusFailed}

// PostgresStore is the bun-backed Store. Claim is a conditional UPDATE
// checked by rows affected, so two instances polling the same table
// cannot both win one record.
type PostgresStore struct {
	db *bun.DB
}

func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the executions table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*Execution)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create deferred executions table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, ex *Execution) error {
	if _, err := s.db.NewInsert().Model(ex).Exec(ctx); err != nil {
		return fmt.Errorf("insert deferred execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	var due []*Execution
	err := s.db.NewSelect().
		Model(&due).
		Where("status IN (?)", bun.In(claimable)).
		Where("next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select due executions: %w", err)
	}
	return due, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*Execution)(nil)).
		Set("status = ?", StatusProcessing).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(claimable)).
		Where("next_retry_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", id, err)
	}
	return rows == 1, nil
}

func (s *PostgresStore) MarkStarted(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*Execution)(nil)).
		Set("status = ?", StatusStarted).
		Set("last_error = ''").
		Set("last_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark execution %s started: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, attempts int, lastError string, nextRetryAt, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*Execution)(nil)).
		Set("status = ?", StatusFailed).
		Set("attempts = ?", attempts).
		Set("last_error = ?", lastError).
		Set("next_retry_at = ?", nextRetryAt).
		Set("last_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark execution %s failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Abandon(ctx context.Context, id string, attempts int, lastError string, now time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*Execution)(nil)).
		Set("status = ?", StatusAbandoned).
		Set("attempts = ?", attempts).
		Set("last_error = ?", lastError).
		Set("last_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("abandon execution %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Execution, error) {
	ex := new(Execution)
	err := s.db.NewSelect().Model(ex).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return ex, nil
}
