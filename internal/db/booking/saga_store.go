package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tripbook/internal/booking/saga"
)

// SagaStore persists versioned saga snapshots in Postgres. Retention is
// enforced by filtering on expires_at; PurgeExpired reclaims the rows.
type SagaStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db, now: time.Now}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS booking_sagas (
			id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			snapshot JSONB NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS booking_sagas_expires_at_idx ON booking_sagas (expires_at)`,
		`CREATE TABLE IF NOT EXISTS booking_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL,
			step TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (saga_id) REFERENCES booking_sagas(id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts a saga at version 1. A row whose retention has lapsed is
// replaced as if it did not exist.
func (s *SagaStore) Create(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO booking_sagas (id, version, snapshot, expires_at, updated_at)
		VALUES ($1, 1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET version = 1, snapshot = EXCLUDED.snapshot, expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.updated_at, updated_at = EXCLUDED.updated_at
		WHERE booking_sagas.expires_at IS NOT NULL AND booking_sagas.expires_at <= EXCLUDED.updated_at`,
		id, string(data), expiresAt(now, ttl), now,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrAlreadyExists
	}
	return nil
}

// Get returns the live snapshot for id.
func (s *SagaStore) Get(ctx context.Context, id string) (saga.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, snapshot
		FROM booking_sagas
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		id, s.now(),
	)

	rec := saga.Record{ID: id}
	if err := row.Scan(&rec.Version, &rec.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Record{}, saga.ErrNotFound
		}
		return saga.Record{}, err
	}
	return rec, nil
}

// CompareAndSwap updates the snapshot only at expectedVersion.
func (s *SagaStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, data []byte, ttl time.Duration) (int64, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		UPDATE booking_sagas
		SET version = version + 1, snapshot = $3, expires_at = $4, updated_at = $5
		WHERE id = $1 AND version = $2 AND (expires_at IS NULL OR expires_at > $5)
		RETURNING version`,
		id, expectedVersion, string(data), expiresAt(now, ttl), now,
	)

	var next int64
	err := row.Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if _, err := s.Get(ctx, id); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: %s expected version %d", saga.ErrVersionConflict, id, expectedVersion)
}

// Unfinished lists sagas that still carry a retention deadline.
func (s *SagaStore) Unfinished(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM booking_sagas
		WHERE expires_at > $1
		ORDER BY created_at`,
		s.now(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeExpired deletes abandoned sagas past their retention.
func (s *SagaStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM booking_sagas WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func expiresAt(now time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).UTC()
}
