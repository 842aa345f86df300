package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tripbook/internal/booking/saga"
)

// Repository maps BookingSaga snapshots onto a versioned saga.Store.
//
// Non-terminal sagas are written with the abandoned-saga retention TTL so a
// saga nobody resumes eventually disappears; terminal sagas never expire.
type Repository struct {
	store     saga.Store
	retention time.Duration
}

// NewRepository constructs a Repository. A zero retention disables expiry.
func NewRepository(store saga.Store, retention time.Duration) *Repository {
	return &Repository{store: store, retention: retention}
}

// Create persists a new saga at version 1.
func (r *Repository) Create(ctx context.Context, s *BookingSaga) error {
	data, err := r.encode(s)
	if err != nil {
		return err
	}
	if err := r.store.Create(ctx, s.ID, data, r.ttlFor(s)); err != nil {
		return fmt.Errorf("create saga %s: %w", s.ID, err)
	}
	s.Version = 1
	return nil
}

// Load reads the current snapshot of a saga.
func (r *Repository) Load(ctx context.Context, id string) (*BookingSaga, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load saga %s: %w", id, err)
	}
	var s BookingSaga
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", id, err)
	}
	s.Version = rec.Version
	return &s, nil
}

// Save writes s if nobody else wrote since it was loaded and bumps s.Version.
func (r *Repository) Save(ctx context.Context, s *BookingSaga) error {
	data, err := r.encode(s)
	if err != nil {
		return err
	}
	next, err := r.store.CompareAndSwap(ctx, s.ID, s.Version, data, r.ttlFor(s))
	if err != nil {
		return fmt.Errorf("save saga %s at version %d: %w", s.ID, s.Version, err)
	}
	s.Version = next
	return nil
}

func (r *Repository) encode(s *BookingSaga) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (r *Repository) ttlFor(s *BookingSaga) time.Duration {
	if s.Status.Terminal() {
		return 0
	}
	return r.retention
}
