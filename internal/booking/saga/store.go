package saga

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no live record exists for a saga id.
	ErrNotFound = errors.New("saga not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("saga already exists")
	// ErrVersionConflict is returned when a compare-and-swap loses to another writer.
	ErrVersionConflict = errors.New("saga version conflict")
)

// Record is one persisted saga snapshot.
type Record struct {
	ID      string
	Version int64
	Data    []byte
}

// Store is a passive, versioned key-value store for saga snapshots.
//
// A ttl of zero means the record never expires. Implementations must apply
// the ttl passed on every write, clearing any previous expiry when it is zero.
type Store interface {
	Create(ctx context.Context, id string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, id string) (Record, error)
	// CompareAndSwap replaces the record only if its current version equals
	// expectedVersion and returns the new version.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, data []byte, ttl time.Duration) (int64, error)
}

// Lister is implemented by stores that can enumerate the sagas they hold,
// which a restarted process uses to find work to resume. It relies on a
// non-zero abandoned-saga retention.
type Lister interface {
	// Unfinished returns ids of records that still carry an expiry, which
	// are exactly the sagas that have not reached a terminal state.
	Unfinished(ctx context.Context) ([]string, error)
}
