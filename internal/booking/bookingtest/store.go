package bookingtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tripbook/internal/booking/saga"
)

// ErrCrashed is returned by CrashingStore writes after Crash.
var ErrCrashed = errors.New("process crashed")

// CrashingStore wraps a saga.Store and, once crashed, refuses every write.
// Everything persisted before the crash stays readable, which is what a
// restarted process would see.
type CrashingStore struct {
	saga.Store
	crashed atomic.Bool
	writes  atomic.Int64
	crashAt atomic.Int64
}

func NewCrashingStore(inner saga.Store) *CrashingStore {
	return &CrashingStore{Store: inner}
}

func (s *CrashingStore) Crash() { s.crashed.Store(true) }

// Restart clears a crash so the store accepts writes again.
func (s *CrashingStore) Restart() {
	s.crashAt.Store(0)
	s.crashed.Store(false)
}

// CrashOnWrite crashes the store when the n-th write (1-based) arrives.
func (s *CrashingStore) CrashOnWrite(n int64) { s.crashAt.Store(n) }

func (s *CrashingStore) admit() bool {
	if s.crashed.Load() {
		return false
	}
	n := s.writes.Add(1)
	if at := s.crashAt.Load(); at > 0 && n >= at {
		s.writes.Add(-1)
		s.crashed.Store(true)
		return false
	}
	return true
}

// Writes reports how many writes reached the inner store.
func (s *CrashingStore) Writes() int64 { return s.writes.Load() }

func (s *CrashingStore) Create(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if !s.admit() {
		return ErrCrashed
	}
	return s.Store.Create(ctx, id, data, ttl)
}

func (s *CrashingStore) CompareAndSwap(ctx context.Context, id string, expected int64, data []byte, ttl time.Duration) (int64, error) {
	if !s.admit() {
		return 0, ErrCrashed
	}
	return s.Store.CompareAndSwap(ctx, id, expected, data, ttl)
}

// Journal records saga steps in memory.
type Journal struct {
	mu    sync.Mutex
	steps map[string][]string
}

func NewJournal() *Journal {
	return &Journal{steps: make(map[string][]string)}
}

func (j *Journal) AddStep(ctx context.Context, sagaID, step, detail string) error {
	j.mu.Lock()
	j.steps[sagaID] = append(j.steps[sagaID], step)
	j.mu.Unlock()
	return nil
}

// SagaIDs returns every saga id that recorded a step.
func (j *Journal) SagaIDs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]string, 0, len(j.steps))
	for id := range j.steps {
		ids = append(ids, id)
	}
	return ids
}

// Steps returns the recorded steps of one saga.
func (j *Journal) Steps(sagaID string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps[sagaID]...)
}
