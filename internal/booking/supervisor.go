package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tripbook/internal/observability"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// SupervisorConfig controls saga lifecycle.
type SupervisorConfig struct {
	// Deadline is the wall-clock budget of one saga run. It is clamped
	// below the saga's price-lock TTL.
	Deadline      time.Duration
	MaxConcurrent int64
	// DefaultLockTTL applies to selections that ask for no lock window.
	DefaultLockTTL time.Duration
}

// DefaultSupervisorConfig returns production defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{Deadline: 2 * time.Minute, MaxConcurrent: 64, DefaultLockTTL: DefaultLockTTL}
}

// Supervisor creates sagas, runs them concurrently under a deadline and
// exposes their state. It never mutates saga internals itself.
type Supervisor struct {
	orch     *Orchestrator
	repo     *Repository
	vendors  Vendors
	cfg      SupervisorConfig
	sem      *semaphore.Weighted
	inflight *xsync.MapOf[string, context.CancelCauseFunc]
	metrics  *observability.Metrics
	newID    func() string
	now      func() time.Time
	logf     func(format string, args ...any)
}

// NewSupervisor constructs a Supervisor around an Orchestrator.
func NewSupervisor(orch *Orchestrator, cfg SupervisorConfig, metrics *observability.Metrics) *Supervisor {
	defaults := DefaultSupervisorConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaults.Deadline
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.DefaultLockTTL <= 0 {
		cfg.DefaultLockTTL = defaults.DefaultLockTTL
	}
	return &Supervisor{
		orch:     orch,
		repo:     orch.repo,
		vendors:  orch.vendors,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		inflight: xsync.NewMapOf[string, context.CancelCauseFunc](),
		metrics:  metrics,
		newID:    uuid.NewString,
		now:      orch.now,
		logf:     orch.logf,
	}
}

// SubmitBooking validates a selection, creates its saga and blocks until
// the saga is terminal. Failed bookings are reported through the returned
// saga, not the error; the error is reserved for rejected input and
// infrastructure failures.
func (s *Supervisor) SubmitBooking(ctx context.Context, sel PackageSelection) (*BookingSaga, error) {
	if err := s.validate(sel); err != nil {
		s.metrics.RecordSaga("REJECTED")
		return nil, err
	}

	if sel.LockTTL == 0 {
		sel.LockTTL = s.cfg.DefaultLockTTL
	}
	// A caller that gives up while queued must not leave a saga behind.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	bs := NewSaga(s.newID(), sel, s.newID, s.now())
	createCtx, cancel := s.orch.storeContext(ctx)
	err := s.repo.Create(createCtx, bs)
	cancel()
	if err != nil {
		return nil, err
	}
	s.logf("saga %s: created for %s with %d components", bs.ID, bs.CustomerRef, len(bs.Components))
	return s.execute(ctx, bs.ID, bs.LockTTL)
}

// GetSagaStatus returns the last persisted snapshot of a saga.
func (s *Supervisor) GetSagaStatus(ctx context.Context, sagaID string) (*BookingSaga, error) {
	return s.repo.Load(ctx, sagaID)
}

// Resume re-runs a persisted saga from its last recorded state.
func (s *Supervisor) Resume(ctx context.Context, sagaID string) (*BookingSaga, error) {
	bs, err := s.repo.Load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if bs.Status.Terminal() {
		return bs, nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	return s.execute(ctx, sagaID, bs.LockTTL)
}

// Cancel interrupts a running saga. The saga compensates exactly as if its
// deadline had passed. It reports whether the saga was running here.
func (s *Supervisor) Cancel(sagaID string) bool {
	cancel, ok := s.inflight.Load(sagaID)
	if !ok {
		return false
	}
	cancel(ErrSagaCancelled)
	return true
}

// InFlight reports how many sagas are currently running.
func (s *Supervisor) InFlight() int {
	return s.inflight.Size()
}

// BatchResult pairs one selection with its outcome.
type BatchResult struct {
	Saga *BookingSaga
	Err  error
}

// SubmitBatch runs independent selections concurrently. Results are in
// input order; one failing selection does not affect the others.
func (s *Supervisor) SubmitBatch(ctx context.Context, sels []PackageSelection) []BatchResult {
	results := make([]BatchResult, len(sels))
	var g errgroup.Group
	for i, sel := range sels {
		g.Go(func() error {
			bs, err := s.SubmitBooking(ctx, sel)
			results[i] = BatchResult{Saga: bs, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ResumeAll resumes the given sagas concurrently, typically at startup.
func (s *Supervisor) ResumeAll(ctx context.Context, sagaIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range sagaIDs {
		g.Go(func() error {
			if _, err := s.Resume(gctx, id); err != nil && !errors.Is(err, ErrSagaInFlight) {
				return fmt.Errorf("resume %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Quote asks one vendor for an offer.
func (s *Supervisor) Quote(ctx context.Context, vendorName string, criteria QuoteCriteria) (Offer, error) {
	vendor, err := s.vendors.Lookup(vendorName)
	if err != nil {
		return Offer{}, &ValidationError{Problems: []string{err.Error()}}
	}
	callCtx, cancel := s.orch.callContext(ctx)
	defer cancel()
	offer, err := vendor.Quote(callCtx, criteria)
	if err != nil {
		return Offer{}, err
	}
	if offer.Vendor == "" {
		offer.Vendor = vendorName
	}
	return offer, nil
}

func (s *Supervisor) validate(sel PackageSelection) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	var problems []string
	for i, item := range sel.Items {
		if _, err := s.vendors.Lookup(item.Vendor); err != nil {
			problems = append(problems, fmt.Sprintf("items[%d]: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// execute runs one saga under its deadline. The caller holds a slot of
// s.sem. The run is detached from the caller's cancellation: a caller that
// goes away must not strand a half-booked saga.
func (s *Supervisor) execute(ctx context.Context, sagaID string, lockTTL time.Duration) (*BookingSaga, error) {
	base, cancelCause := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelCause(nil)
	if _, loaded := s.inflight.LoadOrStore(sagaID, cancelCause); loaded {
		return nil, fmt.Errorf("%w: %s", ErrSagaInFlight, sagaID)
	}
	defer s.inflight.Delete(sagaID)

	runCtx, cancel := context.WithTimeoutCause(base, s.deadlineFor(lockTTL), ErrSagaDeadline)
	defer cancel()

	span := s.metrics.Start("saga.run")
	result, err := s.orch.Run(runCtx, sagaID)
	span.End(err)
	if result != nil {
		s.metrics.RecordSaga(string(result.Status))
		s.logf("saga %s: finished run in %s", sagaID, result.Status)
	}
	return result, err
}

// deadlineFor keeps the run strictly inside the price-lock window.
func (s *Supervisor) deadlineFor(lockTTL time.Duration) time.Duration {
	deadline := s.cfg.Deadline
	if lockTTL > 0 && deadline >= lockTTL {
		deadline = lockTTL * 9 / 10
	}
	return deadline
}
