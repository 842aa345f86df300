package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// OrchestratorConfig bounds the remote calls one saga makes.
type OrchestratorConfig struct {
	// CallTimeout bounds each forward vendor or payment call.
	CallTimeout time.Duration
	// CompensationTimeout bounds each cancel, refund or gateway query.
	// These run detached from the saga deadline.
	CompensationTimeout time.Duration
	// StoreTimeout bounds each state store write.
	StoreTimeout time.Duration
	// CancellationWindow is the traveler-facing free cancellation period
	// after confirmation. It is unrelated to store retention.
	CancellationWindow time.Duration
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CallTimeout:         10 * time.Second,
		CompensationTimeout: 30 * time.Second,
		StoreTimeout:        5 * time.Second,
		CancellationWindow:  24 * time.Hour,
	}
}

// OrchestratorDeps are the collaborators of an Orchestrator. Journal and
// Alerter are optional.
type OrchestratorDeps struct {
	Repository *Repository
	Vendors    Vendors
	Gateway    PaymentGateway
	Ledger     PaymentLedger
	Journal    Journal
	Alerter    Alerter
	Now        func() time.Time
	Logf       func(format string, args ...any)
}

// Orchestrator drives a single saga through the booking state machine.
// It is the only writer of BookingSaga state.
type Orchestrator struct {
	repo    *Repository
	vendors Vendors
	gateway PaymentGateway
	ledger  PaymentLedger
	journal Journal
	alerter Alerter
	cfg     OrchestratorConfig
	now     func() time.Time
	logf    func(format string, args ...any)
}

// NewOrchestrator validates deps and constructs an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) (*Orchestrator, error) {
	if deps.Gateway == nil {
		return nil, ErrPaymentGatewayRequired
	}
	if deps.Repository == nil {
		return nil, errors.New("saga repository is required")
	}
	if len(deps.Vendors) == 0 {
		return nil, errors.New("at least one vendor client is required")
	}
	defaults := DefaultOrchestratorConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = defaults.CompensationTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaults.StoreTimeout
	}
	o := &Orchestrator{
		repo:    deps.Repository,
		vendors: deps.Vendors,
		gateway: deps.Gateway,
		ledger:  deps.Ledger,
		journal: deps.Journal,
		alerter: deps.Alerter,
		cfg:     cfg,
		now:     deps.Now,
		logf:    deps.Logf,
	}
	if o.ledger == nil {
		o.ledger = NewMemoryLedger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logf == nil {
		o.logf = log.Printf
	}
	return o, nil
}

// persistError aborts a run: the store is the source of truth, so once a
// write fails the in-memory saga can no longer be trusted.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// Run loads a saga and drives it to a terminal state. It resumes from
// whatever state was last persisted. ctx carries the saga deadline; when it
// ends, in-flight calls are abandoned and the saga is compensated.
//
// A non-nil error means the run was aborted by a state store failure and
// the saga must be resumed later.
func (o *Orchestrator) Run(ctx context.Context, sagaID string) (*BookingSaga, error) {
	loadCtx, cancel := o.storeContext(ctx)
	s, err := o.repo.Load(loadCtx, sagaID)
	cancel()
	if err != nil {
		return nil, err
	}

	for !s.Status.Terminal() {
		err := o.step(ctx, s)
		if err == nil {
			continue
		}
		var pe *persistError
		if !errors.As(err, &pe) {
			err = o.fail(ctx, s, err)
		}
		if errors.As(err, &pe) {
			o.logf("saga %s: aborted in %s: %v", s.ID, s.Status, pe.err)
			return s.Clone(), pe.err
		}
	}
	return s.Clone(), nil
}

func (o *Orchestrator) step(ctx context.Context, s *BookingSaga) error {
	switch s.Status {
	case StatusInitiated:
		return o.lockPrices(ctx, s)
	case StatusPriceLocked:
		return o.capturePayment(ctx, s)
	case StatusPaymentProcessing:
		return o.settlePayment(ctx, s)
	case StatusComponentsBooking:
		return o.confirmComponents(ctx, s)
	case StatusPartialFailure:
		return o.compensate(ctx, s)
	case StatusRefundProcessing:
		return o.refund(ctx, s)
	}
	return &persistError{err: fmt.Errorf("saga %s: unexpected status %q", s.ID, s.Status)}
}

func (o *Orchestrator) lockPrices(ctx context.Context, s *BookingSaga) error {
	var total int64
	for i := range s.Components {
		c := &s.Components[i]
		if err := o.alive(ctx); err != nil {
			return fmt.Errorf("before locking %s: %w", c.Type, err)
		}
		vendor, err := o.vendors.Lookup(c.VendorName)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrVendorRejected, err)
		}

		callCtx, cancel := o.callContext(ctx)
		lock, err := vendor.Lock(callCtx, c.OfferRef, c.Quantity, s.LockTTL)
		cancel()
		if err != nil {
			return fmt.Errorf("lock %s offer %s with %s: %w", c.Type, c.OfferRef, c.VendorName, o.withCause(ctx, err))
		}
		if lock.Currency != s.Currency {
			return fmt.Errorf("%w: %s locked %s in %s, booking currency is %s", ErrVendorRejected, c.VendorName, c.OfferRef, lock.Currency, s.Currency)
		}
		if lock.Amount < 0 {
			return fmt.Errorf("%w: %s locked negative amount for %s", ErrVendorRejected, c.VendorName, c.OfferRef)
		}
		if lock.Quantity != c.Quantity {
			return fmt.Errorf("%w: %s locked %d of %s, %d requested", ErrVendorRejected, c.VendorName, lock.Quantity, c.OfferRef, c.Quantity)
		}
		if lock.OfferRef == "" {
			lock.OfferRef = c.OfferRef
		}
		if lock.ExpiresAt.IsZero() {
			lock.ExpiresAt = o.now().Add(s.LockTTL)
		}
		c.Lock = &lock
		c.Amount = lock.Amount
		c.UpdatedAt = o.now()
		total += lock.Amount
	}

	s.TotalAmount = total
	return o.transition(ctx, s, StatusPriceLocked, fmt.Sprintf("locked %s %s", FormatAmount(total), s.Currency))
}

func (o *Orchestrator) checkLocks(s *BookingSaga) error {
	now := o.now()
	for _, c := range s.Components {
		if c.Lock == nil {
			return fmt.Errorf("%w: %s offer %s was never locked", ErrPriceLockExpired, c.Type, c.OfferRef)
		}
		if c.Lock.Expired(now) {
			return fmt.Errorf("%w: %s offer %s expired at %s", ErrPriceLockExpired, c.Type, c.OfferRef, c.Lock.ExpiresAt.Format(time.RFC3339))
		}
	}
	return nil
}

func (o *Orchestrator) capturePayment(ctx context.Context, s *BookingSaga) error {
	if err := o.checkLocks(s); err != nil {
		return err
	}
	if err := o.alive(ctx); err != nil {
		return fmt.Errorf("before capture: %w", err)
	}

	attempt := 1
	if s.Payment != nil {
		attempt = s.Payment.Attempt + 1
	}
	key := CaptureKey(s.ID, attempt)
	regCtx, cancel := o.storeContext(ctx)
	err := o.ledger.Register(regCtx, s.ID, key, s.TotalAmount, s.Currency)
	cancel()
	if err != nil {
		return fmt.Errorf("register capture %s: %w", key, err)
	}

	// Written ahead of the call so a crash mid-capture resumes by querying.
	s.Payment = &PaymentAttempt{
		IdempotencyKey: key,
		Attempt:        attempt,
		Amount:         s.TotalAmount,
		Currency:       s.Currency,
		Outcome:        OutcomePending,
		CreatedAt:      o.now(),
	}
	if err := o.transition(ctx, s, StatusPaymentProcessing, "capture "+key); err != nil {
		return err
	}
	return o.capture(ctx, s)
}

func (o *Orchestrator) capture(ctx context.Context, s *BookingSaga) error {
	p := s.Payment
	callCtx, cancel := o.callContext(ctx)
	ref, err := o.gateway.Capture(callCtx, p.IdempotencyKey, p.Amount, p.Currency, s.CustomerRef)
	cancel()
	switch {
	case err == nil:
		return o.paymentCaptured(ctx, s, ref)
	case errors.Is(err, ErrPaymentDeclined):
		return o.paymentFailed(ctx, s, fmt.Errorf("capture %s: %w", p.IdempotencyKey, err))
	case errors.Is(err, ErrNotSent):
		return o.paymentFailed(ctx, s, fmt.Errorf("capture %s: %w", p.IdempotencyKey, o.withCause(ctx, err)))
	}
	o.logf("saga %s: capture %s outcome unclear (%v), querying gateway", s.ID, p.IdempotencyKey, err)
	return o.resolveCapture(ctx, s, o.withCause(ctx, err), false)
}

// settlePayment handles a saga found in PAYMENT_PROCESSING, which only
// happens on resume or right after a capture outcome was recorded.
func (o *Orchestrator) settlePayment(ctx context.Context, s *BookingSaga) error {
	p := s.Payment
	if p == nil {
		return fmt.Errorf("%w: no capture attempt recorded", ErrPaymentDeclined)
	}
	switch p.Outcome {
	case OutcomeSucceeded:
		return o.transition(ctx, s, StatusComponentsBooking, "captured "+p.GatewayReference)
	case OutcomeFailed:
		return fmt.Errorf("%w: capture %s failed", ErrPaymentDeclined, p.IdempotencyKey)
	}
	return o.resolveCapture(ctx, s, fmt.Errorf("%w: capture %s was interrupted", ErrOutcomeUnknown, p.IdempotencyKey), true)
}

// resolveCapture never assumes an ambiguous capture failed: it asks the
// gateway what happened to the key first. With reissue set, a key the
// gateway never saw is captured again under the same key.
func (o *Orchestrator) resolveCapture(ctx context.Context, s *BookingSaga, cause error, reissue bool) error {
	p := s.Payment
	status, err := o.query(ctx, p.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("%w: capture %s unresolved, query failed: %v: %w", ErrOutcomeUnknown, p.IdempotencyKey, err, cause)
	}

	switch status.Outcome {
	case OutcomeSucceeded:
		return o.paymentCaptured(ctx, s, status.GatewayReference)
	case OutcomePending:
		return fmt.Errorf("%w: gateway reports capture %s still pending: %w", ErrOutcomeUnknown, p.IdempotencyKey, cause)
	case OutcomeNotFound:
		if reissue && o.alive(ctx) == nil {
			if err := o.checkLocks(s); err != nil {
				return o.paymentFailed(ctx, s, err)
			}
			return o.capture(ctx, s)
		}
	}
	return o.paymentFailed(ctx, s, fmt.Errorf("capture %s not charged (gateway: %s): %w", p.IdempotencyKey, status.Outcome, cause))
}

func (o *Orchestrator) paymentCaptured(ctx context.Context, s *BookingSaga, ref string) error {
	p := s.Payment
	p.Outcome = OutcomeSucceeded
	p.GatewayReference = ref
	s.PaymentReference = ref
	o.settle(ctx, p.IdempotencyKey, OutcomeSucceeded, ref)
	return o.transition(ctx, s, StatusComponentsBooking, "captured "+ref)
}

func (o *Orchestrator) paymentFailed(ctx context.Context, s *BookingSaga, err error) error {
	s.Payment.Outcome = OutcomeFailed
	o.settle(ctx, s.Payment.IdempotencyKey, OutcomeFailed, "")
	return err
}

func (o *Orchestrator) confirmComponents(ctx context.Context, s *BookingSaga) error {
	for i := range s.Components {
		c := &s.Components[i]
		switch c.Status {
		case ComponentConfirmed:
			continue
		case ComponentPending:
		default:
			return fmt.Errorf("%w: %s component %s is %s", ErrPartialBookingFailure, c.Type, c.ID, c.Status)
		}
		if err := o.alive(ctx); err != nil {
			return fmt.Errorf("before confirming %s: %w", c.Type, err)
		}
		if c.Lock == nil || c.Lock.Expired(o.now()) {
			c.Status = ComponentFailed
			c.UpdatedAt = o.now()
			return fmt.Errorf("%w: %s offer %s: %w", ErrPartialBookingFailure, c.Type, c.OfferRef, ErrPriceLockExpired)
		}
		vendor, err := o.vendors.Lookup(c.VendorName)
		if err != nil {
			c.Status = ComponentFailed
			return fmt.Errorf("%w: %w", ErrPartialBookingFailure, err)
		}

		callCtx, cancel := o.callContext(ctx)
		code, err := vendor.Confirm(callCtx, c.OfferRef, s.Traveler, s.PaymentReference)
		cancel()
		c.UpdatedAt = o.now()
		if err == nil && code == "" {
			err = fmt.Errorf("%w: %s returned no confirmation code", ErrOutcomeUnknown, c.VendorName)
		}
		if err != nil {
			err = o.withCause(ctx, err)
			c.Status = ComponentFailed
			c.OutcomeUnknown = Ambiguous(err)
			return fmt.Errorf("%w: confirm %s with %s: %w", ErrPartialBookingFailure, c.Type, c.VendorName, err)
		}

		c.Status = ComponentConfirmed
		c.ConfirmationCode = code
		c.ConfirmedSeq = lastConfirmedSeq(s) + 1
		if err := o.transition(ctx, s, StatusComponentsBooking, fmt.Sprintf("confirmed %s %s", c.Type, code)); err != nil {
			return err
		}
	}

	now := o.now()
	s.ConfirmedAt = &now
	if o.cfg.CancellationWindow > 0 {
		until := now.Add(o.cfg.CancellationWindow)
		s.CancellableUntil = &until
	}
	return o.transition(ctx, s, StatusBookingConfirmed, "booking confirmed")
}

func (o *Orchestrator) fail(ctx context.Context, s *BookingSaga, cause error) error {
	if s.Status.Failed() {
		return &persistError{err: fmt.Errorf("saga %s: step failed during compensation: %w", s.ID, cause)}
	}
	s.FailureReason = cause.Error()
	s.FailureKind = KindOf(cause)
	o.logf("saga %s: failed in %s: %v", s.ID, s.Status, cause)
	return o.transition(ctx, s, StatusPartialFailure, string(s.FailureKind))
}

// compensate cancels confirmed components newest first. Cancels are best
// effort: a component is marked compensated whatever the vendor answered
// and failures are carried to the operator alert.
func (o *Orchestrator) compensate(ctx context.Context, s *BookingSaga) error {
	detached := context.WithoutCancel(ctx)
	for _, i := range confirmedNewestFirst(s) {
		c := &s.Components[i]
		vendor, err := o.vendors.Lookup(c.VendorName)
		if err == nil {
			callCtx, cancel := context.WithTimeout(detached, o.cfg.CompensationTimeout)
			err = vendor.Cancel(callCtx, c.ConfirmationCode)
			cancel()
		}
		if err != nil {
			c.CompensationError = err.Error()
			o.logf("saga %s: cancel %s %s failed: %v", s.ID, c.Type, c.ConfirmationCode, err)
		}
		c.CancelledCode = c.ConfirmationCode
		c.ConfirmationCode = ""
		c.Status = ComponentCompensated
		c.UpdatedAt = o.now()
		if err := o.transition(ctx, s, StatusPartialFailure, fmt.Sprintf("compensated %s %s", c.Type, c.CancelledCode)); err != nil {
			return err
		}
	}

	if s.PaymentReference != "" && !s.RefundIssued {
		amount := s.TotalAmount
		if s.Payment != nil {
			amount = s.Payment.Amount
		}
		s.Refund = &RefundRecord{
			IdempotencyKey: RefundKey(s.ID),
			Amount:         amount,
			Currency:       s.Currency,
			Outcome:        OutcomePending,
			CreatedAt:      o.now(),
		}
		return o.transition(ctx, s, StatusRefundProcessing, "refund "+s.Refund.IdempotencyKey)
	}
	return o.finish(ctx, s)
}

func (o *Orchestrator) refund(ctx context.Context, s *BookingSaga) error {
	if s.Refund == nil {
		s.Refund = &RefundRecord{
			IdempotencyKey: RefundKey(s.ID),
			Amount:         s.TotalAmount,
			Currency:       s.Currency,
			Outcome:        OutcomePending,
			CreatedAt:      o.now(),
		}
	}
	if s.Refund.Outcome == OutcomePending {
		o.issueRefund(ctx, s)
	}
	return o.finish(ctx, s)
}

func (o *Orchestrator) issueRefund(ctx context.Context, s *BookingSaga) {
	r := s.Refund
	detached := context.WithoutCancel(ctx)

	regCtx, cancel := o.storeContext(ctx)
	err := o.ledger.Register(regCtx, s.ID, r.IdempotencyKey, r.Amount, r.Currency)
	cancel()
	if err == nil {
		callCtx, cancel := context.WithTimeout(detached, o.cfg.CompensationTimeout)
		err = o.gateway.Refund(callCtx, r.IdempotencyKey, s.PaymentReference, r.Amount)
		cancel()
		if err != nil && !errors.Is(err, ErrPaymentDeclined) && !errors.Is(err, ErrNotSent) {
			status, qerr := o.query(ctx, r.IdempotencyKey)
			switch {
			case qerr != nil:
				err = fmt.Errorf("%w (query: %v)", err, qerr)
			case status.Outcome == OutcomeSucceeded:
				err = nil
			}
		}
	}

	if err != nil {
		r.Outcome = OutcomeFailed
		r.Error = err.Error()
		o.logf("saga %s: refund %s of %s %s failed: %v", s.ID, r.IdempotencyKey, FormatAmount(r.Amount), r.Currency, err)
	} else {
		r.Outcome = OutcomeSucceeded
		s.RefundIssued = true
	}
	o.settle(ctx, r.IdempotencyKey, r.Outcome, s.PaymentReference)
}

func (o *Orchestrator) finish(ctx context.Context, s *BookingSaga) error {
	if issues := compensationIssues(s); len(issues) > 0 {
		s.CompensationIncomplete = true
		s.FailureKind = KindCompensationIncomplete
		s.FailureReason = fmt.Sprintf("%s; %s: %s", s.FailureReason, ErrCompensationIncomplete, strings.Join(issues, "; "))
		o.alert(ctx, s, issues)
	}
	detail := "compensation complete"
	if s.RefundIssued {
		detail = "refunded " + FormatAmount(s.Refund.Amount) + " " + s.Currency
	}
	return o.transition(ctx, s, StatusCompleteFailure, detail)
}

func compensationIssues(s *BookingSaga) []string {
	var issues []string
	if s.Payment != nil && s.Payment.Outcome == OutcomePending {
		issues = append(issues, fmt.Sprintf("capture %s outcome unresolved", s.Payment.IdempotencyKey))
	}
	for _, c := range s.Components {
		if c.CompensationError != "" {
			issues = append(issues, fmt.Sprintf("cancel %s %s: %s", c.Type, c.CancelledCode, c.CompensationError))
		}
		if c.OutcomeUnknown {
			issues = append(issues, fmt.Sprintf("%s confirm for offer %s has unknown outcome", c.Type, c.OfferRef))
		}
	}
	if s.Refund != nil && s.Refund.Outcome == OutcomeFailed {
		issues = append(issues, fmt.Sprintf("refund %s: %s", s.Refund.IdempotencyKey, s.Refund.Error))
	}
	return issues
}

func (o *Orchestrator) alert(ctx context.Context, s *BookingSaga, issues []string) {
	// Raised just before the terminal write; report the state being entered.
	alert := OperatorAlert{
		SagaID:           s.ID,
		Status:           StatusCompleteFailure,
		Reason:           s.FailureReason,
		Issues:           issues,
		Amount:           s.TotalAmount,
		Currency:         s.Currency,
		PaymentReference: s.PaymentReference,
		RaisedAt:         o.now(),
	}
	if o.alerter == nil {
		o.logf("ALERT saga %s: %s", s.ID, strings.Join(issues, "; "))
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()
	if err := o.alerter.Publish(actx, alert); err != nil {
		o.logf("ALERT saga %s (publish failed: %v): %s", s.ID, err, strings.Join(issues, "; "))
	}
}

func (o *Orchestrator) transition(ctx context.Context, s *BookingSaga, next SagaStatus, detail string) error {
	if !s.Status.CanTransitionTo(next) {
		return &persistError{err: fmt.Errorf("saga %s: illegal transition %s -> %s", s.ID, s.Status, next)}
	}
	prev := s.Status
	s.Status = next
	s.UpdatedAt = o.now()

	wctx, cancel := o.storeContext(ctx)
	defer cancel()
	if err := o.repo.Save(wctx, s); err != nil {
		s.Status = prev
		return &persistError{err: err}
	}
	if prev != next {
		o.logf("saga %s: %s -> %s (%s)", s.ID, prev, next, detail)
	}
	if o.journal != nil {
		if err := o.journal.AddStep(wctx, s.ID, string(next), detail); err != nil {
			o.logf("saga %s: journal step %s: %v", s.ID, next, err)
		}
	}
	return nil
}

func (o *Orchestrator) query(ctx context.Context, key string) (PaymentStatus, error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()
	return o.gateway.QueryByIdempotencyKey(qctx, key)
}

func (o *Orchestrator) settle(ctx context.Context, key string, outcome PaymentOutcome, ref string) {
	sctx, cancel := o.storeContext(ctx)
	defer cancel()
	if err := o.ledger.Settle(sctx, key, outcome, ref); err != nil {
		o.logf("ledger settle %s: %v", key, err)
	}
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}

// storeContext outlives the saga deadline so transitions into the
// compensation path can still be recorded.
func (o *Orchestrator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StoreTimeout)
}

func (o *Orchestrator) alive(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// withCause attaches the saga-level reason (deadline, operator cancel) to
// an error produced by a call the saga context interrupted.
func (o *Orchestrator) withCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if errors.Is(err, cause) {
		return err
	}
	return fmt.Errorf("%w: %w", cause, err)
}

func lastConfirmedSeq(s *BookingSaga) int {
	seq := 0
	for _, c := range s.Components {
		if c.ConfirmedSeq > seq {
			seq = c.ConfirmedSeq
		}
	}
	return seq
}

func confirmedNewestFirst(s *BookingSaga) []int {
	var idx []int
	for i, c := range s.Components {
		if c.Status == ComponentConfirmed {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		return s.Components[idx[a]].ConfirmedSeq > s.Components[idx[b]].ConfirmedSeq
	})
	return idx
}
