package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"tripbook/internal/booking/saga"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func validSelection() PackageSelection {
	return PackageSelection{
		CustomerRef: "cus_1",
		Traveler:    Traveler{FullName: "Grace Hopper", Email: "grace@example.com"},
		Currency:    "EUR",
		Items: []SelectedOffer{
			{Type: ComponentFlight, Vendor: "skyways", OfferRef: "flight-1"},
			{Type: ComponentLodging, Vendor: "harbor-inn", OfferRef: "lodging-1", Quantity: 3, Details: json.RawMessage(`{"rooms":1}`)},
		},
	}
}

func newTestSaga() *BookingSaga {
	n := 0
	return NewSaga("saga-1", validSelection(), func() string {
		n++
		return fmt.Sprintf("cmp-%d", n)
	}, testNow)
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		0:      "0.00",
		5:      "0.05",
		100000: "1000.00",
		108550: "1085.50",
		-250:   "-2.50",
	}
	for in, want := range cases {
		if got := FormatAmount(in); got != want {
			t.Fatalf("FormatAmount(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestSagaStatus_Transitions(t *testing.T) {
	allowed := [][2]SagaStatus{
		{StatusInitiated, StatusPriceLocked},
		{StatusPriceLocked, StatusPaymentProcessing},
		{StatusPaymentProcessing, StatusComponentsBooking},
		{StatusComponentsBooking, StatusComponentsBooking},
		{StatusComponentsBooking, StatusBookingConfirmed},
		{StatusInitiated, StatusPartialFailure},
		{StatusComponentsBooking, StatusPartialFailure},
		{StatusPartialFailure, StatusRefundProcessing},
		{StatusPartialFailure, StatusCompleteFailure},
		{StatusRefundProcessing, StatusCompleteFailure},
	}
	for _, tr := range allowed {
		if !tr[0].CanTransitionTo(tr[1]) {
			t.Fatalf("expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}

	forbidden := [][2]SagaStatus{
		{StatusInitiated, StatusPaymentProcessing},
		{StatusPriceLocked, StatusComponentsBooking},
		{StatusBookingConfirmed, StatusPartialFailure},
		{StatusBookingConfirmed, StatusBookingConfirmed},
		{StatusCompleteFailure, StatusCompleteFailure},
		{StatusRefundProcessing, StatusPartialFailure},
		{StatusPartialFailure, StatusBookingConfirmed},
	}
	for _, tr := range forbidden {
		if tr[0].CanTransitionTo(tr[1]) {
			t.Fatalf("expected %s -> %s to be rejected", tr[0], tr[1])
		}
	}

	if !StatusBookingConfirmed.Terminal() || !StatusCompleteFailure.Terminal() || StatusRefundProcessing.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
	if !StatusPartialFailure.Failed() || !StatusRefundProcessing.Failed() || StatusComponentsBooking.Failed() {
		t.Fatalf("unexpected failed classification")
	}
	if SagaStatus("SHIPPED").Valid() {
		t.Fatalf("unknown status must be invalid")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{&ValidationError{Problems: []string{"x"}}, KindValidation},
		{fmt.Errorf("lock: %w", ErrPriceLockExpired), KindPriceLockExpired},
		{fmt.Errorf("%w: confirm: %w", ErrPartialBookingFailure, ErrVendorRejected), KindPartialBookingFailure},
		{fmt.Errorf("%w: %w", ErrSagaDeadline, context.DeadlineExceeded), KindDeadline},
		{fmt.Errorf("%w: %w", ErrSagaCancelled, context.Canceled), KindCancelled},
		{context.DeadlineExceeded, KindOutcomeUnknown},
		{fmt.Errorf("capture: %w", ErrPaymentDeclined), KindPaymentDeclined},
		{ErrVendorUnavailable, KindVendorUnavailable},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestPriceLock_ExpiredAtBoundary(t *testing.T) {
	lock := PriceLock{ExpiresAt: testNow}
	if lock.Expired(testNow.Add(-time.Nanosecond)) {
		t.Fatalf("lock must be valid before expiry")
	}
	if !lock.Expired(testNow) {
		t.Fatalf("lock must be expired at its expiry instant")
	}
}

func TestPackageSelection_ValidateCollectsProblems(t *testing.T) {
	sel := validSelection()
	sel.Traveler.Email = "not-an-email"
	sel.Currency = "eur"
	sel.Items = append(sel.Items,
		SelectedOffer{Type: "cruise", Vendor: "skyways", OfferRef: "flight-1"},
		SelectedOffer{Type: ComponentDining, Vendor: "bistro", OfferRef: "table-4", Details: json.RawMessage(`{`)},
	)

	err := sel.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("validation error must unwrap to ErrValidation")
	}
	for _, want := range []string{"traveler.email", "currency", "unknown componentType", "duplicate offer skyways/flight-1", "bookingDetails"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
	if err := validSelection().Validate(); err != nil {
		t.Fatalf("expected valid selection, got %v", err)
	}
}

func TestNewSaga_Defaults(t *testing.T) {
	s := newTestSaga()
	if s.Status != StatusInitiated || s.LockTTL != DefaultLockTTL {
		t.Fatalf("unexpected saga header: %s %s", s.Status, s.LockTTL)
	}
	if len(s.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(s.Components))
	}
	if s.Components[0].Quantity != 1 || s.Components[1].Quantity != 3 {
		t.Fatalf("unexpected quantities: %d %d", s.Components[0].Quantity, s.Components[1].Quantity)
	}
	if s.Components[0].ID != "cmp-1" || s.Components[1].Currency != "EUR" {
		t.Fatalf("unexpected component: %+v", s.Components[1])
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("new saga must be valid: %v", err)
	}
}

func TestBookingSaga_ValidateInvariants(t *testing.T) {
	s := newTestSaga()
	s.Components[0].ConfirmationCode = "SKY-1"
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "confirmation code") {
		t.Fatalf("expected code-without-confirmed violation, got %v", err)
	}

	s = newTestSaga()
	s.Status = StatusBookingConfirmed
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "confirmedAt") {
		t.Fatalf("expected confirmedAt violation, got %v", err)
	}

	s = newTestSaga()
	s.Status = StatusPartialFailure
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "failureReason") {
		t.Fatalf("expected failureReason violation, got %v", err)
	}
}

func TestBookingSaga_CloneIsDeep(t *testing.T) {
	s := newTestSaga()
	s.Components[0].Lock = &PriceLock{Amount: 100}
	s.Payment = &PaymentAttempt{IdempotencyKey: CaptureKey(s.ID, 1)}

	c := s.Clone()
	c.Components[0].Lock.Amount = 999
	c.Components[1].Details[0] = '['
	c.Payment.Outcome = OutcomeFailed

	if s.Components[0].Lock.Amount != 100 || s.Components[1].Details[0] != '{' || s.Payment.Outcome != "" {
		t.Fatalf("clone shares state with original")
	}
}

func TestIdempotencyKeys(t *testing.T) {
	if got := CaptureKey("s-1", 2); got != "s-1:capture:2" {
		t.Fatalf("unexpected capture key %q", got)
	}
	if got := RefundKey("s-1"); got != "s-1:refund" {
		t.Fatalf("unexpected refund key %q", got)
	}
}

func TestMemoryLedger_RejectsConflictingReuse(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	if err := l.Register(ctx, "s-1", "s-1:capture:1", 100, "EUR"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.Register(ctx, "s-1", "s-1:capture:1", 100, "EUR"); err != nil {
		t.Fatalf("identical re-register must succeed: %v", err)
	}
	if err := l.Register(ctx, "s-1", "s-1:capture:1", 200, "EUR"); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := l.Settle(ctx, "s-1:capture:1", OutcomeSucceeded, "pay_1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if outcome, ok := l.Outcome("s-1:capture:1"); !ok || outcome != OutcomeSucceeded {
		t.Fatalf("unexpected outcome %s %v", outcome, ok)
	}
	if err := l.Settle(ctx, "missing", OutcomeFailed, ""); err == nil {
		t.Fatalf("expected unregistered settle to fail")
	}
}

func TestRepository_TTLFollowsStatus(t *testing.T) {
	clock := testNow
	store := saga.NewMemoryStore(func() time.Time { return clock })
	repo := NewRepository(store, time.Hour)
	ctx := context.Background()

	s := newTestSaga()
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Version != 1 {
		t.Fatalf("expected version 1, got %d", s.Version)
	}

	s.Status = StatusPartialFailure
	s.FailureReason = "vendor rejected request"
	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Status = StatusCompleteFailure
	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("save terminal: %v", err)
	}

	clock = clock.Add(2 * time.Hour)
	loaded, err := repo.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("terminal saga must not expire: %v", err)
	}
	if loaded.Version != 3 || loaded.Status != StatusCompleteFailure {
		t.Fatalf("unexpected loaded saga: v%d %s", loaded.Version, loaded.Status)
	}

	abandoned := newTestSaga()
	abandoned.ID = "saga-2"
	if err := repo.Create(ctx, abandoned); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	if _, err := repo.Load(ctx, abandoned.ID); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected abandoned saga to expire, got %v", err)
	}
}

func TestRepository_RejectsStaleAndInvalidWrites(t *testing.T) {
	repo := NewRepository(saga.NewMemoryStore(nil), 0)
	ctx := context.Background()

	s := newTestSaga()
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	stale := s.Clone()
	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(ctx, stale); !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	s.Status = StatusBookingConfirmed
	if err := repo.Save(ctx, s); err == nil {
		t.Fatalf("expected invariant violation to block the write")
	}
	loaded, err := repo.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != StatusInitiated {
		t.Fatalf("invalid write must not persist, got %s", loaded.Status)
	}
}
