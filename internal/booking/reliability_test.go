package booking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tripbook/internal/observability"

	"github.com/sony/gobreaker/v2"
)

type stubVendor struct {
	errs    []error
	calls   int
	cancels int
}

func (s *stubVendor) next() error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func (s *stubVendor) Quote(ctx context.Context, criteria QuoteCriteria) (Offer, error) {
	return Offer{}, s.next()
}

func (s *stubVendor) Lock(ctx context.Context, offerRef string, quantity int, ttl time.Duration) (PriceLock, error) {
	if err := s.next(); err != nil {
		return PriceLock{}, err
	}
	return PriceLock{OfferRef: offerRef, Quantity: quantity, Amount: 1000 * int64(quantity), Currency: "EUR"}, nil
}

func (s *stubVendor) Confirm(ctx context.Context, offerRef string, traveler Traveler, paymentRef string) (string, error) {
	if err := s.next(); err != nil {
		return "", err
	}
	return "CONF-1", nil
}

func (s *stubVendor) Cancel(ctx context.Context, code string) error {
	s.cancels++
	return s.next()
}

type stubGateway struct {
	captureErr error
	queryErrs  []error
	captures   int
	queries    int
}

func (s *stubGateway) Capture(ctx context.Context, key string, amount int64, currency, customerRef string) (string, error) {
	s.captures++
	return "pay_1", s.captureErr
}

func (s *stubGateway) Refund(ctx context.Context, key, gatewayRef string, amount int64) error {
	return nil
}

func (s *stubGateway) QueryByIdempotencyKey(ctx context.Context, key string) (PaymentStatus, error) {
	s.queries++
	if s.queries <= len(s.queryErrs) {
		return PaymentStatus{}, s.queryErrs[s.queries-1]
	}
	return PaymentStatus{IdempotencyKey: key, Outcome: OutcomeSucceeded}, nil
}

func fastConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxAttempts:    3,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       2 * time.Millisecond,
		BreakerMaxFailures:  2,
		BreakerResetTimeout: time.Minute,
	}
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: 503", ErrVendorUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_DoesNotRetryAmbiguousOrRejected(t *testing.T) {
	for _, expected := range []error{
		fmt.Errorf("%w: read timeout", ErrOutcomeUnknown),
		fmt.Errorf("%w: sold out", ErrVendorRejected),
		context.DeadlineExceeded,
	} {
		attempts := 0
		policy := RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		}
		err := policy.Do(context.Background(), func() error {
			attempts++
			return expected
		})
		if !errors.Is(err, expected) {
			t.Fatalf("expected %v, got %v", expected, err)
		}
		if attempts != 1 {
			t.Fatalf("%v: expected 1 attempt, got %d", expected, attempts)
		}
	}
}

func TestRetryPolicy_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	expected := fmt.Errorf("%w: 502", ErrVendorUnavailable)
	err := policy.Do(ctx, func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected last call error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("%w: 503", ErrVendorUnavailable), true},
		{fmt.Errorf("%w: %w", ErrVendorUnavailable, gobreaker.ErrOpenState), false},
		{fmt.Errorf("%w: %w", ErrVendorUnavailable, context.DeadlineExceeded), false},
		{ErrVendorRejected, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestReliableVendorClient_ConfirmRetriesTransient(t *testing.T) {
	base := &stubVendor{errs: []error{fmt.Errorf("%w: 503", ErrVendorUnavailable)}}
	metrics := observability.NewMetrics()
	client := NewReliableVendorClient("skyways", base, fastConfig(), metrics, nil)

	code, err := client.Confirm(context.Background(), "offer-1", Traveler{}, "pay_1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if code != "CONF-1" {
		t.Fatalf("unexpected code %q", code)
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", base.calls)
	}
	op, ok := metrics.Snapshot().Operations["vendor.skyways.confirm"]
	if !ok || op.Count != 2 || op.Errors != 1 {
		t.Fatalf("unexpected confirm metrics: %+v", op)
	}
}

func TestReliableVendorClient_CancelIsSingleAttempt(t *testing.T) {
	base := &stubVendor{errs: []error{fmt.Errorf("%w: 503", ErrVendorUnavailable)}}
	client := NewReliableVendorClient("skyways", base, fastConfig(), nil, nil)

	if err := client.Cancel(context.Background(), "CONF-1"); !errors.Is(err, ErrVendorUnavailable) {
		t.Fatalf("expected vendor unavailable, got %v", err)
	}
	if base.cancels != 1 {
		t.Fatalf("expected 1 cancel, got %d", base.cancels)
	}
}

func TestReliableVendorClient_BreakerOpens(t *testing.T) {
	unavailable := fmt.Errorf("%w: 503", ErrVendorUnavailable)
	base := &stubVendor{errs: []error{unavailable, unavailable, unavailable, unavailable}}
	cfg := fastConfig()
	cfg.RetryMaxAttempts = 1
	var transitions []string
	client := NewReliableVendorClient("harbor-inn", base, cfg, nil, func(format string, args ...any) {
		transitions = append(transitions, fmt.Sprintf(format, args...))
	})

	for i := 0; i < 2; i++ {
		if _, err := client.Lock(context.Background(), "offer-1", 1, time.Minute); err == nil {
			t.Fatalf("expected failure")
		}
	}
	_, err := client.Lock(context.Background(), "offer-1", 1, time.Minute)
	if !errors.Is(err, gobreaker.ErrOpenState) || !errors.Is(err, ErrVendorUnavailable) {
		t.Fatalf("expected open breaker as vendor unavailable, got %v", err)
	}
	if Transient(err) {
		t.Fatalf("open breaker must not be retried")
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 calls to reach the vendor, got %d", base.calls)
	}
	if len(transitions) != 1 {
		t.Fatalf("expected one breaker transition, got %v", transitions)
	}
}

func TestReliableVendorClient_RejectionsDoNotTripBreaker(t *testing.T) {
	rejected := fmt.Errorf("%w: sold out", ErrVendorRejected)
	base := &stubVendor{errs: []error{rejected, rejected, rejected}}
	client := NewReliableVendorClient("citywalks", base, fastConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := client.Lock(context.Background(), "offer-1", 1, time.Minute); !errors.Is(err, ErrVendorRejected) {
			t.Fatalf("expected rejection, got %v", err)
		}
	}
	if _, err := client.Lock(context.Background(), "offer-1", 1, time.Minute); err != nil {
		t.Fatalf("expected breaker closed, got %v", err)
	}
}

func TestReliableGateway_CaptureNeverRetried(t *testing.T) {
	base := &stubGateway{captureErr: fmt.Errorf("%w: 503", ErrVendorUnavailable)}
	gw := NewReliableGateway(base, fastConfig(), nil, nil)

	if _, err := gw.Capture(context.Background(), "saga:capture:1", 100, "EUR", "cus_1"); err == nil {
		t.Fatalf("expected failure")
	}
	if base.captures != 1 {
		t.Fatalf("expected 1 capture, got %d", base.captures)
	}
}

func TestReliableGateway_OpenBreakerStopsCaptureButNotQuery(t *testing.T) {
	base := &stubGateway{captureErr: fmt.Errorf("%w: 503", ErrVendorUnavailable)}
	cfg := fastConfig()
	cfg.BreakerMaxFailures = 1
	gw := NewReliableGateway(base, cfg, nil, nil)
	ctx := context.Background()

	if _, err := gw.Capture(ctx, "saga:capture:1", 100, "EUR", "cus_1"); errors.Is(err, ErrNotSent) {
		t.Fatalf("first capture reached the gateway, got %v", err)
	}
	_, err := gw.Capture(ctx, "saga:capture:2", 100, "EUR", "cus_1")
	if !errors.Is(err, ErrNotSent) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker as not sent, got %v", err)
	}
	if Ambiguous(err) || Transient(err) {
		t.Fatalf("a refused call is neither ambiguous nor retryable: %v", err)
	}
	if base.captures != 1 {
		t.Fatalf("expected 1 capture to reach the gateway, got %d", base.captures)
	}

	status, err := gw.QueryByIdempotencyKey(ctx, "saga:capture:1")
	if err != nil {
		t.Fatalf("query must not share the capture breaker: %v", err)
	}
	if status.Outcome != OutcomeSucceeded || base.queries != 1 {
		t.Fatalf("unexpected query result %+v after %d queries", status, base.queries)
	}
}

func TestReliableGateway_QueryRetriesAmbiguous(t *testing.T) {
	base := &stubGateway{queryErrs: []error{context.DeadlineExceeded, fmt.Errorf("%w: 502", ErrVendorUnavailable)}}
	cfg := fastConfig()
	cfg.BreakerMaxFailures = 0
	gw := NewReliableGateway(base, cfg, nil, nil)

	status, err := gw.QueryByIdempotencyKey(context.Background(), "saga:capture:1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if status.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected outcome %s", status.Outcome)
	}
	if base.queries != 3 {
		t.Fatalf("expected 3 queries, got %d", base.queries)
	}
}

func TestGuard_RateLimitRecordsWait(t *testing.T) {
	cfg := fastConfig()
	cfg.RateLimitInterval = 5 * time.Millisecond
	cfg.RateLimitBurst = 1
	metrics := observability.NewMetrics()
	g := newGuard("vendor.test", cfg, metrics, nil)

	for i := 0; i < 2; i++ {
		if err := g.call(context.Background(), "lock", func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if waits := metrics.Snapshot().RateLimitWaits; waits < 1 {
		t.Fatalf("expected a recorded wait, got %d", waits)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.call(ctx, "lock", func() error { return nil })
	if !errors.Is(err, ErrVendorUnavailable) || !errors.Is(err, ErrNotSent) {
		t.Fatalf("expected limiter failure as unsent vendor call, got %v", err)
	}
}
