package booking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"tripbook/internal/observability"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// DefaultRetryPolicy retries transient vendor failures three times starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do executes fn with capped exponential backoff.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Transient
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay = delay << (attempt - 1)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if delay = jitter(delay); delay > 0 {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return err
			}
		}
	}
	return err
}

// Transient reports whether err is a vendor-confirmed transient failure
// that is safe to retry. Open breakers and ambiguous outcomes are not.
func Transient(err error) bool {
	if err == nil || Ambiguous(err) {
		return false
	}
	if errors.Is(err, ErrNotSent) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return errors.Is(err, ErrVendorUnavailable)
}

// guard applies rate limiting and circuit breaking to one remote dependency.
// Calls it refuses fail with ErrNotSent.
type guard struct {
	name    string
	spans   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	metrics *observability.Metrics
}

func newGuard(name string, cfg ReliabilityConfig, metrics *observability.Metrics, logf func(string, ...any)) *guard {
	g := &guard{name: name, spans: name, metrics: metrics}
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst > 0 {
		g.limiter = rate.NewLimiter(rate.Every(cfg.RateLimitInterval), cfg.RateLimitBurst)
	}
	if cfg.BreakerMaxFailures > 0 {
		maxFails := uint32(cfg.BreakerMaxFailures)
		g.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    name,
			Timeout: cfg.BreakerResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFails
			},
			// A definitive rejection proves the vendor is up.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrVendorRejected) || errors.Is(err, ErrPaymentDeclined)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if logf != nil {
					logf("breaker %s: %s -> %s", name, from, to)
				}
			},
		})
	}
	return g
}

// call runs fn once through the limiter and breaker, recording a span.
func (g *guard) call(ctx context.Context, op string, fn func() error) error {
	span := g.metrics.Start(g.spans + "." + op)
	err := g.attempt(ctx, fn)
	span.End(err)
	return err
}

func (g *guard) attempt(ctx context.Context, fn func() error) error {
	if g.limiter != nil {
		start := time.Now()
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w: %s rate limit: %v", ErrVendorUnavailable, ErrNotSent, g.name, err)
		}
		g.metrics.AddRateLimitWait(time.Since(start))
	}
	if g.breaker == nil {
		return fn()
	}
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w: %s: %w", ErrVendorUnavailable, ErrNotSent, g.name, err)
	}
	return err
}

// ReliableVendorClient wraps a VendorClient with rate limiting, a circuit
// breaker and retries. Only Lock and Confirm are retried, and only for
// transient failures; Cancel and Quote are single attempts.
type ReliableVendorClient struct {
	base  VendorClient
	guard *guard
	retry RetryPolicy
}

// NewReliableVendorClient constructs a reliability-wrapped vendor client.
func NewReliableVendorClient(name string, base VendorClient, cfg ReliabilityConfig, metrics *observability.Metrics, logf func(string, ...any)) *ReliableVendorClient {
	return &ReliableVendorClient{
		base:  base,
		guard: newGuard("vendor."+name, cfg, metrics, logf),
		retry: cfg.RetryPolicy(),
	}
}

func (c *ReliableVendorClient) Quote(ctx context.Context, criteria QuoteCriteria) (Offer, error) {
	var offer Offer
	err := c.guard.call(ctx, "quote", func() error {
		var err error
		offer, err = c.base.Quote(ctx, criteria)
		return err
	})
	return offer, err
}

func (c *ReliableVendorClient) Lock(ctx context.Context, offerRef string, quantity int, ttl time.Duration) (PriceLock, error) {
	var lock PriceLock
	err := c.retry.Do(ctx, func() error {
		return c.guard.call(ctx, "lock", func() error {
			var err error
			lock, err = c.base.Lock(ctx, offerRef, quantity, ttl)
			return err
		})
	})
	return lock, err
}

func (c *ReliableVendorClient) Confirm(ctx context.Context, offerRef string, traveler Traveler, paymentRef string) (string, error) {
	var code string
	err := c.retry.Do(ctx, func() error {
		return c.guard.call(ctx, "confirm", func() error {
			var err error
			code, err = c.base.Confirm(ctx, offerRef, traveler, paymentRef)
			return err
		})
	})
	return code, err
}

func (c *ReliableVendorClient) Cancel(ctx context.Context, confirmationCode string) error {
	return c.guard.call(ctx, "cancel", func() error {
		return c.base.Cancel(ctx, confirmationCode)
	})
}

// ReliableGateway wraps a PaymentGateway. Capture and Refund are issued
// exactly once per call; deduplication of replays is the gateway's job via
// the idempotency key. Queries are reads and are retried. They run behind
// their own breaker so failing captures never block reconciliation.
type ReliableGateway struct {
	base  PaymentGateway
	guard *guard
	query *guard
	retry RetryPolicy
}

// NewReliableGateway constructs a reliability-wrapped payment gateway.
func NewReliableGateway(base PaymentGateway, cfg ReliabilityConfig, metrics *observability.Metrics, logf func(string, ...any)) *ReliableGateway {
	retry := cfg.RetryPolicy()
	retry.ShouldRetry = func(err error) bool {
		return Transient(err) || (Ambiguous(err) && !errors.Is(err, context.Canceled))
	}
	query := newGuard("payment.query", cfg, metrics, logf)
	query.spans = "payment"
	return &ReliableGateway{
		base:  base,
		guard: newGuard("payment", cfg, metrics, logf),
		query: query,
		retry: retry,
	}
}

func (g *ReliableGateway) Capture(ctx context.Context, key string, amount int64, currency, customerRef string) (string, error) {
	var ref string
	err := g.guard.call(ctx, "capture", func() error {
		var err error
		ref, err = g.base.Capture(ctx, key, amount, currency, customerRef)
		return err
	})
	return ref, err
}

func (g *ReliableGateway) Refund(ctx context.Context, key, gatewayRef string, amount int64) error {
	return g.guard.call(ctx, "refund", func() error {
		return g.base.Refund(ctx, key, gatewayRef, amount)
	})
}

func (g *ReliableGateway) QueryByIdempotencyKey(ctx context.Context, key string) (PaymentStatus, error) {
	var status PaymentStatus
	err := g.retry.Do(ctx, func() error {
		return g.query.call(ctx, "query", func() error {
			var err error
			status, err = g.base.QueryByIdempotencyKey(ctx, key)
			return err
		})
	})
	return status, err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
