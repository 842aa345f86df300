package bookingtest

import (
	"context"
	"fmt"
	"sync"

	"tripbook/internal/booking"
)

type charge struct {
	amount   int64
	currency string
	ref      string
	refunded int64
}

// Refund is one refund the Gateway applied.
type Refund struct {
	Key        string
	GatewayRef string
	Amount     int64
}

// Gateway is an explicit test-double payment gateway. It deduplicates by
// idempotency key exactly like a real processor and counts how many times
// money actually moved per key.
type Gateway struct {
	mu sync.Mutex

	// DeclineCapture, when set, is returned by every capture.
	DeclineCapture error
	// RefundErr, when set, is returned by every refund.
	RefundErr error
	// QueryErr, when set, is returned by every query.
	QueryErr error

	dropResponses int
	lostRequests  int
	charges       map[string]*charge
	chargeCount   map[string]int
	refunds       map[string]Refund
	captureCalls  int
	refundCalls   int
	seq           int
}

func NewGateway() *Gateway {
	return &Gateway{
		charges:     make(map[string]*charge),
		chargeCount: make(map[string]int),
		refunds:     make(map[string]Refund),
	}
}

// DropCaptureResponses makes the next n captures take effect but answer
// with an ambiguous timeout, as if the response was lost on the wire.
func (g *Gateway) DropCaptureResponses(n int) {
	g.mu.Lock()
	g.dropResponses = n
	g.mu.Unlock()
}

// LoseCaptureRequests makes the next n captures time out before reaching
// the processor: nothing is charged and the caller sees an ambiguous error.
func (g *Gateway) LoseCaptureRequests(n int) {
	g.mu.Lock()
	g.lostRequests = n
	g.mu.Unlock()
}

func (g *Gateway) Capture(ctx context.Context, key string, amount int64, currency, customerRef string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	if g.DeclineCapture != nil {
		return "", g.DeclineCapture
	}
	if g.lostRequests > 0 {
		g.lostRequests--
		return "", fmt.Errorf("%w: capture request timed out", booking.ErrOutcomeUnknown)
	}
	if existing, ok := g.charges[key]; ok {
		if existing.amount != amount || existing.currency != currency {
			return "", fmt.Errorf("%w: key %s", booking.ErrIdempotencyConflict, key)
		}
		return existing.ref, nil
	}
	g.seq++
	ref := fmt.Sprintf("pay_%04d", g.seq)
	g.charges[key] = &charge{amount: amount, currency: currency, ref: ref}
	g.chargeCount[key]++
	if g.dropResponses > 0 {
		g.dropResponses--
		return "", fmt.Errorf("%w: capture response lost", booking.ErrOutcomeUnknown)
	}
	return ref, nil
}

func (g *Gateway) Refund(ctx context.Context, key, gatewayRef string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.RefundErr != nil {
		return g.RefundErr
	}
	if _, ok := g.refunds[key]; ok {
		return nil
	}
	var target *charge
	for _, c := range g.charges {
		if c.ref == gatewayRef {
			target = c
		}
	}
	if target == nil {
		return fmt.Errorf("%w: unknown payment %s", booking.ErrPaymentDeclined, gatewayRef)
	}
	if target.refunded+amount > target.amount {
		return fmt.Errorf("%w: refund exceeds captured amount", booking.ErrPaymentDeclined)
	}
	target.refunded += amount
	g.refunds[key] = Refund{Key: key, GatewayRef: gatewayRef, Amount: amount}
	return nil
}

func (g *Gateway) QueryByIdempotencyKey(ctx context.Context, key string) (booking.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.QueryErr != nil {
		return booking.PaymentStatus{}, g.QueryErr
	}
	if c, ok := g.charges[key]; ok {
		return booking.PaymentStatus{IdempotencyKey: key, Outcome: booking.OutcomeSucceeded, GatewayReference: c.ref, Amount: c.amount}, nil
	}
	if r, ok := g.refunds[key]; ok {
		return booking.PaymentStatus{IdempotencyKey: key, Outcome: booking.OutcomeSucceeded, GatewayReference: r.GatewayRef, Amount: r.Amount}, nil
	}
	return booking.PaymentStatus{IdempotencyKey: key, Outcome: booking.OutcomeNotFound}, nil
}

// ChargeCount reports how many times money moved for key.
func (g *Gateway) ChargeCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chargeCount[key]
}

// TotalCharges reports how many distinct charges were made.
func (g *Gateway) TotalCharges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

// CapturedAmount returns the amount charged under key.
func (g *Gateway) CapturedAmount(key string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.charges[key]; ok {
		return c.amount
	}
	return 0
}

func (g *Gateway) CaptureCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captureCalls
}

func (g *Gateway) RefundCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refundCalls
}

// Refunds returns applied refunds.
func (g *Gateway) Refunds() []Refund {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Refund, 0, len(g.refunds))
	for _, r := range g.refunds {
		out = append(out, r)
	}
	return out
}
