package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// QuoteCriteria narrows a vendor search.
type QuoteCriteria struct {
	Type        ComponentType   `json:"componentType"`
	Destination string          `json:"destination,omitempty"`
	StartDate   string          `json:"startDate,omitempty"`
	EndDate     string          `json:"endDate,omitempty"`
	Quantity    int             `json:"quantity,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// Offer is a quoted, not yet locked, vendor product.
type Offer struct {
	OfferRef    string          `json:"offerRef"`
	Vendor      string          `json:"vendor"`
	Type        ComponentType   `json:"componentType"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// VendorClient wraps one external vendor API. Every call honors the
// context deadline. Errors wrap ErrVendorUnavailable (transient, safe to
// retry), ErrVendorRejected (definitive) or ErrOutcomeUnknown (the call may
// have taken effect).
type VendorClient interface {
	Quote(ctx context.Context, criteria QuoteCriteria) (Offer, error)
	Lock(ctx context.Context, offerRef string, quantity int, ttl time.Duration) (PriceLock, error)
	Confirm(ctx context.Context, offerRef string, traveler Traveler, paymentRef string) (string, error)
	Cancel(ctx context.Context, confirmationCode string) error
}

// PaymentStatus is the gateway's view of one idempotency key.
type PaymentStatus struct {
	IdempotencyKey   string         `json:"idempotencyKey"`
	Outcome          PaymentOutcome `json:"outcome"`
	GatewayReference string         `json:"gatewayReference,omitempty"`
	Amount           int64          `json:"amount,omitempty"`
}

// PaymentGateway wraps the external payment processor. Every operation is
// keyed by an idempotency key; replays of the same key must not move money twice.
type PaymentGateway interface {
	Capture(ctx context.Context, idempotencyKey string, amount int64, currency, customerRef string) (string, error)
	Refund(ctx context.Context, idempotencyKey, gatewayRef string, amount int64) error
	QueryByIdempotencyKey(ctx context.Context, idempotencyKey string) (PaymentStatus, error)
}

// PaymentLedger records every idempotency key before it is sent to the
// gateway so a key can never be reused for a different amount.
type PaymentLedger interface {
	Register(ctx context.Context, sagaID, idempotencyKey string, amount int64, currency string) error
	Settle(ctx context.Context, idempotencyKey string, outcome PaymentOutcome, gatewayRef string) error
}

// Journal is an append-only audit trail of saga steps.
type Journal interface {
	AddStep(ctx context.Context, sagaID, step, detail string) error
}

// OperatorAlert is raised when compensation could not fully reverse a saga.
type OperatorAlert struct {
	SagaID           string     `json:"sagaId"`
	Status           SagaStatus `json:"status"`
	Reason           string     `json:"reason"`
	Issues           []string   `json:"issues"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	PaymentReference string     `json:"paymentReference,omitempty"`
	RaisedAt         time.Time  `json:"raisedAt"`
}

// Alerter delivers operator alerts.
type Alerter interface {
	Publish(ctx context.Context, alert OperatorAlert) error
}

// Vendors resolves a vendor name to its client.
type Vendors map[string]VendorClient

func (v Vendors) Lookup(name string) (VendorClient, error) {
	client, ok := v[name]
	if !ok || client == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, name)
	}
	return client, nil
}
