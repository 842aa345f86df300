package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Amounts are carried in minor currency units (cents) to keep sums exact.

// FormatAmount renders a minor-unit amount with two decimals, e.g. 100000 -> "1000.00".
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// Traveler is the passenger/guest data forwarded to vendors on confirm.
type Traveler struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
}

// PriceLock is a vendor's time-bounded guarantee to honor a price.
// Amount covers Quantity units.
type PriceLock struct {
	OfferRef  string    `json:"offerRef"`
	Quantity  int       `json:"quantity"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lock can no longer be relied on at now.
func (l PriceLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// PaymentAttempt is one idempotent capture against the gateway.
type PaymentAttempt struct {
	IdempotencyKey   string         `json:"idempotencyKey"`
	Attempt          int            `json:"attempt"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	Outcome          PaymentOutcome `json:"outcome"`
	GatewayReference string         `json:"gatewayReference,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// RefundRecord tracks the single full refund a failed saga may issue.
type RefundRecord struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Outcome        PaymentOutcome `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// BookingComponent is one vendor-scoped reservation unit.
type BookingComponent struct {
	ID               string          `json:"id"`
	Type             ComponentType   `json:"componentType"`
	VendorName       string          `json:"vendorName"`
	OfferRef         string          `json:"vendorOfferReference"`
	Quantity         int             `json:"quantity"`
	ConfirmationCode string          `json:"vendorConfirmationCode,omitempty"`
	Status           ComponentStatus `json:"status"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Details          json.RawMessage `json:"bookingDetails,omitempty"`
	Lock             *PriceLock      `json:"priceLock,omitempty"`

	// ConfirmedSeq is the 1-based position in which the vendor confirmed.
	ConfirmedSeq int `json:"confirmedSeq,omitempty"`
	// OutcomeUnknown marks a confirm whose result was never observed.
	OutcomeUnknown bool `json:"outcomeUnknown,omitempty"`
	// CancelledCode keeps the confirmation code that compensation cancelled.
	CancelledCode     string `json:"cancelledConfirmationCode,omitempty"`
	CompensationError string `json:"compensationError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BookingSaga is the aggregate root persisted for every booking.
type BookingSaga struct {
	ID               string             `json:"id"`
	Status           SagaStatus         `json:"status"`
	CustomerRef      string             `json:"customerRef"`
	Traveler         Traveler           `json:"traveler"`
	TotalAmount      int64              `json:"totalAmount"`
	Currency         string             `json:"currency"`
	PaymentReference string             `json:"paymentReference,omitempty"`
	Payment          *PaymentAttempt    `json:"payment,omitempty"`
	Refund           *RefundRecord      `json:"refund,omitempty"`
	RefundIssued     bool               `json:"refundIssued"`
	Components       []BookingComponent `json:"components"`
	LockTTL          time.Duration      `json:"lockTtl"`

	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ConfirmedAt      *time.Time `json:"confirmedAt,omitempty"`
	CancellableUntil *time.Time `json:"cancellableUntil,omitempty"`

	FailureReason          string    `json:"failureReason,omitempty"`
	FailureKind            ErrorKind `json:"failureKind,omitempty"`
	CompensationIncomplete bool      `json:"compensationIncomplete,omitempty"`

	// Version is the store version the snapshot was read at.
	Version int64 `json:"-"`
}

// TotalAmountString renders TotalAmount as a decimal string.
func (s *BookingSaga) TotalAmountString() string {
	return FormatAmount(s.TotalAmount)
}

// Clone returns a deep copy safe to hand to callers.
func (s *BookingSaga) Clone() *BookingSaga {
	if s == nil {
		return nil
	}
	out := *s
	out.Components = make([]BookingComponent, len(s.Components))
	for i, c := range s.Components {
		if c.Lock != nil {
			lock := *c.Lock
			c.Lock = &lock
		}
		if c.Details != nil {
			c.Details = append(json.RawMessage(nil), c.Details...)
		}
		out.Components[i] = c
	}
	if s.Payment != nil {
		p := *s.Payment
		out.Payment = &p
	}
	if s.Refund != nil {
		r := *s.Refund
		out.Refund = &r
	}
	if s.ConfirmedAt != nil {
		t := *s.ConfirmedAt
		out.ConfirmedAt = &t
	}
	if s.CancellableUntil != nil {
		t := *s.CancellableUntil
		out.CancellableUntil = &t
	}
	return &out
}

// Validate checks the aggregate invariants that must hold on every write.
func (s *BookingSaga) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id is empty"))
	}
	if !s.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", s.Status))
	}
	if len(s.Components) == 0 {
		errs = append(errs, errors.New("components is empty"))
	}
	if (s.ConfirmedAt != nil) != (s.Status == StatusBookingConfirmed) {
		errs = append(errs, fmt.Errorf("confirmedAt set=%t with status %s", s.ConfirmedAt != nil, s.Status))
	}
	if (s.FailureReason != "") != s.Status.Failed() {
		errs = append(errs, fmt.Errorf("failureReason set=%t with status %s", s.FailureReason != "", s.Status))
	}
	for _, c := range s.Components {
		if (c.ConfirmationCode != "") != (c.Status == ComponentConfirmed) {
			errs = append(errs, fmt.Errorf("component %s: confirmation code set=%t with status %s", c.ID, c.ConfirmationCode != "", c.Status))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("saga %s invariants: %w", s.ID, err)
	}
	return nil
}

// CaptureKey derives the idempotency key for a capture attempt.
func CaptureKey(sagaID string, attempt int) string {
	return fmt.Sprintf("%s:capture:%d", sagaID, attempt)
}

// RefundKey derives the idempotency key for the saga's single refund.
func RefundKey(sagaID string) string {
	return sagaID + ":refund"
}
