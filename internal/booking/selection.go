package booking

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// DefaultLockTTL applies when a selection does not ask for a lock window.
const DefaultLockTTL = 15 * time.Minute

// SelectedOffer is one offer the traveler picked from a vendor quote.
type SelectedOffer struct {
	Type     ComponentType   `json:"componentType"`
	Vendor   string          `json:"vendor"`
	OfferRef string          `json:"offerRef"`
	Quantity int             `json:"quantity"`
	Details  json.RawMessage `json:"bookingDetails,omitempty"`
}

// PackageSelection is the caller's request to book a set of offers together.
type PackageSelection struct {
	CustomerRef string          `json:"customerRef"`
	Traveler    Traveler        `json:"traveler"`
	Currency    string          `json:"currency"`
	LockTTL     time.Duration   `json:"lockTtl,omitempty"`
	Items       []SelectedOffer `json:"items"`
}

// Validate rejects malformed selections before any saga exists.
func (p PackageSelection) Validate() error {
	var problems []string
	if strings.TrimSpace(p.CustomerRef) == "" {
		problems = append(problems, "customerRef is required")
	}
	if strings.TrimSpace(p.Traveler.FullName) == "" {
		problems = append(problems, "traveler.fullName is required")
	}
	if _, err := mail.ParseAddress(p.Traveler.Email); err != nil {
		problems = append(problems, "traveler.email is invalid")
	}
	if len(p.Currency) != 3 || strings.ToUpper(p.Currency) != p.Currency {
		problems = append(problems, "currency must be an upper-case ISO 4217 code")
	}
	if p.LockTTL < 0 {
		problems = append(problems, "lockTtl must be >= 0")
	}
	if len(p.Items) == 0 {
		problems = append(problems, "at least one item is required")
	}
	seen := make(map[string]bool, len(p.Items))
	for i, item := range p.Items {
		if !item.Type.Valid() {
			problems = append(problems, fmt.Sprintf("items[%d]: unknown componentType %q", i, item.Type))
		}
		if strings.TrimSpace(item.Vendor) == "" {
			problems = append(problems, fmt.Sprintf("items[%d]: vendor is required", i))
		}
		if strings.TrimSpace(item.OfferRef) == "" {
			problems = append(problems, fmt.Sprintf("items[%d]: offerRef is required", i))
		}
		if item.Quantity < 0 {
			problems = append(problems, fmt.Sprintf("items[%d]: quantity must be >= 0", i))
		}
		key := item.Vendor + "/" + item.OfferRef
		if seen[key] {
			problems = append(problems, fmt.Sprintf("items[%d]: duplicate offer %s", i, key))
		}
		seen[key] = true
		if len(item.Details) > 0 && !json.Valid(item.Details) {
			problems = append(problems, fmt.Sprintf("items[%d]: bookingDetails is not valid JSON", i))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// NewSaga builds the INITIATED saga for a validated selection.
func NewSaga(id string, sel PackageSelection, newComponentID func() string, now time.Time) *BookingSaga {
	ttl := sel.LockTTL
	if ttl == 0 {
		ttl = DefaultLockTTL
	}
	s := &BookingSaga{
		ID:          id,
		Status:      StatusInitiated,
		CustomerRef: sel.CustomerRef,
		Traveler:    sel.Traveler,
		Currency:    sel.Currency,
		LockTTL:     ttl,
		CreatedAt:   now,
		UpdatedAt:   now,
		Components:  make([]BookingComponent, 0, len(sel.Items)),
	}
	for _, item := range sel.Items {
		qty := item.Quantity
		if qty == 0 {
			qty = 1
		}
		s.Components = append(s.Components, BookingComponent{
			ID:         newComponentID(),
			Type:       item.Type,
			VendorName: item.Vendor,
			OfferRef:   item.OfferRef,
			Quantity:   qty,
			Status:     ComponentPending,
			Currency:   sel.Currency,
			Details:    item.Details,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return s
}
