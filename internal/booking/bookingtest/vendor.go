package bookingtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tripbook/internal/booking"
)

// CallLog records calls across several fakes in the order they happened.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *CallLog) record(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

// Calls returns every recorded call, optionally only those for op
// ("quote", "lock", "confirm" or "cancel").
func (l *CallLog) Calls(op string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, c := range l.calls {
		if op == "" || strings.Contains(c, ":"+op+":") {
			out = append(out, c)
		}
	}
	return out
}

// Vendor is a scriptable booking.VendorClient. Calls are recorded as
// "<vendor>:<op>:<ref>".
type Vendor struct {
	Name     string
	Currency string

	// LockDelay advances the clock after each lock, simulating slow vendors.
	LockDelay time.Duration
	// SingleUnitLocks makes Lock ignore the requested quantity and price
	// one unit, like a vendor API without quantities.
	SingleUnitLocks bool
	// OnConfirm runs before a confirm; a non-nil error fails the call.
	OnConfirm func(offerRef string) error

	clock *Clock
	log   *CallLog

	mu          sync.Mutex
	prices      map[string]int64
	lockErrs    map[string][]error
	confirmErrs map[string][]error
	hang        map[string]bool
	cancelErr   error
	confirmed   map[string]string
	confirms    map[string]int
	cancelled   []string
	seq         int
}

func NewVendor(name, currency string, clock *Clock, log *CallLog) *Vendor {
	return &Vendor{
		Name:        name,
		Currency:    currency,
		clock:       clock,
		log:         log,
		prices:      make(map[string]int64),
		lockErrs:    make(map[string][]error),
		confirmErrs: make(map[string][]error),
		hang:        make(map[string]bool),
		confirmed:   make(map[string]string),
		confirms:    make(map[string]int),
	}
}

// SetPrice sets the live price of an offer in minor units.
func (v *Vendor) SetPrice(offerRef string, amount int64) {
	v.mu.Lock()
	v.prices[offerRef] = amount
	v.mu.Unlock()
}

// FailLock queues errors returned by successive locks of offerRef.
func (v *Vendor) FailLock(offerRef string, errs ...error) {
	v.mu.Lock()
	v.lockErrs[offerRef] = append(v.lockErrs[offerRef], errs...)
	v.mu.Unlock()
}

// FailConfirm queues errors returned by successive confirms of offerRef.
func (v *Vendor) FailConfirm(offerRef string, errs ...error) {
	v.mu.Lock()
	v.confirmErrs[offerRef] = append(v.confirmErrs[offerRef], errs...)
	v.mu.Unlock()
}

// HangConfirm makes confirms of offerRef block until their context ends.
func (v *Vendor) HangConfirm(offerRef string) {
	v.mu.Lock()
	v.hang[offerRef] = true
	v.mu.Unlock()
}

// FailCancel makes every cancel return err.
func (v *Vendor) FailCancel(err error) {
	v.mu.Lock()
	v.cancelErr = err
	v.mu.Unlock()
}

func (v *Vendor) Quote(ctx context.Context, criteria booking.QuoteCriteria) (booking.Offer, error) {
	v.log.record("%s:quote:%s", v.Name, criteria.Type)
	v.mu.Lock()
	defer v.mu.Unlock()
	for ref, price := range v.prices {
		if strings.HasPrefix(ref, string(criteria.Type)) {
			return booking.Offer{OfferRef: ref, Vendor: v.Name, Type: criteria.Type, Amount: price, Currency: v.Currency}, nil
		}
	}
	return booking.Offer{}, fmt.Errorf("%w: no %s offers", booking.ErrVendorRejected, criteria.Type)
}

// Lock prices quantity units of offerRef at the current unit price.
func (v *Vendor) Lock(ctx context.Context, offerRef string, quantity int, ttl time.Duration) (booking.PriceLock, error) {
	v.log.record("%s:lock:%s", v.Name, offerRef)
	if err := ctx.Err(); err != nil {
		return booking.PriceLock{}, err
	}
	v.mu.Lock()
	if err := pop(v.lockErrs, offerRef); err != nil {
		v.mu.Unlock()
		return booking.PriceLock{}, err
	}
	price, ok := v.prices[offerRef]
	v.mu.Unlock()
	if !ok {
		return booking.PriceLock{}, fmt.Errorf("%w: unknown offer %s", booking.ErrVendorRejected, offerRef)
	}
	if quantity < 1 {
		return booking.PriceLock{}, fmt.Errorf("%w: quantity %d", booking.ErrVendorRejected, quantity)
	}
	if v.SingleUnitLocks {
		quantity = 1
	}
	lock := booking.PriceLock{
		OfferRef:  offerRef,
		Quantity:  quantity,
		Amount:    price * int64(quantity),
		Currency:  v.Currency,
		ExpiresAt: v.clock.Now().Add(ttl),
	}
	if v.LockDelay > 0 {
		v.clock.Advance(v.LockDelay)
	}
	return lock, nil
}

func (v *Vendor) Confirm(ctx context.Context, offerRef string, traveler booking.Traveler, paymentRef string) (string, error) {
	v.log.record("%s:confirm:%s", v.Name, offerRef)
	if v.OnConfirm != nil {
		if err := v.OnConfirm(offerRef); err != nil {
			return "", err
		}
	}
	v.mu.Lock()
	hang := v.hang[offerRef]
	err := pop(v.confirmErrs, offerRef)
	v.mu.Unlock()
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if paymentRef == "" {
		return "", fmt.Errorf("%w: confirm without payment reference", booking.ErrVendorRejected)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	code := fmt.Sprintf("%s-%03d", strings.ToUpper(v.Name), v.seq)
	v.confirmed[code] = offerRef
	v.confirms[offerRef]++
	return code, nil
}

func (v *Vendor) Cancel(ctx context.Context, code string) error {
	v.log.record("%s:cancel:%s", v.Name, code)
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return v.cancelErr
	}
	if _, ok := v.confirmed[code]; !ok {
		return fmt.Errorf("%w: unknown confirmation %s", booking.ErrVendorRejected, code)
	}
	delete(v.confirmed, code)
	v.cancelled = append(v.cancelled, code)
	return nil
}

// Confirms reports how many successful confirms offerRef received.
func (v *Vendor) Confirms(offerRef string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.confirms[offerRef]
}

// Cancelled returns cancelled confirmation codes in call order.
func (v *Vendor) Cancelled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancelled...)
}

// Active reports how many reservations are confirmed and not cancelled.
func (v *Vendor) Active() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.confirmed)
}

func pop(queue map[string][]error, key string) error {
	errs := queue[key]
	if len(errs) == 0 {
		return nil
	}
	queue[key] = errs[1:]
	return errs[0]
}
