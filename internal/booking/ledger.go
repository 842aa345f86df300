package booking

import (
	"context"
	"fmt"
	"sync"
)

type ledgerEntry struct {
	sagaID     string
	amount     int64
	currency   string
	outcome    PaymentOutcome
	gatewayRef string
}

// MemoryLedger is an in-process PaymentLedger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]ledgerEntry)}
}

func (l *MemoryLedger) Register(ctx context.Context, sagaID, key string, amount int64, currency string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[key]; ok {
		if existing.amount != amount || existing.currency != currency || existing.sagaID != sagaID {
			return fmt.Errorf("%w: %s registered for %s %s", ErrIdempotencyConflict, key, FormatAmount(existing.amount), existing.currency)
		}
		return nil
	}
	l.entries[key] = ledgerEntry{sagaID: sagaID, amount: amount, currency: currency, outcome: OutcomePending}
	return nil
}

func (l *MemoryLedger) Settle(ctx context.Context, key string, outcome PaymentOutcome, gatewayRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return fmt.Errorf("settle unregistered key %s", key)
	}
	entry.outcome = outcome
	entry.gatewayRef = gatewayRef
	l.entries[key] = entry
	return nil
}

// Outcome returns the recorded outcome for key, if any.
func (l *MemoryLedger) Outcome(key string) (PaymentOutcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	return entry.outcome, ok
}
