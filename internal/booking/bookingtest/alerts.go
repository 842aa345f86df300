package bookingtest

import (
	"context"
	"sync"

	"tripbook/internal/booking"
)

// Alerts collects operator alerts.
type Alerts struct {
	mu     sync.Mutex
	alerts []booking.OperatorAlert
}

func (a *Alerts) Publish(ctx context.Context, alert booking.OperatorAlert) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, alert)
	a.mu.Unlock()
	return nil
}

func (a *Alerts) All() []booking.OperatorAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]booking.OperatorAlert(nil), a.alerts...)
}
