package alerts

import (
	"context"
	"errors"
	"log"
	"strings"

	"tripbook/internal/booking"
	"tripbook/internal/observability"
)

// Fanout delivers each alert to every publisher in order.
type Fanout struct {
	publishers []booking.Alerter
	metrics    *observability.Metrics
}

// NewFanout constructs an Alerter that publishes to each target in sequence.
func NewFanout(metrics *observability.Metrics, publishers ...booking.Alerter) *Fanout {
	return &Fanout{publishers: publishers, metrics: metrics}
}

// Publish forwards the alert to each publisher, collecting errors so every
// channel gets a chance to deliver.
func (f *Fanout) Publish(ctx context.Context, alert booking.OperatorAlert) error {
	f.metrics.AddAlert()
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes alerts to the process log. It is the channel of last
// resort and never fails.
type LogPublisher struct {
	logf func(format string, args ...any)
}

func NewLogPublisher(logf func(format string, args ...any)) *LogPublisher {
	if logf == nil {
		logf = log.Printf
	}
	return &LogPublisher{logf: logf}
}

func (p *LogPublisher) Publish(ctx context.Context, alert booking.OperatorAlert) error {
	p.logf("ALERT saga %s (%s): %s %s payment %s: %s",
		alert.SagaID, alert.Status, booking.FormatAmount(alert.Amount), alert.Currency,
		alert.PaymentReference, strings.Join(alert.Issues, "; "))
	return nil
}
