package alerts

import (
	"context"
	"encoding/json"
	"time"

	"tripbook/internal/booking"

	"github.com/redis/go-redis/v9"
)

// StreamClient is the minimal client surface used by StreamPublisher.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamPublisher appends operator alerts to a Redis stream that on-call
// tooling consumes.
type StreamPublisher struct {
	client StreamClient
	stream string
	maxLen int64
}

// NewStreamPublisher constructs a Redis stream publisher. An empty stream
// name defaults to "booking_alerts".
func NewStreamPublisher(client StreamClient, stream string, maxLen int64) *StreamPublisher {
	if stream == "" {
		stream = "booking_alerts"
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, alert booking.OperatorAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	issues, err := json.Marshal(alert.Issues)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"saga_id":           alert.SagaID,
			"status":            string(alert.Status),
			"reason":            alert.Reason,
			"issues":            string(issues),
			"amount":            booking.FormatAmount(alert.Amount),
			"currency":          alert.Currency,
			"payment_reference": alert.PaymentReference,
			"raised_at":         alert.RaisedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}
