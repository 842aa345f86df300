package alerts

import (
	"context"
	"encoding/json"
	"time"

	"tripbook/internal/booking"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by QueuePublisher.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// QueuePublisher sends operator alerts to a durable RabbitMQ queue.
type QueuePublisher struct {
	ch    Channel
	queue string
	now   func() time.Time
}

// NewQueuePublisher declares the queue (idempotent, durable) and returns a
// publisher bound to it.
func NewQueuePublisher(ch Channel, queue string) (*QueuePublisher, error) {
	if queue == "" {
		queue = "booking.alerts"
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &QueuePublisher{ch: ch, queue: queue, now: time.Now}, nil
}

// DialQueuePublisher connects to the broker at url and opens a channel.
// The returned close func releases both.
func DialQueuePublisher(url, queue string) (*QueuePublisher, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	pub, err := NewQueuePublisher(ch, queue)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return pub, closeFn, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, alert booking.OperatorAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    alert.SagaID,
		Timestamp:    p.now().UTC(),
		Body:         body,
	})
}

// Close closes the underlying channel.
func (p *QueuePublisher) Close() error {
	return p.ch.Close()
}
