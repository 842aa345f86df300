package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"tripbook/internal/booking"
	"tripbook/internal/observability"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

func testAlert() booking.OperatorAlert {
	return booking.OperatorAlert{
		SagaID:           "saga-1",
		Status:           booking.StatusPartialFailure,
		Reason:           "partial booking failure: confirm lodging",
		Issues:           []string{"cancel flight SKYWAYS-001: vendor unavailable: 503"},
		Amount:           100000,
		Currency:         "USD",
		PaymentReference: "pay_0001",
		RaisedAt:         time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestStreamPublisher_AppendsAlert(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewStreamPublisher(client, "", 100)
	if err := pub.Publish(context.Background(), testAlert()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := client.XRange(context.Background(), "booking_alerts", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(msgs))
	}
	values := msgs[0].Values
	if values["saga_id"] != "saga-1" || values["amount"] != "1000.00" || values["payment_reference"] != "pay_0001" {
		t.Fatalf("unexpected entry %+v", values)
	}
	var issues []string
	if err := json.Unmarshal([]byte(values["issues"].(string)), &issues); err != nil || len(issues) != 1 {
		t.Fatalf("unexpected issues %v (%v)", values["issues"], err)
	}
}

type stubStream struct {
	args []*redis.XAddArgs
}

func (s *stubStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	s.args = append(s.args, a)
	return redis.NewStringResult("1-0", nil)
}

func TestStreamPublisher_MaxLen(t *testing.T) {
	stub := &stubStream{}
	if err := NewStreamPublisher(stub, "ops", 500).Publish(context.Background(), testAlert()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := NewStreamPublisher(stub, "ops", 0).Publish(context.Background(), testAlert()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stub.args[0].Stream != "ops" || stub.args[0].MaxLen != 500 || !stub.args[0].Approx {
		t.Fatalf("unexpected capped args %+v", stub.args[0])
	}
	if stub.args[1].MaxLen != 0 || stub.args[1].Approx {
		t.Fatalf("unexpected uncapped args %+v", stub.args[1])
	}
}

type stubChannel struct {
	declared   []string
	durable    bool
	published  []amqp.Publishing
	keys       []string
	declareErr error
	closed     bool
}

func (c *stubChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.declared = append(c.declared, name)
	c.durable = durable
	return amqp.Queue{Name: name}, c.declareErr
}

func (c *stubChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *stubChannel) Close() error {
	c.closed = true
	return nil
}

func TestQueuePublisher_PublishesPersistentJSON(t *testing.T) {
	ch := &stubChannel{}
	pub, err := NewQueuePublisher(ch, "")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if len(ch.declared) != 1 || ch.declared[0] != "booking.alerts" || !ch.durable {
		t.Fatalf("expected durable queue declare, got %v durable=%v", ch.declared, ch.durable)
	}

	if err := pub.Publish(context.Background(), testAlert()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ch.published) != 1 || ch.keys[0] != "booking.alerts" {
		t.Fatalf("unexpected publish %v", ch.keys)
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId != "saga-1" {
		t.Fatalf("unexpected message headers %+v", msg)
	}
	var decoded booking.OperatorAlert
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.SagaID != "saga-1" || decoded.Amount != 100000 {
		t.Fatalf("unexpected body %+v", decoded)
	}

	if err := pub.Close(); err != nil || !ch.closed {
		t.Fatalf("expected channel closed")
	}
}

func TestQueuePublisher_DeclareFails(t *testing.T) {
	ch := &stubChannel{declareErr: errors.New("access refused")}
	if _, err := NewQueuePublisher(ch, "alerts"); err == nil {
		t.Fatalf("expected declare error")
	}
}

type recordingAlerter struct {
	err   error
	calls int
}

func (r *recordingAlerter) Publish(ctx context.Context, alert booking.OperatorAlert) error {
	r.calls++
	return r.err
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	failing := &recordingAlerter{err: errors.New("stream down")}
	ok := &recordingAlerter{}
	var lines []string
	logPub := NewLogPublisher(func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})
	metrics := observability.NewMetrics()

	fanout := NewFanout(metrics, failing, ok, logPub)
	err := fanout.Publish(context.Background(), testAlert())
	if err == nil || err.Error() != "stream down" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if failing.calls != 1 || ok.calls != 1 || len(lines) != 1 {
		t.Fatalf("expected every publisher to run: %d %d %d", failing.calls, ok.calls, len(lines))
	}
	if got := metrics.Snapshot().OperatorAlerts; got != 1 {
		t.Fatalf("expected 1 alert counted, got %d", got)
	}
}
