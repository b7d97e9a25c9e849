package session

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Invalidation is the fan-out payload telling peer instances to drop any
// cached credential snapshot for the user.
type Invalidation struct {
	UserID string    `json:"user_id"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Notifier publishes invalidation events to peer instances. Delivery is
// best effort; correctness rests on the trust epoch, not on the broker.
type Notifier interface {
	Publish(ctx context.Context, ev Invalidation) error
}

// NoopNotifier is the single-instance deployment default.
type NoopNotifier struct{}

func (NoopNotifier) Publish(context.Context, Invalidation) error { return nil }

const invalidationQueue = "session.invalidated"

// AMQPNotifier publishes to a durable RabbitMQ queue. The connection is
// opened per publish so a broker restart never wedges a long-lived channel;
// invalidations are rare enough that this stays cheap.
type AMQPNotifier struct {
	URL string
}

func NewAMQPNotifier(url string) *AMQPNotifier {
	return &AMQPNotifier{URL: url}
}

func (n *AMQPNotifier) Publish(ctx context.Context, ev Invalidation) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	conn, err := amqp.Dial(n.URL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(invalidationQueue, true, false, false, false, nil); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx,
		"", invalidationQueue,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
			Body:         body,
		},
	)
}
