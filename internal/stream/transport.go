// Package stream implements at-least-once consumption of durable message
// streams. Transports (a Postgres stream, an SQS queue) only know how to
// receive and acknowledge; retry, backoff and drop policy live in Listener.
package stream

import (
	"context"
	"time"
)

// Delivery is a received, not yet acknowledged message.
type Delivery struct {
	ID        string
	Kind      string
	Publisher string
	SentAt    time.Time
	Body      []byte
	// Redeliveries is the number of earlier deliveries of this message. It is
	// zero on the first delivery.
	Redeliveries int
	// Receipt is the transport specific acknowledgement handle.
	Receipt string
}

// Transport is a competing-consumer message source. Received messages stay
// invisible to other consumers for the visibility window and become
// redeliverable unless acknowledged.
type Transport interface {
	Name() string
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}

// Handler processes a single delivery. A returned error leaves the message
// unacknowledged.
type Handler func(ctx context.Context, d Delivery) error
