// Package pgstream implements a durable, consumer-group based message stream
// on top of Postgres tables.
//
// Every published message is copied into one delivery row per registered
// consumer group. Receiving leases delivery rows with FOR UPDATE SKIP LOCKED
// and pushes their visibility into the future; acknowledging deletes the row.
// A message that is not acknowledged before its lease runs out becomes
// visible to the group again with an incremented receive count.
package pgstream

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/cloudaccounts/internal/stream"
)

// DB is the subset of pgxpool.Pool used by the stream.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Publisher appends messages to streams.
type Publisher struct {
	db   DB
	name string
}

// NewPublisher creates a publisher. name identifies the publishing service.
func NewPublisher(db DB, name string) *Publisher {
	return &Publisher{db: db, name: name}
}

// Publish appends a message to the stream and fans it out to every consumer
// group registered on it.
func (p *Publisher) Publish(ctx context.Context, streamName, kind string, payload []byte) error {
	_, err := p.db.Exec(ctx,
		`WITH msg AS (
			INSERT INTO stream_messages (stream, kind, publisher, payload)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		)
		INSERT INTO stream_deliveries (stream, consumer_group, message_id)
		SELECT g.stream, g.consumer_group, msg.id
		FROM stream_groups g, msg
		WHERE g.stream = $1`,
		streamName, kind, p.name, payload,
	)
	if err != nil {
		return fmt.Errorf("publish %s to stream %s: %w", kind, streamName, err)
	}
	return nil
}

// Consumer reads a stream as a member of a consumer group. It implements
// stream.Transport.
type Consumer struct {
	db     DB
	stream string
	group  string

	mu         sync.Mutex
	registered bool
}

// NewConsumer creates a consumer. The group is registered on first receive;
// messages published before that are not delivered to it.
func NewConsumer(db DB, streamName, group string) *Consumer {
	return &Consumer{db: db, stream: streamName, group: group}
}

func (c *Consumer) Name() string { return "pg:" + c.stream + "/" + c.group }

// Register makes the group known to the stream. It is idempotent; a failed
// registration is retried on the next call.
func (c *Consumer) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}
	_, err := c.db.Exec(ctx,
		`INSERT INTO stream_groups (stream, consumer_group) VALUES ($1, $2)
		 ON CONFLICT (stream, consumer_group) DO NOTHING`,
		c.stream, c.group,
	)
	if err != nil {
		return fmt.Errorf("register consumer group %s on %s: %w", c.group, c.stream, err)
	}
	c.registered = true
	return nil
}

// Receive leases up to max visible messages for the given visibility window.
func (c *Consumer) Receive(ctx context.Context, max int, visibility time.Duration) ([]stream.Delivery, error) {
	if err := c.Register(ctx); err != nil {
		return nil, err
	}
	rows, err := c.db.Query(ctx,
		`UPDATE stream_deliveries d
		 SET receive_count = d.receive_count + 1,
		     visible_at = now() + make_interval(secs => $4)
		 FROM (
			SELECT message_id FROM stream_deliveries
			WHERE stream = $1 AND consumer_group = $2 AND visible_at <= now()
			ORDER BY message_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 ) due, stream_messages m
		 WHERE d.stream = $1 AND d.consumer_group = $2
		   AND d.message_id = due.message_id AND m.id = d.message_id
		 RETURNING m.id, m.kind, m.publisher, m.created_at, m.payload, d.receive_count`,
		c.stream, c.group, max, visibility.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", c.Name(), err)
	}
	defer rows.Close()

	type leased struct {
		id int64
		d  stream.Delivery
	}
	var out []leased
	for rows.Next() {
		var (
			l            leased
			receiveCount int
		)
		if err := rows.Scan(&l.id, &l.d.Kind, &l.d.Publisher, &l.d.SentAt, &l.d.Body, &receiveCount); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		l.d.ID = strconv.FormatInt(l.id, 10)
		l.d.Receipt = l.d.ID
		l.d.Redeliveries = receiveCount - 1
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	slices.SortFunc(out, func(a, b leased) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	deliveries := make([]stream.Delivery, len(out))
	for i, l := range out {
		deliveries[i] = l.d
	}
	return deliveries, nil
}

// Ack removes the delivery from the group.
func (c *Consumer) Ack(ctx context.Context, d stream.Delivery) error {
	id, err := strconv.ParseInt(d.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid receipt %q: %w", d.Receipt, err)
	}
	_, err = c.db.Exec(ctx,
		`DELETE FROM stream_deliveries WHERE stream = $1 AND consumer_group = $2 AND message_id = $3`,
		c.stream, c.group, id,
	)
	if err != nil {
		return fmt.Errorf("ack message %d on %s: %w", id, c.Name(), err)
	}
	return nil
}

// Trim deletes messages of the stream that are older than the retention and
// have no pending deliveries. It returns the number of deleted messages.
func Trim(ctx context.Context, db DB, streamName string, retention time.Duration, now time.Time) (int64, error) {
	tag, err := db.Exec(ctx,
		`DELETE FROM stream_messages m
		 WHERE m.stream = $1 AND m.created_at < $2
		   AND NOT EXISTS (SELECT 1 FROM stream_deliveries d WHERE d.message_id = m.id)`,
		streamName, now.Add(-retention),
	)
	if err != nil {
		return 0, fmt.Errorf("trim stream %s: %w", streamName, err)
	}
	return tag.RowsAffected(), nil
}
