// Package events publishes domain events to the durable domain-events stream
// and relays tenant-facing copies over Postgres notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/edvin/cloudaccounts/internal/model"
	"github.com/edvin/cloudaccounts/internal/stream"
)

// StreamPublisher appends a raw message to a named stream.
type StreamPublisher interface {
	Publish(ctx context.Context, streamName, kind string, payload []byte) error
}

// Notifier is the part of a pgx pool used to send notifications.
type Notifier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Envelope is the payload sent on a tenant channel.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Publisher emits domain events.
type Publisher struct {
	stream   StreamPublisher
	notifier Notifier
}

func NewPublisher(stream StreamPublisher, notifier Notifier) *Publisher {
	return &Publisher{stream: stream, notifier: notifier}
}

// Publish appends the event to the domain-events stream.
func (p *Publisher) Publish(ctx context.Context, evt model.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Kind(), err)
	}
	return p.stream.Publish(ctx, model.DomainEventsStream, evt.Kind(), payload)
}

// PublishTenant broadcasts the event on the workspace's live channel.
// Delivery is best effort: only currently connected listeners receive it.
func (p *Publisher) PublishTenant(ctx context.Context, workspaceID string, evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Kind(), err)
	}
	payload, err := json.Marshal(Envelope{Kind: evt.Kind(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := p.notifier.Exec(ctx, "SELECT pg_notify($1, $2)", model.TenantEventsChannel(workspaceID), string(payload)); err != nil {
		return fmt.Errorf("notify tenant %s: %w", workspaceID, err)
	}
	return nil
}

// Handler turns an event callback into a stream handler. Messages of unknown
// kinds are acknowledged without calling fn; undecodable ones are logged and
// acknowledged since a retry cannot fix them.
func Handler(logger zerolog.Logger, fn func(ctx context.Context, evt model.Event) error) stream.Handler {
	return func(ctx context.Context, d stream.Delivery) error {
		evt, err := model.DecodeEvent(d.Kind, d.Body)
		if err != nil {
			logger.Error().Err(err).Str("message_id", d.ID).Str("kind", d.Kind).Msg("dropping undecodable event")
			return nil
		}
		if evt == nil {
			return nil
		}
		return fn(ctx, evt)
	}
}
