package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/edvin/cloudaccounts/internal/model"
)

// StreamPublisher appends a raw message to a named stream.
type StreamPublisher interface {
	Publish(ctx context.Context, streamName, kind string, payload []byte) error
}

// CollectEvents contains activities publishing collect job outcomes onto the
// collect-events stream.
type CollectEvents struct {
	publisher StreamPublisher
}

// NewCollectEvents creates a new CollectEvents activity struct.
func NewCollectEvents(publisher StreamPublisher) *CollectEvents {
	return &CollectEvents{publisher: publisher}
}

// PublishCollectDone publishes the result of a finished collect job.
func (a *CollectEvents) PublishCollectDone(ctx context.Context, done model.CollectDone) error {
	return a.publish(ctx, model.KindCollectDone, done)
}

// PublishJobFailed publishes the failure of a collect job.
func (a *CollectEvents) PublishJobFailed(ctx context.Context, failed model.CollectJobFailed) error {
	return a.publish(ctx, model.KindCollectJobFailed, failed)
}

func (a *CollectEvents) publish(ctx context.Context, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("marshal "+kind+" message", "MARSHAL_ERROR", err)
	}
	if err := a.publisher.Publish(ctx, model.CollectEventsStream, kind, payload); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}
