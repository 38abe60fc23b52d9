// Package cloudformation answers the custom resource notifications sent when
// a customer deploys, updates or removes the access role stack.
package cloudformation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/cloudaccounts/internal/lifecycle"
	"github.com/edvin/cloudaccounts/internal/model"
	"github.com/edvin/cloudaccounts/internal/stream"
)

var callbacksSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cloudformation_callbacks_total",
	Help: "Custom resource callbacks by request type, status and delivery result",
}, []string{"request_type", "status", "result"})

// Accounts is the part of the lifecycle engine driven by notifications.
type Accounts interface {
	CreateAccount(ctx context.Context, p lifecycle.CreateAccountParams) (*model.CloudAccount, error)
	DegradeMatching(ctx context.Context, id, roleName, externalID, reason string) error
}

// Sender delivers a callback response.
type Sender interface {
	Send(ctx context.Context, url string, resp Response) error
}

// Handler translates notifications into lifecycle calls and answers every
// notification with exactly one callback.
type Handler struct {
	accounts Accounts
	sender   Sender
	// lastAttempt is the redelivery count of the final attempt the listener
	// grants a message, its DoNotRetryMoreThan.
	lastAttempt int
	logger      zerolog.Logger
}

// NewHandler creates a handler for a listener that drops messages redelivered
// more than lastAttempt times. On the last attempt a transient failure is
// answered with FAILED instead of being left for redelivery.
func NewHandler(accounts Accounts, sender Sender, lastAttempt int, logger zerolog.Logger) *Handler {
	return &Handler{
		accounts:    accounts,
		sender:      sender,
		lastAttempt: lastAttempt,
		logger:      logger.With().Str("component", "cloudformation").Logger(),
	}
}

// ListenerOptions returns the stream options for the notification queue.
// Lifecycle calls are not retried in-process; redelivery is the retry.
func ListenerOptions() stream.Options {
	opts := stream.DefaultOptions()
	opts.Backoff = stream.NoBackoff
	return opts
}

// Handle processes one queue message. A returned error leaves the message on
// the queue. Unparseable messages are dropped.
func (h *Handler) Handle(ctx context.Context, d stream.Delivery) error {
	var n Notification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		h.logger.Error().Err(err).Str("message_id", d.ID).Msg("dropping unparseable notification")
		return nil
	}
	logger := h.logger.With().Str("request_type", n.RequestType).Str("request_id", n.RequestID).Str("stack_id", n.StackID).Logger()

	switch n.RequestType {
	case RequestCreate, RequestUpdate:
		return h.handleCreate(ctx, n, d.Redeliveries >= h.lastAttempt, logger)
	case RequestDelete:
		return h.handleDelete(ctx, n, logger)
	default:
		logger.Info().Msg("acknowledging unsupported request type")
		return h.reply(ctx, n, StatusSuccess, n.physicalID(), "", logger)
	}
}

func (h *Handler) handleCreate(ctx context.Context, n Notification, lastAttempt bool, logger zerolog.Logger) error {
	props := n.ResourceProperties
	if err := validate.Struct(props); err != nil {
		logger.Warn().Err(err).Msg("malformed resource properties")
		return h.reply(ctx, n, StatusFailed, n.physicalID(), fmt.Sprintf("invalid resource properties: %v", err), logger)
	}
	accountID, _ := accountFromStackARN(props.StackID)

	account, err := h.accounts.CreateAccount(ctx, lifecycle.CreateAccountParams{
		WorkspaceID:       props.WorkspaceID,
		ProviderAccountID: accountID,
		RoleName:          props.RoleName,
		ExternalID:        props.ExternalID,
	})
	switch {
	case errors.Is(err, model.ErrWrongExternalID), errors.Is(err, model.ErrNotFound):
		logger.Warn().Err(err).Str("workspace_id", props.WorkspaceID).Msg("rejecting role registration")
		return h.reply(ctx, n, StatusFailed, n.physicalID(), "Unknown workspace or external id", logger)
	case err != nil && lastAttempt:
		logger.Error().Err(err).Str("workspace_id", props.WorkspaceID).Msg("giving up on role registration")
		return h.reply(ctx, n, StatusFailed, n.physicalID(), fmt.Sprintf("Role registration failed: %v", err), logger)
	case err != nil:
		return fmt.Errorf("create account from stack %s: %w", props.StackID, err)
	}

	logger.Info().Str("workspace_id", props.WorkspaceID).Str("cloud_account_id", account.ID).Msg("role registered")
	return h.reply(ctx, n, StatusSuccess, account.ID, "", logger)
}

func (h *Handler) handleDelete(ctx context.Context, n Notification, logger zerolog.Logger) error {
	props := n.ResourceProperties
	if n.PhysicalResourceID != "" {
		err := h.accounts.DegradeMatching(ctx, n.PhysicalResourceID, props.RoleName, props.ExternalID, "Access role stack was deleted")
		switch {
		case errors.Is(err, model.ErrNotFound):
			logger.Info().Str("cloud_account_id", n.PhysicalResourceID).Msg("deleted stack refers to unknown account")
		case err != nil:
			logger.Error().Err(err).Str("cloud_account_id", n.PhysicalResourceID).Msg("degrade account failed")
		}
	}
	return h.reply(ctx, n, StatusSuccess, n.physicalID(), "", logger)
}

// reply sends the single callback of a notification. A response that cannot
// be built fails the message so it is retried; a failed delivery is logged.
func (h *Handler) reply(ctx context.Context, n Notification, status, physicalID, reason string, logger zerolog.Logger) error {
	resp, err := n.response(status, physicalID, reason)
	if err != nil {
		return err
	}
	if err := h.sender.Send(ctx, n.ResponseURL, resp); err != nil {
		callbacksSent.WithLabelValues(n.RequestType, status, "error").Inc()
		logger.Error().Err(err).Str("status", status).Msg("callback delivery failed")
		return nil
	}
	callbacksSent.WithLabelValues(n.RequestType, status, "ok").Inc()
	logger.Debug().Str("status", status).Msg("callback sent")
	return nil
}

// physicalID is the id echoed for notifications that did not create an
// account.
func (n Notification) physicalID() string {
	if n.PhysicalResourceID != "" {
		return n.PhysicalResourceID
	}
	return n.RequestID
}
