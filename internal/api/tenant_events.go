package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/cloudaccounts/internal/model"
)

const eventWriteTimeout = 10 * time.Second

// handleTenantEvents upgrades to a websocket and relays every notification
// of the workspace channel as a text message until either side goes away.
func (s *Server) handleTenantEvents(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	logger := zerolog.Ctx(r.Context()).With().Str("workspace_id", workspaceID).Logger()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer ws.CloseNow()

	// CloseRead cancels ctx once the client closes the connection.
	ctx := ws.CloseRead(r.Context())

	err = s.subscriber.Subscribe(ctx, model.TenantEventsChannel(workspaceID), func(payload []byte) error {
		wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
		defer cancel()
		return ws.Write(wctx, websocket.MessageText, payload)
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("tenant event relay stopped")
		ws.Close(websocket.StatusInternalError, "event relay failed")
		return
	}
	ws.Close(websocket.StatusNormalClosure, "")
}
