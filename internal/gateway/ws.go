package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentdeck/internal/bus"
)

// handleWS implements GET /dashboard/ws: the same push-only feed as the
// SSE stream for clients that prefer a socket. The server never reads
// application frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead drains and rejects inbound frames, and cancels the context
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if err := wsjson.Write(ctx, conn, streamEvent{Type: "connected"}); err != nil {
		return
	}

	sub := s.cfg.Bus.Subscribe("dashboard.")
	defer s.cfg.Bus.Unsubscribe(sub)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			upd, ok := event.Payload.(bus.DashboardUpdatedEvent)
			if !ok {
				continue
			}
			frame := streamEvent{
				Type:      "dashboard_updated",
				Reason:    upd.Reason,
				MachineID: upd.CardID,
				UpdatedAt: upd.UpdatedAt,
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.cfg.Logger.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}
