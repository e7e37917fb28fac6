package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/agentdeck/internal/bus"
)

// streamEvent is one frame on the live stream, SSE and WebSocket alike.
type streamEvent struct {
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	MachineID string    `json:"machine_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// handleStream implements GET /dashboard/stream as Server-Sent Events.
// Clients get a connected frame, then a dashboard_updated frame per
// persisted change, with comment heartbeats to keep proxies from idling
// the connection out.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, streamEvent{Type: "connected"}); err != nil {
		return
	}
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe("dashboard.")
	defer s.cfg.Bus.Unsubscribe(sub)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

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
			if err := writeSSE(w, frame); err != nil {
				s.cfg.Logger.Debug("sse write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
