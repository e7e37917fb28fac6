// Package gateway exposes the HTTP surface: report ingestion, dashboard
// reads, the live event stream, and health.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentdeck/internal/audit"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/dashboard"
	"github.com/basket/agentdeck/internal/ingest"
	"github.com/basket/agentdeck/internal/otel"
)

type Config struct {
	Engine *ingest.Engine
	Bus    *bus.Bus
	Logger *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser requests.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string

	MaxBodyBytes      int64
	HeartbeatInterval time.Duration

	Metrics *otel.IngestMetrics
}

type Server struct {
	cfg   Config
	start time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Server{cfg: cfg, start: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/reseed", s.handleReseed)
	mux.HandleFunc("/dashboard", s.handleDashboard)
	mux.HandleFunc("/dashboard/machine/", s.handleMachine)
	mux.HandleFunc("/dashboard/history", s.handleHistory)
	mux.HandleFunc("/dashboard/stream", s.handleStream)
	mux.HandleFunc("/dashboard/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	var h http.Handler = mux
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.requestID(h)
	return h
}

// requestID tags every request with a trace id for log correlation. An
// inbound X-Request-ID is honored so agents can trace their own reports.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.cfg.Logger.Debug("request", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type reportResponse struct {
	OK                 bool   `json:"ok"`
	Machine            string `json:"machine"`
	MachineFingerprint string `json:"machine_fingerprint"`
	TasksUpdated       int    `json:"tasks_updated"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := decodeReportBody(r)
	if err != nil {
		s.countRejected(r)
		audit.Record(audit.ActionReportRejected, err.Error(), "")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.cfg.Engine.ApplyReport(r.Context(), body)
	if err != nil {
		if errors.Is(err, ingest.ErrMissingMachineID) {
			s.countRejected(r)
			audit.Record(audit.ActionReportRejected, err.Error(), "")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.cfg.Logger.Error("apply report failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to apply report")
		return
	}

	if m := s.cfg.Metrics; m != nil {
		ctx := r.Context()
		m.ReportsIngested.Add(ctx, 1)
		m.TasksUpserted.Add(ctx, int64(res.TasksUpdated))
		m.CardsCreated.Add(ctx, int64(res.CardsCreated))
		m.CardsMerged.Add(ctx, int64(res.CardsMerged))
	}
	writeJSON(w, http.StatusOK, reportResponse{
		OK:                 true,
		Machine:            res.CardID,
		MachineFingerprint: res.Fingerprint,
		TasksUpdated:       res.TasksUpdated,
	})
}

func (s *Server) countRejected(r *http.Request) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ReportsRejected.Add(r.Context(), 1)
	}
}

func (s *Server) handleReseed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	merged, err := s.cfg.Engine.Reseed(r.Context())
	if err != nil {
		s.cfg.Logger.Error("reseed failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reseed failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cards_merged": merged})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	db, err := s.cfg.Engine.Snapshot(r.Context())
	if err != nil {
		s.cfg.Logger.Error("snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load dashboard")
		return
	}
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"updated_at": now,
		"machines":   dashboard.Summary(db, s.cfg.Engine.Limits().OfflineTimeout, now),
	})
}

// handleMachine routes GET /dashboard/machine/{id} and
// PUT /dashboard/machine/{id}/display-name.
func (s *Server) handleMachine(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/dashboard/machine/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "machine id required")
		return
	}
	if id, ok := strings.CutSuffix(rest, "/display-name"); ok {
		s.handleDisplayName(w, r, id)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	db, err := s.cfg.Engine.Snapshot(r.Context())
	if err != nil {
		s.cfg.Logger.Error("snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load dashboard")
		return
	}
	detail := dashboard.Detail(db, rest, s.cfg.Engine.Limits().OfflineTimeout, time.Now().UTC())
	if detail == nil {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDisplayName(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	card, err := s.cfg.Engine.SetDisplayName(r.Context(), id, body.DisplayName)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		s.cfg.Logger.Error("set display name failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to set display name")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"display_name":  card.DisplayName,
		"display_title": card.Title(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	db, err := s.cfg.Engine.Snapshot(r.Context())
	if err != nil {
		s.cfg.Logger.Error("snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	total, items := dashboard.History(db, q.Get("machine_id"), q.Get("task_id"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "items": items})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	subscribers := 0
	if s.cfg.Bus != nil {
		subscribers = s.cfg.Bus.SubscriberCount()
	}
	body := map[string]any{
		"healthy":            true,
		"store_ok":           true,
		"cards":              0,
		"subscribers":        subscribers,
		"uptime_seconds":     int(time.Since(s.start).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	db, err := s.cfg.Engine.Snapshot(r.Context())
	if err != nil {
		body["healthy"] = false
		body["store_ok"] = false
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["cards"] = len(db.Machines)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	subscribers := 0
	if s.cfg.Bus != nil {
		subscribers = s.cfg.Bus.SubscriberCount()
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_subscribers": subscribers,
		"audit_drops":        audit.DropCount(),
		"goroutines":         runtime.NumGoroutine(),
		"heap_alloc_bytes":   mem.HeapAlloc,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
