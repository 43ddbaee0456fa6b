package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"meshwatch/internal/hub"
	"meshwatch/internal/protocol"
	"meshwatch/internal/registry"
	"meshwatch/internal/stats"
)

// Server exposes the coordinator's HTTP surface: the agent-facing
// registration and heartbeat endpoints, the dashboard pull endpoints,
// the realtime WebSocket upgrade and Prometheus metrics.
type Server struct {
	reg   *registry.Registry
	stats *stats.Aggregator
	hub   *hub.Hub
	log   *logrus.Entry

	version   string
	startTime time.Time
	httpSrv   *http.Server
}

// New creates a server bound to the given components.
func New(addr string, reg *registry.Registry, st *stats.Aggregator, h *hub.Hub, version string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		reg:       reg,
		stats:     st,
		hub:       h,
		log:       log.WithField("component", "server"),
		version:   version,
		startTime: time.Now(),
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Routes builds the coordinator's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /nodes", s.handleNodes)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /nodes/register", s.handleRegister)
	mux.HandleFunc("POST /nodes/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /nodes/{id}/status", s.handleStatusUpdate)
	mux.HandleFunc("POST /nodes/{id}/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /nodes/{id}/action", s.handleAction)
	mux.HandleFunc("POST /nodes/{id}/command", s.handleCommand)
	mux.HandleFunc("GET /ws", s.hub.HandleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Status assembles the coordinator's self-description. Also used by the
// hub for its bootstrap bundle.
func (s *Server) Status() protocol.StatusResponse {
	return protocol.StatusResponse{
		Service:       protocol.ServiceName,
		Version:       s.version,
		StartTime:     s.startTime,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		NodeCount:     s.reg.Count(),
		NodesByState:  s.reg.CountsByState(),
		Sessions:      s.hub.SessionCount(),
	}
}

// ListenAndServe runs the server until ctx is cancelled. Failure to bind
// the port is the one fatal startup error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.reg.List()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.stats.Latest()
	writeJSON(w, http.StatusOK, map[string]any{
		"collected":   ok,
		"latest":      latest,
		"performance": s.stats.PerformanceWindow(15),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed register request")
		return
	}

	snap, err := s.reg.Register(req)
	if err != nil {
		if errors.Is(err, registry.ErrIncompatibleVersion) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node": snap})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	var rec protocol.HeartbeatRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "malformed heartbeat")
		return
	}
	rec.NodeID = nodeID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if err := s.reg.IngestHeartbeat(rec); err != nil {
		if errors.Is(err, registry.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{
		Acknowledged: true,
		Commands:     s.reg.PopCommands(nodeID),
	})
}

func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	var upd protocol.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "malformed status update")
		return
	}

	if err := s.reg.UpdateStatus(nodeID, upd.Status); err != nil {
		if errors.Is(err, registry.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	var bundle protocol.DiagnosticsBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeError(w, http.StatusBadRequest, "malformed diagnostics bundle")
		return
	}
	bundle.NodeID = nodeID
	if bundle.Timestamp.IsZero() {
		bundle.Timestamp = time.Now().UTC()
	}

	if err := s.reg.SetDiagnostics(nodeID, bundle); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": true})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	var req protocol.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed action request")
		return
	}

	result, err := s.reg.DispatchAction(r.Context(), nodeID, req.Action)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNodeNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, registry.ErrUnknownAction):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			result.Message = err.Error()
			writeJSON(w, http.StatusBadGateway, result)
		}
		return
	}
	if result.Success {
		s.hub.NotifyAccessChange(nodeID, req.Action)
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCommand enqueues an agent command for delivery in the node's
// next heartbeat response.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Type == "" {
		writeError(w, http.StatusBadRequest, "malformed command")
		return
	}

	if err := s.reg.QueueCommand(nodeID, cmd); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
