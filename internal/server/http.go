package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openchlai/ai-sub002/internal/config"
	"github.com/openchlai/ai-sub002/internal/dispatch"
	"github.com/openchlai/ai-sub002/internal/metrics"
	"github.com/openchlai/ai-sub002/internal/queue"
	"github.com/openchlai/ai-sub002/internal/session"
)

// CallRegistry is the session registry surface served over HTTP
type CallRegistry interface {
	AllActive() []*session.Session
	Get(ctx context.Context, callID string) (*session.Session, bool)
	End(ctx context.Context, callID string, reason session.Reason) *session.Session
	Stats() session.Stats
	Ping(ctx context.Context) error
}

// CompletionDispatcher accepts job completions and reports pool status
type CompletionDispatcher interface {
	HandleCompletion(c queue.Completion) bool
	Status() dispatch.Status
}

// IngestStats exposes the TCP server's counters
type IngestStats interface {
	GetStatistics() ServerStatistics
	Connections() []ConnectionStats
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// HTTPServer provides HTTP API endpoints for monitoring, the explicit
// end-of-call signal and job completion callbacks
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	registry   CallRegistry
	dispatcher CompletionDispatcher
	queue      queue.Queue
	ingest     IngestStats
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	// Server state
	startTime time.Time
	sockets   map[*websocket.Conn]struct{}
	mu        sync.Mutex
}

// NewHTTPServer creates a new HTTP API server. ingest may be nil when the
// process runs without a TCP listener.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	registry CallRegistry, dispatcher CompletionDispatcher, q queue.Queue, ingest IngestStats, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		registry:   registry,
		dispatcher: dispatcher,
		queue:      q,
		ingest:     ingest,
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Analysis workers are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		sockets:   make(map[*websocket.Conn]struct{}),
	}

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprint(cfg.Port)),
		Handler:      h.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Router builds the HTTP API routes
func (h *HTTPServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", h.withMetrics("/", h.handleRoot)).Methods(http.MethodGet)
	r.HandleFunc("/health", h.withMetrics("/health", h.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.withMetrics("/readyz", h.handleReady)).Methods(http.MethodGet)
	r.HandleFunc("/status", h.withMetrics("/status", h.handleStatus)).Methods(http.MethodGet)

	r.HandleFunc("/calls", h.withMetrics("/calls", h.handleCalls)).Methods(http.MethodGet)
	r.HandleFunc("/calls/{call_id}", h.withMetrics("/calls/{call_id}", h.handleCallDetail)).Methods(http.MethodGet)
	r.HandleFunc("/calls/{call_id}/end", h.withMetrics("/calls/{call_id}/end", h.handleCallEnd)).Methods(http.MethodPost)

	r.HandleFunc("/jobs/completions", h.withMetrics("/jobs/completions", h.handleCompletion)).Methods(http.MethodPost)
	// Not wrapped: the metrics writer cannot be hijacked
	r.HandleFunc("/ws/completions", h.handleCompletionStream).Methods(http.MethodGet)

	r.HandleFunc("/config", h.withMetrics("/config", h.handleConfig)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and closes completion streams
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.mu.Lock()
	for conn := range h.sockets {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	h.mu.Unlock()

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"sessions":   h.registry.Stats(),
		"dispatcher": h.dispatcher.Status(),
	}
	if h.ingest != nil {
		components["tcp_server"] = h.ingest.GetStatistics()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "callstream",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleReady implements the /readyz endpoint: the shared store and the job
// queue must both answer
func (h *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if err := h.registry.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	if err := h.queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		ready = false
	} else {
		checks["queue"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// CallStatus is the per-call entry of the status query
type CallStatus struct {
	CallID        string           `json:"call_id"`
	Status        session.Status   `json:"status"`
	Mode          session.Mode     `json:"mode"`
	StartTime     time.Time        `json:"start_time"`
	LastActivity  time.Time        `json:"last_activity"`
	SegmentCount  int              `json:"segment_count"`
	AudioDuration float64          `json:"audio_duration"`
	Connection    *ConnectionStats `json:"connection,omitempty"`
}

// handleStatus implements the /status endpoint: pool accounting plus, per
// active call, its session summary and buffered audio
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	conns := map[string]ConnectionStats{}
	if h.ingest != nil {
		for _, c := range h.ingest.Connections() {
			if c.CallID != "" {
				conns[c.CallID] = c
			}
		}
	}

	active := h.registry.AllActive()
	calls := make([]CallStatus, 0, len(active))
	for _, sess := range active {
		snap := sess.Snapshot()
		cs := CallStatus{
			CallID:        snap.CallID,
			Status:        snap.Status,
			Mode:          snap.Mode,
			StartTime:     snap.StartTime,
			LastActivity:  snap.LastActivity,
			SegmentCount:  snap.SegmentCount,
			AudioDuration: snap.AudioDuration,
		}
		if c, ok := conns[snap.CallID]; ok {
			cs.Connection = &c
		}
		calls = append(calls, cs)
	}

	ds := h.dispatcher.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":    time.Now().UTC(),
		"uptime":       time.Since(h.startTime).String(),
		"pools":        []dispatch.PoolStatus{ds.Interactive, ds.Batch},
		"dispatcher":   ds,
		"sessions":     h.registry.Stats(),
		"active_calls": len(calls),
		"calls":        calls,
	})
}

// handleCalls implements the /calls endpoint
func (h *HTTPServer) handleCalls(w http.ResponseWriter, r *http.Request) {
	active := h.registry.AllActive()
	snaps := make([]session.Snapshot, 0, len(active))
	for _, sess := range active {
		snap := sess.Snapshot()
		snap.Segments = nil
		snaps = append(snaps, snap)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls": len(snaps),
		"timestamp":   time.Now().UTC(),
		"calls":       snaps,
	})
}

// handleCallDetail implements the /calls/{call_id} endpoint
func (h *HTTPServer) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]

	sess, ok := h.registry.Get(r.Context(), callID)
	if !ok {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleCallEnd implements POST /calls/{call_id}/end, the explicit
// end-of-call signal
func (h *HTTPServer) handleCallEnd(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]

	reason := session.ReasonCompleted
	if v := r.URL.Query().Get("reason"); v != "" {
		switch session.Reason(v) {
		case session.ReasonCompleted, session.ReasonTimeout, session.ReasonError:
			reason = session.Reason(v)
		default:
			http.Error(w, "Invalid reason", http.StatusBadRequest)
			return
		}
	}

	sess := h.registry.End(r.Context(), callID, reason)
	if sess == nil {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	h.logger.Info("Call ended by API request",
		slog.String("call_id", callID),
		slog.String("reason", string(reason)),
	)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleCompletion implements POST /jobs/completions
func (h *HTTPServer) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var c queue.Completion
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&c); err != nil {
		http.Error(w, "Invalid completion body", http.StatusBadRequest)
		return
	}
	if err := c.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !h.dispatcher.HandleCompletion(c) {
		http.Error(w, "Completion inbox full", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, completionAck{JobID: c.JobID, Accepted: true})
}

// completionAck answers each completion on both transports
type completionAck struct {
	JobID    queue.Handle `json:"job_id"`
	Accepted bool         `json:"accepted"`
	Error    string       `json:"error,omitempty"`
}

// handleCompletionStream implements GET /ws/completions: workers push
// completions as JSON text messages and receive one ack per message
func (h *HTTPServer) handleCompletionStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.RecordHTTPError(r.Method, "/ws/completions", "upgrade_failed")
		h.logger.Warn("Completion stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.metrics.RecordHTTPRequest(r.Method, "/ws/completions", "101", 0)

	// Clear the deadlines net/http left on the hijacked connection
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	h.mu.Lock()
	h.sockets[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sockets, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	logger := h.logger.With(slog.String("remote_addr", r.RemoteAddr))
	logger.Info("Completion stream connected")

	for {
		var c queue.Completion
		if err := conn.ReadJSON(&c); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Completion stream read failed", slog.String("error", err.Error()))
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				// Malformed message, the connection is still usable
				if err := conn.WriteJSON(completionAck{Error: "invalid completion body"}); err != nil {
					return
				}
				continue
			}
			logger.Info("Completion stream disconnected")
			return
		}

		ack := completionAck{JobID: c.JobID}
		if err := c.Validate(); err != nil {
			ack.Error = err.Error()
		} else if h.dispatcher.HandleCompletion(c) {
			ack.Accepted = true
		} else {
			ack.Error = "completion inbox full"
		}

		if err := conn.WriteJSON(ack); err != nil {
			logger.Warn("Completion stream write failed", slog.String("error", err.Error()))
			return
		}
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Sanitized())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Call Audio Ingestion Service",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /readyz":               "Readiness of the session store and job queue",
			"GET /status":               "Pool accounting and per-call buffer and session status",
			"GET /calls":                "List active calls",
			"GET /calls/{call_id}":      "Get call session details",
			"POST /calls/{call_id}/end": "End a call",
			"POST /jobs/completions":    "Report a finished analysis job",
			"GET /ws/completions":       "Websocket stream of finished analysis jobs",
			"GET /config":               "Get service configuration",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
