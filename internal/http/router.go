package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caretide/fhirgate/internal/auth"
	"github.com/caretide/fhirgate/internal/domain"
	"github.com/caretide/fhirgate/internal/monitor"
	"github.com/caretide/fhirgate/internal/ws"
)

// Router wires HTTP endpoints to the monitoring pipeline.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	monitor        *monitor.Service
	validator      auth.Validator
	registry       *ws.Registry
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	ingestToken    string
	keepalive      time.Duration
	sessionSendBuf int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitQuery     = 120
	rateLimitExport    = 12
	rateLimitIngest    = 600
	rateLimitStream    = 30
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc *monitor.Service, validator auth.Validator, registry *ws.Registry, limiter RateLimiter, ingestToken string, keepalive time.Duration, sessionSendBuf int) *Router {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		monitor:   svc,
		validator: validator,
		registry:  registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		ingestToken:    strings.TrimSpace(ingestToken),
		keepalive:      keepalive,
		sessionSendBuf: sessionSendBuf,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/monitor/events", r.audit("ingest", r.withRateLimit("ingest", rateLimitIngest, rateWindowDefault, r.handleIngest)))
	r.mux.HandleFunc("/monitor/api/events", r.audit("events", r.handlerAuthRate("events", rateLimitQuery, rateWindowDefault, r.handleEvents)))
	r.mux.HandleFunc("/monitor/api/analytics", r.audit("analytics", r.handlerAuthRate("analytics", rateLimitQuery, rateWindowDefault, r.handleAnalytics)))
	r.mux.HandleFunc("/monitor/api/health", r.audit("health", r.handlerAuthRate("health", rateLimitQuery, rateWindowDefault, r.handleMonitorHealth)))
	r.mux.HandleFunc("/monitor/api/export/analytics", r.audit("export_analytics", r.handlerAuthRate("export_analytics", rateLimitExport, rateWindowDefault, r.handleExportAnalytics)))
	r.mux.HandleFunc("/monitor/api/export/events", r.audit("export_events", r.handlerAuthRate("export_events", rateLimitExport, rateWindowDefault, r.handleExportEvents)))
	r.mux.HandleFunc("/monitor/stream/events", r.audit("stream_events", r.withRateLimit("stream_events", rateLimitStream, rateWindowRealtime, r.handleStreamEvents)))
	r.mux.HandleFunc("/monitor/stream/analytics", r.audit("stream_analytics", r.withRateLimit("stream_analytics", rateLimitStream, rateWindowRealtime, r.handleStreamAnalytics)))
	r.mux.HandleFunc("/monitor/ws", r.audit("session", r.withRateLimit("session", rateLimitStream, rateWindowRealtime, r.handleSession)))
	r.mux.HandleFunc("/monitor/ws/info", r.audit("session_info", r.handleSessionInfo))
}

// handleIngest accepts one flow event from the flow-processing
// collaborator. It is authenticated by the shared ingest token rather
// than a user bearer token.
func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyIngestToken(w, req) {
		return
	}
	var event domain.FlowEvent
	if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.IPAddress == "" {
		event.IPAddress = clientIP(req)
	}
	if err := r.monitor.Ingest(event); err != nil {
		if errors.Is(err, domain.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded", "id": event.ID})
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	filter := domain.EventFilter{
		Type:     domain.EventType(strings.TrimSpace(req.URL.Query().Get("type"))),
		Status:   domain.FlowStatus(strings.TrimSpace(req.URL.Query().Get("status"))),
		ClientID: strings.TrimSpace(req.URL.Query().Get("clientId")),
	}
	if limit, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if since := strings.TrimSpace(req.URL.Query().Get("since")); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp, want RFC3339")
			return
		}
		filter.Since = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": r.monitor.Recent(filter)})
}

func (r *Router) handleAnalytics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.monitor.Snapshot())
}

func (r *Router) handleMonitorHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.monitor.Health())
}

func (r *Router) handleExportAnalytics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snap := r.monitor.Snapshot()
	if snap.TotalFlows == 0 {
		writeError(w, http.StatusNotFound, "no analytics recorded yet")
		return
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not serialize analytics")
		return
	}
	filename := "fhirgate-analytics-" + time.Now().UTC().Format("2006-01-02") + ".json"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (r *Router) handleExportEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	data, err := r.monitor.ExportRaw()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	filename := "fhirgate-events-" + time.Now().UTC().Format("2006-01-02") + ".ndjson"
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleSession upgrades to the bidirectional monitoring protocol.
// Authentication happens in-band via the auth message, so the upgrade
// itself is unauthenticated (ping works before auth).
func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	session := ws.NewSession(conn, r.validator, r.monitor, r.registry, r.logger, r.sessionSendBuf)
	session.Run(req.Context())
}

func (r *Router) handleSessionInfo(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messageTypes": []string{"auth", "subscribe", "unsubscribe", "filter", "control", "ping"},
		"channels":     []string{"events", "analytics", "logs"},
		"controls":     []string{"clear_logs", "export_logs", "set_log_level", "set_retention"},
		"filters":      []string{"eventTypes", "from", "to", "logLevel"},
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"components": map[string]any{
			"sessions": map[string]any{"status": "up", "count": r.registry.Len()},
			"monitor":  map[string]any{"status": "up", "totalFlows": r.monitor.Snapshot().TotalFlows},
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		if authenticatedFromContext(ctx) {
			actor = "user"
		} else if strings.HasPrefix(req.URL.Path, "/monitor/events") {
			actor = "ingest"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyIngestToken ensures ingest calls include the configured shared secret.
func (r *Router) verifyIngestToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.ingestToken
	if expected == "" {
		r.logger.Error("ingest token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "ingest authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("ingest_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("ingest token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid ingest token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
