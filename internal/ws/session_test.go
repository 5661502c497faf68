package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/caretide/fhirgate/internal/bus"
	"github.com/caretide/fhirgate/internal/domain"
	"github.com/caretide/fhirgate/internal/monitor"
	"github.com/caretide/fhirgate/internal/store"
)

const testToken = "valid-token"

type stubValidator struct{}

func (stubValidator) Validate(_ context.Context, token string) error {
	if token == testToken {
		return nil
	}
	return errors.New("token rejected")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sessionHarness struct {
	conn     *websocket.Conn
	svc      *monitor.Service
	registry *Registry
	server   *httptest.Server
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	svc := monitor.NewService(store.New("", 100, nil), bus.New(nil), discardLogger(), 5, 0)
	registry := NewRegistry()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		session := NewSession(conn, stubValidator{}, svc, registry, discardLogger(), 16)
		session.Run(context.Background())
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	h := &sessionHarness{conn: conn, svc: svc, registry: registry, server: server}
	if frame := h.read(t); frame["type"] != "welcome" {
		t.Fatalf("expected welcome frame first, got %+v", frame)
	}
	return h
}

func (h *sessionHarness) write(t *testing.T, frame map[string]any) {
	t.Helper()
	if err := h.conn.WriteJSON(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (h *sessionHarness) writeRaw(t *testing.T, payload string) {
	t.Helper()
	if err := h.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (h *sessionHarness) read(t *testing.T) map[string]any {
	t.Helper()
	_ = h.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := h.conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame not JSON: %v", err)
	}
	return frame
}

func (h *sessionHarness) authenticate(t *testing.T) {
	t.Helper()
	h.write(t, map[string]any{"type": "auth", "token": testToken})
	if frame := h.read(t); frame["type"] != "auth_success" {
		t.Fatalf("expected auth_success, got %+v", frame)
	}
}

func testFlowEvent(id string, eventType domain.EventType) domain.FlowEvent {
	return domain.FlowEvent{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Status:    domain.StatusSuccess,
		ClientID:  "c1",
	}
}

func TestPingWorksBeforeAuth(t *testing.T) {
	h := newSessionHarness(t)
	h.write(t, map[string]any{"type": "ping"})
	frame := h.read(t)
	if frame["type"] != "pong" {
		t.Fatalf("expected pong, got %+v", frame)
	}
	if frame["timestamp"] == nil {
		t.Fatalf("pong must carry a timestamp")
	}
}

func TestUnauthenticatedGating(t *testing.T) {
	h := newSessionHarness(t)
	gated := []map[string]any{
		{"type": "subscribe", "channel": "events"},
		{"type": "filter", "filters": map[string]any{"logLevel": "info"}},
		{"type": "control", "action": "clear_logs"},
	}
	for _, msg := range gated {
		h.write(t, msg)
		frame := h.read(t)
		if frame["type"] != "error" {
			t.Fatalf("expected error for %v before auth, got %+v", msg["type"], frame)
		}
	}
	// The connection stays usable.
	h.write(t, map[string]any{"type": "ping"})
	if frame := h.read(t); frame["type"] != "pong" {
		t.Fatalf("connection should survive gated messages, got %+v", frame)
	}
}

func TestAuthFailureKeepsConnectionOpen(t *testing.T) {
	h := newSessionHarness(t)
	h.write(t, map[string]any{"type": "auth", "token": "wrong"})
	if frame := h.read(t); frame["type"] != "auth_error" {
		t.Fatalf("expected auth_error, got %+v", frame)
	}
	// Retry succeeds on the same connection.
	h.authenticate(t)
}

func TestSubscribeEventsDeliversLive(t *testing.T) {
	h := newSessionHarness(t)
	h.authenticate(t)

	h.write(t, map[string]any{"type": "subscribe", "channel": "events"})
	if frame := h.read(t); frame["type"] != "recent_events" {
		t.Fatalf("expected recent_events initial payload, got %+v", frame)
	}
	if frame := h.read(t); frame["type"] != "subscription_confirmed" {
		t.Fatalf("expected subscription_confirmed, got %+v", frame)
	}

	if err := h.svc.Ingest(testFlowEvent("e1", domain.EventTokenIssued)); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	frame := h.read(t)
	if frame["type"] != "event" {
		t.Fatalf("expected live event frame, got %+v", frame)
	}
	event, _ := frame["event"].(map[string]any)
	if event["id"] != "e1" {
		t.Fatalf("unexpected event payload %+v", event)
	}
}

func TestSubscribeAnalyticsSendsSnapshotFirst(t *testing.T) {
	h := newSessionHarness(t)
	h.authenticate(t)

	h.write(t, map[string]any{"type": "subscribe", "channel": "analytics"})
	frame := h.read(t)
	if frame["type"] != "analytics_snapshot" {
		t.Fatalf("expected analytics_snapshot, got %+v", frame)
	}
	if frame := h.read(t); frame["type"] != "subscription_confirmed" {
		t.Fatalf("expected subscription_confirmed, got %+v", frame)
	}
}

func TestEventTypeFilter(t *testing.T) {
	h := newSessionHarness(t)
	h.authenticate(t)

	h.write(t, map[string]any{"type": "subscribe", "channel": "events"})
	h.read(t) // recent_events
	h.read(t) // subscription_confirmed

	h.write(t, map[string]any{"type": "filter", "filters": map[string]any{"eventTypes": []string{"token-issued"}}})
	if frame := h.read(t); frame["type"] != "filter_updated" {
		t.Fatalf("expected filter_updated, got %+v", frame)
	}

	// Interleave matching and non-matching events.
	for i, eventType := range []domain.EventType{domain.EventAuthorizeRequest, domain.EventTokenIssued, domain.EventIntrospection, domain.EventTokenIssued} {
		id := []string{"a", "b", "c", "d"}[i]
		if err := h.svc.Ingest(testFlowEvent(id, eventType)); err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
	}

	for _, want := range []string{"b", "d"} {
		frame := h.read(t)
		if frame["type"] != "event" {
			t.Fatalf("expected event frame, got %+v", frame)
		}
		event, _ := frame["event"].(map[string]any)
		if event["type"] != "token-issued" || event["id"] != want {
			t.Fatalf("filter leaked event %+v, want %s", event, want)
		}
	}
}

func TestControlSetLogLevelRequiresLevel(t *testing.T) {
	h := newSessionHarness(t)
	h.authenticate(t)

	h.write(t, map[string]any{"type": "control", "action": "set_log_level"})
	frame := h.read(t)
	if frame["type"] != "control_error" {
		t.Fatalf("expected control_error, got %+v", frame)
	}
	if frame["action"] != "set_log_level" {
		t.Fatalf("control_error must name the action, got %+v", frame)
	}
}

func TestControlUnknownAction(t *testing.T) {
	h := newSessionHarness(t)
	h.authenticate(t)

	h.write(t, map[string]any{"type": "control", "action": "reboot"})
	frame := h.read(t)
	if frame["type"] != "control_error" || frame["action"] != "reboot" {
		t.Fatalf("expected control_error naming reboot, got %+v", frame)
	}
}

func TestControlExportLogs(t *testing.T) {
	h := newSessionHarness(t)
	if err := h.svc.Ingest(testFlowEvent("e1", domain.EventTokenIssued)); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	h.authenticate(t)

	h.write(t, map[string]any{"type": "control", "action": "export_logs"})
	frame := h.read(t)
	if frame["type"] != "control_result" {
		t.Fatalf("expected control_result, got %+v", frame)
	}
	events, _ := frame["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected one exported event, got %+v", frame["events"])
	}
	if frame["analytics"] == nil {
		t.Fatalf("export must include analytics inline")
	}
}

func TestMalformedFrameAnswersError(t *testing.T) {
	h := newSessionHarness(t)
	h.writeRaw(t, "this is not json")
	if frame := h.read(t); frame["type"] != "error" {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	// Protocol errors never terminate the connection.
	h.write(t, map[string]any{"type": "ping"})
	if frame := h.read(t); frame["type"] != "pong" {
		t.Fatalf("connection should survive malformed frames, got %+v", frame)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newSessionHarness(t)
	h.authenticate(t)

	h.write(t, map[string]any{"type": "subscribe", "channel": "events"})
	h.read(t)
	h.read(t)

	h.write(t, map[string]any{"type": "unsubscribe", "channel": "events"})
	if frame := h.read(t); frame["type"] != "unsubscribed" {
		t.Fatalf("expected unsubscribed, got %+v", frame)
	}
}

func TestRegistryEachClosesSessions(t *testing.T) {
	h := newSessionHarness(t)
	h.registry.Each(func(s *Session) { s.Close() })
	if h.registry.Len() != 0 {
		t.Fatalf("expected registry drained, got %d sessions", h.registry.Len())
	}
	_ = h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := h.conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection closed after registry shutdown")
	}
}

func TestCloseRemovesRegistryEntry(t *testing.T) {
	h := newSessionHarness(t)
	if h.registry.Len() != 1 {
		t.Fatalf("expected one registered session, got %d", h.registry.Len())
	}
	h.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed from registry after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
