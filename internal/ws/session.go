package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/caretide/fhirgate/internal/auth"
	"github.com/caretide/fhirgate/internal/bus"
	"github.com/caretide/fhirgate/internal/domain"
	"github.com/caretide/fhirgate/internal/monitor"
)

const (
	// recentEventsOnSubscribe bounds the initial payload pushed when a
	// connection subscribes to the events channel.
	recentEventsOnSubscribe = 50
	// exportEventsLimit bounds the inline export_logs control response.
	exportEventsLimit = 500

	authTimeout = 5 * time.Second
)

type channelBinding struct {
	sub *bus.Subscription
}

// Session is one bidirectional monitoring connection. It starts
// unauthenticated; before a successful auth message only protocol-control
// responses (welcome, auth results, errors, pong) are ever sent.
type Session struct {
	id        string
	conn      *websocket.Conn
	client    *Client
	validator auth.Validator
	monitor   *monitor.Service
	registry  *Registry
	logger    *slog.Logger
	sendBuf   int

	mu            sync.Mutex
	authenticated bool
	filter        StreamFilter
	bindings      map[bus.Channel]*channelBinding

	closeOnce sync.Once
}

// NewSession wraps an upgraded websocket connection, registers it, and
// sends the welcome frame.
func NewSession(conn *websocket.Conn, validator auth.Validator, svc *monitor.Service, registry *Registry, logger *slog.Logger, sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = bus.DefaultBuffer
	}
	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		client:    NewClient(conn, logger),
		validator: validator,
		monitor:   svc,
		registry:  registry,
		sendBuf:   sendBuf,
		bindings:  make(map[bus.Channel]*channelBinding),
	}
	s.logger = logger.With("component", "session", "session_id", s.id)
	registry.add(s)
	s.send(map[string]any{
		"type":      "welcome",
		"sessionId": s.id,
		"timestamp": timestamp(),
	})
	return s
}

// ID returns the opaque connection identifier.
func (s *Session) ID() string {
	return s.id
}

// Run processes inbound frames in receipt order until the connection
// closes, then tears down every resource the session owns.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handle(ctx, data)
	}
}

// Close tears the session down exactly once: bus registrations cancelled,
// registry entry removed, transport closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for channel, binding := range s.bindings {
			binding.sub.Cancel()
			delete(s.bindings, channel)
		}
		s.mu.Unlock()
		s.registry.remove(s.id)
		s.client.Close()
		s.logger.Info("session closed")
	})
}

// handle dispatches one frame. Protocol errors answer with an error frame
// and never terminate the connection.
func (s *Session) handle(ctx context.Context, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	switch m := msg.(type) {
	case PingMessage:
		s.send(map[string]any{"type": "pong", "timestamp": timestamp()})
	case AuthMessage:
		s.handleAuth(ctx, m)
	case SubscribeMessage:
		s.handleSubscribe(m)
	case UnsubscribeMessage:
		s.handleUnsubscribe(m)
	case FilterMessage:
		s.handleFilter(m)
	case ControlMessage:
		s.handleControl(m)
	}
}

func (s *Session) handleAuth(ctx context.Context, msg AuthMessage) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	if err := s.validator.Validate(ctx, msg.Token); err != nil {
		s.logger.Warn("session authentication failed", "error", err)
		s.send(map[string]any{"type": "auth_error", "error": "authentication failed"})
		return
	}
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
	s.logger.Info("session authenticated")
	s.send(map[string]any{"type": "auth_success", "timestamp": timestamp()})
}

func (s *Session) handleSubscribe(msg SubscribeMessage) {
	if !s.requireAuth() {
		return
	}
	switch msg.Channel {
	case bus.ChannelEvents:
		events := s.monitor.Recent(domain.EventFilter{Limit: recentEventsOnSubscribe})
		s.send(map[string]any{"type": "recent_events", "events": events})
	case bus.ChannelAnalytics:
		s.send(map[string]any{"type": "analytics_snapshot", "analytics": s.monitor.Snapshot()})
	case bus.ChannelLogs:
		s.send(map[string]any{"type": "log_status", "status": "streaming", "timestamp": timestamp()})
	}

	s.mu.Lock()
	if _, ok := s.bindings[msg.Channel]; ok {
		s.mu.Unlock()
		s.send(map[string]any{"type": "subscription_confirmed", "channel": string(msg.Channel)})
		return
	}
	sub := s.monitor.Bus().Subscribe(msg.Channel, s.sendBuf)
	s.bindings[msg.Channel] = &channelBinding{sub: sub}
	s.mu.Unlock()

	go s.forward(msg.Channel, sub)
	s.send(map[string]any{"type": "subscription_confirmed", "channel": string(msg.Channel)})
}

// forward relays bus deliveries to the client, re-applying the session's
// current filter per delivery. A failed send closes the whole session.
// When the bus evicts the subscription the stale binding is dropped so
// the channel can be subscribed again.
func (s *Session) forward(channel bus.Channel, sub *bus.Subscription) {
	defer func() {
		s.mu.Lock()
		if binding, ok := s.bindings[channel]; ok && binding.sub == sub {
			delete(s.bindings, channel)
		}
		s.mu.Unlock()
	}()
	for delivery := range sub.Deliveries() {
		var frame map[string]any
		switch {
		case delivery.Event != nil:
			if !s.currentFilter().MatchesEvent(*delivery.Event) {
				continue
			}
			frame = map[string]any{"type": "event", "event": delivery.Event}
		case delivery.Analytics != nil:
			frame = map[string]any{"type": "analytics", "analytics": delivery.Analytics}
		default:
			continue
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			s.logger.Warn("could not marshal delivery", "error", err)
			continue
		}
		if err := s.client.Send(payload); err != nil {
			s.Close()
			return
		}
	}
}

func (s *Session) handleUnsubscribe(msg UnsubscribeMessage) {
	if !s.requireAuth() {
		return
	}
	s.mu.Lock()
	binding, ok := s.bindings[msg.Channel]
	if ok {
		delete(s.bindings, msg.Channel)
	}
	s.mu.Unlock()
	if ok {
		binding.sub.Cancel()
	}
	s.send(map[string]any{"type": "unsubscribed", "channel": string(msg.Channel)})
}

func (s *Session) handleFilter(msg FilterMessage) {
	if !s.requireAuth() {
		return
	}
	s.mu.Lock()
	s.filter = s.filter.Merge(msg.Filters)
	merged := s.filter
	s.mu.Unlock()
	s.send(map[string]any{"type": "filter_updated", "filters": merged})
}

func (s *Session) handleControl(msg ControlMessage) {
	if !s.requireAuth() {
		return
	}
	switch msg.Action {
	case "clear_logs":
		// Clears the analytics counters only; stored events and the
		// durable log are untouched.
		s.monitor.Reset()
		s.send(map[string]any{"type": "control_result", "action": msg.Action, "status": "cleared"})
	case "export_logs":
		events := s.monitor.Recent(domain.EventFilter{Limit: exportEventsLimit})
		s.send(map[string]any{
			"type":      "control_result",
			"action":    msg.Action,
			"events":    events,
			"analytics": s.monitor.Snapshot(),
		})
	case "set_log_level":
		level, ok := msg.Params["level"].(string)
		if !ok || level == "" {
			s.sendControlError(msg.Action, "level parameter required")
			return
		}
		s.mu.Lock()
		s.filter.LogLevel = level
		s.mu.Unlock()
		s.send(map[string]any{"type": "control_result", "action": msg.Action, "level": level})
	case "set_retention":
		days, ok := msg.Params["retentionDays"].(float64)
		if !ok || days <= 0 {
			s.sendControlError(msg.Action, "retentionDays parameter required")
			return
		}
		s.logger.Info("retention updated", "retention_days", int(days))
		s.send(map[string]any{"type": "control_result", "action": msg.Action, "retentionDays": int(days)})
	default:
		s.sendControlError(msg.Action, fmt.Sprintf("unknown control action %q", msg.Action))
	}
}

func (s *Session) requireAuth() bool {
	s.mu.Lock()
	ok := s.authenticated
	s.mu.Unlock()
	if !ok {
		s.sendError("authentication required")
	}
	return ok
}

func (s *Session) currentFilter() StreamFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *Session) send(frame map[string]any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Warn("could not marshal frame", "error", err)
		return
	}
	if err := s.client.Send(payload); err != nil {
		s.Close()
	}
}

func (s *Session) sendError(msg string) {
	s.send(map[string]any{"type": "error", "error": msg})
}

func (s *Session) sendControlError(action, msg string) {
	s.send(map[string]any{"type": "control_error", "action": action, "error": msg})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
