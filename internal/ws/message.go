package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caretide/fhirgate/internal/bus"
	"github.com/caretide/fhirgate/internal/domain"
)

// Inbound session messages form a closed set. Each kind checks its own
// required fields at the decode boundary so handlers never see a
// structurally invalid message.

// InboundMessage is one parsed client frame.
type InboundMessage interface {
	kind() string
}

// AuthMessage requests authentication with a bearer token.
type AuthMessage struct {
	Token string
}

// SubscribeMessage opts the connection into a channel.
type SubscribeMessage struct {
	Channel bus.Channel
}

// UnsubscribeMessage opts the connection out of a channel.
type UnsubscribeMessage struct {
	Channel bus.Channel
}

// FilterMessage merges a partial filter into the connection's filter set.
type FilterMessage struct {
	Filters FilterPatch
}

// ControlMessage carries an administrative action.
type ControlMessage struct {
	Action string
	Params map[string]any
}

// PingMessage is a liveness probe, valid before authentication.
type PingMessage struct{}

func (AuthMessage) kind() string        { return "auth" }
func (SubscribeMessage) kind() string   { return "subscribe" }
func (UnsubscribeMessage) kind() string { return "unsubscribe" }
func (FilterMessage) kind() string      { return "filter" }
func (ControlMessage) kind() string     { return "control" }
func (PingMessage) kind() string        { return "ping" }

// FilterPatch is the partial filter supplied by a filter message. Nil
// fields leave the stored filter dimension unchanged.
type FilterPatch struct {
	EventTypes *[]domain.EventType `json:"eventTypes,omitempty"`
	From       *time.Time          `json:"from,omitempty"`
	To         *time.Time          `json:"to,omitempty"`
	LogLevel   *string             `json:"logLevel,omitempty"`
}

// StreamFilter is a connection's full filter set. Unset dimensions impose
// no constraint.
type StreamFilter struct {
	EventTypes []domain.EventType `json:"eventTypes,omitempty"`
	From       *time.Time         `json:"from,omitempty"`
	To         *time.Time         `json:"to,omitempty"`
	LogLevel   string             `json:"logLevel,omitempty"`
}

// Merge applies a patch, leaving unsupplied fields unchanged.
func (f StreamFilter) Merge(patch FilterPatch) StreamFilter {
	if patch.EventTypes != nil {
		f.EventTypes = *patch.EventTypes
	}
	if patch.From != nil {
		f.From = patch.From
	}
	if patch.To != nil {
		f.To = patch.To
	}
	if patch.LogLevel != nil {
		f.LogLevel = *patch.LogLevel
	}
	return f
}

// MatchesEvent reports whether an event passes every set dimension.
func (f StreamFilter) MatchesEvent(event domain.FlowEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && event.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && event.Timestamp.After(*f.To) {
		return false
	}
	return true
}

type envelope struct {
	Type    string          `json:"type"`
	Token   string          `json:"token"`
	Channel string          `json:"channel"`
	Filters *FilterPatch    `json:"filters"`
	Action  string          `json:"action"`
	Params  json.RawMessage `json:"params"`
}

// ParseMessage decodes one inbound frame into its message kind, rejecting
// unknown kinds and missing required fields.
func ParseMessage(data []byte) (InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch env.Type {
	case "auth":
		token := strings.TrimSpace(env.Token)
		if token == "" {
			return nil, fmt.Errorf("auth message requires a token")
		}
		return AuthMessage{Token: token}, nil
	case "subscribe", "unsubscribe":
		channel := bus.Channel(strings.TrimSpace(env.Channel))
		if !channel.Valid() {
			return nil, fmt.Errorf("unknown channel %q", env.Channel)
		}
		if env.Type == "subscribe" {
			return SubscribeMessage{Channel: channel}, nil
		}
		return UnsubscribeMessage{Channel: channel}, nil
	case "filter":
		if env.Filters == nil {
			return nil, fmt.Errorf("filter message requires filters")
		}
		return FilterMessage{Filters: *env.Filters}, nil
	case "control":
		action := strings.TrimSpace(env.Action)
		if action == "" {
			return nil, fmt.Errorf("control message requires an action")
		}
		var params map[string]any
		if len(env.Params) > 0 {
			if err := json.Unmarshal(env.Params, &params); err != nil {
				return nil, fmt.Errorf("malformed control params: %w", err)
			}
		}
		return ControlMessage{Action: action, Params: params}, nil
	case "ping":
		return PingMessage{}, nil
	case "":
		return nil, fmt.Errorf("message type missing")
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
