package domain

import (
	"errors"
	"strings"
	"time"
)

// EventType identifies the OAuth/OIDC flow stage an event records.
type EventType string

const (
	EventAuthorizeRequest EventType = "authorize-request"
	EventTokenIssued      EventType = "token-issued"
	EventTokenRefresh     EventType = "token-refresh"
	EventIntrospection    EventType = "introspection"
	EventRevocation       EventType = "revocation"
	EventError            EventType = "error"
)

// FlowStatus is the outcome of a flow step.
type FlowStatus string

const (
	StatusSuccess FlowStatus = "success"
	StatusError   FlowStatus = "error"
)

// TokenInfo carries metadata about a token issued during a flow step.
type TokenInfo struct {
	TokenType          string `json:"tokenType,omitempty"`
	ExpiresIn          int64  `json:"expiresIn,omitempty"`
	RefreshTokenIssued bool   `json:"refreshTokenIssued,omitempty"`
}

// LaunchContext holds SMART launch references granted with a token.
type LaunchContext struct {
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	Location  string `json:"location,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
}

// FlowEvent is an immutable record of one authorization-flow occurrence.
// Once appended to the store it is never mutated.
type FlowEvent struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	Status       FlowStatus     `json:"status"`
	ClientID     string         `json:"clientId"`
	ClientName   string         `json:"clientName,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	UserName     string         `json:"userName,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
	GrantType    string         `json:"grantType,omitempty"`
	LatencyMS    float64        `json:"latencyMs"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Token        *TokenInfo     `json:"token,omitempty"`
	Launch       *LaunchContext `json:"launch,omitempty"`
}

// ErrInvalidEvent is returned when an event misses mandatory fields.
var ErrInvalidEvent = errors.New("invalid flow event")

// Validate checks the mandatory fields of a flow event.
func (e FlowEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return errors.Join(ErrInvalidEvent, errors.New("id is required"))
	case e.Timestamp.IsZero():
		return errors.Join(ErrInvalidEvent, errors.New("timestamp is required"))
	case strings.TrimSpace(string(e.Type)) == "":
		return errors.Join(ErrInvalidEvent, errors.New("type is required"))
	case e.Status != StatusSuccess && e.Status != StatusError:
		return errors.Join(ErrInvalidEvent, errors.New("status must be success or error"))
	case strings.TrimSpace(e.ClientID) == "":
		return errors.Join(ErrInvalidEvent, errors.New("clientId is required"))
	}
	return nil
}

// EventFilter narrows a point-in-time query over stored events.
// Zero-valued dimensions impose no constraint.
type EventFilter struct {
	Limit    int
	Type     EventType
	Status   FlowStatus
	ClientID string
	Since    time.Time
}

// Matches reports whether an event satisfies every set dimension.
func (f EventFilter) Matches(e FlowEvent) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
