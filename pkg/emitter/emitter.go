// Package emitter is the client SDK the authorization-flow processor uses
// to report flow events to the monitoring ingest endpoint.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caretide/fhirgate/internal/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the monitor rejected the ingest token.
var ErrUnauthorized = errors.New("flow emitter unauthorized")

// ErrInvalidArgument indicates the monitor rejected the event payload.
var ErrInvalidArgument = errors.New("flow emitter invalid argument")

// Emitter sends flow events to the fhirgate monitoring API.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// New creates an emitter using the provided monitor base URL and ingest token.
func New(baseURL, ingestToken string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("flow emitter base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(ingestToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends the supplied flow event to the ingest endpoint.
func (e *Emitter) Emit(ctx context.Context, event domain.FlowEvent) error {
	if e == nil {
		return errors.New("flow emitter not initialised")
	}
	if strings.TrimSpace(event.ClientID) == "" {
		return errors.New("flow emitter requires clientId")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal flow event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/monitor/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Ingest-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ingest request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	default:
		return fmt.Errorf("ingest request failed: %s", summary)
	}
}
