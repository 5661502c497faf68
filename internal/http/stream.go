package httpx

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/caretide/fhirgate/internal/bus"
	"github.com/caretide/fhirgate/internal/ws"
)

// Push-stream endpoints: one-directional text-event streams, authenticated
// once at connect time. EventSource clients cannot set headers, so the
// bearer credential may arrive via the token query parameter instead.

func (r *Router) handleStreamEvents(w http.ResponseWriter, req *http.Request) {
	r.serveStream(w, req, bus.ChannelEvents)
}

func (r *Router) handleStreamAnalytics(w http.ResponseWriter, req *http.Request) {
	r.serveStream(w, req, bus.ChannelAnalytics)
}

func (r *Router) serveStream(w http.ResponseWriter, req *http.Request, channel bus.Channel) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	token, err := streamToken(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	// Fails closed: any validation error terminates before the first frame.
	if err := r.validator.Validate(req.Context(), token); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	connected, _ := json.Marshal(map[string]string{
		"type":      "connection",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err := client.Send(connected); err != nil {
		return
	}
	if channel == bus.ChannelAnalytics {
		snapshot, err := json.Marshal(r.monitor.Snapshot())
		if err == nil {
			if err := client.Send(snapshot); err != nil {
				return
			}
		}
	}

	sub := r.monitor.Bus().Subscribe(channel, r.sessionSendBuf)
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			sub.Cancel()
			client.Close()
		})
	}
	defer teardown()

	ticker := time.NewTicker(r.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case delivery, ok := <-sub.Deliveries():
			if !ok {
				return
			}
			var payload []byte
			var err error
			switch {
			case delivery.Event != nil:
				payload, err = json.Marshal(delivery.Event)
			case delivery.Analytics != nil:
				payload, err = json.Marshal(delivery.Analytics)
			default:
				continue
			}
			if err != nil {
				r.logger.Warn("could not marshal stream payload", "error", err)
				continue
			}
			if err := client.Send(payload); err != nil {
				return
			}
		case <-ticker.C:
			// A stream that delivered recently does not need a keepalive.
			if time.Since(client.LastActivity()) < r.keepalive {
				continue
			}
			if err := client.Keepalive(); err != nil {
				return
			}
		}
	}
}
