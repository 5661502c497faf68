package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEClientSendAdvancesActivity(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, discardLogger())

	before := c.LastActivity()
	time.Sleep(5 * time.Millisecond)
	if err := c.Send([]byte(`{"type":"connection"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !c.LastActivity().After(before) {
		t.Fatalf("send must advance the activity timestamp")
	}
	if !strings.Contains(rec.Body.String(), "data: {\"type\":\"connection\"}\n\n") {
		t.Fatalf("unexpected frame %q", rec.Body.String())
	}
}

func TestSSEClientKeepaliveFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, discardLogger())
	if err := c.Keepalive(); err != nil {
		t.Fatalf("keepalive failed: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"type":"keepalive"`) {
		t.Fatalf("unexpected keepalive frame %q", rec.Body.String())
	}
}

func TestSSEClientSendAfterCloseFails(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, discardLogger())
	c.Close()
	if err := c.Send([]byte(`{}`)); err == nil {
		t.Fatalf("send after close must fail")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("closed client must not write, got %q", rec.Body.String())
	}
}
