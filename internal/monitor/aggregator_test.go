package monitor

import (
	"testing"
	"time"

	"github.com/caretide/fhirgate/internal/domain"
)

func flowEvent(id, clientID string, eventType domain.EventType, status domain.FlowStatus, latency float64, ts time.Time) domain.FlowEvent {
	return domain.FlowEvent{
		ID:        id,
		Timestamp: ts,
		Type:      eventType,
		Status:    status,
		ClientID:  clientID,
		LatencyMS: latency,
	}
}

func TestSnapshotZeroValue(t *testing.T) {
	agg := newAggregator(5, nil)
	snap := agg.snapshot()
	if snap.TotalFlows != 0 {
		t.Fatalf("expected zero flows, got %d", snap.TotalFlows)
	}
	if snap.SuccessRate != 0 {
		t.Fatalf("success rate must be 0 with no events, got %f", snap.SuccessRate)
	}
	if snap.AvgLatencyMS != 0 {
		t.Fatalf("avg latency must be 0 with no events, got %f", snap.AvgLatencyMS)
	}
	if len(snap.TopClients) != 0 || len(snap.Hourly) != 0 {
		t.Fatalf("expected empty rollups, got %+v", snap)
	}
}

func TestCountersAndRates(t *testing.T) {
	now := time.Date(2025, time.June, 2, 14, 30, 0, 0, time.UTC)
	agg := newAggregator(5, func() time.Time { return now })

	agg.add(flowEvent("e1", "c1", domain.EventTokenIssued, domain.StatusSuccess, 100, now))
	agg.add(flowEvent("e2", "c1", domain.EventTokenIssued, domain.StatusSuccess, 200, now.Add(time.Minute)))
	agg.add(flowEvent("e3", "c2", domain.EventAuthorizeRequest, domain.StatusError, 300, now.Add(2*time.Minute)))

	snap := agg.snapshot()
	if snap.TotalFlows != 3 {
		t.Fatalf("expected 3 flows, got %d", snap.TotalFlows)
	}
	wantRate := float64(2) / 3 * 100
	if snap.SuccessRate != wantRate {
		t.Fatalf("expected success rate %f, got %f", wantRate, snap.SuccessRate)
	}
	if snap.AvgLatencyMS != 200 {
		t.Fatalf("expected avg latency 200, got %f", snap.AvgLatencyMS)
	}
	if snap.FlowsByType[domain.EventTokenIssued] != 2 {
		t.Fatalf("expected 2 token-issued flows, got %d", snap.FlowsByType[domain.EventTokenIssued])
	}
}

func TestErrorCodeCounters(t *testing.T) {
	now := time.Now().UTC()
	agg := newAggregator(5, nil)

	errEvent := flowEvent("e1", "c1", domain.EventError, domain.StatusError, 10, now)
	errEvent.ErrorCode = "invalid_grant"
	agg.add(errEvent)
	// An error without a code falls back to its type.
	agg.add(flowEvent("e2", "c1", domain.EventIntrospection, domain.StatusError, 10, now))

	snap := agg.snapshot()
	if snap.ErrorsByType["invalid_grant"] != 1 {
		t.Fatalf("expected invalid_grant counted, got %+v", snap.ErrorsByType)
	}
	if snap.ErrorsByType["introspection"] != 1 {
		t.Fatalf("expected type fallback counted, got %+v", snap.ErrorsByType)
	}
}

func TestTopClientsRankingAndTieBreak(t *testing.T) {
	now := time.Now().UTC()
	agg := newAggregator(2, nil)

	for i := 0; i < 3; i++ {
		agg.add(flowEvent("a", "heavy", domain.EventTokenIssued, domain.StatusSuccess, 10, now))
	}
	// Two clients with equal volume; the tie breaks on client ID ascending.
	agg.add(flowEvent("b", "zeta", domain.EventTokenIssued, domain.StatusSuccess, 10, now))
	agg.add(flowEvent("c", "alpha", domain.EventTokenIssued, domain.StatusError, 10, now))

	snap := agg.snapshot()
	if len(snap.TopClients) != 2 {
		t.Fatalf("expected top list truncated to 2, got %d", len(snap.TopClients))
	}
	if snap.TopClients[0].ClientID != "heavy" {
		t.Fatalf("expected heavy ranked first, got %s", snap.TopClients[0].ClientID)
	}
	if snap.TopClients[1].ClientID != "alpha" {
		t.Fatalf("expected alpha to win the tie-break, got %s", snap.TopClients[1].ClientID)
	}
	if snap.TopClients[0].SuccessRate != 100 {
		t.Fatalf("expected heavy success rate 100, got %f", snap.TopClients[0].SuccessRate)
	}
	if snap.TopClients[1].SuccessRate != 0 {
		t.Fatalf("expected alpha success rate 0, got %f", snap.TopClients[1].SuccessRate)
	}
}

func TestHourlyBuckets(t *testing.T) {
	base := time.Date(2025, time.June, 2, 14, 10, 0, 0, time.UTC)
	agg := newAggregator(5, func() time.Time { return base })

	agg.add(flowEvent("e1", "c1", domain.EventTokenIssued, domain.StatusSuccess, 10, base))
	agg.add(flowEvent("e2", "c1", domain.EventTokenIssued, domain.StatusError, 10, base.Add(20*time.Minute)))
	agg.add(flowEvent("e3", "c1", domain.EventTokenIssued, domain.StatusSuccess, 10, base.Add(time.Hour)))

	snap := agg.snapshot()
	if len(snap.Hourly) != 2 {
		t.Fatalf("expected 2 hourly buckets, got %d", len(snap.Hourly))
	}
	first := snap.Hourly[0]
	if first.Hour != "2025-06-02 14:00" {
		t.Fatalf("unexpected bucket label %s", first.Hour)
	}
	if first.Success != 1 || first.Errors != 1 || first.Total != 2 {
		t.Fatalf("unexpected first bucket %+v", first)
	}
	if snap.Hourly[1].Total != 1 {
		t.Fatalf("unexpected second bucket %+v", snap.Hourly[1])
	}
}

func TestActiveTokens(t *testing.T) {
	now := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	agg := newAggregator(5, func() time.Time { return now })

	issued := flowEvent("e1", "c1", domain.EventTokenIssued, domain.StatusSuccess, 10, now.Add(-10*time.Minute))
	issued.Token = &domain.TokenInfo{TokenType: "Bearer", ExpiresIn: 3600}
	agg.add(issued)

	expired := flowEvent("e2", "c1", domain.EventTokenIssued, domain.StatusSuccess, 10, now.Add(-2*time.Hour))
	expired.Token = &domain.TokenInfo{TokenType: "Bearer", ExpiresIn: 300}
	agg.add(expired)

	snap := agg.snapshot()
	if snap.ActiveTokens != 1 {
		t.Fatalf("expected 1 active token, got %d", snap.ActiveTokens)
	}
}

func TestReset(t *testing.T) {
	now := time.Now().UTC()
	agg := newAggregator(5, nil)
	agg.add(flowEvent("e1", "c1", domain.EventTokenIssued, domain.StatusSuccess, 10, now))
	agg.reset()

	snap := agg.snapshot()
	if snap.TotalFlows != 0 || len(snap.TopClients) != 0 || len(snap.Hourly) != 0 {
		t.Fatalf("expected zeroed snapshot after reset, got %+v", snap)
	}
}
