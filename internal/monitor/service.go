// Package monitor ties the event store, analytics aggregator, and
// subscription bus into the OAuth flow monitoring pipeline.
package monitor

import (
	"errors"
	"time"

	"log/slog"

	"github.com/caretide/fhirgate/internal/bus"
	"github.com/caretide/fhirgate/internal/domain"
	"github.com/caretide/fhirgate/internal/store"
)

// DefaultHealthLatencyThresholdMS triggers the health alert when the mean
// flow latency climbs past it.
const DefaultHealthLatencyThresholdMS = 5000

// Health is the derived health summary for the monitoring pipeline.
type Health struct {
	Status           string    `json:"status"`
	AvgLatencyMS     float64   `json:"avgLatencyMs"`
	ActiveTokens     int       `json:"activeTokens"`
	ErrorRate        float64   `json:"errorRate"`
	LatencyAlert     bool      `json:"latencyAlert"`
	LatencyThreshold float64   `json:"latencyThresholdMs"`
	Timestamp        time.Time `json:"timestamp"`
}

// Service ingests flow events and serves queries over them. Mutation of
// the store and aggregator is serialized through Ingest; reads are
// concurrent and non-blocking.
type Service struct {
	store            *store.Store
	aggregator       *aggregator
	bus              *bus.Bus
	logger           *slog.Logger
	latencyThreshold float64
	now              func() time.Time
}

// NewService wires a monitor service. A nil bus gets a fresh one so the
// service is always publishable.
func NewService(eventStore *store.Store, eventBus *bus.Bus, logger *slog.Logger, topClients int, latencyThresholdMS float64) *Service {
	if eventBus == nil {
		eventBus = bus.New(logger)
	}
	if latencyThresholdMS <= 0 {
		latencyThresholdMS = DefaultHealthLatencyThresholdMS
	}
	if logger != nil {
		logger = logger.With("component", "flow_monitor")
	}
	return &Service{
		store:            eventStore,
		aggregator:       newAggregator(topClients, nil),
		bus:              eventBus,
		logger:           logger,
		latencyThreshold: latencyThresholdMS,
		now:              time.Now,
	}
}

// Ingest validates and appends a flow event, updates analytics, and fans
// the event plus the refreshed snapshot out to live subscribers. Only
// validation failures are returned; everything downstream of a successful
// append is best-effort.
func (s *Service) Ingest(event domain.FlowEvent) error {
	if s == nil {
		return errors.New("monitor service not initialised")
	}
	event.Timestamp = event.Timestamp.UTC()
	if err := s.store.Append(event); err != nil {
		return err
	}
	s.aggregator.add(event)
	s.bus.PublishEvent(event)
	s.bus.PublishAnalytics(s.aggregator.snapshot())
	return nil
}

// Recent returns stored events matching the filter, newest-last.
func (s *Service) Recent(filter domain.EventFilter) []domain.FlowEvent {
	return s.store.Query(filter)
}

// Snapshot returns the current analytics. With no events ingested yet the
// zero-valued snapshot is returned, never an error.
func (s *Service) Snapshot() domain.AnalyticsSnapshot {
	return s.aggregator.snapshot()
}

// Reset clears the analytics counters. Stored events and the durable log
// are unaffected.
func (s *Service) Reset() {
	s.aggregator.reset()
	if s.logger != nil {
		s.logger.Info("analytics counters reset")
	}
}

// ExportRaw returns the full durable event log.
func (s *Service) ExportRaw() ([]byte, error) {
	return s.store.ExportRaw()
}

// Health derives operational indicators from the current snapshot.
func (s *Service) Health() Health {
	snap := s.aggregator.snapshot()
	health := Health{
		Status:           "ok",
		AvgLatencyMS:     snap.AvgLatencyMS,
		ActiveTokens:     snap.ActiveTokens,
		LatencyThreshold: s.latencyThreshold,
		Timestamp:        s.now().UTC(),
	}
	if snap.TotalFlows > 0 {
		health.ErrorRate = 100 - snap.SuccessRate
	}
	if snap.AvgLatencyMS > s.latencyThreshold {
		health.LatencyAlert = true
		health.Status = "degraded"
	}
	return health
}

// Bus exposes the subscription bus for transport adapters.
func (s *Service) Bus() *bus.Bus {
	return s.bus
}
