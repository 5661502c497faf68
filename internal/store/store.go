package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"log/slog"

	"github.com/caretide/fhirgate/internal/domain"
)

const (
	// DefaultCapacity bounds the in-memory ring buffer.
	DefaultCapacity = 5000
	// DefaultQueryLimit applies when a filter carries no limit.
	DefaultQueryLimit = 100
)

// Store keeps a bounded in-memory window of flow events plus an
// append-only durable log file. The log retains every appended event
// regardless of in-memory eviction.
type Store struct {
	mu       sync.RWMutex
	events   []domain.FlowEvent
	start    int
	count    int
	capacity int
	logPath  string
	logFile  *os.File
	logger   *slog.Logger
}

// New opens (creating if needed) the durable log at logPath and returns a
// store bounded to capacity events in memory. A log that cannot be opened
// degrades the store to memory-only; appends still succeed.
func New(logPath string, capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger != nil {
		logger = logger.With("component", "event_store")
	}
	s := &Store{
		events:   make([]domain.FlowEvent, capacity),
		capacity: capacity,
		logPath:  logPath,
		logger:   logger,
	}
	if logPath != "" {
		if dir := filepath.Dir(logPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil && logger != nil {
				logger.Warn("could not create event log directory", "dir", dir, "error", err)
			}
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			if logger != nil {
				logger.Warn("event log unavailable, running memory-only", "path", logPath, "error", err)
			}
		} else {
			s.logFile = file
		}
	}
	return s
}

// Append validates and stores an event, evicting the oldest in-memory
// event at capacity, and writes one serialized line to the durable log.
// A durable-log write failure is logged and swallowed.
func (s *Store) Append(event domain.FlowEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal flow event: %w", err)
	}

	s.mu.Lock()
	if s.count < s.capacity {
		s.events[(s.start+s.count)%s.capacity] = event
		s.count++
	} else {
		s.events[s.start] = event
		s.start = (s.start + 1) % s.capacity
	}
	if s.logFile != nil {
		if _, err := s.logFile.Write(append(line, '\n')); err != nil && s.logger != nil {
			s.logger.Warn("event log write failed", "error", err, "event_id", event.ID)
		}
	}
	s.mu.Unlock()
	return nil
}

// Query returns the most recent events matching the filter, newest-last.
// It never mutates store state and is safe to call concurrently with Append.
func (s *Store) Query(filter domain.EventFilter) []domain.FlowEvent {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.FlowEvent, 0, limit)
	// Walk backwards from the newest event so the limit cuts off the oldest.
	for i := s.count - 1; i >= 0 && len(matched) < limit; i-- {
		event := s.events[(s.start+i)%s.capacity]
		if filter.Matches(event) {
			matched = append(matched, event)
		}
	}
	// Reverse into append order, newest-last.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// Len reports how many events are currently held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// ExportRaw returns the durable log content verbatim. A missing log file
// yields empty content, not an error.
func (s *Store) ExportRaw() ([]byte, error) {
	s.mu.RLock()
	path := s.logPath
	s.mu.RUnlock()
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return data, nil
}

// Close releases the durable log handle.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}
}
