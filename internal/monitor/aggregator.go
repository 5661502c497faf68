package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/caretide/fhirgate/internal/domain"
)

const (
	defaultTopClients = 5
	hourLabelFormat   = "2006-01-02 15:00"
)

type clientCounter struct {
	name    string
	count   int64
	success int64
}

type hourCounter struct {
	success int64
	errors  int64
}

// aggregator maintains running counters over every ingested flow event.
// All mutation goes through a single mutex; snapshots are deep copies so
// readers never observe a half-applied update.
type aggregator struct {
	mu         sync.Mutex
	total      int64
	success    int64
	latencySum float64
	clients    map[string]*clientCounter
	byType     map[domain.EventType]int64
	errorCodes map[string]int64
	hours      map[time.Time]*hourCounter
	tokens     []time.Time
	topClients int
	now        func() time.Time
}

func newAggregator(topClients int, now func() time.Time) *aggregator {
	if topClients <= 0 {
		topClients = defaultTopClients
	}
	if now == nil {
		now = time.Now
	}
	return &aggregator{
		clients:    make(map[string]*clientCounter),
		byType:     make(map[domain.EventType]int64),
		errorCodes: make(map[string]int64),
		hours:      make(map[time.Time]*hourCounter),
		topClients: topClients,
		now:        now,
	}
}

func (a *aggregator) add(event domain.FlowEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	if event.Status == domain.StatusSuccess {
		a.success++
	}
	a.latencySum += event.LatencyMS

	client := a.clients[event.ClientID]
	if client == nil {
		client = &clientCounter{name: event.ClientName}
		a.clients[event.ClientID] = client
	}
	client.count++
	if event.Status == domain.StatusSuccess {
		client.success++
	}
	if client.name == "" && event.ClientName != "" {
		client.name = event.ClientName
	}

	a.byType[event.Type]++
	if event.Status == domain.StatusError {
		code := event.ErrorCode
		if code == "" {
			code = string(event.Type)
		}
		a.errorCodes[code]++
	}

	hour := event.Timestamp.UTC().Truncate(time.Hour)
	bucket := a.hours[hour]
	if bucket == nil {
		bucket = &hourCounter{}
		a.hours[hour] = bucket
	}
	if event.Status == domain.StatusSuccess {
		bucket.success++
	} else {
		bucket.errors++
	}

	if tok := event.Token; tok != nil && tok.ExpiresIn > 0 {
		switch event.Type {
		case domain.EventTokenIssued, domain.EventTokenRefresh:
			a.tokens = append(a.tokens, event.Timestamp.Add(time.Duration(tok.ExpiresIn)*time.Second))
		}
	}
}

// snapshot copies the current counters into an immutable view. It prunes
// expired token lifetimes as a side effect.
func (a *aggregator) snapshot() domain.AnalyticsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	a.pruneTokens(now)

	snap := domain.AnalyticsSnapshot{
		TotalFlows:   a.total,
		ActiveTokens: len(a.tokens),
		FlowsByType:  make(map[domain.EventType]int64, len(a.byType)),
		ErrorsByType: make(map[string]int64, len(a.errorCodes)),
		UpdatedAt:    now,
	}
	if a.total > 0 {
		snap.SuccessRate = float64(a.success) / float64(a.total) * 100
		snap.AvgLatencyMS = a.latencySum / float64(a.total)
	}
	for eventType, count := range a.byType {
		snap.FlowsByType[eventType] = count
	}
	for code, count := range a.errorCodes {
		snap.ErrorsByType[code] = count
	}

	snap.TopClients = a.rankClients()

	snap.Hourly = make([]domain.HourlyBucket, 0, len(a.hours))
	for hour, bucket := range a.hours {
		snap.Hourly = append(snap.Hourly, domain.HourlyBucket{
			Hour:    hour.Format(hourLabelFormat),
			Success: bucket.success,
			Errors:  bucket.errors,
			Total:   bucket.success + bucket.errors,
		})
	}
	sort.Slice(snap.Hourly, func(i, j int) bool { return snap.Hourly[i].Hour < snap.Hourly[j].Hour })

	return snap
}

func (a *aggregator) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = 0
	a.success = 0
	a.latencySum = 0
	a.clients = make(map[string]*clientCounter)
	a.byType = make(map[domain.EventType]int64)
	a.errorCodes = make(map[string]int64)
	a.hours = make(map[time.Time]*hourCounter)
	a.tokens = nil
}

// rankClients orders by count descending, client ID ascending on ties.
// Caller holds the mutex.
func (a *aggregator) rankClients() []domain.ClientStat {
	stats := make([]domain.ClientStat, 0, len(a.clients))
	for id, counter := range a.clients {
		stat := domain.ClientStat{
			ClientID:   id,
			ClientName: counter.name,
			Count:      counter.count,
		}
		if counter.count > 0 {
			stat.SuccessRate = float64(counter.success) / float64(counter.count) * 100
		}
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].ClientID < stats[j].ClientID
	})
	if len(stats) > a.topClients {
		stats = stats[:a.topClients]
	}
	return stats
}

// pruneTokens drops expired lifetimes. Caller holds the mutex.
func (a *aggregator) pruneTokens(now time.Time) {
	live := a.tokens[:0]
	for _, expiry := range a.tokens {
		if expiry.After(now) {
			live = append(live, expiry)
		}
	}
	a.tokens = live
}
