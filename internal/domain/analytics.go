package domain

import "time"

// ClientStat summarizes one client's flow volume.
type ClientStat struct {
	ClientID    string  `json:"clientId"`
	ClientName  string  `json:"clientName,omitempty"`
	Count       int64   `json:"count"`
	SuccessRate float64 `json:"successRate"`
}

// HourlyBucket aggregates flow outcomes for one clock hour.
type HourlyBucket struct {
	Hour    string `json:"hour"`
	Success int64  `json:"success"`
	Errors  int64  `json:"errors"`
	Total   int64  `json:"total"`
}

// AnalyticsSnapshot is a complete, consistent copy of the aggregated
// analytics at one point in time. A snapshot with no events yet is the
// zero-valued object, never an error.
type AnalyticsSnapshot struct {
	TotalFlows   int64               `json:"totalFlows"`
	SuccessRate  float64             `json:"successRate"`
	AvgLatencyMS float64             `json:"avgLatencyMs"`
	ActiveTokens int                 `json:"activeTokens"`
	TopClients   []ClientStat        `json:"topClients"`
	FlowsByType  map[EventType]int64 `json:"flowsByType"`
	ErrorsByType map[string]int64    `json:"errorsByType"`
	Hourly       []HourlyBucket      `json:"hourly"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}
