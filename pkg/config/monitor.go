package config

import "time"

// MonitorConfig holds runtime configuration for the fhirgate service.
type MonitorConfig struct {
	Environment              string
	Addr                     string
	JWTSecret                string
	IngestAuthToken          string
	EventLogPath             string
	EventBufferSize          int
	QueryLimitDefault        int
	TopClients               int
	KeepaliveInterval        time.Duration
	SessionSendBuffer        int
	HealthLatencyThresholdMS float64
	RateLimitRedisAddr       string
	RateLimitRedisPass       string
	RateLimitRedisDB         int
	ShutdownTimeout          time.Duration
}

// LoadMonitorConfig constructs a MonitorConfig from environment variables.
func LoadMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Environment:              GetString("APP_ENV", "development"),
		Addr:                     GetString("MONITOR_ADDR", ":4500"),
		JWTSecret:                GetString("JWT_SECRET", "supersecuresecret"),
		IngestAuthToken:          GetString("INGEST_AUTH_TOKEN", ""),
		EventLogPath:             GetString("EVENT_LOG_PATH", "data/oauth-flows.log"),
		EventBufferSize:          GetInt("EVENT_BUFFER_SIZE", 5000),
		QueryLimitDefault:        GetInt("QUERY_LIMIT_DEFAULT", 100),
		TopClients:               GetInt("ANALYTICS_TOP_CLIENTS", 5),
		KeepaliveInterval:        time.Duration(GetInt("STREAM_KEEPALIVE_SECONDS", 30)) * time.Second,
		SessionSendBuffer:        GetInt("SESSION_SEND_BUFFER", 64),
		HealthLatencyThresholdMS: GetFloat("HEALTH_LATENCY_THRESHOLD_MS", 5000),
		RateLimitRedisAddr:       GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:       GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:         GetInt("RATE_LIMIT_REDIS_DB", 0),
		ShutdownTimeout:          time.Duration(GetInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}
