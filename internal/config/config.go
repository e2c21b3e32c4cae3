package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the sync service.
type Config struct {
	// Mode is "prod" (default) or "testing". In testing mode an X-Tenant-ID
	// header is accepted when no API key matched.
	Mode string

	// Database
	DatastoreType           string // "postgres" or "sqlite"
	DBURL                   string
	DBMaxOpenConns          int
	DBMaxIdleConns          int
	DatastoreMigrateAtStart bool

	// Redis, shared by the redis throttle and event publisher plugins.
	RedisURL string

	// Trigger throttle backend: "none", "local" or "redis".
	ThrottleType       string
	TriggerMinInterval time.Duration

	// Event publisher backend: "none" or "redis". Events are always written
	// to the outbox table; the publisher is a best-effort fan-out.
	EventsType string

	// Record source backend: "file" or "http".
	RecordsType  string
	RecordsFile  string
	RecordsURL   string
	RecordsToken string

	// Sync engine
	SyncWorkers                 int
	SyncConversationConcurrency int
	JobBudget                   time.Duration
	JobStaleAfter               time.Duration
	PageRetries                 int
	MaxAttempts                 int
	RetryDelay                  time.Duration
	SchedulerInterval           time.Duration
	ProviderRate                float64 // requests per second per tenant+channel
	ProviderBurst               int
	BackoffInitial              time.Duration
	BackoffMax                  time.Duration

	// Identity
	DefaultPhoneRegion    string
	ChatDomain            string
	OptimisticClaimWindow time.Duration

	// Webhooks
	WebhookWorkers      int
	WebhookMaxAttempts  int
	WebhookMappingsFile string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly provided.
	// When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	ManagementAccessLog       bool

	// APIKeys maps API key values to tenant IDs.
	APIKeys map[string]string

	// Body size limit (bytes)
	MaxBodySize int64

	// CORS for browser clients of the API.
	CORSEnabled bool
	CORSOrigins string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                        ModeProd,
		DatastoreType:               "postgres",
		DatastoreMigrateAtStart:     true,
		DBMaxOpenConns:              25,
		DBMaxIdleConns:              5,
		ThrottleType:                "local",
		TriggerMinInterval:          5 * time.Minute,
		EventsType:                  "none",
		RecordsType:                 "file",
		SyncWorkers:                 4,
		SyncConversationConcurrency: 4,
		JobBudget:                   10 * time.Minute,
		JobStaleAfter:               15 * time.Minute,
		PageRetries:                 3,
		MaxAttempts:                 5,
		RetryDelay:                  10 * time.Minute,
		SchedulerInterval:           30 * time.Second,
		ProviderRate:                5,
		ProviderBurst:               5,
		BackoffInitial:              500 * time.Millisecond,
		BackoffMax:                  30 * time.Second,
		DefaultPhoneRegion:          "US",
		ChatDomain:                  "s.whatsapp.net",
		OptimisticClaimWindow:       10 * time.Minute,
		WebhookWorkers:              4,
		WebhookMaxAttempts:          5,
		MetricsLabels:               "service=commsync",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         false,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
		},
		MaxBodySize:  4 * 1024 * 1024,
		DrainTimeout: 30,
	}
}
