package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/commsync/internal/config"
	registryevents "github.com/chirino/commsync/internal/registry/events"
	"github.com/chirino/commsync/internal/registry/records"
	registrystore "github.com/chirino/commsync/internal/registry/store"
	registrythrottle "github.com/chirino/commsync/internal/registry/throttle"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/commsync/internal/plugin/events/none"
	_ "github.com/chirino/commsync/internal/plugin/events/redis"
	_ "github.com/chirino/commsync/internal/plugin/provider/httpapi"
	_ "github.com/chirino/commsync/internal/plugin/records/file"
	_ "github.com/chirino/commsync/internal/plugin/records/http"
	_ "github.com/chirino/commsync/internal/plugin/route/system"
	_ "github.com/chirino/commsync/internal/plugin/store/postgres"
	_ "github.com/chirino/commsync/internal/plugin/store/sqlite"
	_ "github.com/chirino/commsync/internal/plugin/throttle/local"
	_ "github.com/chirino/commsync/internal/plugin/throttle/none"
	_ "github.com/chirino/commsync/internal/plugin/throttle/redis"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	readHeaderTimeoutSecs := 5
	var apiKeys string
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the sync engine HTTP server and workers",
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &apiKeys),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			keys, err := config.ParseAPIKeys(apiKeys)
			if err != nil {
				return err
			}
			cfg.APIKeys = keys
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			cfg.CORSEnabled = cmd.IsSet("cors-origins")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars("COMMSYNC_" + name)
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int, apiKeys *string) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     env("PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Server:",
			Sources:     env("PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Server:",
			Sources:     env("TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2 on the same port",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     env("TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file; a self-signed certificate is generated when unset",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     env("TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     env("READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Server:",
			Sources:     env("MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     env("MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Server:",
			Sources:     env("DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for requests and running jobs on shutdown",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     env("MAX_BODY_SIZE_BYTES"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes, webhook payloads included",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     env("CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (\"*\" for any); CORS is off when unset",
		},
		&cli.StringFlag{
			Name:        "api-keys",
			Category:    "Server:",
			Sources:     env("API_KEYS"),
			Destination: apiKeys,
			Usage:       "Comma-separated key=tenant pairs; COMMSYNC_API_KEYS_<TENANT>=key[,key] also works",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     env("DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     env("DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL (sqlite: a file path or DSN; empty is in-memory)",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     env("DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     env("DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     env("DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Migrate the schema before serving",
		},

		// ── Redis, throttle and events ────────────────────────────
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Redis:",
			Sources:     env("REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL for the redis throttle and event publisher",
		},
		&cli.StringFlag{
			Name:        "throttle-kind",
			Category:    "Redis:",
			Sources:     env("THROTTLE_KIND"),
			Destination: &cfg.ThrottleType,
			Value:       cfg.ThrottleType,
			Usage:       "Trigger throttle (" + strings.Join(registrythrottle.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "trigger-min-interval",
			Category:    "Redis:",
			Sources:     env("TRIGGER_MIN_INTERVAL"),
			Destination: &cfg.TriggerMinInterval,
			Value:       cfg.TriggerMinInterval,
			Usage:       "Minimum time between full syncs of the same record",
		},
		&cli.StringFlag{
			Name:        "events-kind",
			Category:    "Redis:",
			Sources:     env("EVENTS_KIND"),
			Destination: &cfg.EventsType,
			Value:       cfg.EventsType,
			Usage:       "Live event publisher (" + strings.Join(registryevents.Names(), "|") + "); the outbox table is always written",
		},

		// ── Records ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "records-kind",
			Category:    "Records:",
			Sources:     env("RECORDS_KIND"),
			Destination: &cfg.RecordsType,
			Value:       cfg.RecordsType,
			Usage:       "Record source (" + strings.Join(records.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "records-file",
			Category:    "Records:",
			Sources:     env("RECORDS_FILE"),
			Destination: &cfg.RecordsFile,
			Usage:       "YAML records file for the file source; reloaded on change",
		},
		&cli.StringFlag{
			Name:        "records-url",
			Category:    "Records:",
			Sources:     env("RECORDS_URL"),
			Destination: &cfg.RecordsURL,
			Usage:       "CRM base URL for the http source",
		},
		&cli.StringFlag{
			Name:        "records-token",
			Category:    "Records:",
			Sources:     env("RECORDS_TOKEN"),
			Destination: &cfg.RecordsToken,
			Usage:       "Bearer token for the http source",
		},

		// ── Sync ──────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "sync-workers",
			Category:    "Sync:",
			Sources:     env("SYNC_WORKERS"),
			Destination: &cfg.SyncWorkers,
			Value:       cfg.SyncWorkers,
			Usage:       "Concurrent sync jobs",
		},
		&cli.IntFlag{
			Name:        "sync-conversation-concurrency",
			Category:    "Sync:",
			Sources:     env("SYNC_CONVERSATION_CONCURRENCY"),
			Destination: &cfg.SyncConversationConcurrency,
			Value:       cfg.SyncConversationConcurrency,
			Usage:       "Conversations fetched concurrently within one job",
		},
		&cli.DurationFlag{
			Name:        "job-budget",
			Category:    "Sync:",
			Sources:     env("JOB_BUDGET"),
			Destination: &cfg.JobBudget,
			Value:       cfg.JobBudget,
			Usage:       "Wall-clock budget per job; an exhausted job ends partial with its cursor saved",
		},
		&cli.DurationFlag{
			Name:        "job-stale-after",
			Category:    "Sync:",
			Sources:     env("JOB_STALE_AFTER"),
			Destination: &cfg.JobStaleAfter,
			Value:       cfg.JobStaleAfter,
			Usage:       "A running job without a heartbeat for this long may be reclaimed",
		},
		&cli.IntFlag{
			Name:        "page-retries",
			Category:    "Sync:",
			Sources:     env("PAGE_RETRIES"),
			Destination: &cfg.PageRetries,
			Value:       cfg.PageRetries,
			Usage:       "Retries of a page after a transient provider error",
		},
		&cli.IntFlag{
			Name:        "max-attempts",
			Category:    "Sync:",
			Sources:     env("MAX_ATTEMPTS"),
			Destination: &cfg.MaxAttempts,
			Value:       cfg.MaxAttempts,
			Usage:       "Attempts per record and channel before a partial job is left alone",
		},
		&cli.DurationFlag{
			Name:        "retry-delay",
			Category:    "Sync:",
			Sources:     env("RETRY_DELAY"),
			Destination: &cfg.RetryDelay,
			Value:       cfg.RetryDelay,
			Usage:       "Delay before a partial job is retried",
		},
		&cli.DurationFlag{
			Name:        "scheduler-interval",
			Category:    "Sync:",
			Sources:     env("SCHEDULER_INTERVAL"),
			Destination: &cfg.SchedulerInterval,
			Value:       cfg.SchedulerInterval,
			Usage:       "How often pending, stale and retryable work is swept",
		},
		&cli.FloatFlag{
			Name:        "provider-rate",
			Category:    "Sync:",
			Sources:     env("PROVIDER_RATE"),
			Destination: &cfg.ProviderRate,
			Value:       cfg.ProviderRate,
			Usage:       "Provider requests per second per tenant and channel",
		},
		&cli.IntFlag{
			Name:        "provider-burst",
			Category:    "Sync:",
			Sources:     env("PROVIDER_BURST"),
			Destination: &cfg.ProviderBurst,
			Value:       cfg.ProviderBurst,
			Usage:       "Provider request burst per tenant and channel",
		},
		&cli.DurationFlag{
			Name:        "backoff-initial",
			Category:    "Sync:",
			Sources:     env("BACKOFF_INITIAL"),
			Destination: &cfg.BackoffInitial,
			Value:       cfg.BackoffInitial,
			Usage:       "First backoff after a rate limit or transient error",
		},
		&cli.DurationFlag{
			Name:        "backoff-max",
			Category:    "Sync:",
			Sources:     env("BACKOFF_MAX"),
			Destination: &cfg.BackoffMax,
			Value:       cfg.BackoffMax,
			Usage:       "Backoff ceiling",
		},

		// ── Identity ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "default-phone-region",
			Category:    "Identity:",
			Sources:     env("DEFAULT_PHONE_REGION"),
			Destination: &cfg.DefaultPhoneRegion,
			Value:       cfg.DefaultPhoneRegion,
			Usage:       "ISO region for phone numbers without a country code",
		},
		&cli.StringFlag{
			Name:        "chat-domain",
			Category:    "Identity:",
			Sources:     env("CHAT_DOMAIN"),
			Destination: &cfg.ChatDomain,
			Value:       cfg.ChatDomain,
			Usage:       "Domain of chat provider ids (<digits>@<domain>)",
		},
		&cli.DurationFlag{
			Name:        "optimistic-claim-window",
			Category:    "Identity:",
			Sources:     env("OPTIMISTIC_CLAIM_WINDOW"),
			Destination: &cfg.OptimisticClaimWindow,
			Value:       cfg.OptimisticClaimWindow,
			Usage:       "How far apart a pending message and its provider copy may be timestamped",
		},

		// ── Webhooks ──────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "webhook-workers",
			Category:    "Webhooks:",
			Sources:     env("WEBHOOK_WORKERS"),
			Destination: &cfg.WebhookWorkers,
			Value:       cfg.WebhookWorkers,
			Usage:       "Concurrent webhook event processors",
		},
		&cli.IntFlag{
			Name:        "webhook-max-attempts",
			Category:    "Webhooks:",
			Sources:     env("WEBHOOK_MAX_ATTEMPTS"),
			Destination: &cfg.WebhookMaxAttempts,
			Value:       cfg.WebhookMaxAttempts,
			Usage:       "Processing attempts before an event is quarantined",
		},
		&cli.StringFlag{
			Name:        "webhook-mappings-file",
			Category:    "Webhooks:",
			Sources:     env("WEBHOOK_MAPPINGS_FILE"),
			Destination: &cfg.WebhookMappingsFile,
			Usage:       "YAML file of additional jq payload mappings",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     env("METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	}
}
