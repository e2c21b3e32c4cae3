package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records store operation latency.
	StoreLatency *prometheus.HistogramVec

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	syncJobsTotal            *prometheus.CounterVec
	syncJobDuration          *prometheus.HistogramVec
	providerCallsTotal       *prometheus.CounterVec
	messagesUpsertedTotal    *prometheus.CounterVec
	linkActionsTotal         *prometheus.CounterVec
	webhookEventsTotal       *prometheus.CounterVec
	triggersTotal            *prometheus.CounterVec
	directionMismatchesTotal *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Only the first call registers; the Observe helpers are no-ops before it.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "commsync_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "status"})

	httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "commsync_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	StoreLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "commsync_store_latency_seconds",
		Help:    "Store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "commsync_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "commsync_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	syncJobsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "commsync_sync_jobs_total",
		Help: "Finished sync jobs by channel and final status",
	}, []string{"channel", "status"})

	syncJobDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "commsync_sync_job_duration_seconds",
		Help:    "Wall-clock duration of sync jobs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"channel"})

	providerCallsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "commsync_provider_calls_total",
		Help: "Provider API calls by operation and result",
	}, []string{"channel", "operation", "result"})

	messagesUpsertedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "commsync_messages_upserted_total",
		Help: "Message upserts by source and outcome",
	}, []string{"source", "outcome"})

	linkActionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "commsync_link_actions_total",
		Help: "Record link writes by method and action",
	}, []string{"method", "action"})

	webhookEventsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "commsync_webhook_events_total",
		Help: "Webhook events by processing result",
	}, []string{"result"})

	triggersTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "commsync_triggers_total",
		Help: "Sync triggers by result",
	}, []string{"result"})

	directionMismatchesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "commsync_direction_hint_mismatch_total",
		Help: "Messages whose provider sender hint disagreed with the computed direction",
	}, []string{"channel"})
}

// ObserveSyncJob records a finished job.
func ObserveSyncJob(channel, status string, elapsed time.Duration) {
	if syncJobsTotal == nil {
		return
	}
	syncJobsTotal.WithLabelValues(channel, status).Inc()
	syncJobDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// ObserveProviderCall records one provider request. result is "ok" or an
// error class such as "rate_limited".
func ObserveProviderCall(channel, operation, result string) {
	if providerCallsTotal != nil {
		providerCallsTotal.WithLabelValues(channel, operation, result).Inc()
	}
}

// ObserveMessageUpsert records a message upsert outcome.
func ObserveMessageUpsert(source, outcome string) {
	if messagesUpsertedTotal != nil {
		messagesUpsertedTotal.WithLabelValues(source, outcome).Inc()
	}
}

// ObserveLinkAction records a record link write.
func ObserveLinkAction(method, action string) {
	if linkActionsTotal != nil {
		linkActionsTotal.WithLabelValues(method, action).Inc()
	}
}

// ObserveWebhookEvent records a webhook event result: received, duplicate,
// processed, unparsed or failed.
func ObserveWebhookEvent(result string) {
	if webhookEventsTotal != nil {
		webhookEventsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveTrigger records a sync trigger result.
func ObserveTrigger(result string) {
	if triggersTotal != nil {
		triggersTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDirectionMismatch counts a provider sender hint that disagreed with
// the computed direction.
func ObserveDirectionMismatch(channel string) {
	if directionMismatchesTotal != nil {
		directionMismatchesTotal.WithLabelValues(channel).Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
