// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived *prometheus.CounterVec // by platform
	FramesDropped    *prometheus.CounterVec // by platform; malformed or unknown wire frames
	Reconnects       *prometheus.CounterVec // by platform
	SendsAttempted   *prometheus.CounterVec // by platform
	SendsFailed      *prometheus.CounterVec // by platform
	AuthFailures     *prometheus.CounterVec // by platform; terminal failures only
	EventsDropped    prometheus.Counter     // slow-subscriber queue drops
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CatalogRefreshes prometheus.Counter

	// Histograms (seconds)
	SendDuration         prometheus.Observer
	CatalogFetchDuration prometheus.Observer

	// Gauges
	OpenChannelsGauge      prometheus.Gauge
	ActiveConnectionsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_received_total", Help: "Normalized chat messages received"}, []string{"platform"})
		FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_frames_dropped_total", Help: "Malformed or unrecognized wire frames dropped"}, []string{"platform"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Connection transitions into reconnecting"}, []string{"platform"})
		SendsAttempted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sends_attempted_total", Help: "Outbound message sends attempted"}, []string{"platform"})
		SendsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sends_failed_total", Help: "Outbound message sends failed"}, []string{"platform"})
		AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_auth_failures_total", Help: "Terminal authentication failures surfaced"}, []string{"platform"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_subscriber_events_dropped_total", Help: "Events dropped because a subscriber queue was full"})
		CacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_emote_cache_hits_total", Help: "Emote image cache hits (either tier)"})
		CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_emote_cache_misses_total", Help: "Emote image cache misses (both tiers)"})
		CatalogRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_emote_catalog_refreshes_total", Help: "Emote catalog fetches, foreground and background"})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_send_duration_seconds", Help: "Send duration including local rate-limit wait", Buckets: prometheus.DefBuckets})
		CatalogFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_emote_catalog_fetch_duration_seconds", Help: "Channel emote catalog fetch duration", Buckets: prometheus.DefBuckets})
		OpenChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_open_channels", Help: "Channels currently open in the manager"})
		ActiveConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_active_connections", Help: "Platform connections currently live"})
	})
}

// SetOpenChannels records the current open channel count.
func SetOpenChannels(n int) {
	if OpenChannelsGauge != nil {
		OpenChannelsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
