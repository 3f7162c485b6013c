// Package metrics collects and exposes Prometheus metrics for the auth core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface the cache, synchronizer, OTP machine and
// provider adapter report through.
type Recorder interface {
	RecordCacheLookup(hit bool)
	RecordAuthEvent(eventType string)
	RecordProfileFetch(outcome string, duration time.Duration)
	RecordStaleDiscard()
	RecordOTPVerify(outcome string)
	RecordProviderCall(op, outcome string)
	RecordStorageError(tier, op string)
	SetActiveClients(n int)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	cacheLookups  *prometheus.CounterVec
	authEvents    *prometheus.CounterVec
	profileFetch  *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	staleDiscards prometheus.Counter
	otpVerify     *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	storageErrors *prometheus.CounterVec
	activeClients prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsync_profile_cache_lookups_total",
			Help: "Profile cache lookups by result",
		}, []string{"result"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsync_auth_events_total",
			Help: "Auth state events handled by the synchronizer",
		}, []string{"event"}),
		profileFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsync_profile_fetch_total",
			Help: "Remote profile fetches by outcome",
		}, []string{"outcome"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authsync_profile_fetch_seconds",
			Help:    "Remote profile fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		staleDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authsync_profile_fetch_stale_total",
			Help: "Fetch results dropped because the session changed meanwhile",
		}),
		otpVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsync_otp_verify_total",
			Help: "OTP verification attempts by outcome",
		}, []string{"outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsync_provider_calls_total",
			Help: "Calls to the auth provider by operation and outcome",
		}, []string{"op", "outcome"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsync_storage_errors_total",
			Help: "Storage tier failures",
		}, []string{"tier", "op"}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authsync_active_clients",
			Help: "Device clients currently held in memory",
		}),
	}

	reg.MustRegister(
		c.cacheLookups,
		c.authEvents,
		c.profileFetch,
		c.fetchLatency,
		c.staleDiscards,
		c.otpVerify,
		c.providerCalls,
		c.storageErrors,
		c.activeClients,
	)

	return c
}

func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

func (c *Collector) RecordAuthEvent(eventType string) {
	c.authEvents.WithLabelValues(eventType).Inc()
}

func (c *Collector) RecordProfileFetch(outcome string, duration time.Duration) {
	c.profileFetch.WithLabelValues(outcome).Inc()
	c.fetchLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordStaleDiscard() {
	c.staleDiscards.Inc()
}

func (c *Collector) RecordOTPVerify(outcome string) {
	c.otpVerify.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordProviderCall(op, outcome string) {
	c.providerCalls.WithLabelValues(op, outcome).Inc()
}

func (c *Collector) RecordStorageError(tier, op string) {
	c.storageErrors.WithLabelValues(tier, op).Inc()
}

func (c *Collector) SetActiveClients(n int) {
	c.activeClients.Set(float64(n))
}

// Nop discards everything. Used when metrics are disabled and in tests.
type Nop struct{}

func (Nop) RecordCacheLookup(bool) {}
func (Nop) RecordAuthEvent(string) {}
func (Nop) RecordProfileFetch(string, time.Duration) {}
func (Nop) RecordStaleDiscard() {}
func (Nop) RecordOTPVerify(string) {}
func (Nop) RecordProviderCall(string, string) {}
func (Nop) RecordStorageError(string, string) {}
func (Nop) SetActiveClients(int) {}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
