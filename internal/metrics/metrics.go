package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for cadence
type Metrics struct {
	// Dispatch counters
	SendsTotal          *prometheus.CounterVec
	SendDurationSeconds *prometheus.HistogramVec
	BatchesTotal        *prometheus.CounterVec
	PacingWaitSeconds   prometheus.Counter

	// Queue counters/gauges
	ItemsClaimedTotal   prometheus.Counter
	ItemsReclaimedTotal prometheus.Counter
	ItemsReleasedTotal  prometheus.Counter
	ClaimsLostTotal     prometheus.Counter
	InvariantViolations *prometheus.CounterVec
	QueueItems          *prometheus.GaugeVec

	// Scheduler
	FiringsTotal        *prometheus.CounterVec
	SchedulerTicksTotal prometheus.Counter
	LastTickTimestamp   prometheus.Gauge
	CampaignsInFlight   prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_sends_total",
				Help: "Total number of send attempts by channel and result",
			},
			[]string{"channel", "result"},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cadence_send_duration_seconds",
				Help:    "Duration of a single send call",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"channel"},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_batches_total",
				Help: "Total number of dispatched batches by outcome",
			},
			[]string{"outcome"},
		),
		PacingWaitSeconds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_pacing_wait_seconds_total",
				Help: "Total time spent waiting between sends",
			},
		),

		ItemsClaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_items_claimed_total",
				Help: "Total number of queue items claimed",
			},
		),
		ItemsReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_items_reclaimed_total",
				Help: "Total number of stale claims returned to pending",
			},
		),
		ItemsReleasedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_items_released_total",
				Help: "Total number of unattempted claims released on shutdown",
			},
		),
		ClaimsLostTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_claims_lost_total",
				Help: "Total number of items skipped because their claim expired before the send",
			},
		),
		InvariantViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_claim_invariant_violations_total",
				Help: "Total number of resolutions attempted on items that were not claimed",
			},
			[]string{"op"},
		),
		QueueItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cadence_queue_items",
				Help: "Number of queue items by status",
			},
			[]string{"status"},
		),

		FiringsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_firings_total",
				Help: "Total number of campaign firings by outcome",
			},
			[]string{"outcome"},
		),
		SchedulerTicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_scheduler_ticks_total",
				Help: "Total number of scheduler polls",
			},
		),
		LastTickTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_scheduler_last_tick_timestamp_seconds",
				Help: "Unix time of the last scheduler poll",
			},
		),
		CampaignsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_campaigns_in_flight",
				Help: "Number of campaigns currently being dispatched",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cadence_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_storage_used_bytes",
				Help: "Queue database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendDurationSeconds,
		m.BatchesTotal,
		m.PacingWaitSeconds,
		m.ItemsClaimedTotal,
		m.ItemsReclaimedTotal,
		m.ItemsReleasedTotal,
		m.ClaimsLostTotal,
		m.InvariantViolations,
		m.QueueItems,
		m.FiringsTotal,
		m.SchedulerTicksTotal,
		m.LastTickTimestamp,
		m.CampaignsInFlight,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveSend records one send attempt
func ObserveSend(channel string, ok bool, seconds float64) {
	m := Global()
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "error"
	}
	m.SendsTotal.WithLabelValues(channel, result).Inc()
	m.SendDurationSeconds.WithLabelValues(channel).Observe(seconds)
}

// IncBatches increments the batch counter
func IncBatches(outcome string) {
	m := Global()
	if m != nil {
		m.BatchesTotal.WithLabelValues(outcome).Inc()
	}
}

// AddPacingWait adds to the pacing wait total
func AddPacingWait(seconds float64) {
	m := Global()
	if m != nil {
		m.PacingWaitSeconds.Add(seconds)
	}
}

// AddItemsClaimed adds n claimed items
func AddItemsClaimed(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.ItemsClaimedTotal.Add(float64(n))
	}
}

// AddItemsReclaimed adds n reclaimed items
func AddItemsReclaimed(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.ItemsReclaimedTotal.Add(float64(n))
	}
}

// AddItemsReleased adds n released items
func AddItemsReleased(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.ItemsReleasedTotal.Add(float64(n))
	}
}

// IncClaimsLost counts an item skipped after its claim expired
func IncClaimsLost() {
	m := Global()
	if m != nil {
		m.ClaimsLostTotal.Inc()
	}
}

// IncInvariantViolations increments the claim invariant counter
func IncInvariantViolations(op string) {
	m := Global()
	if m != nil {
		m.InvariantViolations.WithLabelValues(op).Inc()
	}
}

// IncFirings increments the firing counter
func IncFirings(outcome string) {
	m := Global()
	if m != nil {
		m.FiringsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveTick records a scheduler poll at unix time ts
func ObserveTick(ts float64) {
	m := Global()
	if m != nil {
		m.SchedulerTicksTotal.Inc()
		m.LastTickTimestamp.Set(ts)
	}
}

// AddCampaignsInFlight moves the in-flight gauge by delta
func AddCampaignsInFlight(delta float64) {
	m := Global()
	if m != nil {
		m.CampaignsInFlight.Add(delta)
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
