// Package metrics registers and records Prometheus metrics for the test
// battery, the assessment HTTP API, MQTT ingestion and the sample collector.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TestRuns                 *prometheus.CounterVec
	TestErrors               *prometheus.CounterVec
	TestDuration             *prometheus.HistogramVec
	TestPValues              *prometheus.HistogramVec
	TestFailures             *prometheus.CounterVec
	BatteryRuns              prometheus.Counter
	BatteryDuration          prometheus.Histogram
	BitsProcessed            prometheus.Counter
	AssessHTTPRequests       *prometheus.CounterVec
	AssessHTTP503Total       prometheus.Counter
	AssessHTTPRateLimited    prometheus.Counter
	AssessHTTPLatency        prometheus.Histogram
	MQTTConnected            prometheus.Gauge
	MQTTReconnects           prometheus.Counter
	MQTTConnects             prometheus.Counter
	MQTTDisconnects          prometheus.Counter
	MQTTInboundMessages      prometheus.Counter
	MQTTInboundBytes         prometheus.Counter
	MQTTPayloadsDropped      *prometheus.CounterVec
	CollectorPendingBytes    prometheus.Gauge
	CollectorSampleSize      prometheus.Gauge
	CollectorSamples         *prometheus.CounterVec
	CollectorDispatchLatency prometheus.Histogram

	metricsMu         sync.RWMutex
	currentRegisterer prometheus.Registerer = prometheus.DefaultRegisterer
)

func init() {
	resetMetrics(prometheus.DefaultRegisterer)
}

// SetRegisterer sets a new registerer and reinitializes all metrics.
// It returns the previous registerer so it can be restored later.
// Intended for tests that need an isolated registry.
func SetRegisterer(registerer prometheus.Registerer) prometheus.Registerer {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	previous := currentRegisterer

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}

	currentRegisterer = registerer
	initializeMetrics(registerer)

	return previous
}

// ResetForTesting reconfigures all metric collectors against the provided registerer.
// It unregisters the existing metrics from the previous registerer to prevent
// duplicate registrations when invoked repeatedly.
func ResetForTesting(registerer prometheus.Registerer) {
	resetMetrics(registerer)
}

func resetMetrics(registerer prometheus.Registerer) {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}

	currentRegisterer = registerer
	initializeMetrics(registerer)
}

// initializeMetrics creates all metrics using the provided registerer.
// This function must be called while holding metricsMu.
func initializeMetrics(registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	TestRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sts_test_runs_total",
			Help: "Total number of statistical test runs by outcome",
		},
		[]string{"test", "outcome"},
	)

	TestErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sts_test_errors_total",
			Help: "Total number of statistical test errors by kind",
		},
		[]string{"test", "kind"},
	)

	TestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sts_test_duration_seconds",
			Help:    "Duration of a single statistical test run",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		},
		[]string{"test"},
	)

	TestPValues = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sts_test_p_value",
			Help:    "Distribution of p-values produced by statistical tests",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"test"},
	)

	TestFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sts_test_p_value_failures_total",
			Help: "Total number of p-values below the significance level",
		},
		[]string{"test"},
	)

	BatteryRuns = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "sts_battery_runs_total",
			Help: "Total number of battery runs",
		},
	)

	BatteryDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sts_battery_duration_seconds",
			Help:    "Wall-clock duration of a battery run",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	BitsProcessed = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "sts_bits_processed_total",
			Help: "Total number of bits submitted to battery runs",
		},
	)

	AssessHTTPRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assess_http_requests_total",
			Help: "Total number of assessment HTTP requests by status code",
		},
		[]string{"code"},
	)

	AssessHTTP503Total = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "assess_http_503_total",
			Help: "Total number of assessment requests answered with 503",
		},
	)

	AssessHTTPRateLimited = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "assess_http_rate_limited_total",
			Help: "Total number of assessment requests rejected by the rate limiter",
		},
	)

	AssessHTTPLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assess_http_latency_seconds",
			Help:    "Latency of assessment HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
	)

	MQTTConnected = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtt_connected",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	MQTTReconnects = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_reconnects_total",
			Help: "Total number of MQTT reconnection attempts",
		},
	)

	MQTTConnects = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_connects_total",
			Help: "Total number of successful MQTT connections",
		},
	)

	MQTTDisconnects = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_disconnects_total",
			Help: "Total number of MQTT disconnects",
		},
	)

	MQTTInboundMessages = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_in_msgs_total",
			Help: "Total number of inbound MQTT messages",
		},
	)

	MQTTInboundBytes = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_in_bytes_total",
			Help: "Total number of decoded sample bytes received over MQTT",
		},
	)

	MQTTPayloadsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_payloads_dropped_total",
			Help: "Total number of MQTT payloads dropped by reason",
		},
		[]string{"reason"},
	)

	CollectorPendingBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_pending_bytes",
			Help: "Bytes buffered in the sample collector awaiting a full sample",
		},
	)

	CollectorSampleSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_sample_size_bytes",
			Help: "Configured sample size of the collector",
		},
	)

	CollectorSamples = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_samples_total",
			Help: "Total number of samples dispatched by the collector by trigger",
		},
		[]string{"trigger"},
	)

	CollectorDispatchLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collector_dispatch_duration_seconds",
			Help:    "Time spent handing a sample to its sink",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
}

// unregisterAll removes all metrics from the given registerer.
// This function must be called while holding metricsMu.
func unregisterAll(registerer prometheus.Registerer) {
	if TestRuns != nil {
		registerer.Unregister(TestRuns)
	}
	if TestErrors != nil {
		registerer.Unregister(TestErrors)
	}
	if TestDuration != nil {
		registerer.Unregister(TestDuration)
	}
	if TestPValues != nil {
		registerer.Unregister(TestPValues)
	}
	if TestFailures != nil {
		registerer.Unregister(TestFailures)
	}
	if BatteryRuns != nil {
		registerer.Unregister(BatteryRuns)
	}
	if BatteryDuration != nil {
		registerer.Unregister(BatteryDuration)
	}
	if BitsProcessed != nil {
		registerer.Unregister(BitsProcessed)
	}
	if AssessHTTPRequests != nil {
		registerer.Unregister(AssessHTTPRequests)
	}
	if AssessHTTP503Total != nil {
		registerer.Unregister(AssessHTTP503Total)
	}
	if AssessHTTPRateLimited != nil {
		registerer.Unregister(AssessHTTPRateLimited)
	}
	if AssessHTTPLatency != nil {
		registerer.Unregister(AssessHTTPLatency)
	}
	if MQTTConnected != nil {
		registerer.Unregister(MQTTConnected)
	}
	if MQTTReconnects != nil {
		registerer.Unregister(MQTTReconnects)
	}
	if MQTTConnects != nil {
		registerer.Unregister(MQTTConnects)
	}
	if MQTTDisconnects != nil {
		registerer.Unregister(MQTTDisconnects)
	}
	if MQTTInboundMessages != nil {
		registerer.Unregister(MQTTInboundMessages)
	}
	if MQTTInboundBytes != nil {
		registerer.Unregister(MQTTInboundBytes)
	}
	if MQTTPayloadsDropped != nil {
		registerer.Unregister(MQTTPayloadsDropped)
	}
	if CollectorPendingBytes != nil {
		registerer.Unregister(CollectorPendingBytes)
	}
	if CollectorSampleSize != nil {
		registerer.Unregister(CollectorSampleSize)
	}
	if CollectorSamples != nil {
		registerer.Unregister(CollectorSamples)
	}
	if CollectorDispatchLatency != nil {
		registerer.Unregister(CollectorDispatchLatency)
	}
}

// RecordTestRun records a completed test run: its duration, every p-value it
// produced and how many of them fell below the significance level.
func RecordTestRun(test string, duration time.Duration, pValues []float64, failures int) {
	if duration < 0 {
		duration = 0
	}
	outcome := "pass"
	if failures > 0 {
		outcome = "fail"
	}
	TestRuns.WithLabelValues(test, outcome).Inc()
	TestDuration.WithLabelValues(test).Observe(duration.Seconds())

	hist := TestPValues.WithLabelValues(test)
	for _, p := range pValues {
		hist.Observe(p)
	}
	if failures > 0 {
		TestFailures.WithLabelValues(test).Add(float64(failures))
	}
}

// RecordTestError records a test that produced no result.
func RecordTestError(test, kind string) {
	if kind == "" {
		kind = "internal"
	}
	TestRuns.WithLabelValues(test, "error").Inc()
	TestErrors.WithLabelValues(test, kind).Inc()
}

// RecordBatteryRun records one battery run over the given number of bits.
func RecordBatteryRun(bits int, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	BatteryRuns.Inc()
	BatteryDuration.Observe(duration.Seconds())
	if bits > 0 {
		BitsProcessed.Add(float64(bits))
	}
}

// RecordAssessHTTPRequest tracks latency and status codes for the assessment endpoint.
func RecordAssessHTTPRequest(code int, duration time.Duration) {
	label := strconv.Itoa(code)
	if code <= 0 {
		label = "0"
	}
	if duration < 0 {
		duration = 0
	}
	AssessHTTPRequests.WithLabelValues(label).Inc()
	AssessHTTPLatency.Observe(duration.Seconds())
}

// RecordAssessHTTP503 increments the total 503 counter for the assessment endpoint.
func RecordAssessHTTP503() {
	AssessHTTP503Total.Inc()
}

// RecordAssessHTTPRateLimited tracks rate-limited responses.
func RecordAssessHTTPRateLimited() {
	AssessHTTPRateLimited.Inc()
}

// SetMQTTConnected sets the MQTT connection status
func SetMQTTConnected(connected bool) {
	if connected {
		MQTTConnected.Set(1)
	} else {
		MQTTConnected.Set(0)
	}
}

// RecordMQTTReconnect increments MQTT reconnection counter
func RecordMQTTReconnect() {
	MQTTReconnects.Inc()
}

// RecordMQTTConnect tracks successful MQTT connections.
func RecordMQTTConnect() {
	MQTTConnects.Inc()
}

// RecordMQTTDisconnect tracks MQTT disconnects, whether expected or due to errors.
func RecordMQTTDisconnect() {
	MQTTDisconnects.Inc()
}

// RecordMQTTMessage counts inbound MQTT messages prior to decoding.
func RecordMQTTMessage() {
	MQTTInboundMessages.Inc()
}

// RecordMQTTBytes counts decoded sample bytes.
func RecordMQTTBytes(n int) {
	if n > 0 {
		MQTTInboundBytes.Add(float64(n))
	}
}

// RecordPayloadDropped records a dropped MQTT payload with reason
func RecordPayloadDropped(reason string) {
	MQTTPayloadsDropped.WithLabelValues(reason).Inc()
}

// SetCollectorPendingBytes updates the number of buffered bytes.
func SetCollectorPendingBytes(n int) {
	CollectorPendingBytes.Set(float64(n))
}

// SetCollectorSampleSize updates the configured sample size.
func SetCollectorSampleSize(n int) {
	CollectorSampleSize.Set(float64(n))
}

// RecordCollectorDispatch records a sample handed to the sink. The trigger is
// "full" for a complete sample, "flush" for an interval flush and "close" for
// the final partial sample.
func RecordCollectorDispatch(trigger string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	CollectorSamples.WithLabelValues(trigger).Inc()
	CollectorDispatchLatency.Observe(duration.Seconds())
}
