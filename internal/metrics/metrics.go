// Package metrics 网关的 Prometheus 指标；所有方法对 nil 接收者安全
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemetry"

type Metrics struct {
	registry *prometheus.Registry

	transmitted       *prometheus.CounterVec
	failedAttempts    *prometheus.CounterVec
	exhausted         *prometheus.CounterVec
	requeued          prometheus.Counter
	recovered         *prometheus.CounterVec
	purged            prometheus.Counter
	acquired          *prometheus.CounterVec
	acquisitionErrors *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	cyclesSkipped     prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	pending           *prometheus.GaugeVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New 使用独立 registry 创建指标（避免测试中重复注册到全局 registry）
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_transmitted_total",
			Help:      "Readings acknowledged by the backend.",
		}, []string{"sensor_type"}),
		failedAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmission_failures_total",
			Help:      "Failed send attempts by sensor type and retryability.",
		}, []string{"sensor_type", "retryable"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_failed_total",
			Help:      "Readings moved to FAILED after exhausting their attempt budget.",
		}, []string{"sensor_type"}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_requeued_total",
			Help:      "FAILED readings manually re-queued to PENDING.",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_recovered_total",
			Help:      "TRANSMITTING readings reverted to PENDING.",
		}, []string{"reason"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_purged_total",
			Help:      "TRANSMITTED readings removed by retention.",
		}),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_acquired_total",
			Help:      "Readings stored after acquisition.",
		}, []string{"sensor_type"}),
		acquisitionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_errors_total",
			Help:      "Sensor reads that produced no reading this cycle.",
		}, []string{"sensor_type"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transmission_cycle_duration_seconds",
			Help:      "Duration of one transmission cycle for a user.",
			Buckets:   prometheus.DefBuckets,
		}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmission_cycles_skipped_total",
			Help:      "Cycles skipped because another cycle for the user was in progress.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latest_cache_hits_total",
			Help:      "Latest-reading cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latest_cache_misses_total",
			Help:      "Latest-reading cache misses.",
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readings_pending",
			Help:      "PENDING plus TRANSMITTING readings per user after the last cycle.",
		}, []string{"user_id"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.transmitted,
		m.failedAttempts,
		m.exhausted,
		m.requeued,
		m.recovered,
		m.purged,
		m.acquired,
		m.acquisitionErrors,
		m.cycleDuration,
		m.cyclesSkipped,
		m.cacheHits,
		m.cacheMisses,
		m.pending,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Registry 暴露给测试和自定义导出
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Transmitted(sensorType string) {
	if m == nil {
		return
	}
	m.transmitted.WithLabelValues(sensorType).Inc()
}

func (m *Metrics) FailedAttempt(sensorType string, retryable bool) {
	if m == nil {
		return
	}
	m.failedAttempts.WithLabelValues(sensorType, strconv.FormatBool(retryable)).Inc()
}

func (m *Metrics) Exhausted(sensorType string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(sensorType).Inc()
}

func (m *Metrics) Requeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.requeued.Add(float64(n))
}

// Recovered reason: startup / stale / cancelled
func (m *Metrics) Recovered(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

func (m *Metrics) Acquired(sensorType string) {
	if m == nil {
		return
	}
	m.acquired.WithLabelValues(sensorType).Inc()
}

func (m *Metrics) AcquisitionError(sensorType string) {
	if m == nil {
		return
	}
	m.acquisitionErrors.WithLabelValues(sensorType).Inc()
}

func (m *Metrics) CycleCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) CycleSkipped() {
	if m == nil {
		return
	}
	m.cyclesSkipped.Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// PendingReadings 用户当前待发送数量
func (m *Metrics) PendingReadings(userID string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(userID).Set(float64(n))
}
