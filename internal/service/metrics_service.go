package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the pipeline.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	uploadJobsSuccess prometheus.Counter
	uploadJobsFailed  *prometheus.CounterVec
	conversionsFailed prometheus.Counter
	ppamCompleted     prometheus.Counter
	staleSkips        *prometheus.CounterVec
	quarantinePruned  prometheus.Counter
	cleanupFlushed    prometheus.Counter
	circuitOpen       *prometheus.GaugeVec
	scanDuration      *prometheus.HistogramVec
}

// NewMetricsService registers the pipeline collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	uploadJobsSuccess := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upload_jobs_success_total",
		Help: "Uploads that completed the full pipeline",
	})

	uploadJobsFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upload_jobs_failed_total",
		Help: "Uploads rejected or failed, by reason code",
	}, []string{"reason"})

	conversionsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_conversions_failed_total",
		Help: "Conversion jobs that hit genuine processing errors",
	})

	ppamCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ppam_completed_total",
		Help: "Post-processing (optimize and metadata) passes completed",
	})

	staleSkips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "media_stale_skips_total",
		Help: "Background jobs that exited cleanly because their target vanished",
	}, []string{"stage", "reason"})

	quarantinePruned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarantine_pruned_total",
		Help: "Quarantine artifacts removed by TTL pruning",
	})

	cleanupFlushed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_cleanup_flushed_total",
		Help: "Cleanup states flushed across disks",
	})

	circuitOpen := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scanner_circuit_open",
		Help: "1 while the named scan engine's circuit breaker is open",
	}, []string{"engine"})

	scanDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanner_scan_duration_seconds",
		Help:    "Duration of external scan invocations",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, uploadJobsSuccess, uploadJobsFailed,
		conversionsFailed, ppamCompleted, staleSkips, quarantinePruned, cleanupFlushed,
		circuitOpen, scanDuration, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:          registry,
		handler:           handler,
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		uploadJobsSuccess: uploadJobsSuccess,
		uploadJobsFailed:  uploadJobsFailed,
		conversionsFailed: conversionsFailed,
		ppamCompleted:     ppamCompleted,
		staleSkips:        staleSkips,
		quarantinePruned:  quarantinePruned,
		cleanupFlushed:    cleanupFlushed,
		circuitOpen:       circuitOpen,
		scanDuration:      scanDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// UploadSucceeded counts a pipeline completion.
func (m *MetricsService) UploadSucceeded() {
	if m == nil {
		return
	}
	m.uploadJobsSuccess.Inc()
}

// UploadFailed counts a rejection or failure by reason code.
func (m *MetricsService) UploadFailed(reason string) {
	if m == nil {
		return
	}
	m.uploadJobsFailed.WithLabelValues(reason).Inc()
}

// ConversionFailed counts a genuine conversion error (stale skips excluded).
func (m *MetricsService) ConversionFailed() {
	if m == nil {
		return
	}
	m.conversionsFailed.Inc()
}

// PPAMCompleted counts a finished post-processing pass.
func (m *MetricsService) PPAMCompleted() {
	if m == nil {
		return
	}
	m.ppamCompleted.Inc()
}

// StaleSkip counts a clean exit caused by the target vanishing mid-pipeline.
func (m *MetricsService) StaleSkip(stage, reason string) {
	if m == nil {
		return
	}
	m.staleSkips.WithLabelValues(stage, reason).Inc()
}

// QuarantinePruned counts TTL-pruned artifacts.
func (m *MetricsService) QuarantinePruned(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.quarantinePruned.Add(float64(count))
}

// CleanupFlushed counts flushed cleanup states.
func (m *MetricsService) CleanupFlushed() {
	if m == nil {
		return
	}
	m.cleanupFlushed.Inc()
}

// SetCircuitOpen publishes the breaker position for one engine.
func (m *MetricsService) SetCircuitOpen(engine string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.circuitOpen.WithLabelValues(engine).Set(v)
}

// ObserveScan records one external scan invocation.
func (m *MetricsService) ObserveScan(engine string, duration time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.WithLabelValues(engine).Observe(duration.Seconds())
}
