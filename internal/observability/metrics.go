package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, orchestrator and background loops.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	admissionsTotal        *prometheus.CounterVec
	batchesFinishedTotal   *prometheus.CounterVec
	batchesInflight        prometheus.Gauge
	scheduleDroppedTotal   *prometheus.CounterVec
	itemsFinishedTotal     *prometheus.CounterVec
	itemDuration           *prometheus.HistogramVec
	deliveryRetriesTotal   *prometheus.CounterVec
	connectedTargets       prometheus.Gauge
	retentionDeletedTotal  *prometheus.CounterVec
	reconciledBatchesTotal prometheus.Counter
	auditEventsTotal       *prometheus.CounterVec
}

const namespace = "batch_dispatch"

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_admissions_total",
				Help:      "Batch admission decisions grouped by outcome (accepted or rejection reason).",
			},
			[]string{"outcome"},
		),
		batchesFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_finished_total",
				Help:      "Batches that reached a terminal status.",
			},
			[]string{"status"},
		),
		batchesInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batches_inflight",
				Help:      "Batches currently executed by this instance.",
			},
		),
		scheduleDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_schedule_dropped_total",
				Help:      "Schedule requests ignored, grouped by cause.",
			},
			[]string{"cause"},
		),
		itemsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_finished_total",
				Help:      "Batch items that reached a terminal status.",
			},
			[]string{"status"},
		),
		itemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_duration_seconds",
				Help:      "Time from item start to terminal status.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 13),
			},
			[]string{"status"},
		),
		deliveryRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_retries_total",
				Help:      "Redelivery attempts grouped by outcome.",
			},
			[]string{"outcome"},
		),
		connectedTargets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_targets",
				Help:      "Targets with a live connection to this instance.",
			},
		),
		retentionDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_deleted_total",
				Help:      "Records removed by the retention sweeper grouped by kind.",
			},
			[]string{"kind"},
		),
		reconciledBatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciled_batches_total",
				Help:      "Orphaned processing batches force-failed by the reconciler.",
			},
		),
		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_total",
				Help:      "Audit events grouped by outcome (published, dropped, failed, recorded).",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.admissionsTotal,
		m.batchesFinishedTotal,
		m.batchesInflight,
		m.scheduleDroppedTotal,
		m.itemsFinishedTotal,
		m.itemDuration,
		m.deliveryRetriesTotal,
		m.connectedTargets,
		m.retentionDeletedTotal,
		m.reconciledBatchesTotal,
		m.auditEventsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissionsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncBatchFinished(status string) {
	if m == nil {
		return
	}
	m.batchesFinishedTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncBatchesInflight() {
	if m == nil {
		return
	}
	m.batchesInflight.Inc()
}

func (m *Metrics) DecBatchesInflight() {
	if m == nil {
		return
	}
	m.batchesInflight.Dec()
}

func (m *Metrics) IncScheduleDropped(cause string) {
	if m == nil {
		return
	}
	m.scheduleDroppedTotal.WithLabelValues(normalizeLabel(cause)).Inc()
}

func (m *Metrics) ObserveItemFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	label := normalizeLabel(status)
	m.itemsFinishedTotal.WithLabelValues(label).Inc()
	m.itemDuration.WithLabelValues(label).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncDeliveryRetry(outcome string) {
	if m == nil {
		return
	}
	m.deliveryRetriesTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) SetConnectedTargets(n int) {
	if m == nil {
		return
	}
	m.connectedTargets.Set(float64(n))
}

func (m *Metrics) AddRetentionDeleted(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeletedTotal.WithLabelValues(normalizeLabel(kind)).Add(float64(n))
}

func (m *Metrics) IncReconciledBatch() {
	if m == nil {
		return
	}
	m.reconciledBatchesTotal.Inc()
}

func (m *Metrics) IncAuditEvent(outcome string) {
	if m == nil {
		return
	}
	m.auditEventsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(label string) string {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
