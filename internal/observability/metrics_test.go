package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsBatchCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncAdmission("accepted")
	metrics.IncAdmission(" COOLDOWN_ACTIVE ")
	metrics.IncBatchFinished("completed")
	metrics.IncBatchesInflight()
	metrics.DecBatchesInflight()
	metrics.IncScheduleDropped("")
	metrics.ObserveItemFinished("error", 2*time.Second)
	metrics.IncDeliveryRetry("escalated")
	metrics.SetConnectedTargets(3)
	metrics.AddRetentionDeleted("batches", 4)
	metrics.AddRetentionDeleted("batches", 0)
	metrics.IncReconciledBatch()
	metrics.IncAuditEvent("dropped")

	if got := testutil.ToFloat64(metrics.admissionsTotal.WithLabelValues("cooldown_active")); got != 1 {
		t.Fatalf("batch_admissions_total{cooldown_active} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchesFinishedTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("batches_finished_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.batchesInflight); got != 0 {
		t.Fatalf("batches_inflight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.scheduleDroppedTotal.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("batch_schedule_dropped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.itemsFinishedTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("items_finished_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.deliveryRetriesTotal.WithLabelValues("escalated")); got != 1 {
		t.Fatalf("delivery_retries_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.connectedTargets); got != 3 {
		t.Fatalf("connected_targets = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.retentionDeletedTotal.WithLabelValues("batches")); got != 4 {
		t.Fatalf("retention_deleted_total = %v, want 4", got)
	}
	if got := testutil.ToFloat64(metrics.reconciledBatchesTotal); got != 1 {
		t.Fatalf("reconciled_batches_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.auditEventsTotal.WithLabelValues("dropped")); got != 1 {
		t.Fatalf("audit_events_total{dropped} = %v, want 1", got)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncAdmission("accepted")
	metrics.ObserveItemFinished("completed", time.Second)
	metrics.SetConnectedTargets(1)
	if metrics.Handler() == nil {
		t.Fatal("Handler() should fall back to the default handler")
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
