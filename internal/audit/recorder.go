package audit

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/queue"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

// Recorder consumes audit messages from the broker and persists them.
type Recorder struct {
	store   repository.AuditRepository
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewRecorder(store repository.AuditRepository, logger *zap.Logger) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("audit repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger}, nil
}

func (r *Recorder) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Run blocks consuming the audit queue until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, consumer queue.Consumer) error {
	if consumer == nil {
		return fmt.Errorf("audit consumer is required")
	}
	r.logger.Info("audit recorder started", zap.String("queue", queue.AuditQueue))
	return consumer.Consume(ctx, queue.AuditQueue, r.Handle)
}

// Handle persists one message. A returned error makes the consumer requeue it.
func (r *Recorder) Handle(ctx context.Context, msg queue.AuditMessage) error {
	event := msg.Event()
	if err := r.store.Create(ctx, &event); err != nil {
		r.metrics.IncAuditEvent("failed")
		return fmt.Errorf("failed to record audit event %s: %w", event.ID, err)
	}
	r.metrics.IncAuditEvent("recorded")
	return nil
}
