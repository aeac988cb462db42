package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/queue"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultBufferSize   = 1024
	defaultDrainTimeout = 5 * time.Second
)

// Sink buffers audit events and forwards them off the caller's goroutine.
// Events go to the broker when a publisher is configured and are written
// straight to the audit table otherwise, or when publishing fails.
type Sink struct {
	events       chan domain.AuditEvent
	publisher    queue.Publisher
	store        repository.AuditRepository
	drainTimeout time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewSink(
	publisher queue.Publisher,
	store repository.AuditRepository,
	bufferSize int,
	logger *zap.Logger,
) (*Sink, error) {
	if publisher == nil && store == nil {
		return nil, fmt.Errorf("audit publisher or audit repository is required")
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sink{
		events:       make(chan domain.AuditEvent, bufferSize),
		publisher:    publisher,
		store:        store,
		drainTimeout: defaultDrainTimeout,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (s *Sink) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Emit enqueues the event and drops it when the buffer is full.
func (s *Sink) Emit(event domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}

	select {
	case s.events <- event:
	default:
		s.metrics.IncAuditEvent("dropped")
		s.logger.Warn("audit buffer full, dropping event",
			zap.String("eventId", event.ID),
			zap.String("action", string(event.Action)),
		)
	}
}

// Run forwards buffered events until ctx is cancelled, then flushes what is
// left within the drain timeout.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain(ctx)
			return nil
		case event := <-s.events:
			s.forward(ctx, event)
		}
	}
}

func (s *Sink) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drainTimeout)
	defer cancel()

	for {
		select {
		case event := <-s.events:
			s.forward(drainCtx, event)
		default:
			return
		}
		if drainCtx.Err() != nil {
			s.logger.Warn("audit drain timed out", zap.Int("remaining", len(s.events)))
			return
		}
	}
}

func (s *Sink) forward(ctx context.Context, event domain.AuditEvent) {
	if s.publisher != nil {
		err := s.publisher.Publish(ctx, queue.AuditQueue, queue.NewAuditMessage(event))
		if err == nil {
			s.metrics.IncAuditEvent("published")
			return
		}
		s.logger.Warn("failed to publish audit event",
			zap.Error(err),
			zap.String("eventId", event.ID),
		)
		if s.store == nil {
			s.metrics.IncAuditEvent("failed")
			return
		}
	}

	if err := s.store.Create(context.WithoutCancel(ctx), &event); err != nil {
		s.metrics.IncAuditEvent("failed")
		s.logger.Error("failed to persist audit event",
			zap.Error(err),
			zap.String("eventId", event.ID),
		)
		return
	}
	s.metrics.IncAuditEvent("recorded")
}
