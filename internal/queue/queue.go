package queue

import (
	"context"
	"fmt"
)

// Publisher publishes audit messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg AuditMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg AuditMessage) error

// Consumer consumes audit messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// AuditQueue receives every audit event emitted by the service.
	AuditQueue = "audit.events"

	auditRoutingKey = "audit"
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.audit.events.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns the queues consumers read from.
func WorkQueueNames() []string {
	return []string{AuditQueue}
}
