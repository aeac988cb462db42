package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// handleDelivery records one audit event. Events that can never be recorded
// go straight to the dead-letter queue; a failed handler gets one redelivery
// before the event is dead-lettered.
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	log := c.logger.With(
		zap.String("messageId", d.MessageId),
		zap.String("action", d.Type),
	)

	msg, reason := decodeAuditDelivery(d)
	if reason != "" {
		log.Warn("dead-lettering audit event", zap.String("reason", reason))
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to reject audit event: %w", err)
		}
		return nil
	}

	log = log.With(zap.String("eventId", msg.EventID))
	if msg.BatchID != nil {
		log = log.With(zap.String("batchId", *msg.BatchID))
	}

	if err := handler(ctx, msg); err != nil {
		if d.Redelivered {
			log.Error("dead-lettering audit event after redelivery", zap.Error(err))
			if rejectErr := d.Reject(false); rejectErr != nil {
				return fmt.Errorf("failed to dead-letter audit event: %w", rejectErr)
			}
			return nil
		}
		log.Warn("requeueing audit event", zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("handler failed and nack failed: %w", nackErr)
		}
		return nil
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack audit event: %w", err)
	}
	return nil
}

// decodeAuditDelivery returns the event carried by d, or a non-empty reason
// when the delivery is not a recordable audit event. The publisher stamps the
// action and event id on the message properties, so a body that disagrees
// with them is rejected too.
func decodeAuditDelivery(d amqp.Delivery) (AuditMessage, string) {
	var msg AuditMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return AuditMessage{}, "malformed json: " + err.Error()
	}
	if err := msg.Validate(); err != nil {
		return msg, err.Error()
	}
	if d.Type != "" && d.Type != string(msg.Action) {
		return msg, fmt.Sprintf("action %q does not match message type %q", msg.Action, d.Type)
	}
	if d.MessageId != "" && d.MessageId != msg.EventID {
		return msg, fmt.Sprintf("eventId %q does not match message id %q", msg.EventID, d.MessageId)
	}
	return msg, ""
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
