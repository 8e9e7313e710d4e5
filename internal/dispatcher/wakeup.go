package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Waker receives advisory nudges to run a cycle ahead of the next poll
// tick.
type Waker interface {
	Wake()
}

// WakeConsumer bridges the upstream queue to the dispatcher. The
// upstream service publishes an application ID after flipping it to
// sending; the message carries no state the poll cycle would not
// rediscover, so every delivery is acked and merely wakes the loop.
type WakeConsumer struct {
	deliveries <-chan amqp.Delivery
	waker      Waker
	logger     *slog.Logger
}

func NewWakeConsumer(deliveries <-chan amqp.Delivery, waker Waker, logger *slog.Logger) *WakeConsumer {
	return &WakeConsumer{
		deliveries: deliveries,
		waker:      waker,
		logger:     logger.With("component", "wake_consumer"),
	}
}

// Run consumes deliveries until the context ends or the channel closes.
func (c *WakeConsumer) Run(ctx context.Context) {
	c.logger.Info("wake consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("wake consumer stopped")
			return

		case delivery, ok := <-c.deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed; falling back to poll-only operation")
				return
			}
			c.handle(delivery)
		}
	}
}

func (c *WakeConsumer) handle(delivery amqp.Delivery) {
	var msg struct {
		ApplicationID string `json:"application_id"`
	}

	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.Error("failed to parse wake message",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed messages go to the DLQ.
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK malformed message", slog.Any("error", nackErr))
		}
		return
	}

	if _, err := uuid.Parse(msg.ApplicationID); err != nil {
		c.logger.Warn("wake message carries a non-UUID application id",
			slog.String("application_id", msg.ApplicationID),
		)
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ACK wake message", slog.Any("error", err))
	}

	c.logger.Debug("wake received", slog.String("application_id", msg.ApplicationID))
	c.waker.Wake()
}
