package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storefront/config"
	"storefront/models"
)

var eventsConsumed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storefront_order_events_consumed_total",
		Help: "Order events taken off the queue by outcome",
	},
	[]string{"type", "outcome"},
)

// Notifier posts a message into an order's chat thread.
type Notifier interface {
	SendChatMessage(ctx context.Context, orderID int64, req models.SendChatMessageRequest) (*models.ChatMessage, error)
}

// statusNotices is what the customer is told when the order reaches a status.
var statusNotices = map[models.OrderStatus]string{
	models.StatusConfirmed:  "Your order #%d is confirmed.",
	models.StatusPreparing:  "Your order #%d is being prepared.",
	models.StatusReady:      "Your order #%d is ready.",
	models.StatusInDelivery: "Your order #%d is on its way.",
	models.StatusDelivered:  "Your order #%d has been delivered. Enjoy!",
	models.StatusCancelled:  "Your order #%d has been cancelled.",
}

type OrderConsumer struct {
	notifier Notifier
	logger   *zap.Logger
}

func NewOrderConsumer(notifier Notifier, logger *zap.Logger) *OrderConsumer {
	return &OrderConsumer{notifier: notifier, logger: logger}
}

// Start consumes the order queue and the dead letter queue until ctx is
// done or the channel closes.
func (oc *OrderConsumer) Start(ctx context.Context, ch *amqp.Channel, cfg *config.Config) error {
	msgs, err := ch.ConsumeWithContext(ctx,
		cfg.OrderQueue,
		"storefront", // consumer tag
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.OrderQueue, err)
	}

	dlqMsgs, err := ch.ConsumeWithContext(ctx,
		cfg.DeadLetterQueue,
		"storefront-dlq", // consumer tag
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.DeadLetterQueue, err)
	}

	go func() {
		for msg := range msgs {
			oc.processOrderMessage(ctx, msg)
		}
	}()
	go func() {
		for msg := range dlqMsgs {
			oc.processDeadLetterMessage(msg)
		}
	}()
	return nil
}

// Acknowledger is the part of amqp.Delivery the processing code needs.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (oc *OrderConsumer) processOrderMessage(ctx context.Context, msg amqp.Delivery) {
	oc.handle(ctx, msg.Body, msg)
}

// handle processes one event body. Malformed events and events whose
// handling failed are rejected without requeue so they land in the DLQ.
func (oc *OrderConsumer) handle(ctx context.Context, body []byte, ack Acknowledger) {
	defer func() {
		if r := recover(); r != nil {
			oc.logger.Error("Recovered from panic in message processing", zap.Any("panic", r))
			oc.settle(ack, "unknown", "panic", false)
		}
	}()

	var ev models.OrderEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.OrderID == 0 || ev.Type == "" {
		oc.logger.Warn("Invalid order event", zap.ByteString("body", body), zap.Error(err))
		oc.settle(ack, "invalid", "rejected", false)
		return
	}

	if err := oc.dispatch(ctx, ev); err != nil {
		oc.logger.Error("Failed to handle order event",
			zap.String("event_id", ev.EventID),
			zap.String("type", ev.Type),
			zap.Int64("order_id", ev.OrderID),
			zap.Error(err))
		oc.settle(ack, ev.Type, "failed", false)
		return
	}
	oc.settle(ack, ev.Type, "handled", true)
}

func (oc *OrderConsumer) dispatch(ctx context.Context, ev models.OrderEvent) error {
	switch ev.Type {
	case models.EventOrderCreated:
		oc.logger.Info("Order created event", zap.Int64("order_id", ev.OrderID), zap.Int64("total", ev.Total))
		return nil
	case models.EventOrderStatusChanged:
		return oc.notifyStatus(ctx, ev)
	case models.EventOrderCourierAssigned:
		oc.logger.Info("Courier assigned event", zap.Int64("order_id", ev.OrderID), zap.Int64p("courier_id", ev.CourierID))
		return nil
	default:
		oc.logger.Warn("Unknown event type", zap.String("type", ev.Type))
		return nil
	}
}

func (oc *OrderConsumer) notifyStatus(ctx context.Context, ev models.OrderEvent) error {
	notice, ok := statusNotices[ev.Status]
	if !ok {
		return nil
	}
	_, err := oc.notifier.SendChatMessage(ctx, ev.OrderID, models.SendChatMessageRequest{
		Role: models.RoleAdmin,
		Body: fmt.Sprintf(notice, ev.OrderID),
	})
	return err
}

// eventLabel bounds the metric label to the known event types.
func eventLabel(eventType string) string {
	switch eventType {
	case models.EventOrderCreated, models.EventOrderStatusChanged, models.EventOrderCourierAssigned, "invalid":
		return eventType
	}
	return "unknown"
}

func (oc *OrderConsumer) settle(ack Acknowledger, eventType, outcome string, ok bool) {
	eventsConsumed.WithLabelValues(eventLabel(eventType), outcome).Inc()
	var err error
	if ok {
		err = ack.Ack(false)
	} else {
		err = ack.Nack(false, false)
	}
	if err != nil {
		oc.logger.Warn("Failed to settle message", zap.Error(err))
	}
}

func (oc *OrderConsumer) processDeadLetterMessage(msg amqp.Delivery) {
	oc.logger.Warn("Received dead letter",
		zap.String("message_id", msg.MessageId),
		zap.String("type", msg.Type),
		zap.ByteString("body", msg.Body))
	eventsConsumed.WithLabelValues(eventLabel(msg.Type), "dead_letter").Inc()
	if err := msg.Ack(false); err != nil {
		oc.logger.Warn("Failed to ack dead letter", zap.Error(err))
	}
}
