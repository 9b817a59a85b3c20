package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storefront/config"
	"storefront/models"
)

const (
	priorityDefault = 5
	priorityCancel  = 8
	routingPattern  = "order.#"
	publishTimeout  = 5 * time.Second
)

type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Cfg     *config.Config

	logger *zap.Logger
	mu     sync.Mutex
}

func NewRabbitMQ(cfg *config.Config, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.Warn("Failed to close rabbitmq connection", zap.Error(cerr))
		}
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &RabbitMQ{
		Conn:    conn,
		Channel: ch,
		Cfg:     cfg,
		logger:  logger,
	}, nil
}

func (r *RabbitMQ) deadLetterExchange() string {
	return r.Cfg.DeadLetterQueue + "_exchange"
}

// SetupQueues declares the order topic exchange, the dead letter exchange
// and queue, and the priority order queue that dead-letters rejected events.
func (r *RabbitMQ) SetupQueues() error {
	if err := r.Channel.ExchangeDeclare(
		r.deadLetterExchange(),
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}

	if _, err := r.Channel.QueueDeclare(
		r.Cfg.DeadLetterQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "classic"},
	); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}

	if err := r.Channel.QueueBind(
		r.Cfg.DeadLetterQueue,
		r.Cfg.DeadLetterQueue,
		r.deadLetterExchange(),
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	if err := r.Channel.ExchangeDeclare(
		r.Cfg.OrderExchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare order exchange: %w", err)
	}

	if _, err := r.Channel.QueueDeclare(
		r.Cfg.OrderQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-max-priority":            r.Cfg.MaxPriority,
			"x-dead-letter-exchange":    r.deadLetterExchange(),
			"x-dead-letter-routing-key": r.Cfg.DeadLetterQueue,
		},
	); err != nil {
		return fmt.Errorf("declare order queue: %w", err)
	}

	if err := r.Channel.QueueBind(
		r.Cfg.OrderQueue,
		routingPattern,
		r.Cfg.OrderExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind order queue: %w", err)
	}
	return nil
}

// PublishOrderEvent sends ev to the order exchange with its type as the
// routing key.
func (r *RabbitMQ) PublishOrderEvent(ctx context.Context, ev models.OrderEvent) error {
	msg, err := encodeEvent(ev, r.Cfg.MaxPriority)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Channel.PublishWithContext(ctx,
		r.Cfg.OrderExchange,
		ev.Type,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return fmt.Errorf("publish %s for order %d: %w", ev.Type, ev.OrderID, err)
	}
	r.logger.Debug("Order event published",
		zap.String("event_id", ev.EventID),
		zap.String("type", ev.Type),
		zap.Int64("order_id", ev.OrderID))
	return nil
}

func encodeEvent(ev models.OrderEvent, maxPriority int) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode order event: %w", err)
	}
	return amqp.Publishing{
		MessageId:    ev.EventID,
		Type:         ev.Type,
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Occurred,
		ContentType:  "application/json",
		Body:         body,
		Priority:     priorityFor(ev, maxPriority),
	}, nil
}

// priorityFor puts cancellations ahead of routine events.
func priorityFor(ev models.OrderEvent, maxPriority int) uint8 {
	p := priorityDefault
	if ev.Type == models.EventOrderStatusChanged && ev.Status == models.StatusCancelled {
		p = priorityCancel
	}
	return uint8(min(p, maxPriority))
}

// Healthy reports whether the broker connection is still open.
func (r *RabbitMQ) Healthy() bool {
	return r.Conn != nil && !r.Conn.IsClosed()
}

func (r *RabbitMQ) Close() {
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			r.logger.Warn("Failed to close rabbitmq channel", zap.Error(err))
		}
	}
	if r.Conn != nil {
		if err := r.Conn.Close(); err != nil {
			r.logger.Warn("Failed to close rabbitmq connection", zap.Error(err))
		}
	}
}
