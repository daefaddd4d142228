package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// AMQPChannel is the subset of *amqp.Channel used for publishing.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher mirrors sale events onto a durable RabbitMQ queue.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel AMQPChannel
	queue   string
	logger  *zap.Logger
	timeout time.Duration
}

// NewAMQPPublisher dials url and declares queue on the default exchange.
func NewAMQPPublisher(url, queue string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}

	p := newAMQPPublisher(channel, queue, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch AMQPChannel, queue string, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{channel: ch, queue: queue, logger: logger, timeout: 5 * time.Second}
}

// Attach subscribes the publisher to sale events on bus.
func (p *AMQPPublisher) Attach(bus *eventbus.EventBus) {
	bus.Subscribe(model.SaleEvent{}, func(event interface{}) {
		switch evt := event.(type) {
		case model.SaleEvent:
			p.publishSale(&evt)
		case *model.SaleEvent:
			p.publishSale(evt)
		}
	})
}

func (p *AMQPPublisher) publishSale(evt *model.SaleEvent) {
	if evt == nil || evt.Asset.IsZero() {
		p.logger.Error("amqp.invalid_sale_event", zap.Any("event", evt))
		return
	}

	env, err := model.NewSaleEnvelope(*evt)
	if err != nil {
		p.logger.Error("amqp.marshal_failed", zap.Error(err))
		metrics.IncError("amqp", "marshal_failed")
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("amqp.marshal_failed", zap.Error(err))
		metrics.IncError("amqp", "marshal_failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.ID.String(),
			CorrelationId: env.CorrelationID.String(),
			Type:          env.EventType,
			Timestamp:     env.Timestamp,
			Body:          body,
		},
	)
	if err != nil {
		p.logger.Error("amqp.publish_failed",
			zap.String("event_type", env.EventType),
			zap.String("asset", evt.Asset.String()),
			zap.Error(err))
		metrics.IncAMQPMessage(p.queue, "error")
		return
	}
	metrics.IncAMQPMessage(p.queue, "ok")
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
