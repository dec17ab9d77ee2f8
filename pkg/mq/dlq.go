package mq

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchangeName receives events a consumer gave up on. Each routing key
// gets its own durable queue so operators can inspect and re-drive them.
const DLQExchangeName = "events.dlq"

// DLQ headers.
const (
	HeaderOriginalError      = "x-original-error"
	HeaderFailedAt           = "x-failed-at"
	HeaderOriginalRoutingKey = "x-original-routing-key"
)

// DLQQueueName is the dead letter queue bound for routingKey.
func DLQQueueName(routingKey string) string {
	return routingKey + ".dlq"
}

// DeclareDLQExchange declares the dead letter exchange.
func DeclareDLQExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		DLQExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareDLQQueue declares and binds the dead letter queue for routingKey.
func DeclareDLQQueue(ch *amqp091.Channel, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		DLQQueueName(routingKey),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("declare %s: %w", DLQQueueName(routingKey), err)
	}

	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("bind %s: %w", q.Name, err)
	}
	return q, nil
}

func dlqHeaders(routingKey, originalError, failedAt string) amqp091.Table {
	return amqp091.Table{
		HeaderOriginalError:      originalError,
		HeaderFailedAt:           failedAt,
		HeaderOriginalRoutingKey: routingKey,
	}
}

// PublishToDLQ parks payload on the dead letter queue of routingKey.
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError, failedAt string) error {
	return p.publish(ctx, DLQExchangeName, routingKey, payload, dlqHeaders(routingKey, originalError, failedAt))
}
