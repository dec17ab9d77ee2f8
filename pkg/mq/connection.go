package mq

import (
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "events"

	// HeaderTraceID carries the originating trace id.
	HeaderTraceID = "x-trace-id"
)

// ErrNotConnected is reported when the broker connection has closed.
var ErrNotConnected = errors.New("mq: not connected")

// Broker dial retries while RabbitMQ is still starting.
var (
	dialAttempts = 5
	dialBackoff  = 2 * time.Second
	dial         = amqp091.Dial
)

// NewConnection dials RabbitMQ, retrying with a linear backoff.
func NewConnection(url string) (*amqp091.Connection, error) {
	var err error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		var conn *amqp091.Connection
		conn, err = dial(url)
		if err == nil {
			return conn, nil
		}
		if attempt < dialAttempts {
			time.Sleep(time.Duration(attempt) * dialBackoff)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialAttempts, err)
}

// DeclareExchange declares the events exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}
