package mq

import (
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDLQQueueName(t *testing.T) {
	assert.Equal(t, "ledger.funds_released.dlq", DLQQueueName("ledger.funds_released"))
}

func TestDLQHeaders(t *testing.T) {
	h := dlqHeaders("ledger.project_created", "boom", "2024-01-01T00:00:00Z")
	assert.Equal(t, "boom", h[HeaderOriginalError])
	assert.Equal(t, "2024-01-01T00:00:00Z", h[HeaderFailedAt])
	assert.Equal(t, "ledger.project_created", h[HeaderOriginalRoutingKey])
	assert.NoError(t, h.Validate())
}

func TestPublisherNotConnected(t *testing.T) {
	var p Publisher
	assert.False(t, p.IsConnected())
	p.Close()
}

func TestNewConnectionRetries(t *testing.T) {
	origDial, origBackoff := dial, dialBackoff
	t.Cleanup(func() { dial, dialBackoff = origDial, origBackoff })

	calls := 0
	dialBackoff = time.Millisecond
	dial = func(url string) (*amqp091.Connection, error) {
		calls++
		return nil, errors.New("connection refused")
	}

	_, err := NewConnection("amqp://localhost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, dialAttempts, calls)
}
