package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("broker unreachable")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type transition struct{ from, to State }

func newTestBreaker(c *clock, seen *[]transition) *CircuitBreaker {
	return NewCircuitBreaker(Config{
		Name:                "outbox_publisher",
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             10 * time.Second,
		HalfOpenMaxRequests: 1,
		Now:                 c.now,
		OnStateChange: func(name string, from, to State) {
			*seen = append(*seen, transition{from, to})
		},
	})
}

func fail() error { return errBroker }
func pass() error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	var seen []transition
	cb := newTestBreaker(c, &seen)

	require.ErrorIs(t, cb.Execute(fail), errBroker)
	require.ErrorIs(t, cb.Execute(fail), errBroker)
	require.NoError(t, cb.Execute(pass)) // success resets the streak
	require.ErrorIs(t, cb.Execute(fail), errBroker)
	require.ErrorIs(t, cb.Execute(fail), errBroker)
	assert.Equal(t, StateClosed, cb.State())

	require.ErrorIs(t, cb.Execute(fail), errBroker)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, seen)
}

func TestHalfOpenRecovery(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	var seen []transition
	cb := newTestBreaker(c, &seen)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	require.Equal(t, StateOpen, cb.State())

	c.advance(10 * time.Second)
	require.NoError(t, cb.Execute(pass))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(pass))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, seen)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	var seen []transition
	cb := newTestBreaker(c, &seen)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	c.advance(11 * time.Second)

	require.ErrorIs(t, cb.Execute(fail), errBroker)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(pass), ErrCircuitBreakerOpen)
}

func TestHalfOpenLimitsConcurrentTrialCalls(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	var seen []transition
	cb := newTestBreaker(c, &seen)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	c.advance(10 * time.Second)

	err := cb.Execute(func() error {
		// a second trial call while the first is in flight is rejected
		assert.ErrorIs(t, cb.Execute(pass), ErrCircuitBreakerOpen)
		return nil
	})
	require.NoError(t, err)
}

func TestReset(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	var seen []transition
	cb := newTestBreaker(c, &seen)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(pass))
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
