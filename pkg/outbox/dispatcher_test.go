package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"openbudget/pkg/circuitbreaker"
	"openbudget/pkg/trace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memSource struct {
	mu     sync.Mutex
	events map[int64]*Event
}

func newMemSource(events ...*Event) *memSource {
	s := &memSource{events: map[int64]*Event{}}
	for i, e := range events {
		e.ID = int64(i + 1)
		s.events[e.ID] = e
	}
	return s
}

func (s *memSource) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*Event
	for _, e := range s.events {
		if e.Status == StatusPending && (e.NextRetryAt == nil || !e.NextRetryAt.After(now)) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memSource) MarkAsSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = StatusSent
	return nil
}

func (s *memSource) MarkAsFailed(ctx context.Context, id int64, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.RetryCount++
	e.Status, e.NextRetryAt = NextRetry(e.RetryCount, maxRetries, time.Now())
	return nil
}

func (s *memSource) GetEventByID(ctx context.Context, id int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	c := *e
	return &c, nil
}

func (s *memSource) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.Status == StatusFailed {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memSource) ReplayEvent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Status, e.RetryCount, e.NextRetryAt = StatusPending, 0, nil
	return nil
}

func (s *memSource) status(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id].Status
}

type flakyPublisher struct {
	mu       sync.Mutex
	err      error
	keys     []string
	traceIDs []string
}

func (p *flakyPublisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

func event(t *testing.T, routingKey, traceID string) *Event {
	t.Helper()
	e, err := NewPendingEvent("ev-"+routingKey, "project", "P1", routingKey, map[string]string{
		"event_id": "ev-" + routingKey,
		"trace_id": traceID,
	})
	require.NoError(t, err)
	return e
}

func TestDispatcher_PublishesInOrder(t *testing.T) {
	src := newMemSource(event(t, "ledger.project_created", "t1"), event(t, "ledger.milestone_added", ""))
	pub := &flakyPublisher{}
	d := NewDispatcher(src, pub, zaptest.NewLogger(t))

	assert.Equal(t, 2, d.ProcessPending(context.Background()))
	assert.Equal(t, []string{"ledger.project_created", "ledger.milestone_added"}, pub.keys)
	assert.Equal(t, []string{"t1", ""}, pub.traceIDs)
	assert.Equal(t, StatusSent, src.status(1))
	assert.Equal(t, StatusSent, src.status(2))

	assert.Zero(t, d.ProcessPending(context.Background()))
}

func TestDispatcher_FailureSchedulesRetryThenFails(t *testing.T) {
	src := newMemSource(event(t, "ledger.funds_released", ""))
	pub := &flakyPublisher{err: errors.New("connection refused")}
	d := NewDispatcher(src, pub, zaptest.NewLogger(t)).WithMaxRetries(1)

	assert.Zero(t, d.ProcessPending(context.Background()))
	assert.Equal(t, StatusFailed, src.status(1))

	// operator replay publishes once the broker is back
	pub.err = nil
	replay := NewReplayService(src, pub, zaptest.NewLogger(t))
	n, err := replay.ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSent, src.status(1))
}

func TestDispatcher_OpenBreakerLeavesEventsPending(t *testing.T) {
	src := newMemSource(
		event(t, "ledger.project_created", ""),
		event(t, "ledger.milestone_added", ""),
		event(t, "ledger.funds_released", ""),
	)
	pub := &flakyPublisher{err: errors.New("connection refused")}
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	d := NewDispatcher(src, pub, zaptest.NewLogger(t)).WithBreaker(breaker).WithMaxRetries(5)

	assert.Zero(t, d.ProcessPending(context.Background()))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	// only the first event was attempted and charged a retry
	first, err := src.GetEventByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.RetryCount)
	for _, id := range []int64{2, 3} {
		e, err := src.GetEventByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, e.Status)
		assert.Zero(t, e.RetryCount)
	}
}

func TestReplayService_Requeue(t *testing.T) {
	src := newMemSource(event(t, "ledger.project_created", ""))
	src.events[1].Status = StatusFailed
	replay := NewReplayService(src, &flakyPublisher{}, zaptest.NewLogger(t))

	require.NoError(t, replay.Requeue(context.Background(), 1))
	assert.Equal(t, StatusPending, src.status(1))
	assert.ErrorIs(t, replay.Requeue(context.Background(), 42), ErrEventNotFound)
}

func TestNextRetry(t *testing.T) {
	now := time.Unix(100, 0)
	status, next := NextRetry(1, 3, now)
	assert.Equal(t, StatusPending, status)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(5*time.Second), *next)

	status, next = NextRetry(3, 3, now)
	assert.Equal(t, StatusFailed, status)
	assert.Nil(t, next)
}

func TestExtractTraceID(t *testing.T) {
	ctx := extractTraceID(context.Background(), json.RawMessage(`{"trace_id":"abc"}`))
	assert.Equal(t, "abc", trace.FromContext(ctx))
	ctx = extractTraceID(context.Background(), json.RawMessage(`not json`))
	assert.Empty(t, trace.FromContext(ctx))
}
