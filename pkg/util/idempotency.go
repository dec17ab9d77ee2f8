package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRequestInFlight is returned when another request holds the same key.
var ErrRequestInFlight = errors.New("request with this idempotency key is in progress")

const idempotencyPending = "pending"

// IdempotencyClient is the subset of redis commands IdempotencyStore needs.
type IdempotencyClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// IdempotencyStore remembers the response of a committed request so a
// retried submission with the same key gets the same answer instead of a
// second transition.
type IdempotencyStore struct {
	rdb IdempotencyClient
	ttl time.Duration
}

func NewIdempotencyStore(rdb IdempotencyClient, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

func idempotencyKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// Begin claims key. It returns the stored response when the key already
// completed, ErrRequestInFlight when it is still being processed, and
// (nil, nil) when the caller now owns the key.
func (s *IdempotencyStore) Begin(ctx context.Context, scope, key string) ([]byte, error) {
	k := idempotencyKey(scope, key)
	ok, err := s.rdb.SetNX(ctx, k, idempotencyPending, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	stored, err := s.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return s.Begin(ctx, scope, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if stored == idempotencyPending {
		return nil, ErrRequestInFlight
	}
	return []byte(stored), nil
}

// Complete stores the response for key.
func (s *IdempotencyStore) Complete(ctx context.Context, scope, key string, response []byte) error {
	return s.rdb.Set(ctx, idempotencyKey(scope, key), response, s.ttl).Err()
}

// Abort releases key after a failed request so it may be retried.
func (s *IdempotencyStore) Abort(ctx context.Context, scope, key string) error {
	return s.rdb.Del(ctx, idempotencyKey(scope, key)).Err()
}
