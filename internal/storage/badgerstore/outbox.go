package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"openbudget/internal/runtime"
	"openbudget/pkg/outbox"

	"github.com/dgraph-io/badger/v4"
)

var (
	_ runtime.EventRecorder = (*tx)(nil)
	_ outbox.ReplaySource   = (*Store)(nil)
)

func eventKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventPrefix, id))
}

// RecordEvent appends ev to the outbox inside the transition's transaction.
func (t *tx) RecordEvent(ctx context.Context, ev runtime.Event) error {
	e, err := outbox.NewPendingEvent(ev.ID, ev.AggregateType, ev.AggregateID, ev.RoutingKey, ev.Payload)
	if err != nil {
		return err
	}
	seq, err := t.store.seq.Next()
	if err != nil {
		return fmt.Errorf("next event id: %w", err)
	}
	now := time.Now().UTC()
	e.ID = int64(seq) + 1
	e.CreatedAt = now
	e.UpdatedAt = now

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outbox event: %w", err)
	}
	return t.txn.Set(eventKey(e.ID), data)
}

// scanEvents walks the outbox in id order (newest first when reverse)
// and returns up to limit events accepted by keep.
func (s *Store) scanEvents(limit int, reverse bool, keep func(*outbox.Event) bool) ([]*outbox.Event, error) {
	var events []*outbox.Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		start := eventPrefix
		if reverse {
			start = append(append([]byte{}, eventPrefix...), 0xFF)
		}
		for it.Seek(start); it.Valid(); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var e outbox.Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode outbox event %s: %w", it.Item().Key(), err)
			}
			if keep(&e) {
				events = append(events, &e)
			}
		}
		return nil
	})
	return events, err
}

// GetPendingEvents returns pending events whose retry time has come.
func (s *Store) GetPendingEvents(ctx context.Context, limit int) ([]*outbox.Event, error) {
	now := time.Now()
	return s.scanEvents(limit, false, func(e *outbox.Event) bool {
		return e.Status == outbox.StatusPending && (e.NextRetryAt == nil || !e.NextRetryAt.After(now))
	})
}

// GetFailedEvents returns events that exhausted their retries, newest first.
func (s *Store) GetFailedEvents(ctx context.Context, limit int) ([]*outbox.Event, error) {
	return s.scanEvents(limit, true, func(e *outbox.Event) bool {
		return e.Status == outbox.StatusFailed
	})
}

func (s *Store) GetEventByID(ctx context.Context, id int64) (*outbox.Event, error) {
	var e outbox.Event
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("event %d: %w", id, outbox.ErrEventNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// modifyEvent applies fn to event id in a read-write transaction.
func (s *Store) modifyEvent(id int64, fn func(e *outbox.Event)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := eventKey(id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("event %d: %w", id, outbox.ErrEventNotFound)
		}
		if err != nil {
			return err
		}
		var e outbox.Event
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
			return fmt.Errorf("decode outbox event %d: %w", id, err)
		}

		fn(&e)
		e.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) MarkAsSent(ctx context.Context, id int64) error {
	return s.modifyEvent(id, func(e *outbox.Event) {
		e.Status = outbox.StatusSent
		e.NextRetryAt = nil
	})
}

func (s *Store) MarkAsFailed(ctx context.Context, id int64, maxRetries int) error {
	return s.modifyEvent(id, func(e *outbox.Event) {
		e.RetryCount++
		e.Status, e.NextRetryAt = outbox.NextRetry(e.RetryCount, maxRetries, time.Now())
	})
}

// ReplayEvent resets an event to pending with a fresh retry budget.
func (s *Store) ReplayEvent(ctx context.Context, id int64) error {
	return s.modifyEvent(id, func(e *outbox.Event) {
		e.Status = outbox.StatusPending
		e.RetryCount = 0
		e.NextRetryAt = nil
	})
}
