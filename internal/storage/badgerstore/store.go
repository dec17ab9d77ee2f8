// Package badgerstore keeps ledger accounts in an embedded BadgerDB.
//
// Each transition runs in one badger transaction. Badger detects
// write-write conflicts at commit time; a conflicting transition is
// rejected with runtime.ErrConflict and leaves no trace.
//
// Key space:
//
//	acct/<address>     record bytes
//	event/<seq>        JSON outbox entry, seq zero-padded to 20 digits
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"openbudget/internal/ledger"
	"openbudget/internal/runtime"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	accountPrefix = []byte("acct/")
	eventPrefix   = []byte("event/")
	eventSeqKey   = []byte("seq/event")
)

// Config holds configuration for the embedded store.
type Config struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Used by tests and demos.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store implements runtime.Store on BadgerDB.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	gc     *gcRunner
	logger *zap.Logger
}

var _ runtime.Store = (*Store)(nil)

// Open opens (or creates) the store described by cfg.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&zapLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence(eventSeqKey, 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open event sequence: %w", err)
	}

	s := &Store{db: db, seq: seq, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		s.gc.start()
	}

	logger.Info("Badger account store opened",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory),
	)
	return s, nil
}

// Close stops GC, releases the event sequence and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("Failed to release event sequence", zap.Error(err))
	}
	return s.db.Close()
}

// Update runs fn in a read-write transaction and commits if fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(tx runtime.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn, store: s})
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("commit: %w", runtime.ErrConflict)
	}
	return err
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx runtime.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn, store: s})
	})
}

func accountKey(addr ledger.Address) []byte {
	key := make([]byte, 0, len(accountPrefix)+len(addr))
	key = append(key, accountPrefix...)
	return append(key, addr[:]...)
}

type tx struct {
	txn   *badger.Txn
	store *Store
}

func (t *tx) Get(ctx context.Context, addr ledger.Address) ([]byte, error) {
	item, err := t.txn.Get(accountKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, runtime.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", addr, err)
	}
	return item.ValueCopy(nil)
}

func (t *tx) exists(addr ledger.Address) (bool, error) {
	_, err := t.txn.Get(accountKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", addr, err)
	}
	return true, nil
}

func (t *tx) Create(ctx context.Context, addr ledger.Address, kind ledger.Kind, data []byte) error {
	ok, err := t.exists(addr)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("create %s %s: %w", kind, addr, runtime.ErrAccountInUse)
	}
	return t.txn.Set(accountKey(addr), data)
}

func (t *tx) Put(ctx context.Context, addr ledger.Address, kind ledger.Kind, data []byte) error {
	ok, err := t.exists(addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("put %s %s: %w", kind, addr, runtime.ErrAccountNotFound)
	}
	return t.txn.Set(accountKey(addr), data)
}
