// Package pgstore keeps ledger accounts in PostgreSQL.
//
// A transition runs in one database transaction. Existing rows are read
// with SELECT ... FOR UPDATE so concurrent transitions on the same project
// serialize; creates use INSERT ... ON CONFLICT DO NOTHING so a lost race
// surfaces as runtime.ErrAccountInUse. Events go to outbox_events in the
// same transaction.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"openbudget/internal/ledger"
	"openbudget/internal/runtime"
	"openbudget/pkg/otel"
	"openbudget/pkg/outbox"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// SQLSTATE codes that mean the transition lost a race and may be retried.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Store implements runtime.Store on a pgx pool.
type Store struct {
	db     beginner
	outbox *outbox.Repository
	logger *zap.Logger
}

var _ runtime.Store = (*Store)(nil)

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		db:     pool,
		outbox: outbox.NewRepository(pool),
		logger: logger,
	}
}

// Outbox returns the repository the dispatcher drains.
func (s *Store) Outbox() *outbox.Repository {
	return s.outbox
}

func (s *Store) Update(ctx context.Context, fn func(tx runtime.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, true, fn)
}

func (s *Store) View(ctx context.Context, fn func(tx runtime.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, write bool, fn func(tx runtime.Tx) error) (err error) {
	pgTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("Rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(&tx{tx: pgTx, outbox: s.outbox, lock: write}); err != nil {
		return mapError(err)
	}
	if err = pgTx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapError turns retryable PostgreSQL failures into runtime.ErrConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%s: %w", pgErr.Message, runtime.ErrConflict)
		}
	}
	return err
}

type tx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
	lock   bool
}

var _ runtime.EventRecorder = (*tx)(nil)

const (
	selectAccount          = `SELECT data FROM accounts WHERE address = $1`
	selectAccountForUpdate = selectAccount + ` FOR UPDATE`
	insertAccount          = `
		INSERT INTO accounts (address, kind, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO NOTHING`
	updateAccount = `
		UPDATE accounts
		SET data = $3, updated_at = NOW()
		WHERE address = $1 AND kind = $2`
)

func (t *tx) Get(ctx context.Context, addr ledger.Address) ([]byte, error) {
	query := selectAccount
	if t.lock {
		query = selectAccountForUpdate
	}

	var data []byte
	err := otel.Traced(ctx, "select", "accounts", func(ctx context.Context) error {
		return t.tx.QueryRow(ctx, query, addr[:]).Scan(&data)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runtime.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", addr, err)
	}
	return data, nil
}

func (t *tx) Create(ctx context.Context, addr ledger.Address, kind ledger.Kind, data []byte) error {
	var tag pgconn.CommandTag
	err := otel.Traced(ctx, "insert", "accounts", func(ctx context.Context) error {
		var err error
		tag, err = t.tx.Exec(ctx, insertAccount, addr[:], string(kind), data)
		return err
	})
	if err != nil {
		return fmt.Errorf("create %s %s: %w", kind, addr, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s %s: %w", kind, addr, runtime.ErrAccountInUse)
	}
	return nil
}

func (t *tx) Put(ctx context.Context, addr ledger.Address, kind ledger.Kind, data []byte) error {
	var tag pgconn.CommandTag
	err := otel.Traced(ctx, "update", "accounts", func(ctx context.Context) error {
		var err error
		tag, err = t.tx.Exec(ctx, updateAccount, addr[:], string(kind), data)
		return err
	})
	if err != nil {
		return fmt.Errorf("put %s %s: %w", kind, addr, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("put %s %s: %w", kind, addr, runtime.ErrAccountNotFound)
	}
	return nil
}

func (t *tx) RecordEvent(ctx context.Context, ev runtime.Event) error {
	e, err := outbox.NewPendingEvent(ev.ID, ev.AggregateType, ev.AggregateID, ev.RoutingKey, ev.Payload)
	if err != nil {
		return err
	}
	return otel.Traced(ctx, "insert", "outbox_events", func(ctx context.Context) error {
		return t.outbox.InsertEvent(ctx, t.tx, e)
	})
}
