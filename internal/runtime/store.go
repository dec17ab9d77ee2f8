package runtime

import (
	"context"
	"errors"

	"openbudget/internal/ledger"
)

var (
	// ErrAccountInUse is returned when a create targets an occupied address.
	ErrAccountInUse = errors.New("account already in use")
	// ErrAccountNotFound is returned when a read or mutate targets an empty address.
	ErrAccountNotFound = errors.New("account not found")
	// ErrConflict is returned when a concurrent transition touched the same accounts.
	ErrConflict = errors.New("transaction conflict")
	// ErrAccountType is returned when an address holds a different record schema.
	ErrAccountType = errors.New("account holds a different record type")
)

// Tx is one all-or-nothing view of the account store.
type Tx interface {
	// Get returns the raw record at addr or ErrAccountNotFound.
	Get(ctx context.Context, addr ledger.Address) ([]byte, error)
	// Create stores data at an empty addr or fails with ErrAccountInUse.
	Create(ctx context.Context, addr ledger.Address, kind ledger.Kind, data []byte) error
	// Put overwrites an existing record or fails with ErrAccountNotFound.
	Put(ctx context.Context, addr ledger.Address, kind ledger.Kind, data []byte) error
}

// Store runs functions inside transactions. Update commits only when fn
// returns nil; any error discards every write made through the Tx.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// EventRecorder is implemented by transactions that persist events
// atomically with the records (a transactional outbox).
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev Event) error
}
