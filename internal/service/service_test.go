package service

import (
	"context"
	"testing"
	"time"

	"openbudget/internal/ledger"
	"openbudget/internal/redistest"
	"openbudget/internal/runtime"
	"openbudget/internal/storage/badgerstore"
	"openbudget/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var admin = ledger.Pubkey{0xa1}

type fixture struct {
	ledger *LedgerService
	query  *QueryService
	store  *badgerstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := badgerstore.Open(badgerstore.InMemoryConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exec := runtime.NewExecutor(store, &runtime.FixedClock{T: time.Unix(1000, 0)}, logger)
	query := NewQueryService(exec, time.Minute)
	idem := util.NewIdempotencyStore(redistest.New(), time.Hour)
	return &fixture{
		ledger: NewLedgerService(exec, idem, query, logger),
		query:  query,
		store:  store,
	}
}

func (f *fixture) submit(t *testing.T, ix runtime.Instruction) *runtime.Receipt {
	t.Helper()
	r, _, err := f.ledger.Submit(context.Background(), admin, ix, "")
	require.NoError(t, err)
	return r
}

func TestLedgerService_Idempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, runtime.InitializePlatform{})

	ix := runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10}
	first, replayed, err := f.ledger.Submit(ctx, admin, ix, "req-1")
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := f.ledger.Submit(ctx, admin, ix, "req-1")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.Created, second.Created)
	assert.Equal(t, first.Timestamp, second.Timestamp)

	// a fresh key reaches the ledger and is rejected there
	_, _, err = f.ledger.Submit(ctx, admin, ix, "req-2")
	require.ErrorIs(t, err, runtime.ErrAccountInUse)

	p, err := f.query.Project(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), p.TotalBudget)
}

func TestLedgerService_FailedRequestReleasesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ledger.Submit(ctx, admin, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10}, "k")
	require.ErrorIs(t, err, runtime.ErrAccountNotFound)

	f.submit(t, runtime.InitializePlatform{})
	_, replayed, err := f.ledger.Submit(ctx, admin, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10}, "k")
	require.NoError(t, err)
	assert.False(t, replayed)
}

// cancelAfterUpdate cancels the request context once the ledger write
// returns, like a client that disconnects right after commit.
type cancelAfterUpdate struct {
	runtime.Store
	cancel context.CancelFunc
}

func (s *cancelAfterUpdate) Update(ctx context.Context, fn func(tx runtime.Tx) error) error {
	err := s.Store.Update(ctx, fn)
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

func newCancelingFixture(t *testing.T) (*fixture, *cancelAfterUpdate) {
	t.Helper()
	f := newFixture(t)
	logger := zaptest.NewLogger(t)
	store := &cancelAfterUpdate{Store: f.store}
	exec := runtime.NewExecutor(store, &runtime.FixedClock{T: time.Unix(1000, 0)}, logger)
	f.query = NewQueryService(exec, time.Minute)
	f.ledger = NewLedgerService(exec, util.NewIdempotencyStore(redistest.New(), time.Hour), f.query, logger)
	return f, store
}

func TestLedgerService_ReceiptStoredAfterClientGone(t *testing.T) {
	f, store := newCancelingFixture(t)
	f.submit(t, runtime.InitializePlatform{})

	ctx, cancel := context.WithCancel(context.Background())
	store.cancel = cancel
	ix := runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10}
	first, replayed, err := f.ledger.Submit(ctx, admin, ix, "req-1")
	require.NoError(t, err)
	assert.False(t, replayed)
	require.Error(t, ctx.Err())

	store.cancel = nil
	second, replayed, err := f.ledger.Submit(context.Background(), admin, ix, "req-1")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.Created, second.Created)
}

func TestLedgerService_KeyReleasedAfterClientGone(t *testing.T) {
	f, store := newCancelingFixture(t)
	ix := runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10}

	ctx, cancel := context.WithCancel(context.Background())
	store.cancel = cancel
	_, _, err := f.ledger.Submit(ctx, admin, ix, "k")
	require.ErrorIs(t, err, runtime.ErrAccountNotFound)
	require.Error(t, ctx.Err())

	store.cancel = nil
	f.submit(t, runtime.InitializePlatform{})
	_, replayed, err := f.ledger.Submit(context.Background(), admin, ix, "k")
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestQueryService_LoadRacingInvalidateNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := ledger.ProjectAddress("P1")

	loads := 0
	load := func(ctx context.Context, tx runtime.Tx) (*ledger.Project, error) {
		loads++
		if loads == 1 {
			// a commit lands between the read and the cache fill
			f.query.Invalidate(addr)
			return &ledger.Project{TotalAllocated: 1}, nil
		}
		return &ledger.Project{TotalAllocated: 2}, nil
	}

	p, err := cached(ctx, f.query, addr, load)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.TotalAllocated)

	p, err = cached(ctx, f.query, addr, load)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.TotalAllocated)
	assert.Equal(t, 2, loads)

	// without an intervening invalidation the value is cached
	p, err = cached(ctx, f.query, addr, load)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.TotalAllocated)
	assert.Equal(t, 2, loads)
}

func TestQueryService_CacheInvalidatedOnCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, runtime.InitializePlatform{})
	f.submit(t, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10})

	p, err := f.query.Project(ctx, "P1")
	require.NoError(t, err)
	assert.Zero(t, p.TotalAllocated)

	f.submit(t, runtime.AddMilestone{ProjectID: "P1", Index: 0, Description: "a", Amount: 4})
	p, err = f.query.Project(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), p.TotalAllocated)

	// callers get copies
	p.TotalAllocated = 99
	again, err := f.query.Project(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), again.TotalAllocated)
}

func TestQueryService_Milestones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, runtime.InitializePlatform{})
	f.submit(t, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 100})
	for _, idx := range []uint8{7, 0, 255} {
		f.submit(t, runtime.AddMilestone{ProjectID: "P1", Index: idx, Description: "m", Amount: 1})
	}
	f.submit(t, runtime.ReleaseFunds{ProjectID: "P1", Index: 7, ProofURL: "ipfs://p"})

	list, err := f.query.Milestones(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, uint8(0), list[0].Index)
	assert.Equal(t, uint8(7), list[1].Index)
	assert.True(t, list[1].IsReleased)
	assert.Equal(t, uint8(255), list[2].Index)

	m, err := f.query.Milestone(ctx, "P1", 7)
	require.NoError(t, err)
	require.NotNil(t, m.ReleasedAt)
	assert.Equal(t, int64(1000), *m.ReleasedAt)

	_, err = f.query.Milestones(ctx, "nope")
	require.ErrorIs(t, err, runtime.ErrAccountNotFound)
}
