package runtime_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqcontracts "openbudget/contracts/mq"
	"openbudget/internal/ledger"
	"openbudget/internal/runtime"
	"openbudget/internal/storage/badgerstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	adminKey    = ledger.Pubkey{0xa1}
	strangerKey = ledger.Pubkey{0xc3}
)

type harness struct {
	store *badgerstore.Store
	exec  *runtime.Executor
	clock *runtime.FixedClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := badgerstore.Open(badgerstore.InMemoryConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &runtime.FixedClock{T: time.Unix(1_700_000_000, 0)}
	return &harness{
		store: store,
		exec:  runtime.NewExecutor(store, clock, logger),
		clock: clock,
	}
}

func (h *harness) run(t *testing.T, signer ledger.Pubkey, ix runtime.Instruction) (*runtime.Receipt, error) {
	t.Helper()
	return h.exec.Execute(context.Background(), signer, ix)
}

func (h *harness) mustRun(t *testing.T, signer ledger.Pubkey, ix runtime.Instruction) *runtime.Receipt {
	t.Helper()
	r, err := h.run(t, signer, ix)
	require.NoError(t, err)
	return r
}

// raw returns the stored bytes at each address, nil when empty.
func (h *harness) raw(t *testing.T, addrs ...ledger.Address) [][]byte {
	t.Helper()
	out := make([][]byte, len(addrs))
	err := h.exec.View(context.Background(), func(tx runtime.Tx) error {
		for i, a := range addrs {
			data, err := tx.Get(context.Background(), a)
			if err == nil {
				out[i] = data
			}
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func (h *harness) project(t *testing.T, id string) *ledger.Project {
	t.Helper()
	var p *ledger.Project
	err := h.exec.View(context.Background(), func(tx runtime.Tx) error {
		var err error
		p, err = runtime.LoadProject(context.Background(), tx, id)
		return err
	})
	require.NoError(t, err)
	return p
}

func (h *harness) milestone(t *testing.T, id string, index uint8) *ledger.Milestone {
	t.Helper()
	var m *ledger.Milestone
	err := h.exec.View(context.Background(), func(tx runtime.Tx) error {
		var err error
		m, err = runtime.LoadMilestone(context.Background(), tx, id, index)
		return err
	})
	require.NoError(t, err)
	return m
}

func (h *harness) platform(t *testing.T) *ledger.PlatformRegistry {
	t.Helper()
	var r *ledger.PlatformRegistry
	err := h.exec.View(context.Background(), func(tx runtime.Tx) error {
		var err error
		r, err = runtime.LoadPlatform(context.Background(), tx)
		return err
	})
	require.NoError(t, err)
	return r
}

func TestExecutor_Scenario(t *testing.T) {
	h := newHarness(t)

	h.mustRun(t, adminKey, runtime.InitializePlatform{})
	registry := h.platform(t)
	assert.Equal(t, adminKey, registry.Admin)
	assert.Zero(t, registry.ProjectCount)

	h.mustRun(t, adminKey, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", Ministry: "MoT", TotalBudget: 1000})
	assert.Equal(t, uint64(1), h.platform(t).ProjectCount)
	p := h.project(t, "P1")
	assert.Equal(t, uint64(1000), p.TotalBudget)
	assert.Zero(t, p.TotalAllocated)
	assert.Equal(t, int64(1_700_000_000), p.CreatedAt)

	h.mustRun(t, adminKey, runtime.AddMilestone{ProjectID: "P1", Index: 0, Description: "Phase1", Amount: 400})
	m0 := h.milestone(t, "P1", 0)
	assert.Equal(t, uint64(400), m0.Amount)
	assert.False(t, m0.IsReleased)
	assert.Equal(t, uint64(400), h.project(t, "P1").TotalAllocated)

	before := h.raw(t, ledger.ProjectAddress("P1"), ledger.MilestoneAddress("P1", 1))
	_, err := h.run(t, adminKey, runtime.AddMilestone{ProjectID: "P1", Index: 1, Description: "Phase2", Amount: 700})
	require.ErrorIs(t, err, ledger.ErrInsufficientBudget)
	assert.Equal(t, before, h.raw(t, ledger.ProjectAddress("P1"), ledger.MilestoneAddress("P1", 1)))

	h.clock.T = h.clock.T.Add(time.Hour)
	h.mustRun(t, adminKey, runtime.ReleaseFunds{ProjectID: "P1", Index: 0, ProofURL: "ipfs://proof"})
	m0 = h.milestone(t, "P1", 0)
	assert.True(t, m0.IsReleased)
	assert.Equal(t, "ipfs://proof", m0.ProofURL)
	require.NotNil(t, m0.ReleasedAt)
	assert.Equal(t, int64(1_700_003_600), *m0.ReleasedAt)
	assert.Equal(t, uint64(400), h.project(t, "P1").TotalReleased)

	_, err = h.run(t, adminKey, runtime.ReleaseFunds{ProjectID: "P1", Index: 0, ProofURL: "ipfs://x"})
	require.ErrorIs(t, err, ledger.ErrMilestoneAlreadyReleased)
	assert.Equal(t, "ipfs://proof", h.milestone(t, "P1", 0).ProofURL)
}

func TestExecutor_InitializePlatformTwice(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, adminKey, runtime.InitializePlatform{})

	_, err := h.run(t, strangerKey, runtime.InitializePlatform{})
	require.ErrorIs(t, err, runtime.ErrAccountInUse)
	assert.Equal(t, adminKey, h.platform(t).Admin)
}

func TestExecutor_ProjectRequiresPlatform(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, adminKey, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 1})
	require.ErrorIs(t, err, runtime.ErrAccountNotFound)
	assert.Equal(t, [][]byte{nil}, h.raw(t, ledger.ProjectAddress("P1")))
}

func TestExecutor_DuplicateProject(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, adminKey, runtime.InitializePlatform{})
	h.mustRun(t, adminKey, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10})

	_, err := h.run(t, strangerKey, runtime.InitializeProject{ProjectID: "P1", Title: "Other", TotalBudget: 99})
	require.ErrorIs(t, err, runtime.ErrAccountInUse)
	assert.Equal(t, uint64(1), h.platform(t).ProjectCount)
	assert.Equal(t, "Roads", h.project(t, "P1").Title)
}

func TestExecutor_DuplicateMilestone(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, adminKey, runtime.InitializePlatform{})
	h.mustRun(t, adminKey, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10})
	h.mustRun(t, adminKey, runtime.AddMilestone{ProjectID: "P1", Index: 3, Description: "a", Amount: 2})

	_, err := h.run(t, adminKey, runtime.AddMilestone{ProjectID: "P1", Index: 3, Description: "b", Amount: 2})
	require.ErrorIs(t, err, runtime.ErrAccountInUse)
	p := h.project(t, "P1")
	assert.Equal(t, uint64(2), p.TotalAllocated)
	assert.Equal(t, uint8(1), p.MilestoneCount)
}

func TestExecutor_Unauthorized(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, adminKey, runtime.InitializePlatform{})
	h.mustRun(t, adminKey, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10})
	h.mustRun(t, adminKey, runtime.AddMilestone{ProjectID: "P1", Index: 0, Description: "a", Amount: 5})

	addrs := []ledger.Address{ledger.ProjectAddress("P1"), ledger.MilestoneAddress("P1", 0), ledger.MilestoneAddress("P1", 1)}
	before := h.raw(t, addrs...)

	_, err := h.run(t, strangerKey, runtime.AddMilestone{ProjectID: "P1", Index: 1, Description: "b", Amount: 1})
	require.ErrorIs(t, err, ledger.ErrUnauthorizedAccess)
	_, err = h.run(t, strangerKey, runtime.ReleaseFunds{ProjectID: "P1", Index: 0, ProofURL: "x"})
	require.ErrorIs(t, err, ledger.ErrUnauthorizedAccess)

	assert.Equal(t, before, h.raw(t, addrs...))
}

func TestExecutor_ReleaseMissingMilestone(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, adminKey, runtime.InitializePlatform{})
	h.mustRun(t, adminKey, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", TotalBudget: 10})

	_, err := h.run(t, adminKey, runtime.ReleaseFunds{ProjectID: "P1", Index: 9, ProofURL: "x"})
	require.ErrorIs(t, err, runtime.ErrAccountNotFound)
}

func TestExecutor_ReceiptAndEvents(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, adminKey, runtime.InitializePlatform{})

	r := h.mustRun(t, adminKey, runtime.InitializeProject{ProjectID: "P1", Title: "Roads", Ministry: "MoT", TotalBudget: 10})
	assert.Equal(t, "initialize_project", r.Instruction)
	assert.Equal(t, []ledger.Address{ledger.ProjectAddress("P1")}, r.Created)
	assert.Equal(t, []ledger.Address{ledger.PlatformAddress()}, r.Updated)
	require.Len(t, r.Events, 1)
	assert.Equal(t, mqcontracts.RoutingProjectCreated, r.Events[0].RoutingKey)

	events, err := h.store.GetPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, mqcontracts.RoutingPlatformInitialized, events[0].RoutingKey)
	assert.Equal(t, mqcontracts.RoutingProjectCreated, events[1].RoutingKey)
	assert.Equal(t, r.Events[0].ID, events[1].EventID)

	var payload mqcontracts.ProjectCreatedPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, "P1", payload.ProjectID)
	assert.Equal(t, uint64(1), payload.ProjectCount)
	assert.Equal(t, adminKey.String(), payload.Signer)
}

func TestExecutor_RejectedTransitionRecordsNoEvent(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, adminKey, runtime.InitializePlatform{})
	_, err := h.run(t, adminKey, runtime.InitializeProject{ProjectID: "P1", Title: "", TotalBudget: 10})
	require.ErrorIs(t, err, ledger.ErrInvalidTitle)

	events, err := h.store.GetPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestRejectionName(t *testing.T) {
	assert.Equal(t, "InsufficientBudget", runtime.RejectionName(ledger.ErrInsufficientBudget))
	assert.Equal(t, "AccountInUse", runtime.RejectionName(runtime.ErrAccountInUse))
	assert.Equal(t, "ArithmeticOverflow", runtime.RejectionName(ledger.ErrArithmeticOverflow))
}
