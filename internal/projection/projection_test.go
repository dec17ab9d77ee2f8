package projection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqcontracts "openbudget/contracts/mq"
	"openbudget/internal/redistest"
	"openbudget/pkg/util"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDLQ struct {
	mu     sync.Mutex
	parked []string
}

func (f *fakeDLQ) PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError, failedAt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parked = append(f.parked, routingKey)
	return nil
}

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.parked)
}

type harness struct {
	model *redistest.Client
	state *redistest.Client
	dlq   *fakeDLQ
	h     *Handlers
	rm    *ReadModel
}

func newHarness(maxRetries int) *harness {
	model := redistest.New()
	state := redistest.New()
	dlq := &fakeDLQ{}
	rm := NewReadModel(model)
	h := NewHandlers(
		rm,
		util.NewDeduper(state, time.Hour, zap.NewNop()),
		util.NewRetryCounter(state, time.Hour),
		dlq,
		maxRetries,
		zap.NewNop(),
	)
	return &harness{model: model, state: state, dlq: dlq, h: h, rm: rm}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func projectCreated(id string, count uint64) *mqcontracts.ProjectCreatedPayload {
	return &mqcontracts.ProjectCreatedPayload{
		EventMeta:    mqcontracts.EventMeta{EventID: "ev-created-" + id},
		ProjectID:    id,
		Title:        "Road Repair",
		Ministry:     "Transport",
		TotalBudget:  1_000_000,
		Authority:    "aa",
		CreatedAt:    1_700_000_000,
		ProjectCount: count,
	}
}

func TestHandlers_FullFlow(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(3)

	require.NoError(t, hs.h.HandlePlatformInitialized(ctx, mustJSON(t, &mqcontracts.PlatformInitializedPayload{
		EventMeta: mqcontracts.EventMeta{EventID: "ev-platform"},
		Admin:     "bb",
	})))
	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, projectCreated("P1", 1))))
	require.NoError(t, hs.h.HandleMilestoneAdded(ctx, mustJSON(t, &mqcontracts.MilestoneAddedPayload{
		EventMeta:      mqcontracts.EventMeta{EventID: "ev-m0"},
		ProjectID:      "P1",
		Amount:         400_000,
		TotalAllocated: 400_000,
		MilestoneCount: 1,
	})))
	require.NoError(t, hs.h.HandleFundsReleased(ctx, mustJSON(t, &mqcontracts.FundsReleasedPayload{
		EventMeta:     mqcontracts.EventMeta{EventID: "ev-r0"},
		ProjectID:     "P1",
		Amount:        400_000,
		ReleasedAt:    1_700_000_500,
		TotalReleased: 400_000,
	})))

	s, err := hs.rm.ProjectSummary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Road Repair", s.Title)
	assert.Equal(t, uint64(1_000_000), s.TotalBudget)
	assert.Equal(t, uint64(400_000), s.TotalAllocated)
	assert.Equal(t, uint64(400_000), s.TotalReleased)
	assert.Equal(t, uint64(1), s.MilestoneCount)
	assert.Equal(t, int64(1_700_000_500), s.LastReleaseAt)

	n, err := hs.rm.ProjectCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	admin, err := hs.model.Get(ctx, keyPlatformAdmin).Result()
	require.NoError(t, err)
	assert.Equal(t, "bb", admin)
	assert.Zero(t, hs.dlq.count())
}

func TestHandlers_OutOfOrderTotalsNeverRegress(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(3)

	second := &mqcontracts.MilestoneAddedPayload{
		EventMeta:      mqcontracts.EventMeta{EventID: "ev-m1"},
		ProjectID:      "P1",
		TotalAllocated: 700_000,
		MilestoneCount: 2,
	}
	first := &mqcontracts.MilestoneAddedPayload{
		EventMeta:      mqcontracts.EventMeta{EventID: "ev-m0"},
		ProjectID:      "P1",
		TotalAllocated: 400_000,
		MilestoneCount: 1,
	}
	require.NoError(t, hs.h.HandleMilestoneAdded(ctx, mustJSON(t, second)))
	require.NoError(t, hs.h.HandleMilestoneAdded(ctx, mustJSON(t, first)))
	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, projectCreated("P1", 1))))

	s, err := hs.rm.ProjectSummary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(700_000), s.TotalAllocated)
	assert.Equal(t, uint64(2), s.MilestoneCount)
	assert.Equal(t, "Road Repair", s.Title)

	// project count only grows
	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, projectCreated("P3", 3))))
	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, projectCreated("P2", 2))))
	n, err := hs.rm.ProjectCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestHandlers_DuplicateEventSkipped(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(3)

	raw := mustJSON(t, projectCreated("P1", 1))
	require.NoError(t, hs.h.HandleProjectCreated(ctx, raw))

	// a later rename would be visible if the duplicate were applied
	_ = hs.model.HSet(ctx, projectKey("P1"), "title", "changed")
	require.NoError(t, hs.h.HandleProjectCreated(ctx, raw))

	s, err := hs.rm.ProjectSummary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "changed", s.Title)
}

func TestHandlers_MalformedPayloadGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(3)

	require.NoError(t, hs.h.HandleFundsReleased(ctx, json.RawMessage(`{not json`)))
	require.NoError(t, hs.h.HandleFundsReleased(ctx, json.RawMessage(`{"project_id":"P1"}`)))
	assert.Equal(t, 2, hs.dlq.count())
}

func TestHandlers_RetryableFailureNacksThenParks(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(2)
	hs.model.Err = redis.ErrClosed

	raw := mustJSON(t, projectCreated("P1", 1))
	for i := 0; i < 2; i++ {
		err := hs.h.HandleProjectCreated(ctx, raw)
		require.Error(t, err, "attempt %d", i+1)
		assert.True(t, errors.Is(err, redis.ErrClosed))
	}
	assert.Zero(t, hs.dlq.count())

	// retries exhausted
	require.NoError(t, hs.h.HandleProjectCreated(ctx, raw))
	assert.Equal(t, 1, hs.dlq.count())

	// dedup lock was released, so a replay after recovery applies
	hs.model.Err = nil
	require.NoError(t, hs.h.HandleProjectCreated(ctx, raw))
	_, err := hs.rm.ProjectSummary(ctx, "P1")
	require.NoError(t, err)
}

func TestHandlers_PermanentFailureParksImmediately(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(5)
	hs.model.Err = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

	require.NoError(t, hs.h.HandleMilestoneAdded(ctx, mustJSON(t, &mqcontracts.MilestoneAddedPayload{
		EventMeta:      mqcontracts.EventMeta{EventID: "ev-m0"},
		ProjectID:      "P1",
		TotalAllocated: 1,
		MilestoneCount: 1,
	})))
	assert.Equal(t, 1, hs.dlq.count())
}

func TestHandlers_CanceledContextNacksWithoutParking(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(1)
	hs.model.Err = context.Canceled
	raw := mustJSON(t, projectCreated("P1", 1))

	// more attempts than maxRetries, none of them may park the event
	for i := 0; i < 3; i++ {
		err := hs.h.HandleProjectCreated(ctx, raw)
		require.Error(t, err, "attempt %d", i+1)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Zero(t, hs.dlq.count())

	// the dedup lock was released, so redelivery after restart applies
	hs.model.Err = nil
	require.NoError(t, hs.h.HandleProjectCreated(ctx, raw))
	_, err := hs.rm.ProjectSummary(ctx, "P1")
	require.NoError(t, err)
}

func TestHandlers_CanceledMidApplyNacks(t *testing.T) {
	hs := newHarness(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the model sees the canceled context itself, the dedup store is fine
	err := hs.h.HandleMilestoneAdded(ctx, mustJSON(t, &mqcontracts.MilestoneAddedPayload{
		EventMeta:      mqcontracts.EventMeta{EventID: "ev-m0"},
		ProjectID:      "P1",
		TotalAllocated: 1,
		MilestoneCount: 1,
	}))
	require.Error(t, err)
	assert.Zero(t, hs.dlq.count())
}

func ministryProject(id, ministry string, budget uint64, createdAt int64) *mqcontracts.ProjectCreatedPayload {
	p := projectCreated(id, 1)
	p.Ministry = ministry
	p.TotalBudget = budget
	p.CreatedAt = createdAt
	return p
}

func TestReadModel_ProjectsByMinistry(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(3)

	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, ministryProject("P1", "Transport", 100, 10))))
	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, ministryProject("P2", "Health", 200, 20))))
	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, ministryProject("P3", "Transport", 300, 30))))

	all, total, err := hs.rm.Projects(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"P3", "P2", "P1"}, []string{all[0].ProjectID, all[1].ProjectID, all[2].ProjectID})

	page, total, err := hs.rm.Projects(ctx, "Transport", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, page, 1)
	assert.Equal(t, "P1", page[0].ProjectID)

	none, total, err := hs.rm.Projects(ctx, "Defense", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func TestReadModel_MinistryAggregates(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(3)

	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, ministryProject("P1", "Transport", 1_000, 10))))
	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, ministryProject("P2", "Health", 500, 20))))
	require.NoError(t, hs.h.HandleMilestoneAdded(ctx, mustJSON(t, &mqcontracts.MilestoneAddedPayload{
		EventMeta:      mqcontracts.EventMeta{EventID: "ev-h0"},
		ProjectID:      "P2",
		Amount:         500,
		TotalAllocated: 500,
		MilestoneCount: 1,
	})))
	require.NoError(t, hs.h.HandleFundsReleased(ctx, mustJSON(t, &mqcontracts.FundsReleasedPayload{
		EventMeta:     mqcontracts.EventMeta{EventID: "ev-h0-r"},
		ProjectID:     "P2",
		Amount:        500,
		ReleasedAt:    30,
		TotalReleased: 500,
	})))

	stats, err := hs.rm.Ministries(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, MinistryStats{
		Ministry:          "Health",
		ProjectCount:      1,
		CompletedProjects: 1,
		TotalBudget:       500,
		TotalAllocated:    500,
		TotalReleased:     500,
		ReleaseRate:       100,
	}, stats[0])
	assert.Equal(t, MinistryStats{
		Ministry:     "Transport",
		ProjectCount: 1,
		TotalBudget:  1_000,
	}, stats[1])
}

func TestReadModel_MinistryFoldsInEarlierTotals(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(3)

	// milestone and release overtake the project creation
	require.NoError(t, hs.h.HandleFundsReleased(ctx, mustJSON(t, &mqcontracts.FundsReleasedPayload{
		EventMeta:     mqcontracts.EventMeta{EventID: "ev-r1"},
		ProjectID:     "P1",
		Index:         1,
		Amount:        300,
		ReleasedAt:    50,
		TotalReleased: 1_000,
	})))
	require.NoError(t, hs.h.HandleMilestoneAdded(ctx, mustJSON(t, &mqcontracts.MilestoneAddedPayload{
		EventMeta:      mqcontracts.EventMeta{EventID: "ev-m1"},
		ProjectID:      "P1",
		Index:          1,
		TotalAllocated: 1_000,
		MilestoneCount: 2,
	})))
	require.NoError(t, hs.h.HandleProjectCreated(ctx, mustJSON(t, ministryProject("P1", "Transport", 1_000, 10))))

	// a stale release and a redelivered creation change nothing
	require.NoError(t, hs.h.HandleFundsReleased(ctx, mustJSON(t, &mqcontracts.FundsReleasedPayload{
		EventMeta:     mqcontracts.EventMeta{EventID: "ev-r0"},
		ProjectID:     "P1",
		Amount:        700,
		ReleasedAt:    40,
		TotalReleased: 700,
	})))
	require.NoError(t, hs.rm.ApplyProjectCreated(ctx, ministryProject("P1", "Transport", 1_000, 10)))

	stats, err := hs.rm.Ministries(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].ProjectCount)
	assert.Equal(t, uint64(1), stats[0].CompletedProjects)
	assert.Equal(t, uint64(1_000), stats[0].TotalAllocated)
	assert.Equal(t, uint64(1_000), stats[0].TotalReleased)
	assert.Equal(t, float64(100), stats[0].ReleaseRate)

	s, err := hs.rm.ProjectSummary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), s.LastReleaseAt)
}

func TestReadModel_TotalsAboveFloatPrecision(t *testing.T) {
	ctx := context.Background()
	rm := NewReadModel(redistest.New())

	// 2^53+1 and 2^53 are equal as Lua numbers
	require.NoError(t, rm.ApplyMilestoneAdded(ctx, &mqcontracts.MilestoneAddedPayload{
		ProjectID: "P1", TotalAllocated: 9_007_199_254_740_993, MilestoneCount: 2,
	}))
	require.NoError(t, rm.ApplyMilestoneAdded(ctx, &mqcontracts.MilestoneAddedPayload{
		ProjectID: "P1", TotalAllocated: 9_007_199_254_740_992, MilestoneCount: 1,
	}))
	require.NoError(t, rm.ApplyProjectCreated(ctx, projectCreated("P1", 1)))

	s, err := rm.ProjectSummary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(9_007_199_254_740_993), s.TotalAllocated)
	assert.Equal(t, uint64(2), s.MilestoneCount)
}

func TestReadModel_ConcurrentRaisesConverge(t *testing.T) {
	ctx := context.Background()
	rm := NewReadModel(redistest.New())
	require.NoError(t, rm.ApplyProjectCreated(ctx, ministryProject("P1", "Transport", 10_000, 10)))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			assert.NoError(t, rm.ApplyMilestoneAdded(ctx, &mqcontracts.MilestoneAddedPayload{
				ProjectID:      "P1",
				Index:          uint8(n - 1),
				TotalAllocated: n * 100,
				MilestoneCount: uint8(n),
			}))
		}(uint64(i))
	}
	wg.Wait()

	s, err := rm.ProjectSummary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), s.TotalAllocated)
	assert.Equal(t, uint64(50), s.MilestoneCount)

	// the ministry saw exactly the sum of the applied deltas
	stats, err := rm.Ministries(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(5_000), stats[0].TotalAllocated)
}

func TestReadModel_RecentActivity(t *testing.T) {
	ctx := context.Background()
	model := redistest.New()
	rm := NewReadModel(model).WithActivityLimit(2)

	require.NoError(t, rm.ApplyPlatformInitialized(ctx, &mqcontracts.PlatformInitializedPayload{
		EventMeta: mqcontracts.EventMeta{EventID: "ev-platform", OccurredAt: 1},
		Admin:     "bb",
	}))
	require.NoError(t, rm.ApplyProjectCreated(ctx, projectCreated("P1", 1)))
	require.NoError(t, rm.ApplyFundsReleased(ctx, &mqcontracts.FundsReleasedPayload{
		EventMeta:     mqcontracts.EventMeta{EventID: "ev-r0", OccurredAt: 3},
		ProjectID:     "P1",
		Amount:        10,
		ProofURL:      "https://proof.example/0",
		ReleasedAt:    3,
		TotalReleased: 10,
	}))

	feed, err := rm.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, ActivityFundsReleased, feed[0].Type)
	assert.Equal(t, "https://proof.example/0", feed[0].ProofURL)
	assert.Equal(t, uint64(10), feed[0].Amount)
	require.NotNil(t, feed[0].Index)
	assert.Equal(t, uint8(0), *feed[0].Index)
	assert.Equal(t, ActivityProjectCreated, feed[1].Type)
	assert.Equal(t, "Transport", feed[1].Ministry)

	one, err := rm.RecentActivity(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	raw, err := model.LRange(ctx, keyActivity, 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, raw, 2)
}

func TestReadModel_CorruptFieldIsAnError(t *testing.T) {
	ctx := context.Background()
	model := redistest.New()
	rm := NewReadModel(model)

	require.NoError(t, rm.ApplyProjectCreated(ctx, projectCreated("P1", 1)))
	require.NoError(t, model.HSet(ctx, projectKey("P1"), "total_budget", "lots").Err())

	_, err := rm.ProjectSummary(ctx, "P1")
	assert.ErrorIs(t, err, ErrCorrupt)

	_, _, err = rm.Projects(ctx, "", 0, 10)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, model.Set(ctx, keyProjectCount, "-1", 0).Err())
	_, err = rm.ProjectCount(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReadModel_Missing(t *testing.T) {
	ctx := context.Background()
	rm := NewReadModel(redistest.New())

	_, err := rm.ProjectSummary(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotProjected)

	n, err := rm.ProjectCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRoutes(t *testing.T) {
	hs := newHarness(1)
	routes := hs.h.Routes()
	assert.Len(t, routes, 4)
	for _, key := range []string{
		mqcontracts.RoutingPlatformInitialized,
		mqcontracts.RoutingProjectCreated,
		mqcontracts.RoutingMilestoneAdded,
		mqcontracts.RoutingFundsReleased,
	} {
		assert.Contains(t, routes, key)
	}
}
