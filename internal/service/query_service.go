package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"openbudget/internal/ledger"
	"openbudget/internal/runtime"

	"github.com/patrickmn/go-cache"
)

// QueryService serves read views of ledger records. Decoded records are
// cached by address for a short TTL; LedgerService invalidates on commit.
type QueryService struct {
	exec  *runtime.Executor
	cache *cache.Cache

	// gen advances on every invalidation; a load that straddles one is
	// not cached.
	mu  sync.Mutex
	gen uint64
}

func NewQueryService(exec *runtime.Executor, ttl time.Duration) *QueryService {
	return &QueryService{
		exec:  exec,
		cache: cache.New(ttl, 2*ttl),
	}
}

var _ Invalidator = (*QueryService)(nil)

func (s *QueryService) Invalidate(addrs ...ledger.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	for _, a := range addrs {
		s.cache.Delete(a.String())
	}
}

// cached loads the value at addr through the cache. Callers get a copy.
func cached[T any](ctx context.Context, s *QueryService, addr ledger.Address, load func(ctx context.Context, tx runtime.Tx) (*T, error)) (*T, error) {
	if v, ok := s.cache.Get(addr.String()); ok {
		if rec, ok := v.(*T); ok {
			cp := *rec
			return &cp, nil
		}
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	var rec *T
	err := s.exec.View(ctx, func(tx runtime.Tx) error {
		var err error
		rec, err = load(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.gen == gen {
		s.cache.SetDefault(addr.String(), rec)
	}
	s.mu.Unlock()
	cp := *rec
	return &cp, nil
}

func (s *QueryService) Platform(ctx context.Context) (*ledger.PlatformRegistry, error) {
	return cached(ctx, s, ledger.PlatformAddress(), func(ctx context.Context, tx runtime.Tx) (*ledger.PlatformRegistry, error) {
		return runtime.LoadPlatform(ctx, tx)
	})
}

func (s *QueryService) Project(ctx context.Context, projectID string) (*ledger.Project, error) {
	return cached(ctx, s, ledger.ProjectAddress(projectID), func(ctx context.Context, tx runtime.Tx) (*ledger.Project, error) {
		return runtime.LoadProject(ctx, tx, projectID)
	})
}

func (s *QueryService) Milestone(ctx context.Context, projectID string, index uint8) (*ledger.Milestone, error) {
	m, err := cached(ctx, s, ledger.MilestoneAddress(projectID, index), func(ctx context.Context, tx runtime.Tx) (*ledger.Milestone, error) {
		return runtime.LoadMilestone(ctx, tx, projectID, index)
	})
	if err != nil {
		return nil, err
	}
	if m.ReleasedAt != nil {
		at := *m.ReleasedAt
		m.ReleasedAt = &at
	}
	return m, nil
}

// Milestones lists a project's milestones in index order. Indexes are
// chosen by the caller, so the scan covers the whole index space and
// stops once milestone_count records were found.
func (s *QueryService) Milestones(ctx context.Context, projectID string) ([]*ledger.Milestone, error) {
	var out []*ledger.Milestone
	err := s.exec.View(ctx, func(tx runtime.Tx) error {
		project, err := runtime.LoadProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		out = make([]*ledger.Milestone, 0, project.MilestoneCount)
		for i := 0; i <= 255 && len(out) < int(project.MilestoneCount); i++ {
			m, err := runtime.LoadMilestone(ctx, tx, projectID, uint8(i))
			if errors.Is(err, runtime.ErrAccountNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
