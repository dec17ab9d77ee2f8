// Package projection maintains a Redis read model of the ledger from the
// events relayed by the outbox.
//
// Keys:
//
//	platform:admin              hex pubkey of the platform admin
//	platform:project_count      number of projects
//	project:<id>                hash of project fields and totals
//	projects                    sorted set of project ids by created_at
//	ministry_projects:<name>    sorted set of a ministry's project ids
//	ministry:<name>             hash of per-ministry totals
//	ministries                  sorted set of ministry names
//	activity                    capped list of recent events, newest first
//
// Totals are monotonic, so each field only moves forward. Events for one
// project arrive on different queues and may be applied in any order.
// Ministry keys are derived inside the scripts, so the read model expects
// a single Redis node rather than a cluster.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	mqcontracts "openbudget/contracts/mq"

	"github.com/redis/go-redis/v9"
)

const (
	keyPlatformAdmin = "platform:admin"
	keyProjectCount  = "platform:project_count"
	keyProjects      = "projects"
	keyMinistries    = "ministries"
	keyActivity      = "activity"

	ministryPrefix = "ministry:"

	defaultActivityLimit = 200
)

// Activity types.
const (
	ActivityPlatformInitialized = "platform_initialized"
	ActivityProjectCreated      = "project_created"
	ActivityMilestoneAdded      = "milestone_added"
	ActivityFundsReleased       = "funds_released"
)

var (
	// ErrNotProjected is returned when the read model has no entry yet.
	ErrNotProjected = errors.New("not in read model")
	// ErrCorrupt is returned when a stored value cannot be decoded.
	ErrCorrupt = errors.New("corrupt read model value")
)

// Client is the subset of redis commands the read model uses.
type Client interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

type ReadModel struct {
	rdb           Client
	activityLimit int
}

func NewReadModel(rdb Client) *ReadModel {
	return &ReadModel{rdb: rdb, activityLimit: defaultActivityLimit}
}

// WithActivityLimit sets how many entries the activity feed keeps.
func (m *ReadModel) WithActivityLimit(n int) *ReadModel {
	if n > 0 {
		m.activityLimit = n
	}
	return m
}

func projectKey(id string) string {
	return "project:" + id
}

func ministryKey(name string) string {
	return ministryPrefix + name
}

func ministryProjectsKey(name string) string {
	return "ministry_projects:" + name
}

// Summary is the projected view of one project.
type Summary struct {
	ProjectID      string `json:"project_id"`
	Title          string `json:"title,omitempty"`
	Ministry       string `json:"ministry,omitempty"`
	Authority      string `json:"authority,omitempty"`
	TotalBudget    uint64 `json:"total_budget"`
	TotalAllocated uint64 `json:"total_allocated"`
	TotalReleased  uint64 `json:"total_released"`
	MilestoneCount uint64 `json:"milestone_count"`
	CreatedAt      int64  `json:"created_at,omitempty"`
	LastReleaseAt  int64  `json:"last_release_at,omitempty"`
}

// MinistryStats aggregates the projects of one ministry.
type MinistryStats struct {
	Ministry          string  `json:"ministry"`
	ProjectCount      uint64  `json:"project_count"`
	CompletedProjects uint64  `json:"completed_projects"`
	TotalBudget       uint64  `json:"total_budget"`
	TotalAllocated    uint64  `json:"total_allocated"`
	TotalReleased     uint64  `json:"total_released"`
	ReleaseRate       float64 `json:"release_rate"` // percent of budget released
}

// Activity is one entry of the recent-activity feed.
type Activity struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	Signer     string `json:"signer,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
	ProjectID  string `json:"project_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Ministry   string `json:"ministry,omitempty"`
	Index      *uint8 `json:"index,omitempty"`
	Amount     uint64 `json:"amount,omitempty"`
	ProofURL   string `json:"proof_url,omitempty"`
}

func newActivity(kind string, meta mqcontracts.EventMeta) Activity {
	return Activity{
		Type:       kind,
		EventID:    meta.EventID,
		Signer:     meta.Signer,
		OccurredAt: meta.OccurredAt,
	}
}

func (a Activity) encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode activity: %w", err)
	}
	return string(b), nil
}

func (m *ReadModel) lastActivity() int {
	return m.activityLimit - 1
}

func (m *ReadModel) ApplyPlatformInitialized(ctx context.Context, p *mqcontracts.PlatformInitializedPayload) error {
	entry, err := newActivity(ActivityPlatformInitialized, p.EventMeta).encode()
	if err != nil {
		return err
	}
	err = platformInitializedScript.Run(ctx, m.rdb,
		[]string{keyPlatformAdmin, keyActivity},
		p.Admin, entry, m.lastActivity(),
	).Err()
	if err != nil {
		return fmt.Errorf("apply platform initialized: %w", err)
	}
	return nil
}

func (m *ReadModel) ApplyProjectCreated(ctx context.Context, p *mqcontracts.ProjectCreatedPayload) error {
	a := newActivity(ActivityProjectCreated, p.EventMeta)
	a.ProjectID = p.ProjectID
	a.Title = p.Title
	a.Ministry = p.Ministry
	a.Amount = p.TotalBudget
	entry, err := a.encode()
	if err != nil {
		return err
	}
	err = projectCreatedScript.Run(ctx, m.rdb,
		[]string{
			projectKey(p.ProjectID),
			keyProjects,
			ministryProjectsKey(p.Ministry),
			ministryKey(p.Ministry),
			keyMinistries,
			keyProjectCount,
			keyActivity,
		},
		p.ProjectID, p.Title, p.Ministry, p.Authority, p.TotalBudget, p.CreatedAt, p.ProjectCount,
		entry, m.lastActivity(),
	).Err()
	if err != nil {
		return fmt.Errorf("apply project %s created: %w", p.ProjectID, err)
	}
	return nil
}

func (m *ReadModel) ApplyMilestoneAdded(ctx context.Context, p *mqcontracts.MilestoneAddedPayload) error {
	a := newActivity(ActivityMilestoneAdded, p.EventMeta)
	a.ProjectID = p.ProjectID
	a.Index = &p.Index
	a.Amount = p.Amount
	entry, err := a.encode()
	if err != nil {
		return err
	}
	err = milestoneAddedScript.Run(ctx, m.rdb,
		[]string{projectKey(p.ProjectID), keyActivity},
		p.TotalAllocated, p.MilestoneCount, ministryPrefix, entry, m.lastActivity(),
	).Err()
	if err != nil {
		return fmt.Errorf("apply milestone %s/%d added: %w", p.ProjectID, p.Index, err)
	}
	return nil
}

func (m *ReadModel) ApplyFundsReleased(ctx context.Context, p *mqcontracts.FundsReleasedPayload) error {
	a := newActivity(ActivityFundsReleased, p.EventMeta)
	a.ProjectID = p.ProjectID
	a.Index = &p.Index
	a.Amount = p.Amount
	a.ProofURL = p.ProofURL
	entry, err := a.encode()
	if err != nil {
		return err
	}
	releasedAt := ""
	if p.ReleasedAt >= 0 {
		releasedAt = strconv.FormatInt(p.ReleasedAt, 10)
	}
	err = fundsReleasedScript.Run(ctx, m.rdb,
		[]string{projectKey(p.ProjectID), keyActivity},
		p.TotalReleased, releasedAt, ministryPrefix, entry, m.lastActivity(),
	).Err()
	if err != nil {
		return fmt.Errorf("apply milestone %s/%d released: %w", p.ProjectID, p.Index, err)
	}
	return nil
}

// fields decodes numeric hash fields, remembering the first bad one.
type fields struct {
	key    string
	values map[string]string
	err    error
}

func (f *fields) u64(name string) uint64 {
	v, ok := f.values[name]
	if !ok || f.err != nil {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		f.err = fmt.Errorf("%s field %s=%q: %w", f.key, name, v, ErrCorrupt)
	}
	return n
}

func (f *fields) i64(name string) int64 {
	v, ok := f.values[name]
	if !ok || f.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f.err = fmt.Errorf("%s field %s=%q: %w", f.key, name, v, ErrCorrupt)
	}
	return n
}

// ProjectSummary reads the projected view of a project.
func (m *ReadModel) ProjectSummary(ctx context.Context, projectID string) (*Summary, error) {
	key := projectKey(projectID)
	values, err := m.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrNotProjected)
	}

	f := &fields{key: key, values: values}
	s := &Summary{
		ProjectID:      projectID,
		Title:          values["title"],
		Ministry:       values["ministry"],
		Authority:      values["authority"],
		TotalBudget:    f.u64("total_budget"),
		TotalAllocated: f.u64("total_allocated"),
		TotalReleased:  f.u64("total_released"),
		MilestoneCount: f.u64("milestone_count"),
		CreatedAt:      f.i64("created_at"),
		LastReleaseAt:  f.i64("last_release_at"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return s, nil
}

// ProjectCount reads the projected number of projects.
func (m *ReadModel) ProjectCount(ctx context.Context) (uint64, error) {
	v, err := m.rdb.Get(ctx, keyProjectCount).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", keyProjectCount, v, ErrCorrupt)
	}
	return n, nil
}

// Projects lists projects newest first, restricted to one ministry when
// ministry is non-empty. It also returns how many projects match.
func (m *ReadModel) Projects(ctx context.Context, ministry string, offset, limit int) ([]*Summary, int64, error) {
	key := keyProjects
	if ministry != "" {
		key = ministryProjectsKey(ministry)
	}
	total, err := m.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", key, err)
	}
	if limit <= 0 || int64(offset) >= total {
		return []*Summary{}, total, nil
	}
	ids, err := m.rdb.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("range %s: %w", key, err)
	}
	out := make([]*Summary, 0, len(ids))
	for _, id := range ids {
		s, err := m.ProjectSummary(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, nil
}

// Ministries returns per-ministry totals ordered by release rate, then
// budget, then name.
func (m *ReadModel) Ministries(ctx context.Context) ([]MinistryStats, error) {
	names, err := m.rdb.ZRange(ctx, keyMinistries, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", keyMinistries, err)
	}
	out := make([]MinistryStats, 0, len(names))
	for _, name := range names {
		key := ministryKey(name)
		values, err := m.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		f := &fields{key: key, values: values}
		st := MinistryStats{
			Ministry:          name,
			ProjectCount:      f.u64("project_count"),
			CompletedProjects: f.u64("completed_projects"),
			TotalBudget:       f.u64("total_budget"),
			TotalAllocated:    f.u64("total_allocated"),
			TotalReleased:     f.u64("total_released"),
		}
		if f.err != nil {
			return nil, f.err
		}
		if st.TotalBudget > 0 {
			st.ReleaseRate = math.Round(float64(st.TotalReleased)/float64(st.TotalBudget)*10000) / 100
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ReleaseRate != b.ReleaseRate {
			return a.ReleaseRate > b.ReleaseRate
		}
		if a.TotalBudget != b.TotalBudget {
			return a.TotalBudget > b.TotalBudget
		}
		return a.Ministry < b.Ministry
	})
	return out, nil
}

// RecentActivity returns up to limit feed entries, newest first.
func (m *ReadModel) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		return []Activity{}, nil
	}
	raw, err := m.rdb.LRange(ctx, keyActivity, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", keyActivity, err)
	}
	out := make([]Activity, 0, len(raw))
	for _, r := range raw {
		var a Activity
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("%s entry: %w", keyActivity, ErrCorrupt)
		}
		out = append(out, a)
	}
	return out, nil
}
