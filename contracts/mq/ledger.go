package mq

// Routing keys of committed ledger transitions.
const (
	RoutingPlatformInitialized = "ledger.platform_initialized"
	RoutingProjectCreated      = "ledger.project_created"
	RoutingMilestoneAdded      = "ledger.milestone_added"
	RoutingFundsReleased       = "ledger.funds_released"
)

// Aggregate types used in the outbox.
const (
	AggregatePlatform = "platform"
	AggregateProject  = "project"
)

// EventMeta is shared by every ledger event payload.
type EventMeta struct {
	EventID    string `json:"event_id"`
	TraceID    string `json:"trace_id,omitempty"`
	Signer     string `json:"signer"`
	OccurredAt int64  `json:"occurred_at"` // ledger unix time
}

type PlatformInitializedPayload struct {
	EventMeta
	Address string `json:"address"`
	Admin   string `json:"admin"`
}

// Totals are absolute values after the transition, so consumers can apply
// them idempotently.
type ProjectCreatedPayload struct {
	EventMeta
	Address      string `json:"address"`
	ProjectID    string `json:"project_id"`
	Title        string `json:"title"`
	Ministry     string `json:"ministry"`
	TotalBudget  uint64 `json:"total_budget"`
	Authority    string `json:"authority"`
	CreatedAt    int64  `json:"created_at"`
	ProjectCount uint64 `json:"project_count"`
}

type MilestoneAddedPayload struct {
	EventMeta
	Address        string `json:"address"`
	ProjectID      string `json:"project_id"`
	Index          uint8  `json:"index"`
	Description    string `json:"description"`
	Amount         uint64 `json:"amount"`
	TotalAllocated uint64 `json:"total_allocated"`
	MilestoneCount uint8  `json:"milestone_count"`
}

type FundsReleasedPayload struct {
	EventMeta
	Address       string `json:"address"`
	ProjectID     string `json:"project_id"`
	Index         uint8  `json:"index"`
	Amount        uint64 `json:"amount"`
	ProofURL      string `json:"proof_url"`
	ReleasedAt    int64  `json:"released_at"`
	TotalReleased uint64 `json:"total_released"`
}
