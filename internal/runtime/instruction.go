package runtime

import (
	"context"
	"encoding"

	mqcontracts "openbudget/contracts/mq"
	"openbudget/internal/ledger"

	"github.com/google/uuid"
)

// AccountMeta names an account an instruction touches.
type AccountMeta struct {
	Address ledger.Address `json:"address"`
	Kind    ledger.Kind    `json:"kind"`
	Create  bool           `json:"create"`
}

// Instruction is one of the four ledger transitions.
type Instruction interface {
	Name() string
	Accounts() []AccountMeta
	apply(env *env) error
}

// env carries one transition's transaction and collects its effects.
type env struct {
	ctx     context.Context
	tx      Tx
	signer  ledger.Pubkey
	now     int64
	traceID string
	receipt *Receipt
}

func (e *env) create(addr ledger.Address, kind ledger.Kind, rec encoding.BinaryMarshaler) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	if err := e.tx.Create(e.ctx, addr, kind, data); err != nil {
		return err
	}
	e.receipt.Created = append(e.receipt.Created, addr)
	return nil
}

func (e *env) put(addr ledger.Address, kind ledger.Kind, rec encoding.BinaryMarshaler) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	if err := e.tx.Put(e.ctx, addr, kind, data); err != nil {
		return err
	}
	e.receipt.Updated = append(e.receipt.Updated, addr)
	return nil
}

func (e *env) meta() mqcontracts.EventMeta {
	return mqcontracts.EventMeta{
		EventID:    uuid.NewString(),
		TraceID:    e.traceID,
		Signer:     e.signer.String(),
		OccurredAt: e.now,
	}
}

func (e *env) emit(routingKey, aggregateType, aggregateID string, id string, payload any) {
	e.receipt.Events = append(e.receipt.Events, Event{
		ID:            id,
		RoutingKey:    routingKey,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
	})
}

// InitializePlatform creates the singleton registry.
type InitializePlatform struct{}

func (InitializePlatform) Name() string { return "initialize_platform" }

func (InitializePlatform) Accounts() []AccountMeta {
	return []AccountMeta{{Address: ledger.PlatformAddress(), Kind: ledger.KindPlatformRegistry, Create: true}}
}

func (InitializePlatform) apply(e *env) error {
	addr := ledger.PlatformAddress()
	if err := requireEmpty(e.ctx, e.tx, addr); err != nil {
		return err
	}

	registry := ledger.InitializePlatform(e.signer)
	if err := e.create(addr, ledger.KindPlatformRegistry, registry); err != nil {
		return err
	}

	meta := e.meta()
	e.emit(mqcontracts.RoutingPlatformInitialized, mqcontracts.AggregatePlatform, addr.String(), meta.EventID,
		mqcontracts.PlatformInitializedPayload{
			EventMeta: meta,
			Address:   addr.String(),
			Admin:     registry.Admin.String(),
		})
	return nil
}

// InitializeProject creates a project and bumps the registry counter.
type InitializeProject struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Ministry    string `json:"ministry"`
	TotalBudget uint64 `json:"total_budget"`
}

func (InitializeProject) Name() string { return "initialize_project" }

func (ix InitializeProject) Accounts() []AccountMeta {
	return []AccountMeta{
		{Address: ledger.ProjectAddress(ix.ProjectID), Kind: ledger.KindProject, Create: true},
		{Address: ledger.PlatformAddress(), Kind: ledger.KindPlatformRegistry},
	}
}

func (ix InitializeProject) apply(e *env) error {
	projectAddr := ledger.ProjectAddress(ix.ProjectID)
	if err := requireEmpty(e.ctx, e.tx, projectAddr); err != nil {
		return err
	}
	registry, err := LoadPlatform(e.ctx, e.tx)
	if err != nil {
		return err
	}

	project, err := ledger.InitializeProject(e.signer, registry, ledger.ProjectParams{
		ProjectID:   ix.ProjectID,
		Title:       ix.Title,
		Ministry:    ix.Ministry,
		TotalBudget: ix.TotalBudget,
	}, e.now)
	if err != nil {
		return err
	}

	if err := e.create(projectAddr, ledger.KindProject, project); err != nil {
		return err
	}
	if err := e.put(ledger.PlatformAddress(), ledger.KindPlatformRegistry, registry); err != nil {
		return err
	}

	meta := e.meta()
	e.emit(mqcontracts.RoutingProjectCreated, mqcontracts.AggregateProject, project.ID, meta.EventID,
		mqcontracts.ProjectCreatedPayload{
			EventMeta:    meta,
			Address:      projectAddr.String(),
			ProjectID:    project.ID,
			Title:        project.Title,
			Ministry:     project.Ministry,
			TotalBudget:  project.TotalBudget,
			Authority:    project.Authority.String(),
			CreatedAt:    project.CreatedAt,
			ProjectCount: registry.ProjectCount,
		})
	return nil
}

// AddMilestone creates a milestone and allocates its amount from the project budget.
type AddMilestone struct {
	ProjectID   string `json:"project_id"`
	Index       uint8  `json:"index"`
	Description string `json:"description"`
	Amount      uint64 `json:"amount"`
}

func (AddMilestone) Name() string { return "add_milestone" }

func (ix AddMilestone) Accounts() []AccountMeta {
	return []AccountMeta{
		{Address: ledger.MilestoneAddress(ix.ProjectID, ix.Index), Kind: ledger.KindMilestone, Create: true},
		{Address: ledger.ProjectAddress(ix.ProjectID), Kind: ledger.KindProject},
	}
}

func (ix AddMilestone) apply(e *env) error {
	milestoneAddr := ledger.MilestoneAddress(ix.ProjectID, ix.Index)
	if err := requireEmpty(e.ctx, e.tx, milestoneAddr); err != nil {
		return err
	}
	project, err := LoadProject(e.ctx, e.tx, ix.ProjectID)
	if err != nil {
		return err
	}

	milestone, err := ledger.AddMilestone(e.signer, project, ledger.MilestoneParams{
		Index:       ix.Index,
		Description: ix.Description,
		Amount:      ix.Amount,
	})
	if err != nil {
		return err
	}

	if err := e.create(milestoneAddr, ledger.KindMilestone, milestone); err != nil {
		return err
	}
	if err := e.put(ledger.ProjectAddress(ix.ProjectID), ledger.KindProject, project); err != nil {
		return err
	}

	meta := e.meta()
	e.emit(mqcontracts.RoutingMilestoneAdded, mqcontracts.AggregateProject, project.ID, meta.EventID,
		mqcontracts.MilestoneAddedPayload{
			EventMeta:      meta,
			Address:        milestoneAddr.String(),
			ProjectID:      project.ID,
			Index:          milestone.Index,
			Description:    milestone.Description,
			Amount:         milestone.Amount,
			TotalAllocated: project.TotalAllocated,
			MilestoneCount: project.MilestoneCount,
		})
	return nil
}

// ReleaseFunds marks a milestone released against a proof reference.
type ReleaseFunds struct {
	ProjectID string `json:"project_id"`
	Index     uint8  `json:"index"`
	ProofURL  string `json:"proof_url"`
}

func (ReleaseFunds) Name() string { return "release_funds" }

func (ix ReleaseFunds) Accounts() []AccountMeta {
	return []AccountMeta{
		{Address: ledger.MilestoneAddress(ix.ProjectID, ix.Index), Kind: ledger.KindMilestone},
		{Address: ledger.ProjectAddress(ix.ProjectID), Kind: ledger.KindProject},
	}
}

func (ix ReleaseFunds) apply(e *env) error {
	milestone, err := LoadMilestone(e.ctx, e.tx, ix.ProjectID, ix.Index)
	if err != nil {
		return err
	}
	project, err := LoadProject(e.ctx, e.tx, ix.ProjectID)
	if err != nil {
		return err
	}

	if err := ledger.ReleaseFunds(e.signer, project, milestone, ix.ProofURL, e.now); err != nil {
		return err
	}

	milestoneAddr := ledger.MilestoneAddress(ix.ProjectID, ix.Index)
	if err := e.put(milestoneAddr, ledger.KindMilestone, milestone); err != nil {
		return err
	}
	if err := e.put(ledger.ProjectAddress(ix.ProjectID), ledger.KindProject, project); err != nil {
		return err
	}

	meta := e.meta()
	e.emit(mqcontracts.RoutingFundsReleased, mqcontracts.AggregateProject, project.ID, meta.EventID,
		mqcontracts.FundsReleasedPayload{
			EventMeta:     meta,
			Address:       milestoneAddr.String(),
			ProjectID:     project.ID,
			Index:         milestone.Index,
			Amount:        milestone.Amount,
			ProofURL:      milestone.ProofURL,
			ReleasedAt:    *milestone.ReleasedAt,
			TotalReleased: project.TotalReleased,
		})
	return nil
}
