package ledger

import "fmt"

// MilestoneParams are the caller-supplied fields of a new milestone.
type MilestoneParams struct {
	Index       uint8
	Description string
	Amount      uint64
}

// AddMilestone allocates params.Amount of the project's budget to a new
// milestone. The project's allocation and milestone count move together
// with the creation, or not at all.
func AddMilestone(caller Pubkey, project *Project, params MilestoneParams) (*Milestone, error) {
	if caller != project.Authority {
		return nil, ErrUnauthorizedAccess
	}
	if len(params.Description) == 0 {
		return nil, ErrInvalidTitle
	}
	if params.Amount == 0 {
		return nil, ErrInvalidBudget
	}

	allocated, err := checkedAddU64(project.TotalAllocated, params.Amount, "project allocation")
	if err != nil {
		return nil, err
	}
	if allocated > project.TotalBudget {
		return nil, ErrInsufficientBudget
	}
	if len(params.Description) > MaxDescriptionLen {
		return nil, fmt.Errorf("description is %d bytes, capacity %d: %w", len(params.Description), MaxDescriptionLen, ErrFieldTooLong)
	}

	count, err := checkedIncU8(project.MilestoneCount, "project milestone count")
	if err != nil {
		return nil, err
	}

	milestone := &Milestone{
		ProjectID:   project.ID,
		Index:       params.Index,
		Description: params.Description,
		Amount:      params.Amount,
		IsReleased:  false,
		ReleasedAt:  nil,
		ProofURL:    "",
	}
	project.TotalAllocated = allocated
	project.MilestoneCount = count
	return milestone, nil
}
