package ledger

import "fmt"

// ProjectParams are the caller-supplied fields of a new project.
type ProjectParams struct {
	ProjectID   string
	Title       string
	Ministry    string
	TotalBudget uint64
}

// Validate checks params in the order failures are reported.
func (p ProjectParams) Validate() error {
	if len(p.ProjectID) > MaxProjectIDLen {
		return ErrProjectIDTooLong
	}
	if len(p.Title) == 0 || len(p.Title) > MaxTitleLen {
		return ErrInvalidTitle
	}
	if p.TotalBudget == 0 {
		return ErrInvalidBudget
	}
	if len(p.Ministry) > MaxMinistryLen {
		return fmt.Errorf("ministry is %d bytes, capacity %d: %w", len(p.Ministry), MaxMinistryLen, ErrFieldTooLong)
	}
	return nil
}

// InitializeProject creates a project owned by caller and bumps the
// platform project counter. Any signer may create a project.
//
// On error registry is left untouched and no project is returned.
func InitializeProject(caller Pubkey, registry *PlatformRegistry, params ProjectParams, now int64) (*Project, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	count, err := checkedAddU64(registry.ProjectCount, 1, "platform project count")
	if err != nil {
		return nil, err
	}

	project := &Project{
		ID:             params.ProjectID,
		Title:          params.Title,
		Ministry:       params.Ministry,
		TotalBudget:    params.TotalBudget,
		TotalAllocated: 0,
		TotalReleased:  0,
		MilestoneCount: 0,
		CreatedAt:      now,
		Authority:      caller,
	}
	registry.ProjectCount = count
	return project, nil
}
