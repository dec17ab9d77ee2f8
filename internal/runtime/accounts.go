package runtime

import (
	"context"
	"encoding"
	"errors"
	"fmt"

	"openbudget/internal/ledger"
)

// LoadPlatform reads the registry record.
func LoadPlatform(ctx context.Context, tx Tx) (*ledger.PlatformRegistry, error) {
	var r ledger.PlatformRegistry
	if err := load(ctx, tx, ledger.PlatformAddress(), ledger.KindPlatformRegistry, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadProject reads the project with the given id.
func LoadProject(ctx context.Context, tx Tx, projectID string) (*ledger.Project, error) {
	var p ledger.Project
	if err := load(ctx, tx, ledger.ProjectAddress(projectID), ledger.KindProject, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadMilestone reads milestone index of projectID.
func LoadMilestone(ctx context.Context, tx Tx, projectID string, index uint8) (*ledger.Milestone, error) {
	var m ledger.Milestone
	if err := load(ctx, tx, ledger.MilestoneAddress(projectID, index), ledger.KindMilestone, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func load(ctx context.Context, tx Tx, addr ledger.Address, want ledger.Kind, into encoding.BinaryUnmarshaler) error {
	data, err := tx.Get(ctx, addr)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", want, addr, err)
	}
	kind, err := ledger.KindOf(data)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", want, addr, err)
	}
	if kind != want {
		return fmt.Errorf("load %s %s: found %s: %w", want, addr, kind, ErrAccountType)
	}
	if err := into.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("decode %s %s: %w", want, addr, err)
	}
	return nil
}

// requireEmpty fails with ErrAccountInUse unless addr holds nothing.
func requireEmpty(ctx context.Context, tx Tx, addr ledger.Address) error {
	_, err := tx.Get(ctx, addr)
	switch {
	case err == nil:
		return fmt.Errorf("create %s: %w", addr, ErrAccountInUse)
	case errors.Is(err, ErrAccountNotFound):
		return nil
	default:
		return err
	}
}
