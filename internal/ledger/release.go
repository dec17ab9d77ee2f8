package ledger

import "fmt"

// ReleaseFunds marks milestone released with proofURL as its evidence
// reference and adds its amount to the project's released total.
//
// proofURL is stored as given; only its length is bounded by the record.
func ReleaseFunds(caller Pubkey, project *Project, milestone *Milestone, proofURL string, now int64) error {
	if milestone.IsReleased {
		return ErrMilestoneAlreadyReleased
	}
	if caller != project.Authority {
		return ErrUnauthorizedAccess
	}
	if len(proofURL) > MaxProofURLLen {
		return fmt.Errorf("proof_url is %d bytes, capacity %d: %w", len(proofURL), MaxProofURLLen, ErrFieldTooLong)
	}

	released, err := checkedAddU64(project.TotalReleased, milestone.Amount, "project released total")
	if err != nil {
		return err
	}

	at := now
	milestone.IsReleased = true
	milestone.ReleasedAt = &at
	milestone.ProofURL = proofURL
	project.TotalReleased = released
	return nil
}
