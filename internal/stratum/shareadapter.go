package stratum

import (
	"context"
	"time"

	"github.com/velora-pool/coordinator/internal/share"
)

// ValidatorAdapter adapts *share.Validator to the Server's ShareSubmitter
// interface, keeping the wire-framing package free of a direct dependency
// on ShareValidator's richer types (Job, BlockSolution).
type ValidatorAdapter struct {
	Validator *share.Validator
}

func (a ValidatorAdapter) Validate(ctx context.Context, sub ShareSubmission, now time.Time) ShareOutcome {
	outcome := a.Validator.Validate(ctx, share.Submission{
		ClientID:   sub.ClientID,
		JobID:      sub.JobID,
		Nonce:      sub.Nonce,
		Hash:       sub.Hash,
		NTime:      sub.NTime,
		Difficulty: sub.Difficulty,
	}, now)

	return ShareOutcome{
		Valid:   outcome.Valid,
		IsBlock: outcome.IsBlock,
		Reason:  string(outcome.Reason),
	}
}
