package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/run"
)

// ForkRun creates a new QUEUED run seeded from the source run's checkpoint:
// the plan, policies, and the settled turn prefix are copied verbatim, turns
// past the checkpoint are reset to fresh QUEUED attempts, and open votes
// carry over so the fork resumes mid-ballot. The source run is untouched.
func (s *Scheduler) ForkRun(ctx context.Context, sourceRunID string) (*run.Run, error) {
	src, err := s.store.GetRun(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	cp := src.State.Checkpoint
	if cp == nil || cp.LastSequence == 0 {
		return nil, errors.Wrapf(errors.ErrNoCheckpoint, "run %s", sourceRunID)
	}

	p, err := s.store.GetPlan(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	policies, err := s.store.ListPolicies(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	turns, err := s.store.ListTurns(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	votes, err := s.store.ListVotes(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	fork := &run.Run{
		ID:          uuid.NewString(),
		WorkspaceID: src.WorkspaceID,
		Status:      run.StatusQueued,
		State: run.State{
			Runtime: src.State.Runtime,
			Fork: &run.Fork{
				SourceRunID:              sourceRunID,
				SourceCheckpointSequence: cp.LastSequence,
				ForkedAt:                 now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateRun(ctx, fork); err != nil {
		return nil, err
	}
	if err := s.store.SavePlan(ctx, fork.ID, p); err != nil {
		return nil, err
	}
	if err := s.store.SavePolicies(ctx, fork.ID, policies); err != nil {
		return nil, err
	}

	for _, t := range turns {
		copied := *t
		copied.ID = uuid.NewString()
		copied.RunID = fork.ID
		copied.CreatedAt = now
		copied.UpdatedAt = now
		if t.Sequence > cp.LastSequence {
			// Past the checkpoint: a fresh attempt.
			copied.Status = run.TurnQueued
			copied.Attempts = 0
			copied.Input.Retries = 0
			copied.Output = nil
			copied.Error = ""
		}
		if err := s.store.CreateTurn(ctx, &copied); err != nil {
			return nil, err
		}
	}

	for _, v := range votes {
		copied := *v
		copied.ID = uuid.NewString()
		copied.RunID = fork.ID
		copied.Ballots = copyBallots(v.Ballots)
		copied.Weights = copyVoteWeights(v.Weights)
		if err := s.store.CreateVote(ctx, &copied); err != nil {
			return nil, err
		}
	}

	s.log.WithRun(fork.ID).Info("run forked",
		"source_run", sourceRunID,
		"checkpoint_sequence", cp.LastSequence,
	)
	return fork, nil
}

func copyBallots(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyVoteWeights(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
