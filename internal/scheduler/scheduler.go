// Package scheduler drains one run's turn queue sequentially: it invokes
// the model with a timeout race, validates and repairs the output, applies
// governance, executes tool calls, progresses votes, mediates deadlocks,
// and checkpoints after every state transition. One logical worker per run;
// runs never share mutable state.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/internal/artifact"
	"github.com/parley-dev/parley/internal/deadlock"
	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/event"
	"github.com/parley-dev/parley/internal/governance"
	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/internal/message"
	"github.com/parley-dev/parley/internal/mount"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/provider"
	"github.com/parley-dev/parley/internal/run"
	"github.com/parley-dev/parley/internal/store"
	"github.com/parley-dev/parley/internal/toolgate"
	"github.com/parley-dev/parley/internal/vote"
)

// Options tunes the scheduler loop.
type Options struct {
	// ContextWindowSize caps how many recent turns feed each prompt.
	ContextWindowSize int

	// MaxIterations is the hard loop guard. Zero derives a bound from the
	// turn count and retry budget.
	MaxIterations int
}

// Scheduler executes runs against a store, a model provider, and the
// adapter set.
type Scheduler struct {
	store     store.Store
	provider  provider.ModelProvider
	mounts    mount.Resolver
	artifacts artifact.Store
	gateway   *toolgate.Gateway
	bus       *event.Bus
	log       *logging.Logger
	opts      Options
	now       func() time.Time
}

// New builds a scheduler. mounts, artifacts, and bus may be nil; a nil
// logger is replaced with a no-op.
func New(st store.Store, prov provider.ModelProvider, mounts mount.Resolver, artifacts artifact.Store, bus *event.Bus, log *logging.Logger, opts Options) *Scheduler {
	if log == nil {
		log = logging.NopLogger()
	}
	if opts.ContextWindowSize <= 0 {
		opts.ContextWindowSize = 12
	}
	return &Scheduler{
		store:     st,
		provider:  prov,
		mounts:    mounts,
		artifacts: artifacts,
		gateway:   toolgate.New(st, log),
		bus:       bus,
		log:       log.WithComponent("scheduler"),
		opts:      opts,
		now:       time.Now,
	}
}

// loopState carries the per-run mutable context through one ExecuteRun call.
type loopState struct {
	run      *run.Run
	plan     *plan.Plan
	policies []governance.Policy
	runtime  run.SchedulerRuntime
	log      *logging.Logger

	// terminated marks that no further turns may run.
	terminated bool
	// resolved marks an early, successful stop (decision or mediator
	// resolution).
	resolved bool
	// note is surfaced in the final checkpoint.
	note string
}

// ExecuteRun drains the run's queue until a decision, a deadlock
// resolution, an unrecoverable block, or queue exhaustion. Safe to call
// again on a partially executed run; materialization is idempotent.
func (s *Scheduler) ExecuteRun(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !r.Runnable() {
		return fmt.Errorf("run %s in status %s: %w", runID, r.Status, errors.ErrRunNotRunnable)
	}

	p, err := s.store.GetPlan(ctx, runID)
	if err != nil {
		return errors.Wrap(err, "loading plan")
	}
	policies, err := s.store.ListPolicies(ctx, runID)
	if err != nil {
		return errors.Wrap(err, "loading policies")
	}

	ls := &loopState{
		run:      r,
		plan:     p,
		policies: policies,
		runtime:  r.State.EffectiveRuntime(),
		log:      s.log.WithRun(runID),
	}

	if _, err := s.EnsureQueuedTurns(ctx, r, p); err != nil {
		return err
	}

	now := s.now()
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.Status = run.StatusRunning
	r.UpdatedAt = now
	if err := s.store.UpdateRun(ctx, r); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, ls, "run started"); err != nil {
		return err
	}

	guard := s.iterationGuard(ctx, ls)
	iterations := 0
	var guardErr error

	for !ls.terminated && !ls.resolved {
		iterations++
		if iterations > guard {
			ls.note = "iteration guard exceeded"
			guardErr = errors.ErrIterationGuard
			ls.log.Error("iteration guard tripped", "iterations", iterations)
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		turn, err := s.nextQueuedTurn(ctx, runID)
		if err != nil {
			return err
		}
		if turn == nil {
			break // queue drained
		}

		if err := s.runTurn(ctx, ls, turn); err != nil {
			return err
		}
	}

	if err := s.finalize(ctx, ls); err != nil {
		return err
	}
	return guardErr
}

// EnsureQueuedTurns materializes one QUEUED turn per compiled candidate.
// Idempotent: a run that already has turns is left untouched. Returns the
// number of turns created.
func (s *Scheduler) EnsureQueuedTurns(ctx context.Context, r *run.Run, p *plan.Plan) (int, error) {
	existing, err := s.store.ListTurns(ctx, r.ID)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	now := s.now()
	for i, cand := range p.Candidates {
		turn := &run.Turn{
			ID:        uuid.NewString(),
			RunID:     r.ID,
			Sequence:  i + 1,
			Status:    run.TurnQueued,
			AgentID:   cand.SourceAgentID,
			ChannelID: cand.ChannelID,
			Input:     run.TurnInput{CandidateID: cand.ID},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateTurn(ctx, turn); err != nil {
			return i, err
		}
	}
	return len(p.Candidates), nil
}

// nextQueuedTurn returns the earliest QUEUED turn by sequence, or nil.
func (s *Scheduler) nextQueuedTurn(ctx context.Context, runID string) (*run.Turn, error) {
	turns, err := s.store.ListTurns(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		if t.Status == run.TurnQueued {
			return t, nil
		}
	}
	return nil, nil
}

// runTurn executes one attempt of one turn through the full pipeline.
func (s *Scheduler) runTurn(ctx context.Context, ls *loopState, turn *run.Turn) error {
	now := s.now()
	turn.Status = run.TurnRunning
	turn.Attempts++
	turn.UpdatedAt = now
	if err := s.store.UpdateTurn(ctx, turn); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, ls, fmt.Sprintf("turn %d attempt %d", turn.Sequence, turn.Attempts)); err != nil {
		return err
	}
	s.publish(event.NewTurnStartedEvent(ls.run.ID, turn.ID, turn.Sequence, turn.AgentID, turn.Attempts))

	log := ls.log.WithTurn(turn.Sequence)

	// Structural resolution: a missing candidate or channel terminates the
	// run immediately.
	cand := s.resolveCandidate(ls.plan, turn)
	if cand == nil {
		return s.blockTurn(ctx, ls, turn,
			errors.NewTurnErrorf(errors.CodeCandidateNotFound, "turn %d has no matching candidate", turn.Sequence))
	}
	channel := ls.plan.Channel(turn.ChannelID)
	if channel == nil {
		return s.blockTurn(ctx, ls, turn,
			errors.NewTurnErrorf(errors.CodeChannelPolicyMissing, "channel %s has no policy", turn.ChannelID))
	}

	turns, err := s.store.ListTurns(ctx, ls.run.ID)
	if err != nil {
		return err
	}

	attempt, attemptErr := s.executeAttempt(ctx, ls, turn, cand, turns)
	if attemptErr != nil {
		if ctx.Err() != nil {
			return attemptErr // caller cancelled; do not charge the turn
		}
		return s.handleAttemptFailure(ctx, ls, turn, attemptErr)
	}

	output := attempt.output
	msg := output.Message
	log.Debug("turn output validated",
		"message_type", string(msg.Type),
		"validation", string(output.ValidationStatus),
	)

	// Governance gate.
	decision := governance.Evaluate(governance.Input{
		Policies:     ls.policies,
		History:      governanceHistory(ls.plan, turns, turn.ID),
		Current:      governance.HistoryEntry{Actor: actorFor(ls.plan, turn.AgentID), Type: msg.Type},
		ChannelID:    turn.ChannelID,
		BlockedTurns: countByStatus(turns, run.TurnBlocked),
	})
	output.Governance = &decision
	if !decision.Allowed {
		turn.Output = output
		return s.blockTurn(ctx, ls, turn,
			errors.NewTurnErrorf(errors.CodeGovernanceBlocked, "%s", strings.Join(decision.Reasons, "; ")))
	}
	for _, escalation := range decision.Escalations {
		log.Warn("governance escalation", "note", escalation)
	}

	// Artifact generation failures never block the turn.
	if cand.ImageTooling && s.artifacts != nil {
		key := fmt.Sprintf("%s/turn-%d.png", ls.run.ID, turn.Sequence)
		if err := s.artifacts.Put(ctx, key, renderArtifact(msg)); err != nil {
			output.ArtifactError = err.Error()
			log.Warn("artifact generation failed", "error", err.Error())
		} else {
			output.ArtifactKey = key
		}
	}

	// Tool-call batch.
	scope := toolgate.TurnScope{
		RunID:        ls.run.ID,
		ActorID:      turn.AgentID,
		ActorRole:    ls.plan.AgentRole(turn.AgentID),
		ChannelID:    turn.ChannelID,
		Channel:      channel,
		MountItemIDs: attempt.mountIDs,
		AgentWeights: agentWeights(ls.plan),
	}
	tools := s.gateway.Execute(ctx, scope, msg.ToolCalls)
	output.Tools = &tools

	// Vote progression: earliest open vote, deterministic ballot.
	voteSnap, err := s.progressVote(ctx, ls, turn, msg.Type, output)
	if err != nil {
		return err
	}

	// Deadlock mediation over the updated state. turns was listed after
	// this turn went RUNNING, so the QUEUED count already excludes it.
	queuedRemaining := countByStatus(turns, run.TurnQueued)
	eval := deadlock.Evaluate(deadlock.Input{
		History:         completedTypes(turns, turn.ID),
		Current:         msg.Type,
		QueuedRemaining: queuedRemaining,
		Vote:            voteSnap,
	})
	output.Deadlock = &eval

	if eval.Action == deadlock.ActionForceVote {
		if err := s.forceCloseEarliestVote(ctx, ls, eval.ForcedWinner); err != nil {
			turn.Output = output
			return s.blockTurn(ctx, ls, turn,
				errors.NewTurnErrorf(errors.CodeDeadlockTerminated, "forced vote close failed: %v", err))
		}
	}
	if eval.Status == deadlock.StatusTerminated {
		turn.Output = output
		return s.blockTurn(ctx, ls, turn,
			errors.NewTurnErrorf(errors.CodeDeadlockTerminated, "%s", eval.Note))
	}
	if eval.Status == deadlock.StatusResolved {
		ls.resolved = true
		ls.note = eval.Note
	}

	// Honor an executed set_status request for a stop.
	switch tools.StatusRequest {
	case string(run.StatusBlocked):
		ls.terminated = true
		ls.note = "run stop requested via set_status"
	case string(run.StatusCompleted):
		ls.resolved = true
		ls.note = "run completion requested via set_status"
	}

	// Complete the turn.
	now = s.now()
	turn.Status = run.TurnCompleted
	turn.Output = output
	turn.UpdatedAt = now
	ls.run.UpdatedAt = now
	if err := s.store.UpdateTurnAndRun(ctx, turn, ls.run); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, ls, fmt.Sprintf("turn %d completed (%s)", turn.Sequence, msg.Type)); err != nil {
		return err
	}
	s.publish(event.NewTurnCompletedEvent(ls.run.ID, turn.ID, turn.Sequence, "completed", string(msg.Type), ""))

	if msg.Type == message.TypeDecision {
		ls.resolved = true
		if ls.note == "" {
			ls.note = "decision reached"
		}
	}
	return nil
}

// handleAttemptFailure requeues retryable failures while budget remains and
// otherwise blocks the turn and terminates the run.
func (s *Scheduler) handleAttemptFailure(ctx context.Context, ls *loopState, turn *run.Turn, attemptErr error) error {
	code := errors.CodeOf(attemptErr)

	if errors.IsRetryable(attemptErr) && turn.Input.Retries < ls.runtime.MaxRetries {
		now := s.now()
		turn.Status = run.TurnQueued
		turn.Input.Retries++
		turn.UpdatedAt = now
		if err := s.store.UpdateTurn(ctx, turn); err != nil {
			return err
		}
		if err := s.checkpoint(ctx, ls, fmt.Sprintf("turn %d requeued: %s", turn.Sequence, errors.Format(attemptErr))); err != nil {
			return err
		}
		s.publish(event.NewTurnRequeuedEvent(ls.run.ID, turn.ID, turn.Sequence, turn.Input.Retries, errors.Format(attemptErr)))
		ls.log.Info("turn requeued",
			"sequence", turn.Sequence,
			"retries", turn.Input.Retries,
			"code", code.String(),
		)
		return nil
	}

	// Exhausted or non-retryable: let the mediator classify the failure
	// path before blocking.
	turns, err := s.store.ListTurns(ctx, ls.run.ID)
	if err != nil {
		return err
	}
	eval := deadlock.Evaluate(deadlock.Input{
		History:          completedTypes(turns, turn.ID),
		FailureCode:      code,
		RetriesExhausted: true,
	})
	if turn.Output == nil {
		turn.Output = &run.TurnOutput{}
	}
	turn.Output.Deadlock = &eval

	return s.blockTurn(ctx, ls, turn, attemptErr)
}

// blockTurn records the terminal failure on the turn, terminates the run,
// and persists both atomically.
func (s *Scheduler) blockTurn(ctx context.Context, ls *loopState, turn *run.Turn, cause error) error {
	now := s.now()
	turn.Status = run.TurnBlocked
	turn.Error = errors.Format(cause)
	turn.UpdatedAt = now

	ls.terminated = true
	ls.note = turn.Error
	ls.run.UpdatedAt = now

	if err := s.store.UpdateTurnAndRun(ctx, turn, ls.run); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, ls, turn.Error); err != nil {
		return err
	}
	s.publish(event.NewTurnCompletedEvent(ls.run.ID, turn.ID, turn.Sequence, "blocked", "", turn.Error))
	ls.log.Warn("turn blocked", "sequence", turn.Sequence, "error", turn.Error)
	return nil
}

// progressVote folds this turn's deterministic ballot into the earliest
// open vote and closes it if it passes. Returns a snapshot for mediation.
func (s *Scheduler) progressVote(ctx context.Context, ls *loopState, turn *run.Turn, msgType message.Type, output *run.TurnOutput) (*deadlock.VoteSnapshot, error) {
	open, err := s.earliestOpenVote(ctx, ls.run.ID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, nil
	}

	option := vote.ChooseDeterministicOption(open.Options, msgType)
	if open.Cast(turn.AgentID, option) {
		s.publish(event.NewVoteProgressedEvent(ls.run.ID, open.ID, turn.AgentID, option, ""))
	}

	result := open.Resolve()
	output.VoteID = open.ID
	output.VoteResult = &result

	if result.Outcome == vote.OutcomePassed {
		closed := open.Close(s.now())
		output.VoteResult = &closed
		if err := s.store.UpdateVote(ctx, open); err != nil {
			return nil, err
		}
		s.publish(event.NewVoteClosedEvent(ls.run.ID, open.ID, closed.Winner, string(closed.Outcome), false))
		return &deadlock.VoteSnapshot{
			Open:          false,
			QuorumReached: closed.QuorumReached,
			Outcome:       closed.Outcome,
			Leading:       closed.Winner,
		}, nil
	}

	if err := s.store.UpdateVote(ctx, open); err != nil {
		return nil, err
	}
	return &deadlock.VoteSnapshot{
		Open:          true,
		QuorumReached: result.QuorumReached,
		Outcome:       result.Outcome,
		Leading:       leadingOf(result),
	}, nil
}

// forceCloseEarliestVote applies the mediator's forced-winner precedence to
// the earliest open vote.
func (s *Scheduler) forceCloseEarliestVote(ctx context.Context, ls *loopState, preferred string) error {
	open, err := s.earliestOpenVote(ctx, ls.run.ID)
	if err != nil {
		return err
	}
	if open == nil {
		return nil
	}
	res, err := vote.ForceClose(open, preferred, s.now())
	if err != nil {
		return err
	}
	if err := s.store.UpdateVote(ctx, open); err != nil {
		return err
	}
	s.publish(event.NewVoteClosedEvent(ls.run.ID, open.ID, res.Winner, string(res.Outcome), true))
	return nil
}

func (s *Scheduler) earliestOpenVote(ctx context.Context, runID string) (*vote.Vote, error) {
	votes, err := s.store.ListVotes(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, v := range votes {
		if v.Status == vote.StatusOpen {
			return v, nil
		}
	}
	return nil, nil
}

// resolveCandidate maps a turn to its candidate by explicit ID, falling
// back to the (channel, actor) composite key.
func (s *Scheduler) resolveCandidate(p *plan.Plan, turn *run.Turn) *plan.Candidate {
	if c := p.CandidateByID(turn.Input.CandidateID); c != nil {
		return c
	}
	return p.CandidateByChannelActor(turn.ChannelID, turn.AgentID)
}

// iterationGuard derives the hard loop bound.
func (s *Scheduler) iterationGuard(ctx context.Context, ls *loopState) int {
	if s.opts.MaxIterations > 0 {
		return s.opts.MaxIterations
	}
	turns, err := s.store.ListTurns(ctx, ls.run.ID)
	if err != nil || len(turns) == 0 {
		return 64
	}
	return len(turns)*(ls.runtime.MaxRetries+2) + 8
}

func (s *Scheduler) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// governanceHistory projects completed turns into governance entries,
// excluding the turn under evaluation.
func governanceHistory(p *plan.Plan, turns []*run.Turn, currentTurnID string) []governance.HistoryEntry {
	var history []governance.HistoryEntry
	for _, t := range turns {
		if t.ID == currentTurnID || t.Status != run.TurnCompleted || t.Output == nil {
			continue
		}
		history = append(history, governance.HistoryEntry{
			Actor: actorFor(p, t.AgentID),
			Type:  t.Output.Message.Type,
		})
	}
	return history
}

func actorFor(p *plan.Plan, agentID string) governance.Actor {
	return governance.Actor{
		AgentID: agentID,
		Role:    p.AgentRole(agentID),
		Weight:  p.AgentWeight(agentID),
	}
}

func agentWeights(p *plan.Plan) map[string]int {
	weights := make(map[string]int, len(p.Agents))
	for _, a := range p.Agents {
		weights[a.ID] = plan.ClampWeight(a.Weight)
	}
	return weights
}

// completedTypes returns the message types of completed turns in sequence
// order, excluding the given turn.
func completedTypes(turns []*run.Turn, excludeTurnID string) []message.Type {
	var types []message.Type
	for _, t := range turns {
		if t.ID == excludeTurnID || t.Status != run.TurnCompleted || t.Output == nil {
			continue
		}
		types = append(types, t.Output.Message.Type)
	}
	return types
}

func countByStatus(turns []*run.Turn, status run.TurnStatus) int {
	n := 0
	for _, t := range turns {
		if t.Status == status {
			n++
		}
	}
	return n
}

func leadingOf(res vote.Result) string {
	if res.Winner != "" {
		return res.Winner
	}
	if len(res.Ranking) > 0 && res.Ranking[0].Weight > 0 {
		return res.Ranking[0].Option
	}
	return ""
}

// renderArtifact produces the placeholder artifact body for a turn.
func renderArtifact(msg message.AgentMessage) []byte {
	return []byte(fmt.Sprintf("%s\n\n%s\n", msg.Type, msg.Summary))
}
