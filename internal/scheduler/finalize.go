package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/parley-dev/parley/internal/event"
	"github.com/parley-dev/parley/internal/message"
	"github.com/parley-dev/parley/internal/run"
	"github.com/parley-dev/parley/internal/vote"
)

// checkpoint recomputes the durable progress snapshot from the turn table
// and persists it on the run. Called after every state transition.
func (s *Scheduler) checkpoint(ctx context.Context, ls *loopState, note string) error {
	turns, err := s.store.ListTurns(ctx, ls.run.ID)
	if err != nil {
		return err
	}

	cp := run.Checkpoint{
		Note:      note,
		UpdatedAt: s.now(),
	}
	for _, t := range turns {
		switch t.Status {
		case run.TurnQueued:
			cp.QueueDepth++
		case run.TurnCompleted:
			cp.CompletedTurns++
		case run.TurnBlocked:
			cp.BlockedTurns++
		case run.TurnSkipped:
			cp.SkippedTurns++
		}
		cp.RetriesUsed += t.Input.Retries
		cp.ProcessedAttempts += t.Attempts
		// The last touched turn wins; turns are in sequence order.
		if t.Attempts > 0 {
			cp.LastTurnID = t.ID
			cp.LastSequence = t.Sequence
		}
	}

	ls.run.State.Checkpoint = &cp
	ls.run.UpdatedAt = cp.UpdatedAt
	if err := s.store.UpdateRun(ctx, ls.run); err != nil {
		return err
	}
	s.publish(event.NewCheckpointSavedEvent(ls.run.ID, cp.LastSequence, cp.QueueDepth, note))
	return nil
}

// finalize settles the run after the loop ends: skip leftover queued turns,
// close still-open votes per their current tally, synthesize the final
// draft, and land the terminal run status.
func (s *Scheduler) finalize(ctx context.Context, ls *loopState) error {
	now := s.now()

	turns, err := s.store.ListTurns(ctx, ls.run.ID)
	if err != nil {
		return err
	}
	for _, t := range turns {
		if t.Status != run.TurnQueued {
			continue
		}
		t.Status = run.TurnSkipped
		t.UpdatedAt = now
		if err := s.store.UpdateTurn(ctx, t); err != nil {
			return err
		}
		s.publish(event.NewTurnCompletedEvent(ls.run.ID, t.ID, t.Sequence, "skipped", "", ""))
	}

	votes, err := s.store.ListVotes(ctx, ls.run.ID)
	if err != nil {
		return err
	}
	for _, v := range votes {
		if v.Status != vote.StatusOpen {
			continue
		}
		res := v.Close(now)
		if err := s.store.UpdateVote(ctx, v); err != nil {
			return err
		}
		s.publish(event.NewVoteClosedEvent(ls.run.ID, v.ID, res.Winner, string(res.Outcome), false))
	}

	// Reload so the draft sees the skipped turns.
	turns, err = s.store.ListTurns(ctx, ls.run.ID)
	if err != nil {
		return err
	}
	ls.run.State.FinalDraft = synthesizeDraft(turns, votes)

	status := run.StatusCompleted
	reason := ls.note
	if countByStatus(turns, run.TurnBlocked) > 0 {
		status = run.StatusBlocked
	}
	if reason == "" {
		reason = "queue drained"
	}

	ls.run.Status = status
	ls.run.EndedAt = &now
	if err := s.checkpoint(ctx, ls, "run finalized: "+reason); err != nil {
		return err
	}
	s.publish(event.NewRunFinishedEvent(ls.run.ID, strings.ToLower(string(status)), reason))
	ls.log.Info("run finished", "status", string(status), "reason", reason)
	return nil
}

// synthesizeDraft builds the final draft from the settled history. The
// recommendation prefers an explicit decision, then the last closed vote's
// winner, then the last completed proposal.
func synthesizeDraft(turns []*run.Turn, votes []*vote.Vote) *run.FinalDraft {
	draft := &run.FinalDraft{Recommendation: "no decision reached"}

	var summaries []string
	for _, t := range turns {
		if t.Status != run.TurnCompleted || t.Output == nil {
			continue
		}
		msg := t.Output.Message
		summaries = append(summaries, msg.Summary)
		draft.Sections = append(draft.Sections, run.DraftSection{
			Title: fmt.Sprintf("Turn %d — %s (%s)", t.Sequence, t.AgentID, msg.Type),
			Body:  sectionBody(msg),
		})

		switch msg.Type {
		case message.TypeDecision:
			if msg.Decision != nil && msg.Decision.Decision != "" {
				draft.Recommendation = msg.Decision.Decision
			} else {
				draft.Recommendation = msg.Summary
			}
		case message.TypeProposal:
			if draft.Recommendation == "no decision reached" {
				draft.Recommendation = msg.Summary
			}
		}
	}

	// A settled vote outranks a standing proposal but not a decision.
	if !hasDecision(turns) {
		for i := len(votes) - 1; i >= 0; i-- {
			v := votes[i]
			if v.Status == vote.StatusClosed && v.Result != nil && v.Result.Winner != "" {
				draft.Recommendation = fmt.Sprintf("%s (settled by vote: %s)", v.Result.Winner, v.Question)
				break
			}
		}
	}

	draft.Summary = message.ClampRationale(strings.Join(summaries, " "))
	draft.Markdown = renderMarkdown(draft)
	return draft
}

func hasDecision(turns []*run.Turn) bool {
	for _, t := range turns {
		if t.Status == run.TurnCompleted && t.Output != nil && t.Output.Message.Type == message.TypeDecision {
			return true
		}
	}
	return false
}

func sectionBody(msg message.AgentMessage) string {
	var parts []string
	if msg.Summary != "" {
		parts = append(parts, msg.Summary)
	}
	if msg.Rationale != "" {
		parts = append(parts, msg.Rationale)
	}
	switch {
	case msg.Proposal != nil && len(msg.Proposal.Plan) > 0:
		parts = append(parts, "Plan: "+strings.Join(msg.Proposal.Plan, "; "))
	case msg.Critique != nil && len(msg.Critique.Issues) > 0:
		parts = append(parts, "Issues: "+strings.Join(msg.Critique.Issues, "; "))
	case msg.Decision != nil && len(msg.Decision.NextSteps) > 0:
		parts = append(parts, "Next steps: "+strings.Join(msg.Decision.NextSteps, "; "))
	}
	return strings.Join(parts, "\n\n")
}

func renderMarkdown(draft *run.FinalDraft) string {
	var b strings.Builder
	b.WriteString("# Final Draft\n\n")
	fmt.Fprintf(&b, "**Recommendation:** %s\n\n", draft.Recommendation)
	if draft.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", draft.Summary)
	}
	for _, section := range draft.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.Title, section.Body)
	}
	return b.String()
}
