// Package deadlock classifies stalled-progress signals from recent turn
// history, retry/timeout state, and the open vote, and recommends a
// mitigation action. Classification is a pure function; the scheduler acts
// on the recommendation.
package deadlock

import (
	"fmt"

	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/message"
	"github.com/parley-dev/parley/internal/vote"
)

// Status summarizes the mediation verdict.
type Status string

const (
	// StatusNone means no deadlock signal was detected.
	StatusNone Status = "none"

	// StatusMonitoring means a soft signal was detected; the run continues.
	StatusMonitoring Status = "monitoring"

	// StatusResolved means the mediator took a corrective action that
	// settles the run (e.g. forcing a vote).
	StatusResolved Status = "resolved"

	// StatusTerminated means the run cannot make progress and must stop.
	StatusTerminated Status = "terminated"
)

// Signal names a detected deadlock condition.
type Signal string

const (
	SignalRepeatedObjections Signal = "repeated_objections"
	SignalTimeoutExhaustion  Signal = "timeout_exhaustion"
	SignalNoMajority         Signal = "no_majority"
)

// Action is the recommended mitigation.
type Action string

const (
	ActionSummarize       Action = "summarize"
	ActionRequestEvidence Action = "request_evidence"
	ActionForceVote       Action = "force_vote"
)

// Critique-streak thresholds for the repeated_objections signal.
const (
	monitorStreak  = 2
	evidenceStreak = 3
)

// VoteSnapshot is the mediator's view of the earliest open vote.
type VoteSnapshot struct {
	Open          bool
	QuorumReached bool
	Outcome       vote.Outcome
	// Leading is the current leading (or previous winning) option, used
	// as the preferred forced winner.
	Leading string
}

// Input is everything one mediation evaluation sees.
type Input struct {
	// History is the message-type sequence of completed turns, oldest
	// first, excluding the current turn.
	History []message.Type

	// Current is the message type of the turn being evaluated.
	Current message.Type

	// QueuedRemaining counts turns still queued after the current one.
	QueuedRemaining int

	// FailureCode is set when the evaluation runs on a failure path.
	FailureCode errors.Code

	// RetriesExhausted marks that the failing turn has no attempts left.
	RetriesExhausted bool

	// Vote describes the earliest open vote, if any.
	Vote *VoteSnapshot
}

// Evaluation is the mediation verdict. Exactly one status is returned per
// evaluation; signal precedence is timeout_exhaustion > no_majority >
// repeated_objections.
type Evaluation struct {
	Status         Status   `json:"status"`
	Signals        []Signal `json:"signals,omitempty"`
	Action         Action   `json:"action,omitempty"`
	Note           string   `json:"note,omitempty"`
	CritiqueStreak int      `json:"critiqueStreak"`

	// ForcedWinner carries the preferred winner when Action is
	// force_vote.
	ForcedWinner string `json:"forcedWinner,omitempty"`
}

// Evaluate classifies the deadlock state for one turn.
func Evaluate(in Input) Evaluation {
	streak := critiqueStreak(in.History, in.Current)

	// Highest priority: a timed-out turn with no retries left terminates
	// the run regardless of any other signal.
	if in.FailureCode == errors.CodeTurnTimeout && in.RetriesExhausted {
		return Evaluation{
			Status:         StatusTerminated,
			Signals:        []Signal{SignalTimeoutExhaustion},
			Action:         ActionSummarize,
			Note:           "turn timed out with retries exhausted; terminating run",
			CritiqueStreak: streak,
		}
	}

	// An open vote with quorum but no consensus, and nothing left queued
	// to break the tie, is force-closed.
	if in.Vote != nil && in.Vote.Open && in.Vote.QuorumReached &&
		in.Vote.Outcome == vote.OutcomeNoConsensus && in.QueuedRemaining == 0 {
		return Evaluation{
			Status:         StatusResolved,
			Signals:        []Signal{SignalNoMajority},
			Action:         ActionForceVote,
			Note:           "open vote has quorum but no majority and no turns remain; forcing close",
			CritiqueStreak: streak,
			ForcedWinner:   in.Vote.Leading,
		}
	}

	if streak >= monitorStreak {
		action := ActionSummarize
		if streak >= evidenceStreak {
			action = ActionRequestEvidence
		}
		return Evaluation{
			Status:         StatusMonitoring,
			Signals:        []Signal{SignalRepeatedObjections},
			Action:         action,
			Note:           fmt.Sprintf("critique streak at %d consecutive turns", streak),
			CritiqueStreak: streak,
		}
	}

	return Evaluation{Status: StatusNone, CritiqueStreak: streak}
}

// critiqueStreak counts consecutive critique messages ending at the current
// turn. A non-critique current turn resets the streak to zero.
func critiqueStreak(history []message.Type, current message.Type) int {
	if current != message.TypeCritique {
		return 0
	}
	streak := 1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != message.TypeCritique {
			break
		}
		streak++
	}
	return streak
}
