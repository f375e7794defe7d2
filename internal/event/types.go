// Package event defines event types for observing scheduler progress.
// The scheduler publishes turn, vote, checkpoint, and run lifecycle events;
// subscribers (logging, operator tooling) consume them without a direct
// dependency on the scheduler.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "turn.completed", "vote.closed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Turn Lifecycle Events
// -----------------------------------------------------------------------------

// TurnStartedEvent is emitted when a queued turn begins an attempt.
type TurnStartedEvent struct {
	baseEvent
	RunID    string
	TurnID   string
	Sequence int
	AgentID  string
	Attempt  int
}

// NewTurnStartedEvent creates a TurnStartedEvent.
func NewTurnStartedEvent(runID, turnID string, sequence int, agentID string, attempt int) TurnStartedEvent {
	return TurnStartedEvent{
		baseEvent: newBaseEvent("turn.started"),
		RunID:     runID,
		TurnID:    turnID,
		Sequence:  sequence,
		AgentID:   agentID,
		Attempt:   attempt,
	}
}

// TurnCompletedEvent is emitted when a turn reaches a terminal status.
type TurnCompletedEvent struct {
	baseEvent
	RunID       string
	TurnID      string
	Sequence    int
	Status      string // "completed", "blocked", "skipped"
	MessageType string
	Error       string
}

// NewTurnCompletedEvent creates a TurnCompletedEvent.
func NewTurnCompletedEvent(runID, turnID string, sequence int, status, messageType, errMsg string) TurnCompletedEvent {
	return TurnCompletedEvent{
		baseEvent:   newBaseEvent("turn.completed"),
		RunID:       runID,
		TurnID:      turnID,
		Sequence:    sequence,
		Status:      status,
		MessageType: messageType,
		Error:       errMsg,
	}
}

// TurnRequeuedEvent is emitted when a retryable failure returns a turn to
// the queue.
type TurnRequeuedEvent struct {
	baseEvent
	RunID    string
	TurnID   string
	Sequence int
	Retries  int
	Reason   string
}

// NewTurnRequeuedEvent creates a TurnRequeuedEvent.
func NewTurnRequeuedEvent(runID, turnID string, sequence, retries int, reason string) TurnRequeuedEvent {
	return TurnRequeuedEvent{
		baseEvent: newBaseEvent("turn.requeued"),
		RunID:     runID,
		TurnID:    turnID,
		Sequence:  sequence,
		Retries:   retries,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Vote Events
// -----------------------------------------------------------------------------

// VoteProgressedEvent is emitted when a ballot is folded into an open vote.
type VoteProgressedEvent struct {
	baseEvent
	RunID   string
	VoteID  string
	AgentID string
	Option  string
	Outcome string
}

// NewVoteProgressedEvent creates a VoteProgressedEvent.
func NewVoteProgressedEvent(runID, voteID, agentID, option, outcome string) VoteProgressedEvent {
	return VoteProgressedEvent{
		baseEvent: newBaseEvent("vote.progressed"),
		RunID:     runID,
		VoteID:    voteID,
		AgentID:   agentID,
		Option:    option,
		Outcome:   outcome,
	}
}

// VoteClosedEvent is emitted when a vote is closed, normally or by force.
type VoteClosedEvent struct {
	baseEvent
	RunID   string
	VoteID  string
	Winner  string
	Outcome string
	Forced  bool
}

// NewVoteClosedEvent creates a VoteClosedEvent.
func NewVoteClosedEvent(runID, voteID, winner, outcome string, forced bool) VoteClosedEvent {
	return VoteClosedEvent{
		baseEvent: newBaseEvent("vote.closed"),
		RunID:     runID,
		VoteID:    voteID,
		Winner:    winner,
		Outcome:   outcome,
		Forced:    forced,
	}
}

// -----------------------------------------------------------------------------
// Checkpoint / Run Events
// -----------------------------------------------------------------------------

// CheckpointSavedEvent is emitted after every persisted checkpoint.
type CheckpointSavedEvent struct {
	baseEvent
	RunID        string
	LastSequence int
	QueueDepth   int
	Note         string
}

// NewCheckpointSavedEvent creates a CheckpointSavedEvent.
func NewCheckpointSavedEvent(runID string, lastSequence, queueDepth int, note string) CheckpointSavedEvent {
	return CheckpointSavedEvent{
		baseEvent:    newBaseEvent("checkpoint.saved"),
		RunID:        runID,
		LastSequence: lastSequence,
		QueueDepth:   queueDepth,
		Note:         note,
	}
}

// RunFinishedEvent is emitted when a run reaches a terminal status.
type RunFinishedEvent struct {
	baseEvent
	RunID  string
	Status string // "completed" or "blocked"
	Reason string
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID, status, reason string) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent: newBaseEvent("run.finished"),
		RunID:     runID,
		Status:    status,
		Reason:    reason,
	}
}
