// Package run defines the persisted run and turn records the scheduler
// mutates, including the run-state blob (runtime options, checkpoint, final
// draft, fork provenance).
package run

import (
	"time"

	"github.com/parley-dev/parley/internal/deadlock"
	"github.com/parley-dev/parley/internal/governance"
	"github.com/parley-dev/parley/internal/message"
	"github.com/parley-dev/parley/internal/schema"
	"github.com/parley-dev/parley/internal/toolgate"
	"github.com/parley-dev/parley/internal/vote"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusBlocked   Status = "BLOCKED"
	StatusCompleted Status = "COMPLETED"
)

// TurnStatus is the per-turn lifecycle state.
type TurnStatus string

const (
	TurnQueued    TurnStatus = "QUEUED"
	TurnRunning   TurnStatus = "RUNNING"
	TurnCompleted TurnStatus = "COMPLETED"
	TurnBlocked   TurnStatus = "BLOCKED"
	TurnSkipped   TurnStatus = "SKIPPED"
)

// Runtime defaults applied when the state blob leaves fields unset.
const (
	DefaultMaxRetries    = 2
	DefaultTurnTimeoutMs = 60000
)

// Run is one execution of a compiled plan. Mutated exclusively by the
// scheduler while RUNNING; immutable once COMPLETED or BLOCKED except for
// the final-draft field.
type Run struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Runnable reports whether the scheduler may pick this run up.
func (r *Run) Runnable() bool {
	switch r.Status {
	case StatusDraft, StatusQueued, StatusRunning:
		return true
	default:
		return false
	}
}

// State is the free-form run state blob.
type State struct {
	Runtime    *SchedulerRuntime `json:"schedulerRuntime,omitempty"`
	Checkpoint *Checkpoint       `json:"schedulerCheckpoint,omitempty"`
	FinalDraft *FinalDraft       `json:"finalDraft,omitempty"`
	Fork       *Fork             `json:"fork,omitempty"`
}

// EffectiveRuntime returns the runtime options with defaults applied,
// never nil.
func (s *State) EffectiveRuntime() SchedulerRuntime {
	var rt SchedulerRuntime
	if s.Runtime != nil {
		rt = *s.Runtime
	}
	if rt.MaxRetries == 0 && !rt.MaxRetriesSet {
		rt.MaxRetries = DefaultMaxRetries
	}
	if rt.MaxRetries < 0 {
		rt.MaxRetries = 0
	}
	if rt.TurnTimeoutMs <= 0 {
		rt.TurnTimeoutMs = DefaultTurnTimeoutMs
	}
	return rt
}

// SchedulerRuntime holds per-run execution options.
type SchedulerRuntime struct {
	MaxRetries int `json:"maxRetries"`
	// MaxRetriesSet distinguishes an explicit zero from an unset field.
	MaxRetriesSet bool `json:"maxRetriesSet,omitempty"`
	TurnTimeoutMs int  `json:"turnTimeoutMs"`

	// Fault-injection sequence sets for deterministic testing: the first
	// attempt of a listed sequence fails with the corresponding error.
	TransientFailureSequences []int `json:"transientFailureSequences,omitempty"`
	TimeoutFailureSequences   []int `json:"timeoutFailureSequences,omitempty"`
}

// TurnTimeout returns the per-turn budget as a duration.
func (r *SchedulerRuntime) TurnTimeout() time.Duration {
	ms := r.TurnTimeoutMs
	if ms <= 0 {
		ms = DefaultTurnTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// InjectsTransient reports whether the sequence is configured for a
// transient fault.
func (r *SchedulerRuntime) InjectsTransient(sequence int) bool {
	return containsInt(r.TransientFailureSequences, sequence)
}

// InjectsTimeout reports whether the sequence is configured for a timeout
// fault.
func (r *SchedulerRuntime) InjectsTimeout(sequence int) bool {
	return containsInt(r.TimeoutFailureSequences, sequence)
}

func containsInt(set []int, n int) bool {
	for _, v := range set {
		if v == n {
			return true
		}
	}
	return false
}

// Checkpoint is the durable progress snapshot, recomputed after every
// scheduler step.
type Checkpoint struct {
	LastTurnID        string    `json:"lastTurnId,omitempty"`
	LastSequence      int       `json:"lastSequence"`
	QueueDepth        int       `json:"queueDepth"`
	CompletedTurns    int       `json:"completedTurns"`
	BlockedTurns      int       `json:"blockedTurns"`
	SkippedTurns      int       `json:"skippedTurns"`
	RetriesUsed       int       `json:"retriesUsed"`
	ProcessedAttempts int       `json:"processedAttempts"`
	Note              string    `json:"note,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// FinalDraft is the synthesized outcome of a settled run.
type FinalDraft struct {
	Recommendation string         `json:"recommendation"`
	Summary        string         `json:"summary"`
	Sections       []DraftSection `json:"sections,omitempty"`
	Markdown       string         `json:"markdown"`
}

// DraftSection is one titled block of the final draft.
type DraftSection struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Fork records provenance when a run was forked from another run's
// checkpoint.
type Fork struct {
	SourceRunID              string    `json:"sourceRunId"`
	SourceCheckpointSequence int       `json:"sourceCheckpointSequence"`
	ForkedAt                 time.Time `json:"forkedAt"`
}

// Turn is one attempted message exchange. Created once per compiled
// candidate at run start; mutated only by the scheduler; never deleted.
type Turn struct {
	ID        string      `json:"id"`
	RunID     string      `json:"runId"`
	Sequence  int         `json:"sequence"`
	Status    TurnStatus  `json:"status"`
	AgentID   string      `json:"agentId"`
	ChannelID string      `json:"channelId"`
	Attempts  int         `json:"attempts"`
	Input     TurnInput   `json:"input"`
	Output    *TurnOutput `json:"output,omitempty"`

	// Error is the terminal failure in "[CODE] message" form, if any.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TurnInput is the candidate reference plus retry bookkeeping.
type TurnInput struct {
	CandidateID string `json:"candidateId,omitempty"`
	// Retries counts requeues consumed by retryable failures.
	Retries int `json:"retries"`
}

// TurnOutput is everything one settled turn produced.
type TurnOutput struct {
	Message          message.AgentMessage `json:"message"`
	ValidationStatus schema.Status        `json:"validationStatus"`
	ValidationIssues []string             `json:"validationIssues,omitempty"`
	Governance       *governance.Decision `json:"governance,omitempty"`
	VoteID           string               `json:"voteId,omitempty"`
	VoteResult       *vote.Result         `json:"voteResult,omitempty"`
	Deadlock         *deadlock.Evaluation `json:"deadlock,omitempty"`
	Tools            *toolgate.Summary    `json:"tools,omitempty"`
	TokensIn         int                  `json:"tokensIn,omitempty"`
	TokensOut        int                  `json:"tokensOut,omitempty"`
	LatencyMs        int64                `json:"latencyMs,omitempty"`
	ArtifactKey      string               `json:"artifactKey,omitempty"`
	ArtifactError    string               `json:"artifactError,omitempty"`
}
