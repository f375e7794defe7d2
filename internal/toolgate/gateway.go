// Package toolgate executes a turn's declared tool-call batch under channel
// ACL control. Every call is independently classified as invalid, blocked,
// or executed; a failure in one call never aborts the batch.
package toolgate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/internal/message"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/vote"
)

// Tool names the gateway accepts. Anything else is invalid.
const (
	ToolPostMessage     = "post_message"
	ToolRequestVote     = "request_vote"
	ToolFetchMount      = "fetch_mount"
	ToolCheckpointState = "checkpoint_state"
	ToolSetStatus       = "set_status"
)

// request_vote argument bounds.
const (
	maxQuestionLen   = 400
	maxOptionLen     = 120
	minVoteOptions   = 2
	maxVoteOptions   = 8
	maxLabelLen      = 200
	maxMessageSumLen = 600
)

// CallStatus classifies one tool call.
type CallStatus string

const (
	// StatusInvalid means the call violated the tool schema.
	StatusInvalid CallStatus = "invalid"

	// StatusBlocked means a policy, ACL, or scope rule refused the call.
	StatusBlocked CallStatus = "blocked"

	// StatusExecuted means the call ran.
	StatusExecuted CallStatus = "executed"
)

// Event is the per-call outcome, ordered by call index.
type Event struct {
	Index  int         `json:"index"`
	Tool   string      `json:"tool"`
	Status CallStatus  `json:"status"`
	Code   errors.Code `json:"code,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

// Summary aggregates one batch.
type Summary struct {
	Requested int     `json:"requested"`
	Executed  int     `json:"executed"`
	Blocked   int     `json:"blocked"`
	Invalid   int     `json:"invalid"`
	Events    []Event `json:"events,omitempty"`

	// CreatedVoteIDs lists votes opened by request_vote calls.
	CreatedVoteIDs []string `json:"createdVoteIds,omitempty"`

	// StatusRequest is the last executed set_status target, for the
	// scheduler to honor or ignore.
	StatusRequest string `json:"statusRequest,omitempty"`
}

// VoteCreator persists votes opened by the gateway. Implemented by the store.
type VoteCreator interface {
	CreateVote(ctx context.Context, v *vote.Vote) error
}

// TurnScope is the per-turn context a batch executes under.
type TurnScope struct {
	RunID     string
	ActorID   string
	ActorRole string
	ChannelID string
	Channel   *plan.ChannelPolicy

	// MountItemIDs is the turn's resolved mount context; fetch_mount may
	// only reference items in this set.
	MountItemIDs []string

	// AgentWeights seeds the weight map of votes opened by request_vote.
	AgentWeights map[string]int
}

func (s *TurnScope) hasMountItem(id string) bool {
	for _, candidate := range s.MountItemIDs {
		if candidate == id {
			return true
		}
	}
	return false
}

// Gateway executes tool-call batches.
type Gateway struct {
	votes VoteCreator
	log   *logging.Logger
	now   func() time.Time
}

// New returns a gateway persisting votes through the given creator.
func New(votes VoteCreator, log *logging.Logger) *Gateway {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Gateway{votes: votes, log: log, now: time.Now}
}

// Execute runs the batch synchronously in call-index order. All calls are
// attempted; the summary carries one event per call.
func (g *Gateway) Execute(ctx context.Context, scope TurnScope, calls []message.ToolCall) Summary {
	summary := Summary{Requested: len(calls)}

	for i, call := range calls {
		event := g.execute(ctx, scope, i, call, &summary)
		switch event.Status {
		case StatusExecuted:
			summary.Executed++
		case StatusBlocked:
			summary.Blocked++
		default:
			summary.Invalid++
		}
		summary.Events = append(summary.Events, event)

		g.log.Debug("tool call classified",
			"run_id", scope.RunID,
			"tool", event.Tool,
			"index", event.Index,
			"status", string(event.Status),
			"detail", event.Detail,
		)
	}

	return summary
}

func (g *Gateway) execute(ctx context.Context, scope TurnScope, idx int, call message.ToolCall, summary *Summary) Event {
	event := Event{Index: idx, Tool: call.Name}

	switch call.Name {
	case ToolPostMessage:
		return g.postMessage(scope, event, call.Args)
	case ToolRequestVote:
		return g.requestVote(ctx, scope, event, call.Args, summary)
	case ToolFetchMount:
		return g.fetchMount(scope, event, call.Args)
	case ToolCheckpointState:
		return g.checkpointState(scope, event, call.Args)
	case ToolSetStatus:
		return g.setStatus(scope, event, call.Args, summary)
	default:
		event.Status = StatusInvalid
		event.Code = errors.CodeValidationFailed
		event.Detail = fmt.Sprintf("unknown tool %q", call.Name)
		return event
	}
}

// postMessage must target the turn's own channel; write permission for the
// declared message type is delegated to the channel ACL.
func (g *Gateway) postMessage(scope TurnScope, event Event, args map[string]any) Event {
	msgType := message.Type(argString(args, "messageType"))
	if !msgType.Valid() {
		return invalid(event, fmt.Sprintf("messageType %q not recognized", msgType))
	}
	summary := argString(args, "summary")
	if summary == "" {
		return invalid(event, "summary is required")
	}

	if channelID := argString(args, "channelId"); channelID != "" && channelID != scope.ChannelID {
		event.Status = StatusBlocked
		event.Code = errors.CodeToolScopeBlocked
		event.Detail = fmt.Sprintf("cross-channel post to %q refused", channelID)
		return event
	}

	if scope.Channel == nil || !scope.Channel.CanWrite(scope.ActorID, msgType) {
		event.Status = StatusBlocked
		event.Code = errors.CodePolicyBlocked
		event.Detail = fmt.Sprintf("agent %q may not write %s to channel %q", scope.ActorID, msgType, scope.ChannelID)
		return event
	}

	event.Status = StatusExecuted
	event.Detail = fmt.Sprintf("posted %s: %s", msgType, message.ClampSummary(summary))
	return event
}

// requestVote opens a new vote after validating question/options/quorum
// bounds; write permission for vote_call gates the call.
func (g *Gateway) requestVote(ctx context.Context, scope TurnScope, event Event, args map[string]any, summary *Summary) Event {
	question := argString(args, "question")
	if question == "" || len(question) > maxQuestionLen {
		return invalid(event, fmt.Sprintf("question must be 1-%d characters", maxQuestionLen))
	}

	options := argStringSlice(args, "options")
	if len(options) < minVoteOptions || len(options) > maxVoteOptions {
		return invalid(event, fmt.Sprintf("options must list %d-%d entries", minVoteOptions, maxVoteOptions))
	}
	seen := make(map[string]bool, len(options))
	for _, opt := range options {
		if opt == "" || len(opt) > maxOptionLen {
			return invalid(event, fmt.Sprintf("option %q must be 1-%d characters", opt, maxOptionLen))
		}
		if seen[opt] {
			return invalid(event, fmt.Sprintf("duplicate option %q", opt))
		}
		seen[opt] = true
	}

	quorum, ok := argPositiveInt(args, "quorum")
	if !ok || (quorum > 0 && quorum > len(options)) {
		return invalid(event, "quorum must be a positive integer within the option count")
	}
	if quorum == 0 {
		quorum = 1
	}
	threshold, ok := argPositiveInt(args, "threshold")
	if !ok || (threshold > 0 && threshold > len(options)) {
		return invalid(event, "threshold must be a positive integer within the option count")
	}

	if scope.Channel == nil || !scope.Channel.CanWrite(scope.ActorID, message.TypeVoteCall) {
		event.Status = StatusBlocked
		event.Code = errors.CodePolicyBlocked
		event.Detail = fmt.Sprintf("agent %q may not open votes on channel %q", scope.ActorID, scope.ChannelID)
		return event
	}

	v := &vote.Vote{
		ID:        uuid.NewString(),
		RunID:     scope.RunID,
		Question:  question,
		Options:   options,
		Weights:   copyWeights(scope.AgentWeights),
		Quorum:    quorum,
		Threshold: threshold,
		Status:    vote.StatusOpen,
		OpenedAt:  g.now(),
	}
	if g.votes == nil {
		return invalid(event, "vote persistence unavailable")
	}
	if err := g.votes.CreateVote(ctx, v); err != nil {
		event.Status = StatusBlocked
		event.Code = errors.CodeRuntimeError
		event.Detail = fmt.Sprintf("vote creation failed: %v", err)
		return event
	}

	summary.CreatedVoteIDs = append(summary.CreatedVoteIDs, v.ID)
	event.Status = StatusExecuted
	event.Detail = fmt.Sprintf("opened vote %s with %d options", v.ID, len(options))
	return event
}

// fetchMount resolves a vault item from the turn's mount context; read
// permission on the channel gates the call.
func (g *Gateway) fetchMount(scope TurnScope, event Event, args map[string]any) Event {
	itemID := argString(args, "itemId")
	if itemID == "" {
		return invalid(event, "itemId is required")
	}

	if scope.Channel == nil || !scope.Channel.CanRead(scope.ActorID) {
		event.Status = StatusBlocked
		event.Code = errors.CodePolicyBlocked
		event.Detail = fmt.Sprintf("agent %q may not read channel %q", scope.ActorID, scope.ChannelID)
		return event
	}

	if !scope.hasMountItem(itemID) {
		event.Status = StatusBlocked
		event.Code = errors.CodeResourceNotFound
		event.Detail = fmt.Sprintf("item %q not in mount context", itemID)
		return event
	}

	event.Status = StatusExecuted
	event.Detail = fmt.Sprintf("fetched mount item %s", itemID)
	return event
}

// checkpointState records a label plus the patch's key set. Write permission
// is probed with the channel's first allowed message type. The gateway never
// persists raw state itself.
func (g *Gateway) checkpointState(scope TurnScope, event Event, args map[string]any) Event {
	label := argString(args, "label")
	if label == "" || len(label) > maxLabelLen {
		return invalid(event, fmt.Sprintf("label must be 1-%d characters", maxLabelLen))
	}

	probe := message.TypeProposal
	if scope.Channel != nil && len(scope.Channel.AllowedTypes) > 0 {
		probe = scope.Channel.AllowedTypes[0]
	}
	if scope.Channel == nil || !scope.Channel.CanWrite(scope.ActorID, probe) {
		event.Status = StatusBlocked
		event.Code = errors.CodePolicyBlocked
		event.Detail = fmt.Sprintf("agent %q may not checkpoint on channel %q", scope.ActorID, scope.ChannelID)
		return event
	}

	keys := patchKeys(args)
	event.Status = StatusExecuted
	event.Detail = fmt.Sprintf("checkpoint %q recorded (keys: %v)", label, keys)
	return event
}

// setStatus requests a run-status transition. Restricted to executive and
// director roles regardless of the channel ACL.
func (g *Gateway) setStatus(scope TurnScope, event Event, args map[string]any, summary *Summary) Event {
	target := argString(args, "status")
	switch target {
	case "RUNNING", "BLOCKED", "COMPLETED":
	default:
		return invalid(event, fmt.Sprintf("status %q not recognized", target))
	}

	if scope.ActorRole != plan.RoleExecutive && scope.ActorRole != plan.RoleDirector {
		event.Status = StatusBlocked
		event.Code = errors.CodePolicyBlocked
		event.Detail = fmt.Sprintf("role %q may not change run status", scope.ActorRole)
		return event
	}

	summary.StatusRequest = target
	event.Status = StatusExecuted
	event.Detail = fmt.Sprintf("requested run status %s", target)
	return event
}

func invalid(event Event, detail string) Event {
	event.Status = StatusInvalid
	event.Code = errors.CodeValidationFailed
	event.Detail = detail
	return event
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

func argStringSlice(args map[string]any, key string) []string {
	if args == nil {
		return nil
	}
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

// argPositiveInt returns (0, true) when the key is absent, (n, true) for a
// positive integral value, and (0, false) for anything else.
func argPositiveInt(args map[string]any, key string) (int, bool) {
	if args == nil {
		return 0, true
	}
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, true
	}
	switch v := raw.(type) {
	case int:
		if v > 0 {
			return v, true
		}
	case float64:
		if v > 0 && v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// patchKeys returns the sorted key set of the patch object, or nil.
func patchKeys(args map[string]any) []string {
	patch, _ := args["patch"].(map[string]any)
	if len(patch) == 0 {
		return nil
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyWeights(weights map[string]int) map[string]int {
	if len(weights) == 0 {
		return nil
	}
	out := make(map[string]int, len(weights))
	for k, v := range weights {
		out[k] = v
	}
	return out
}
