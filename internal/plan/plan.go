// Package plan defines the compiled run plan the engine consumes: turn
// candidates, channel policies with ACL defaulting, and agent specs. The
// compiler that produces a plan from a board graph lives outside the engine;
// plans are read-only input here.
package plan

import (
	"github.com/parley-dev/parley/internal/message"
)

// Agent roles recognized by governance and the tool gateway.
const (
	RoleExecutive = "executive"
	RoleDirector  = "director"
	RoleManager   = "manager"
	RoleAnalyst   = "analyst"
)

// Visibility controls who may read a channel.
type Visibility string

const (
	// VisibilityPublic channels are readable by any configured reader,
	// defaulting to the writer set.
	VisibilityPublic Visibility = "public"

	// VisibilityPrivate channels default to the source/target pair.
	VisibilityPrivate Visibility = "private"
)

// AgentSpec describes one participating agent.
type AgentSpec struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName,omitempty"`

	// Weight is the agent's vote/approval weight. Zero means unset and
	// defaults to 1; values are clamped to [1, 20] wherever weights are
	// summed.
	Weight int `json:"weight,omitempty"`
}

// Candidate is the compiled, read-only description of a potential turn.
type Candidate struct {
	ID            string         `json:"id"`
	SourceAgentID string         `json:"sourceAgentId"`
	TargetAgentID string         `json:"targetAgentId"`
	Objective     string         `json:"objective"`
	ChannelID     string         `json:"channelId"`
	AllowedTypes  []message.Type `json:"allowedTypes"`
	MountItemIDs  []string       `json:"mountItemIds,omitempty"`
	Priority      int            `json:"priority"`

	// ImageTooling enables artifact generation for turns matched to this
	// candidate.
	ImageTooling bool `json:"imageTooling,omitempty"`
}

// ChannelPolicy is the per-channel ACL.
type ChannelPolicy struct {
	ChannelID     string         `json:"channelId"`
	SourceAgentID string         `json:"sourceAgentId"`
	TargetAgentID string         `json:"targetAgentId"`
	Visibility    Visibility     `json:"visibility"`
	AllowedTypes  []message.Type `json:"allowedTypes"`
	WriterIDs     []string       `json:"writerIds,omitempty"`
	ReaderIDs     []string       `json:"readerIds,omitempty"`
}

// Writers returns the effective writer set. An empty configured set
// defaults to {source, target}.
func (p *ChannelPolicy) Writers() []string {
	if len(p.WriterIDs) > 0 {
		return p.WriterIDs
	}
	return []string{p.SourceAgentID, p.TargetAgentID}
}

// Readers returns the effective reader set. An empty configured set
// defaults to {source, target} on private channels and to the writer set on
// public ones.
func (p *ChannelPolicy) Readers() []string {
	if len(p.ReaderIDs) > 0 {
		return p.ReaderIDs
	}
	if p.Visibility == VisibilityPrivate {
		return []string{p.SourceAgentID, p.TargetAgentID}
	}
	return p.Writers()
}

// AllowsType reports whether the channel permits the given message type.
// An empty allowed set permits every type.
func (p *ChannelPolicy) AllowsType(t message.Type) bool {
	if len(p.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range p.AllowedTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// CanWrite reports whether the agent may write a message of the given type
// to this channel.
func (p *ChannelPolicy) CanWrite(agentID string, t message.Type) bool {
	if !p.AllowsType(t) {
		return false
	}
	return containsID(p.Writers(), agentID)
}

// CanRead reports whether the agent may read this channel.
func (p *ChannelPolicy) CanRead(agentID string) bool {
	return containsID(p.Readers(), agentID)
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Plan is a fully compiled run plan.
type Plan struct {
	Candidates []Candidate     `json:"candidates"`
	Channels   []ChannelPolicy `json:"channels"`
	Agents     []AgentSpec     `json:"agents"`
}

// CandidateByID returns the candidate with the given ID, or nil.
func (p *Plan) CandidateByID(id string) *Candidate {
	if id == "" {
		return nil
	}
	for i := range p.Candidates {
		if p.Candidates[i].ID == id {
			return &p.Candidates[i]
		}
	}
	return nil
}

// CandidateByChannelActor returns the first candidate matching the
// (channel, actor) composite key, or nil. Used when a turn carries no
// explicit candidate reference.
func (p *Plan) CandidateByChannelActor(channelID, agentID string) *Candidate {
	for i := range p.Candidates {
		c := &p.Candidates[i]
		if c.ChannelID == channelID && c.SourceAgentID == agentID {
			return c
		}
	}
	return nil
}

// Channel returns the policy for the given channel ID, or nil.
func (p *Plan) Channel(channelID string) *ChannelPolicy {
	for i := range p.Channels {
		if p.Channels[i].ChannelID == channelID {
			return &p.Channels[i]
		}
	}
	return nil
}

// Agent returns the spec for the given agent ID, or nil.
func (p *Plan) Agent(agentID string) *AgentSpec {
	for i := range p.Agents {
		if p.Agents[i].ID == agentID {
			return &p.Agents[i]
		}
	}
	return nil
}

// AgentRole returns the role for the given agent, or empty if unknown.
func (p *Plan) AgentRole(agentID string) string {
	if a := p.Agent(agentID); a != nil {
		return a.Role
	}
	return ""
}

// AgentWeight returns the agent's weight clamped to [1, 20].
// Unknown agents weigh 1.
func (p *Plan) AgentWeight(agentID string) int {
	a := p.Agent(agentID)
	if a == nil {
		return 1
	}
	return ClampWeight(a.Weight)
}

// ClampWeight normalizes a configured weight: zero or negative defaults to
// 1, values above 20 are capped at 20.
func ClampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 20 {
		return 20
	}
	return w
}
