// Package store persists runs, turns, votes, policies, and compiled plans.
// Two implementations exist: a mutex-guarded in-memory store for tests and
// a sqlite-backed store for real runs.
package store

import (
	"context"

	"github.com/parley-dev/parley/internal/governance"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/run"
	"github.com/parley-dev/parley/internal/vote"
)

// Store is the persistence contract the scheduler operates against.
// Implementations must return the package-level sentinel errors from
// internal/errors for missing records.
type Store interface {
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	UpdateRun(ctx context.Context, r *run.Run) error
	ListRuns(ctx context.Context, limit int) ([]*run.Run, error)

	CreateTurn(ctx context.Context, t *run.Turn) error
	GetTurn(ctx context.Context, id string) (*run.Turn, error)
	UpdateTurn(ctx context.Context, t *run.Turn) error
	// ListTurns returns the run's turns ordered by sequence.
	ListTurns(ctx context.Context, runID string) ([]*run.Turn, error)

	// UpdateTurnAndRun persists both records atomically.
	UpdateTurnAndRun(ctx context.Context, t *run.Turn, r *run.Run) error

	CreateVote(ctx context.Context, v *vote.Vote) error
	GetVote(ctx context.Context, id string) (*vote.Vote, error)
	UpdateVote(ctx context.Context, v *vote.Vote) error
	// ListVotes returns the run's votes ordered by opening time.
	ListVotes(ctx context.Context, runID string) ([]*vote.Vote, error)

	SavePolicies(ctx context.Context, runID string, policies []governance.Policy) error
	ListPolicies(ctx context.Context, runID string) ([]governance.Policy, error)

	SavePlan(ctx context.Context, runID string, p *plan.Plan) error
	GetPlan(ctx context.Context, runID string) (*plan.Plan, error)

	Close() error
}

// PolicyRecord is the persisted shape of a governance policy: the config
// blob is stored raw and resolved through governance.ParsePolicy on read.
type PolicyRecord struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Scope     string `json:"scope"`
	ChannelID string `json:"channelId,omitempty"`
	Config    []byte `json:"config,omitempty"`
}
