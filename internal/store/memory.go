package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/governance"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/run"
	"github.com/parley-dev/parley/internal/vote"
)

// MemoryStore is an in-memory Store. Records are deep-copied on the way in
// and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*run.Run
	runOrder []string
	turns    map[string]*run.Turn
	votes    map[string]*vote.Vote
	voteSeq  map[string]int // insertion order tiebreak for identical OpenedAt
	voteNext int
	policies map[string][]governance.Policy
	plans    map[string]*plan.Plan
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*run.Run),
		turns:    make(map[string]*run.Turn),
		votes:    make(map[string]*vote.Vote),
		voteSeq:  make(map[string]int),
		policies: make(map[string][]governance.Policy),
		plans:    make(map[string]*plan.Plan),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	s.runs[r.ID] = cloneRun(r)
	s.runOrder = append(s.runOrder, r.ID)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, errors.ErrRunNotFound
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRunLocked(r)
}

func (s *MemoryStore) updateRunLocked(r *run.Run) error {
	if _, ok := s.runs[r.ID]; !ok {
		return errors.ErrRunNotFound
	}
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*run.Run, 0, len(s.runOrder))
	// Newest first.
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneRun(s.runs[s.runOrder[i]]))
	}
	return out, nil
}

func (s *MemoryStore) CreateTurn(_ context.Context, t *run.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.turns[t.ID]; exists {
		return fmt.Errorf("turn %s already exists", t.ID)
	}
	s.turns[t.ID] = cloneTurn(t)
	return nil
}

func (s *MemoryStore) GetTurn(_ context.Context, id string) (*run.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[id]
	if !ok {
		return nil, errors.ErrTurnNotFound
	}
	return cloneTurn(t), nil
}

func (s *MemoryStore) UpdateTurn(_ context.Context, t *run.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateTurnLocked(t)
}

func (s *MemoryStore) updateTurnLocked(t *run.Turn) error {
	if _, ok := s.turns[t.ID]; !ok {
		return errors.ErrTurnNotFound
	}
	s.turns[t.ID] = cloneTurn(t)
	return nil
}

func (s *MemoryStore) ListTurns(_ context.Context, runID string) ([]*run.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*run.Turn
	for _, t := range s.turns {
		if t.RunID == runID {
			out = append(out, cloneTurn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// UpdateTurnAndRun applies both updates under one lock; neither is applied
// if either record is missing.
func (s *MemoryStore) UpdateTurnAndRun(_ context.Context, t *run.Turn, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[t.ID]; !ok {
		return errors.ErrTurnNotFound
	}
	if _, ok := s.runs[r.ID]; !ok {
		return errors.ErrRunNotFound
	}
	if err := s.updateTurnLocked(t); err != nil {
		return err
	}
	return s.updateRunLocked(r)
}

func (s *MemoryStore) CreateVote(_ context.Context, v *vote.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.votes[v.ID]; exists {
		return fmt.Errorf("vote %s already exists", v.ID)
	}
	s.votes[v.ID] = cloneVote(v)
	s.voteSeq[v.ID] = s.voteNext
	s.voteNext++
	return nil
}

func (s *MemoryStore) GetVote(_ context.Context, id string) (*vote.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[id]
	if !ok {
		return nil, errors.ErrVoteNotFound
	}
	return cloneVote(v), nil
}

func (s *MemoryStore) UpdateVote(_ context.Context, v *vote.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.votes[v.ID]; !ok {
		return errors.ErrVoteNotFound
	}
	s.votes[v.ID] = cloneVote(v)
	return nil
}

func (s *MemoryStore) ListVotes(_ context.Context, runID string) ([]*vote.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*vote.Vote
	for _, v := range s.votes {
		if v.RunID == runID {
			out = append(out, cloneVote(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return s.voteSeq[out[i].ID] < s.voteSeq[out[j].ID]
	})
	return out, nil
}

func (s *MemoryStore) SavePolicies(_ context.Context, runID string, policies []governance.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[runID] = append([]governance.Policy{}, policies...)
	return nil
}

func (s *MemoryStore) ListPolicies(_ context.Context, runID string) ([]governance.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]governance.Policy{}, s.policies[runID]...), nil
}

func (s *MemoryStore) SavePlan(_ context.Context, runID string, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := &plan.Plan{}
	if err := deepCopy(p, clone); err != nil {
		return err
	}
	s.plans[runID] = clone
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, runID string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[runID]
	if !ok {
		return nil, fmt.Errorf("no plan stored for run %s", runID)
	}
	clone := &plan.Plan{}
	if err := deepCopy(p, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRun(r *run.Run) *run.Run {
	clone := &run.Run{}
	_ = deepCopy(r, clone)
	return clone
}

func cloneTurn(t *run.Turn) *run.Turn {
	clone := &run.Turn{}
	_ = deepCopy(t, clone)
	return clone
}

func cloneVote(v *vote.Vote) *vote.Vote {
	clone := &vote.Vote{}
	_ = deepCopy(v, clone)
	return clone
}

// deepCopy round-trips through JSON; all stored records are plain data.
func deepCopy(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
