// Package vote implements the consensus engine: deterministic weighted
// tallying of ballots over an option set, quorum/threshold evaluation, and
// the forced-close precedence used by deadlock mediation. Resolution is a
// pure function so identical inputs always produce identical results.
package vote

import (
	"fmt"
	"sort"
	"time"

	"github.com/parley-dev/parley/internal/errors"
	"github.com/parley-dev/parley/internal/message"
)

// Status is the lifecycle state of a vote.
type Status string

const (
	// StatusOpen means ballots are still being folded in.
	StatusOpen Status = "OPEN"

	// StatusClosed means the vote has settled, normally or by force.
	StatusClosed Status = "CLOSED"
)

// Outcome classifies a resolved vote.
type Outcome string

const (
	// OutcomePassed means a winner exists and quorum/threshold were met.
	OutcomePassed Outcome = "passed"

	// OutcomeNoConsensus means no winner, or quorum/threshold unmet.
	OutcomeNoConsensus Outcome = "no_consensus"
)

// Option-count bounds enforced when votes are created.
const (
	MinOptions = 2
	MaxOptions = 12
)

// Tally is one option's aggregate weight, for ranked display.
type Tally struct {
	Option string `json:"option"`
	Weight int    `json:"weight"`
	Voters int    `json:"voters"`
}

// Result is a deterministic snapshot of a resolved vote.
type Result struct {
	// Winner is empty when total weight is zero or the top two options
	// are tied.
	Winner           string  `json:"winner,omitempty"`
	Outcome          Outcome `json:"outcome"`
	QuorumReached    bool    `json:"quorumReached"`
	ThresholdReached bool    `json:"thresholdReached"`
	Ranking          []Tally `json:"ranking"`
	Explanation      string  `json:"explanation"`
	Forced           bool    `json:"forced,omitempty"`
}

// Vote is one open question progressed turn by turn.
type Vote struct {
	ID        string            `json:"id"`
	RunID     string            `json:"runId"`
	Question  string            `json:"question"`
	Options   []string          `json:"options"`
	Weights   map[string]int    `json:"weights,omitempty"` // agentID -> weight
	Ballots   map[string]string `json:"ballots,omitempty"` // agentID -> option
	Quorum    int               `json:"quorum"`
	Threshold int               `json:"threshold,omitempty"`
	Status    Status            `json:"status"`
	Result    *Result           `json:"result,omitempty"`
	OpenedAt  time.Time         `json:"openedAt"`
	ClosedAt  *time.Time        `json:"closedAt,omitempty"`
}

// Cast records a ballot for the given agent. Ballots for unknown options or
// closed votes are ignored.
func (v *Vote) Cast(agentID, option string) bool {
	if v.Status != StatusOpen || agentID == "" {
		return false
	}
	if optionIndex(v.Options, option) < 0 {
		return false
	}
	if v.Ballots == nil {
		v.Ballots = make(map[string]string)
	}
	v.Ballots[agentID] = option
	return true
}

// Resolve tallies the current ballots and returns the result snapshot
// without mutating the vote.
func (v *Vote) Resolve() Result {
	return Resolve(v.Options, v.Ballots, v.Weights, v.Quorum, v.Threshold)
}

// Close settles the vote with the current tally. Idempotent.
func (v *Vote) Close(now time.Time) Result {
	if v.Status == StatusClosed && v.Result != nil {
		return *v.Result
	}
	res := v.Resolve()
	v.Status = StatusClosed
	v.Result = &res
	v.ClosedAt = &now
	return res
}

// Resolve deterministically tallies weighted votes. Ballot weights default
// to 1 and are clamped to [1, 20]. Options are ranked by total weight with
// index order as the display tiebreak. The winner is empty when the total
// winning weight is zero or the top two options are tied. `passed` requires
// a winner AND quorum AND threshold; when no threshold is configured,
// quorum alone satisfies the threshold check.
func Resolve(options []string, ballots map[string]string, weights map[string]int, quorum, threshold int) Result {
	tallies := make([]Tally, len(options))
	for i, opt := range options {
		tallies[i] = Tally{Option: opt}
	}

	voters := 0
	for agentID, option := range ballots {
		idx := optionIndex(options, option)
		if idx < 0 {
			continue
		}
		voters++
		tallies[idx].Weight += clampWeight(weights[agentID])
		tallies[idx].Voters++
	}

	// Rank by weight descending; ties keep option index order.
	ranked := make([]Tally, len(tallies))
	copy(ranked, tallies)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Weight > ranked[j].Weight
	})

	winner := ""
	if len(ranked) > 0 && ranked[0].Weight > 0 {
		if len(ranked) == 1 || ranked[0].Weight > ranked[1].Weight {
			winner = ranked[0].Option
		}
	}

	quorumReached := voters >= quorum
	thresholdReached := quorumReached
	if threshold > 0 {
		thresholdReached = winner != "" && winnerWeight(ranked, winner) >= threshold
	}

	outcome := OutcomeNoConsensus
	if winner != "" && quorumReached && thresholdReached {
		outcome = OutcomePassed
	}

	return Result{
		Winner:           winner,
		Outcome:          outcome,
		QuorumReached:    quorumReached,
		ThresholdReached: thresholdReached,
		Ranking:          ranked,
		Explanation:      explain(winner, outcome, voters, quorum, threshold),
	}
}

// ChooseDeterministicOption maps a message type to a fixed option index so
// the same inputs always produce the same ballot: critique votes option 1,
// vote_call votes option 2, everything else votes option 0. Indexes beyond
// the option set clamp to the last option.
func ChooseDeterministicOption(options []string, t message.Type) string {
	if len(options) == 0 {
		return ""
	}
	idx := 0
	switch t {
	case message.TypeCritique:
		idx = 1
	case message.TypeVoteCall:
		idx = 2
	}
	if idx >= len(options) {
		idx = len(options) - 1
	}
	return options[idx]
}

// ForceClose settles an open vote by assigning a forced winner, walking the
// documented precedence: preferred winner, then the existing winner, then
// the leading option, then the first option a ballot was cast for, then the
// first option. Fails closed when no option can be selected.
func ForceClose(v *Vote, preferred string, now time.Time) (Result, error) {
	if v.Status == StatusClosed {
		if v.Result != nil {
			return *v.Result, nil
		}
		return Result{}, errors.New("vote closed without result")
	}

	current := v.Resolve()

	winner := ""
	switch {
	case optionIndex(v.Options, preferred) >= 0:
		winner = preferred
	case current.Winner != "":
		winner = current.Winner
	case leadingOption(current.Ranking) != "":
		winner = leadingOption(current.Ranking)
	case firstCastOption(v.Options, v.Ballots) != "":
		winner = firstCastOption(v.Options, v.Ballots)
	case len(v.Options) > 0:
		winner = v.Options[0]
	}

	if winner == "" {
		return Result{}, errors.New("no option available for forced close")
	}

	res := Result{
		Winner:           winner,
		Outcome:          OutcomePassed,
		QuorumReached:    current.QuorumReached,
		ThresholdReached: current.ThresholdReached,
		Ranking:          current.Ranking,
		Explanation:      fmt.Sprintf("forced close: %q assigned as winner", winner),
		Forced:           true,
	}
	v.Status = StatusClosed
	v.Result = &res
	v.ClosedAt = &now
	return res, nil
}

func winnerWeight(ranked []Tally, winner string) int {
	for _, t := range ranked {
		if t.Option == winner {
			return t.Weight
		}
	}
	return 0
}

// leadingOption returns the top-ranked option with non-zero weight, even
// when tied (index order breaks the tie).
func leadingOption(ranked []Tally) string {
	if len(ranked) > 0 && ranked[0].Weight > 0 {
		return ranked[0].Option
	}
	return ""
}

// firstCastOption returns the first option, in option order, that received
// at least one ballot.
func firstCastOption(options []string, ballots map[string]string) string {
	cast := make(map[string]bool, len(ballots))
	for _, option := range ballots {
		cast[option] = true
	}
	for _, opt := range options {
		if cast[opt] {
			return opt
		}
	}
	return ""
}

func optionIndex(options []string, option string) int {
	if option == "" {
		return -1
	}
	for i, opt := range options {
		if opt == option {
			return i
		}
	}
	return -1
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 20 {
		return 20
	}
	return w
}

func explain(winner string, outcome Outcome, voters, quorum, threshold int) string {
	if outcome == OutcomePassed {
		return fmt.Sprintf("%q wins with %d/%d voters", winner, voters, quorum)
	}
	if winner == "" {
		return fmt.Sprintf("no winner (tie or no weight) with %d/%d voters", voters, quorum)
	}
	if voters < quorum {
		return fmt.Sprintf("quorum unmet: %d/%d voters", voters, quorum)
	}
	return fmt.Sprintf("threshold %d unmet by %q", threshold, winner)
}
