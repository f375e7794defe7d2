package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parley-dev/parley/internal/governance"
	"github.com/parley-dev/parley/internal/plan"
	"github.com/parley-dev/parley/internal/run"
)

var (
	startPlanFile     string
	startPoliciesFile string
	startWorkspace    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new deliberation run",
	Long: `Create a run from a compiled plan file and execute it to completion.
The plan file is a JSON document with agents, channels, and turn
candidates; an optional policies file supplies governance rules.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVarP(&startPlanFile, "plan", "p", "", "path to the compiled plan JSON (required)")
	startCmd.Flags().StringVar(&startPoliciesFile, "policies", "", "path to a governance policies JSON file")
	startCmd.Flags().StringVarP(&startWorkspace, "workspace", "w", "default", "workspace the run belongs to")
	_ = startCmd.MarkFlagRequired("plan")
}

func runStart(cmd *cobra.Command, args []string) error {
	p, err := loadPlan(startPlanFile)
	if err != nil {
		return err
	}
	policies, err := loadPolicies(startPoliciesFile)
	if err != nil {
		return err
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := cmd.Context()
	now := time.Now()
	r := &run.Run{
		ID:          uuid.NewString(),
		WorkspaceID: startWorkspace,
		Status:      run.StatusQueued,
		State: run.State{
			Runtime: &run.SchedulerRuntime{
				MaxRetries:    eng.cfg.Scheduler.MaxRetries,
				MaxRetriesSet: true,
				TurnTimeoutMs: eng.cfg.Scheduler.TurnTimeoutMs,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := eng.store.CreateRun(ctx, r); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if err := eng.store.SavePlan(ctx, r.ID, p); err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	if err := eng.store.SavePolicies(ctx, r.ID, policies); err != nil {
		return fmt.Errorf("failed to save policies: %w", err)
	}

	fmt.Printf("Run: %s\n", r.ID)
	fmt.Printf("Candidates: %d, agents: %d, policies: %d\n\n",
		len(p.Candidates), len(p.Agents), len(policies))

	eng.printProgress()
	if err := eng.sched.ExecuteRun(ctx, r.ID); err != nil {
		return err
	}
	return printOutcome(ctx, eng, r.ID)
}

func loadPlan(path string) (*plan.Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(p.Candidates) == 0 {
		return nil, fmt.Errorf("plan %s has no turn candidates", path)
	}
	return &p, nil
}

// policyDoc is the on-disk shape of one policy record: the discriminator
// fields plus an uninterpreted config blob, resolved through
// governance.ParsePolicy the same way stored records are.
type policyDoc struct {
	ID        string           `json:"id"`
	Kind      governance.Kind  `json:"kind"`
	Scope     governance.Scope `json:"scope"`
	ChannelID string           `json:"channelId,omitempty"`
	Config    json.RawMessage  `json:"config,omitempty"`
}

func loadPolicies(path string) ([]governance.Policy, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies: %w", err)
	}
	var docs []policyDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}
	policies := make([]governance.Policy, 0, len(docs))
	for _, doc := range docs {
		p, err := governance.ParsePolicy(doc.ID, doc.Kind, doc.Scope, doc.ChannelID, doc.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse policies: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, nil
}
