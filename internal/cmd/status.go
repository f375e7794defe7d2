package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parley-dev/parley/internal/run"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's status and turn history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := cmd.Context()
	r, err := eng.store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", r.ID)
	fmt.Printf("Workspace: %s\n", r.WorkspaceID)
	fmt.Printf("Status: %s\n", r.Status)
	if r.StartedAt != nil {
		fmt.Printf("Started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if r.EndedAt != nil {
		fmt.Printf("Ended: %s\n", r.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if fork := r.State.Fork; fork != nil {
		fmt.Printf("Forked from: %s @ sequence %d\n", fork.SourceRunID, fork.SourceCheckpointSequence)
	}

	if cp := r.State.Checkpoint; cp != nil {
		fmt.Printf("\nCheckpoint: sequence %d, %d queued, %d completed, %d blocked, %d skipped, %d retries used\n",
			cp.LastSequence, cp.QueueDepth, cp.CompletedTurns, cp.BlockedTurns, cp.SkippedTurns, cp.RetriesUsed)
		if cp.Note != "" {
			fmt.Printf("Note: %s\n", cp.Note)
		}
	}

	turns, err := eng.store.ListTurns(ctx, r.ID)
	if err != nil {
		return err
	}
	if len(turns) > 0 {
		fmt.Println()
	}
	for _, t := range turns {
		fmt.Printf("[%d] %s on %s: %s", t.Sequence, t.AgentID, t.ChannelID, t.Status)
		if t.Output != nil && t.Status == run.TurnCompleted {
			fmt.Printf(" (%s) %s", t.Output.Message.Type, t.Output.Message.Summary)
		}
		if t.Error != "" {
			fmt.Printf(" %s", t.Error)
		}
		fmt.Println()
	}

	if draft := r.State.FinalDraft; draft != nil {
		fmt.Printf("\nRecommendation: %s\n", draft.Recommendation)
	}
	return nil
}

// printOutcome prints the settled run's summary after execution.
func printOutcome(ctx context.Context, eng *engine, runID string) error {
	r, err := eng.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Printf("\nStatus: %s\n", r.Status)
	if draft := r.State.FinalDraft; draft != nil {
		fmt.Printf("Recommendation: %s\n", draft.Recommendation)
	}
	return nil
}
