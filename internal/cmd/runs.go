package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs, newest first",
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum runs to list")
}

func runRuns(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	runs, err := eng.store.ListRuns(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	for _, r := range runs {
		line := fmt.Sprintf("%s  %-9s  %s", r.ID, r.Status, r.WorkspaceID)
		if cp := r.State.Checkpoint; cp != nil {
			line += fmt.Sprintf("  %d/%d turns", cp.CompletedTurns, cp.CompletedTurns+cp.QueueDepth+cp.BlockedTurns+cp.SkippedTurns)
		}
		fmt.Println(line)
	}
	return nil
}
