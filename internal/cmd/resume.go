package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a queued or interrupted run",
	Long: `Continue executing a run from its last checkpoint. Settled turns are
never re-executed; the scheduler picks up the earliest queued turn.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	runID := args[0]
	ctx := cmd.Context()
	fmt.Printf("Resuming run %s\n\n", runID)

	eng.printProgress()
	if err := eng.sched.ExecuteRun(ctx, runID); err != nil {
		return err
	}
	return printOutcome(ctx, eng, runID)
}
