package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var forkStart bool

var forkCmd = &cobra.Command{
	Use:   "fork <run-id>",
	Short: "Fork a run from its checkpoint",
	Long: `Create a new run seeded from another run's checkpoint: the settled turn
prefix is copied, turns past the checkpoint are re-queued fresh, and
open votes carry over. The source run is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runFork,
}

func init() {
	rootCmd.AddCommand(forkCmd)
	forkCmd.Flags().BoolVar(&forkStart, "start", false, "execute the fork immediately")
}

func runFork(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := cmd.Context()
	fork, err := eng.sched.ForkRun(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Forked run: %s\n", fork.ID)
	fmt.Printf("Source: %s @ sequence %d\n", fork.State.Fork.SourceRunID, fork.State.Fork.SourceCheckpointSequence)

	if !forkStart {
		fmt.Printf("\nRun `parley resume %s` to execute it.\n", fork.ID)
		return nil
	}

	fmt.Println()
	eng.printProgress()
	if err := eng.sched.ExecuteRun(ctx, fork.ID); err != nil {
		return err
	}
	return printOutcome(ctx, eng, fork.ID)
}
