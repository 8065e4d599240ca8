package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamancini/buildtest/internal/install"
)

// newHandoffApplyCmd is run by the wrapper script in the detached helper
// process. It is not meant to be called by hand.
func newHandoffApplyCmd() *cobra.Command {
	var planPath string

	cmd := &cobra.Command{
		Use:    "handoff-apply",
		Short:  "Apply a staged update (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHandoffApply(planPath)
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "Path to the hand-off plan")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func runHandoffApply(planPath string) error {
	plan, err := install.LoadPlan(planPath)
	if err != nil {
		return fmt.Errorf("failed to load hand-off plan: %w", err)
	}

	// The routine logs to the session's handoff.log; there is no console.
	res := install.NewRoutine(plan).Run(context.Background())
	if code := res.ExitCode(); code != 0 {
		return &ExitError{Code: code, Err: fmt.Errorf("%s", res.Summary())}
	}
	return nil
}
