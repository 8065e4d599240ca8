package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamancini/buildtest/internal/output"
	"github.com/adamancini/buildtest/internal/result"
)

func newStatusCmd() *cobra.Command {
	var (
		wait        time.Duration
		clearResult bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the outcome of the last update",
		Long: `Status shows the result recorded by the installer after the last hand-off:
whether the new version was installed, or the previous version was restored.

The result of an earlier update is cleared when a new hand-off starts, so
with --wait status waits up to the given duration for the installer of the
update in progress to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), wait, clearResult)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for a result")
	cmd.Flags().BoolVar(&clearResult, "clear", false, "Remove the recorded result after showing it")

	return cmd
}

func runStatus(ctx context.Context, wait time.Duration, clearResult bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	handler := result.NewHandler(cfg.StateDir)

	var res result.Result
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		res, err = handler.Watch(waitCtx, time.Time{})
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no update result within %s", wait)
		}
	} else {
		res, err = handler.Read()
		if errors.Is(err, os.ErrNotExist) {
			fmt.Printf("No update result recorded in %s\n", cfg.StateDir)
			return nil
		}
	}
	if err != nil {
		return err
	}

	writer, err := newWriter()
	if err != nil {
		return err
	}
	if writer.Format() == output.FormatText {
		printResult(res)
	} else if err := writer.Write(res); err != nil {
		return err
	}

	if clearResult {
		return handler.Cleanup()
	}
	return nil
}

func printResult(res result.Result) {
	fmt.Printf("Last update: %s\n", res.Summary())
	fmt.Printf("  Session:  %s\n", res.SessionID)
	fmt.Printf("  Finished: %s\n", res.ExecutedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  State:    %s\n", res.FinalState)
	if !res.Success {
		fmt.Printf("  Files:    %s\n", res.ScratchDir)
	}
	if res.RestoreUncertain {
		fmt.Println("\nThe installation may be incomplete. Run 'buildtest recover latest' to restore the backup.")
	}
}
