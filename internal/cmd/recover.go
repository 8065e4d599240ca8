package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamancini/buildtest/internal/backup"
	"github.com/adamancini/buildtest/internal/install"
	"github.com/adamancini/buildtest/internal/interactive"
)

func newRecoverCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "recover <session-id>",
		Short: "Restore an installation from a retained session backup",
		Long: `Recover copies the backup taken by an update session back over the
installation it was taken from, removing files the update added.

Use 'latest' as the ID to recover from the most recent session that still
has a backup. Close the application before recovering.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

func runRecover(id string, skipConfirm bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sess, err := backup.FindSession(cfg.WorkRoot, id)
	if err != nil {
		return err
	}
	if !sess.HasBackup {
		return fmt.Errorf("session %s has no backup", sess.ID)
	}

	fmt.Printf("Recovering from session: %s\n", sess.ID)
	fmt.Printf("Modified: %s\n", sess.ModifiedAt.Format("2006-01-02 15:04:05"))
	if sess.State != "" {
		fmt.Printf("Last installer state: %s\n", sess.State)
	}
	fmt.Println()

	if !skipConfirm {
		if !interactive.IsTerminal() {
			return fmt.Errorf("stdin is not a terminal, use --yes to recover non-interactively")
		}
		if !interactive.NewPrompter().Confirm("Restore the backup over the installation?") {
			fmt.Println("Recovery cancelled.")
			return nil
		}
	}

	plan, err := install.Recover(sess.Dir)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	fmt.Printf("Restored %s\n", plan.Target.Dir)
	return nil
}
