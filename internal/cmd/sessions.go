package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adamancini/buildtest/internal/backup"
	"github.com/adamancini/buildtest/internal/output"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and prune retained update sessions",
		Long: `Sessions manages the update work directories kept under work_root.

A session directory holds the downloaded package, the extracted payload and
a backup of the installation taken before the update. Sessions that failed
are kept so the backup can be restored with 'buildtest recover'.`,
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsPruneCmd())

	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List retained sessions",
		Long:  `List displays retained sessions, newest first, with the last recorded installer state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList()
		},
	}
}

func newSessionsPruneCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old sessions",
		Long: `Prune deletes old session directories, keeping only the most recent N.

Sessions whose installer stopped while copying or restoring are never
deleted: their backup may be the only intact copy of the installation.

By default, keeps keep_sessions from the config (5).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsPrune(cmd.Flags().Changed("keep"), keep)
		},
	}

	cmd.Flags().IntVar(&keep, "keep", backup.DefaultKeepCount, "Number of sessions to keep")

	return cmd
}

// runSessionsList lists all retained sessions.
func runSessionsList() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sessions, err := backup.ListSessions(cfg.WorkRoot)
	if err != nil {
		return err
	}

	writer, err := newWriter()
	if err != nil {
		return err
	}
	if writer.Format() != output.FormatText {
		return writer.Write(sessions)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		fmt.Printf("Work directory: %s\n", cfg.WorkRoot)
		return nil
	}

	fmt.Printf("Sessions in %s:\n\n", cfg.WorkRoot)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tModified\tState\tBackup\tSize")
	for _, s := range sessions {
		state := s.State.String()
		if state == "" {
			state = "-"
		}
		if s.RestoreUncertain {
			state += " (restore uncertain)"
		}
		hasBackup := "no"
		if s.HasBackup {
			hasBackup = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.ModifiedAt.Format("2006-01-02 15:04:05"),
			state,
			hasBackup,
			formatSize(dirSize(s.Dir)),
		)
	}
	_ = w.Flush()

	return nil
}

// runSessionsPrune removes old sessions.
func runSessionsPrune(keepSet bool, keep int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !keepSet {
		keep = cfg.KeepSessions
	}

	result, err := backup.PruneSessions(cfg.WorkRoot, keep)
	if err != nil && result == nil {
		return err
	}

	writer, werr := newWriter()
	if werr != nil {
		return werr
	}
	if writer.Format() != output.FormatText {
		if werr := writer.Write(result); werr != nil {
			return werr
		}
		return err
	}

	if len(result.Deleted) == 0 {
		fmt.Printf("No sessions to prune. Keeping %d sessions.\n", result.Kept)
	} else {
		fmt.Printf("Pruned %d session(s), keeping %d:\n", len(result.Deleted), result.Kept)
		for _, s := range result.Deleted {
			fmt.Printf("  - %s (%s)\n", s.ID, s.ModifiedAt.Format("2006-01-02 15:04:05"))
		}
	}
	for _, s := range result.Protected {
		fmt.Printf("  ! kept %s: stopped in %s, restore with 'buildtest recover %s'\n", s.ID, s.State, s.ID)
	}

	return err
}
