package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamancini/buildtest/internal/coordinator"
	"github.com/adamancini/buildtest/internal/interactive"
	"github.com/adamancini/buildtest/internal/output"
	"github.com/adamancini/buildtest/internal/updateerr"
)

func newUpdateCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download and install the latest version",
		Long: `Update downloads the package for this platform, then asks twice before
changing anything: once to extract the package and back up the current
installation, and once more before handing off to the installer.

After the hand-off buildtest exits. A detached helper waits for the
application to close, copies the new files into place and restarts it. If
the copy fails the previous version is restored and restarted instead; the
outcome is recorded and shown by 'buildtest status'.

Examples:
  buildtest update        # Interactive update
  buildtest update --yes  # Answer yes to both questions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompts")

	return cmd
}

type uiEvent struct {
	progress   *coordinator.ProgressEvent
	downloaded string
	started    bool
	errKind    updateerr.Kind
	errMessage string
	failed     bool
}

// eventQueue forwards coordinator notifications to the command loop.
type eventQueue chan uiEvent

func (q eventQueue) OnProgress(ev coordinator.ProgressEvent) { q <- uiEvent{progress: &ev} }
func (q eventQueue) OnDownloadComplete(path string) { q <- uiEvent{downloaded: path} }
func (q eventQueue) OnInstallStarted() { q <- uiEvent{started: true} }
func (q eventQueue) OnError(kind updateerr.Kind, message string) {
	q <- uiEvent{failed: true, errKind: kind, errMessage: message}
}

func runUpdate(parent context.Context, yes bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	writer, err := newWriter()
	if err != nil {
		return err
	}

	// Keep stdout parseable for json/yaml.
	promptOut := os.Stdout
	if writer.Format() != output.FormatText {
		promptOut = os.Stderr
	}
	prompter := interactive.NewPrompterWithIO(os.Stdin, promptOut)
	if yes {
		prompter.AssumeYes()
	} else if !interactive.IsTerminal() {
		return fmt.Errorf("stdin is not a terminal, use --yes to update non-interactively")
	}

	if parent == nil {
		parent = context.Background()
	}
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	defer signal.Stop(interrupted)
	stopSignals := func() { signal.Stop(interrupted) }

	quitCh := make(chan struct{})
	var quitOnce sync.Once
	events := make(eventQueue, 16)

	c := coordinator.New(cfg, events,
		coordinator.WithBuildVersion(buildVersion),
		coordinator.WithExit(func() { quitOnce.Do(func() { close(quitCh) }) }, os.Exit),
	)

	if err := c.StartUpdate(parent); err != nil {
		c.Close()
		return err
	}

	for {
		select {
		case ev := <-events:
			done, err := handleEvent(c, writer, prompter, ev, stopSignals)
			if err != nil || done {
				_ = writer.Close()
				c.Close()
				return err
			}

		case <-quitCh:
			// The detached installer owns the update now. Returning ends the
			// process; the coordinator forces the exit if it does not.
			_ = writer.Close()
			return nil

		case <-interrupted:
			if err := c.Cancel(); errors.Is(err, coordinator.ErrHandoffCommitted) {
				log.Warn("hand-off already started, waiting for exit")
				continue
			}
			if c.Phase() == coordinator.PhaseIdle {
				_ = writer.Event(output.Event{Type: output.EventInfo, Status: "Update cancelled."})
				_ = writer.Close()
				c.Close()
				return &ExitError{Code: 1}
			}
		}
	}
}

// handleEvent reacts to one coordinator notification. It reports done when
// the session ended without a hand-off.
func handleEvent(c *coordinator.Coordinator, w *output.Writer, p *interactive.Prompter, ev uiEvent, stopSignals func()) (bool, error) {
	switch {
	case ev.failed:
		_ = w.Event(output.Event{Type: output.EventError, Kind: ev.errKind.String(), Message: ev.errMessage})
		return true, &ExitError{Code: 1}

	case ev.downloaded != "":
		downloaded := output.Event{Type: output.EventDownloaded, Path: ev.downloaded}
		if sess := c.Session(); sess != nil {
			downloaded.SHA256 = sess.Digest
		}
		_ = w.Event(downloaded)
		// Interrupting at a prompt ends the process; the session directory
		// is left for 'buildtest sessions prune'.
		stopSignals()
		ok := p.ConfirmInstall(ev.downloaded)
		if err := c.ConfirmInstall(ok); err != nil {
			return true, err
		}
		if !ok {
			_ = w.Event(output.Event{Type: output.EventInfo, Status: "Update cancelled."})
			return true, nil
		}

	case ev.progress != nil && ev.progress.Phase == coordinator.PhaseAwaitingHandoffConfirmation:
		change := ""
		if sess := c.Session(); sess != nil {
			change = sess.Change.String()
		}
		ok := p.ConfirmHandoff(change)
		if err := c.ConfirmHandoff(ok); err != nil {
			return true, err
		}
		if !ok {
			_ = w.Event(output.Event{Type: output.EventInfo, Status: "Update cancelled."})
			return true, nil
		}

	case ev.progress != nil:
		_ = w.Event(output.Event{
			Type:          output.EventProgress,
			Phase:         ev.progress.Phase.String(),
			Percent:       ev.progress.Percent,
			Indeterminate: ev.progress.Indeterminate,
			Status:        ev.progress.Status,
		})

	case ev.started:
		_ = w.Event(output.Event{Type: output.EventStarted, Phase: coordinator.PhaseHandingOff.String()})
	}
	return false, nil
}
