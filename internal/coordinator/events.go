package coordinator

import (
	"fmt"

	"github.com/adamancini/buildtest/internal/fetch"
	"github.com/adamancini/buildtest/internal/updateerr"
)

// Phase is the coordinator's position in an update session.
type Phase string

const (
	PhaseIdle                        Phase = "Idle"
	PhaseDownloading                 Phase = "Downloading"
	PhaseAwaitingInstallConfirmation Phase = "AwaitingInstallConfirmation"
	PhasePreparing                   Phase = "Preparing"
	PhaseAwaitingHandoffConfirmation Phase = "AwaitingHandoffConfirmation"
	PhaseHandingOff                  Phase = "HandingOff"
)

func (p Phase) String() string {
	return string(p)
}

// ProgressEvent is a transient status update.
type ProgressEvent struct {
	Phase         Phase
	Percent       int
	Indeterminate bool
	Status        string
}

// Listener receives lifecycle notifications. Methods are called from the
// coordinator's worker goroutine and must not block for long.
type Listener interface {
	OnProgress(ev ProgressEvent)
	OnDownloadComplete(path string)
	OnInstallStarted()
	OnError(kind updateerr.Kind, message string)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OnProgress(ProgressEvent) {}
func (NopListener) OnDownloadComplete(string) {}
func (NopListener) OnInstallStarted() {}
func (NopListener) OnError(updateerr.Kind, string) {}

func downloadEvent(p fetch.Progress) ProgressEvent {
	if p.Indeterminate {
		return ProgressEvent{
			Phase:         PhaseDownloading,
			Indeterminate: true,
			Status:        "Downloading (size unknown)",
		}
	}
	return ProgressEvent{
		Phase:   PhaseDownloading,
		Percent: p.Percent,
		Status:  fmt.Sprintf("Downloading... %d%%", p.Percent),
	}
}
