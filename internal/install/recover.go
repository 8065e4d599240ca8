package install

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/backup"
	"github.com/adamancini/buildtest/internal/types"
	"github.com/adamancini/buildtest/internal/updateerr"
)

// Recover restores the install recorded in a retained session's plan from
// that session's backup.
func Recover(sessionDir string) (*Plan, error) {
	plan, err := LoadPlan(filepath.Join(sessionDir, backup.PlanFileName))
	if err != nil {
		return nil, updateerr.Errorf(updateerr.KindBackup, "recover",
			"session has no usable hand-off plan: %w", err)
	}

	cp, err := backup.ReadCheckpoint(sessionDir)
	if err != nil {
		log.Warnf("ignoring unreadable checkpoint: %v", err)
	}
	log.Infof("recovering %s from %s (last state: %s)", plan.Target.Dir, plan.BackupDir, stateOrNone(cp.State))

	if err := backup.NewManager(plan.Excludes).Rollback(plan.BackupDir, plan.Target.Dir, plan.PayloadRoot); err != nil {
		return plan, err
	}

	if err := backup.WriteCheckpoint(sessionDir, backup.Checkpoint{State: types.StateDone}); err != nil {
		return plan, updateerr.New(updateerr.KindFilesystem, "recover", fmt.Errorf("restored, but failed to update checkpoint: %w", err))
	}
	return plan, nil
}

func stateOrNone(s types.State) string {
	if s == "" {
		return "none"
	}
	return s.String()
}
