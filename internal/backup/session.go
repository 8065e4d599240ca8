package backup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/adamancini/buildtest/internal/types"
)

// Layout of a session work directory.
const (
	SessionPrefix  = "session-"
	BackupDirName  = "backup"
	ExtractDirName = "extract"
	CheckpointName = "checkpoint"
	PlanFileName   = "plan.json"
	LogFileName    = "handoff.log"
)

// DefaultKeepCount is the default number of retained sessions.
const DefaultKeepCount = 5

// SessionDir returns the work directory of a session.
func SessionDir(workRoot, id string) string {
	return filepath.Join(workRoot, SessionPrefix+id)
}

// SessionInfo summarizes a retained session directory.
type SessionInfo struct {
	ID               string      `json:"id" yaml:"id"`
	Dir              string      `json:"dir" yaml:"dir"`
	ModifiedAt       time.Time   `json:"modified_at" yaml:"modified_at"`
	State            types.State `json:"state,omitempty" yaml:"state,omitempty"`
	RestoreUncertain bool        `json:"restore_uncertain,omitempty" yaml:"restore_uncertain,omitempty"`
	HasBackup        bool        `json:"has_backup" yaml:"has_backup"`
}

// Protected reports whether the session may hold the only intact copy of
// the install and must not be pruned.
func (s SessionInfo) Protected() bool {
	return s.HasBackup && (s.State.IsDestructive() || s.RestoreUncertain)
}

// Checkpoint is the last durable record of the hand-off routine.
type Checkpoint struct {
	State            types.State
	At               time.Time
	RestoreUncertain bool
}

const uncertainMarker = "restore-uncertain"

// WriteCheckpoint records the routine state durably in the session dir.
func WriteCheckpoint(sessionDir string, cp Checkpoint) error {
	if cp.At.IsZero() {
		cp.At = time.Now()
	}
	line := fmt.Sprintf("%s %s", cp.State, cp.At.UTC().Format(time.RFC3339))
	if cp.RestoreUncertain {
		line += " " + uncertainMarker
	}

	path := filepath.Join(sessionDir, CheckpointName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	return f.Close()
}

// ReadCheckpoint returns the last recorded checkpoint. A session whose
// routine never started has a zero Checkpoint.
func ReadCheckpoint(sessionDir string) (Checkpoint, error) {
	var cp Checkpoint
	f, err := os.Open(filepath.Join(sessionDir, CheckpointName))
	if err != nil {
		if os.IsNotExist(err) {
			return cp, nil
		}
		return cp, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cp, nil
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return cp, nil
	}
	if cp.State, err = types.ParseState(fields[0]); err != nil {
		return cp, fmt.Errorf("invalid checkpoint: %w", err)
	}
	if len(fields) > 1 {
		cp.At, _ = time.Parse(time.RFC3339, fields[1])
	}
	cp.RestoreUncertain = len(fields) > 2 && fields[2] == uncertainMarker
	return cp, nil
}

// ListSessions returns the session directories under workRoot, newest first.
func ListSessions(workRoot string) ([]SessionInfo, error) {
	entries, err := os.ReadDir(workRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read work root: %w", err)
	}

	sessions := []SessionInfo{}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), SessionPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		dir := filepath.Join(workRoot, entry.Name())
		cp, _ := ReadCheckpoint(dir)
		_, backupErr := os.Stat(filepath.Join(dir, BackupDirName))

		sessions = append(sessions, SessionInfo{
			ID:               strings.TrimPrefix(entry.Name(), SessionPrefix),
			Dir:              dir,
			ModifiedAt:       info.ModTime(),
			State:            cp.State,
			RestoreUncertain: cp.RestoreUncertain,
			HasBackup:        backupErr == nil,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ModifiedAt.Equal(sessions[j].ModifiedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].ModifiedAt.After(sessions[j].ModifiedAt)
	})
	return sessions, nil
}

// FindSession looks up a session by ID. Use "latest" for the most recent
// session that still holds a backup.
func FindSession(workRoot, id string) (*SessionInfo, error) {
	sessions, err := ListSessions(workRoot)
	if err != nil {
		return nil, err
	}

	if id == "latest" {
		for i := range sessions {
			if sessions[i].HasBackup {
				return &sessions[i], nil
			}
		}
		return nil, fmt.Errorf("no sessions with a backup found in %s", workRoot)
	}

	for i := range sessions {
		if sessions[i].ID == id {
			return &sessions[i], nil
		}
	}
	return nil, fmt.Errorf("session not found: %s", id)
}

// PruneResult contains information about what was pruned.
type PruneResult struct {
	Deleted   []SessionInfo `json:"deleted" yaml:"deleted"`
	Protected []SessionInfo `json:"protected,omitempty" yaml:"protected,omitempty"`
	Kept      int           `json:"kept" yaml:"kept"`
}

// PruneSessions removes old session directories, keeping the most recent
// keep sessions. Protected sessions are never removed.
func PruneSessions(workRoot string, keep int) (*PruneResult, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep count must be non-negative")
	}

	sessions, err := ListSessions(workRoot)
	if err != nil {
		return nil, err
	}

	result := &PruneResult{}
	if len(sessions) <= keep {
		result.Kept = len(sessions)
		return result, nil
	}
	result.Kept = keep

	var errs *multierror.Error
	for _, s := range sessions[keep:] {
		if s.Protected() {
			result.Protected = append(result.Protected, s)
			result.Kept++
			continue
		}
		if err := os.RemoveAll(s.Dir); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to delete session %s: %w", s.ID, err))
			result.Kept++
			continue
		}
		result.Deleted = append(result.Deleted, s)
	}
	return result, errs.ErrorOrNil()
}
