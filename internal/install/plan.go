package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adamancini/buildtest/internal/types"
)

// Plan is everything the detached routine needs. It is written to the
// session directory before the helper is launched.
type Plan struct {
	SessionID     string         `json:"session_id"`
	Platform      types.Platform `json:"platform"`
	PayloadRoot   string         `json:"payload_root"`
	ExtractDir    string         `json:"extract_dir,omitempty"`
	Target        Target         `json:"target"`
	BackupDir     string         `json:"backup_dir"`
	ScratchDir    string         `json:"scratch_dir"`
	ResultDir     string         `json:"result_dir"`
	LogPath       string         `json:"log_path"`
	GracePeriod   time.Duration  `json:"grace_period"`
	RetryAttempts int            `json:"retry_attempts"`
	RetryDelay    time.Duration  `json:"retry_delay"`
	Excludes      []string       `json:"excludes"`
	RelaunchArgs  []string       `json:"relaunch_args,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Validate checks that a plan loaded from disk is usable.
func (p *Plan) Validate() error {
	switch {
	case p.SessionID == "":
		return fmt.Errorf("plan: session_id is required")
	case p.PayloadRoot == "":
		return fmt.Errorf("plan: payload_root is required")
	case p.Target.Executable == "" || p.Target.Dir == "":
		return fmt.Errorf("plan: target is required")
	case p.BackupDir == "":
		return fmt.Errorf("plan: backup_dir is required")
	case p.ScratchDir == "":
		return fmt.Errorf("plan: scratch_dir is required")
	case p.RetryAttempts < 1:
		return fmt.Errorf("plan: retry_attempts must be at least 1")
	case p.GracePeriod < 0 || p.RetryDelay < 0:
		return fmt.Errorf("plan: durations must not be negative")
	}
	return nil
}

// Save writes the plan as JSON.
func (p *Plan) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
