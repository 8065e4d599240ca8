package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/adamancini/buildtest/internal/types"
)

// Format represents the file format of a config file.
type Format int

const (
	FormatUnknown Format = iota
	FormatYAML
	FormatTOML
	FormatJSON
)

// detectFormat determines the file format based on extension or content.
func detectFormat(path string, content []byte) Format {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	}

	// Content sniffing for extensionless files
	return sniffFormat(content)
}

// sniffFormat attempts to detect format from content.
func sniffFormat(content []byte) Format {
	trimmed := strings.TrimSpace(string(content))

	if strings.HasPrefix(trimmed, "{") {
		return FormatJSON
	}

	// TOML has [sections] or key = value; YAML uses key: value.
	lines := strings.Split(trimmed, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, " = ") || strings.HasPrefix(line, "[") {
			return FormatTOML
		}
		if strings.Contains(line, ":") && !strings.Contains(line, "=") {
			return FormatYAML
		}
	}

	return FormatUnknown
}

// File is the on-disk shape of the configuration. Durations are strings
// such as "3s" or "500ms".
type File struct {
	Sources      map[string]SourceFile `yaml:"sources,omitempty" toml:"sources,omitempty" json:"sources,omitempty"`
	Platform     string                `yaml:"platform,omitempty" toml:"platform,omitempty" json:"platform,omitempty"`
	Executable   string                `yaml:"executable,omitempty" toml:"executable,omitempty" json:"executable,omitempty"`
	WorkRoot     string                `yaml:"work_root,omitempty" toml:"work_root,omitempty" json:"work_root,omitempty"`
	StateDir     string                `yaml:"state_dir,omitempty" toml:"state_dir,omitempty" json:"state_dir,omitempty"`
	Timeout      string                `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout,omitempty"`
	Handoff      HandoffFile           `yaml:"handoff,omitempty" toml:"handoff,omitempty" json:"handoff,omitempty"`
	Exclude      []string              `yaml:"exclude,omitempty" toml:"exclude,omitempty" json:"exclude,omitempty"`
	KeepSessions *int                  `yaml:"keep_sessions,omitempty" toml:"keep_sessions,omitempty" json:"keep_sessions,omitempty"`
	Log          Log                   `yaml:"log,omitempty" toml:"log,omitempty" json:"log,omitempty"`
}

// SourceFile is a source entry as written in the file.
type SourceFile struct {
	URL    string `yaml:"url" toml:"url" json:"url"`
	SHA256 string `yaml:"sha256,omitempty" toml:"sha256,omitempty" json:"sha256,omitempty"`
}

// HandoffFile is the handoff section as written in the file.
type HandoffFile struct {
	GracePeriod   string `yaml:"grace_period,omitempty" toml:"grace_period,omitempty" json:"grace_period,omitempty"`
	RetryAttempts int    `yaml:"retry_attempts,omitempty" toml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`
	RetryDelay    string `yaml:"retry_delay,omitempty" toml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	ExitWait      string `yaml:"exit_wait,omitempty" toml:"exit_wait,omitempty" json:"exit_wait,omitempty"`
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns in content.
func expandEnvVars(content []byte) []byte {
	result := envVarPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		parts := envVarPattern.FindSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := string(parts[1])
		value := os.Getenv(varName)

		if value == "" && len(parts) >= 3 && len(parts[2]) > 0 {
			// Use default value
			value = string(parts[2])
		}

		return []byte(value)
	})

	return result
}

// parse parses the content according to the specified format and layers
// it over the defaults.
func parse(content []byte, format Format) (*Config, error) {
	// Expand environment variables first
	content = expandEnvVars(content)

	var raw File

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("YAML parse error: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("TOML parse error: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("JSON parse error: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown file format")
	}

	return raw.apply(Default())
}

// apply overlays the file values on cfg.
func (f *File) apply(cfg *Config) (*Config, error) {
	for name, src := range f.Sources {
		p, err := types.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("sources.%s: %w", name, err)
		}
		cfg.Sources[p] = Source{URL: strings.TrimSpace(src.URL), SHA256: strings.TrimSpace(src.SHA256)}
	}

	if f.Platform != "" {
		cfg.Platform = f.Platform
	}
	if f.Executable != "" {
		cfg.Executable = f.Executable
	}
	if f.WorkRoot != "" {
		cfg.WorkRoot = f.WorkRoot
	}
	if f.StateDir != "" {
		cfg.StateDir = f.StateDir
	}
	if f.Exclude != nil {
		cfg.Exclude = f.Exclude
	}
	if f.KeepSessions != nil {
		cfg.KeepSessions = *f.KeepSessions
	}
	if f.Log.Level != "" {
		cfg.Log.Level = f.Log.Level
	}
	if f.Log.File != "" {
		cfg.Log.File = f.Log.File
	}
	if f.Handoff.RetryAttempts != 0 {
		cfg.Handoff.RetryAttempts = f.Handoff.RetryAttempts
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"timeout", f.Timeout, &cfg.Timeout},
		{"handoff.grace_period", f.Handoff.GracePeriod, &cfg.Handoff.GracePeriod},
		{"handoff.retry_delay", f.Handoff.RetryDelay, &cfg.Handoff.RetryDelay},
		{"handoff.exit_wait", f.Handoff.ExitWait, &cfg.Handoff.ExitWait},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid duration %q", d.field, d.value)
		}
		*d.dst = v
	}

	return cfg, nil
}

// ToFile converts the effective configuration back to its file shape.
func (c *Config) ToFile() File {
	keep := c.KeepSessions
	f := File{
		Sources:    map[string]SourceFile{},
		Platform:   c.Platform,
		Executable: c.Executable,
		WorkRoot:   c.WorkRoot,
		StateDir:   c.StateDir,
		Timeout:    c.Timeout.String(),
		Handoff: HandoffFile{
			GracePeriod:   c.Handoff.GracePeriod.String(),
			RetryAttempts: c.Handoff.RetryAttempts,
			RetryDelay:    c.Handoff.RetryDelay.String(),
			ExitWait:      c.Handoff.ExitWait.String(),
		},
		Exclude:      c.Exclude,
		KeepSessions: &keep,
		Log:          c.Log,
	}
	for p, src := range c.Sources {
		f.Sources[p.String()] = SourceFile{URL: src.URL, SHA256: src.SHA256}
	}
	return f
}
