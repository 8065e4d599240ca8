// Package config handles updater configuration: defaults, file discovery,
// parsing and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adamancini/buildtest/internal/backup"
	"github.com/adamancini/buildtest/internal/install"
	"github.com/adamancini/buildtest/internal/platform"
	"github.com/adamancini/buildtest/internal/types"
	"github.com/adamancini/buildtest/internal/updateerr"
)

// Built-in update sources.
const (
	DefaultWindowsURL = "https://your-s3-bucket.s3.amazonaws.com/BuildTestSystem.exe"
	DefaultMacURL     = "https://your-s3-bucket.s3.amazonaws.com/BuildTestSystem-mac.zip"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultExitWait = 5 * time.Second
	DefaultLogLevel = "info"

	// EnvConfig names the environment variable holding a config path.
	EnvConfig = "BUILDTEST_CONFIG"
)

// Source is a per-platform update location.
type Source struct {
	URL    string
	SHA256 string
}

// Handoff holds the detached routine timings.
type Handoff struct {
	GracePeriod   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	ExitWait      time.Duration
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level,omitempty" toml:"level,omitempty" json:"level,omitempty"`
	File  string `yaml:"file,omitempty" toml:"file,omitempty" json:"file,omitempty"`
}

// Config is the effective updater configuration.
type Config struct {
	Sources      map[types.Platform]Source
	Platform     string // override; empty means detect
	Executable   string // simulated install for development mode
	WorkRoot     string
	StateDir     string
	Timeout      time.Duration
	Handoff      Handoff
	Exclude      []string
	KeepSessions int
	Log          Log

	// Path is the file the config was loaded from, empty for defaults.
	Path string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sources: map[types.Platform]Source{
			types.PlatformWindows: {URL: DefaultWindowsURL},
			types.PlatformMac:     {URL: DefaultMacURL},
		},
		WorkRoot: filepath.Join(os.TempDir(), "buildtest-updates"),
		StateDir: defaultStateDir(),
		Timeout:  DefaultTimeout,
		Handoff: Handoff{
			GracePeriod:   install.DefaultGracePeriod,
			RetryAttempts: install.DefaultRetryAttempts,
			RetryDelay:    install.DefaultRetryDelay,
			ExitWait:      DefaultExitWait,
		},
		Exclude:      append([]string(nil), backup.DefaultExcludes...),
		KeepSessions: backup.DefaultKeepCount,
		Log:          Log{Level: DefaultLogLevel},
	}
}

func defaultStateDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		var err error
		cacheDir, err = os.UserCacheDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "buildtest-state")
		}
	}
	return filepath.Join(cacheDir, "buildtest")
}

// TargetPlatform returns the override if set, otherwise the host platform.
func (c *Config) TargetPlatform() (types.Platform, error) {
	return platform.Resolve(c.Platform)
}

// SourceFor returns the update source for p.
func (c *Config) SourceFor(p types.Platform) (Source, error) {
	return platform.Lookup(c.Sources, p)
}

// InstallOptions converts the hand-off settings for the install engine.
func (c *Config) InstallOptions() install.Options {
	return install.Options{
		GracePeriod:   c.Handoff.GracePeriod,
		RetryAttempts: c.Handoff.RetryAttempts,
		RetryDelay:    c.Handoff.RetryDelay,
		Excludes:      append([]string(nil), c.Exclude...),
		ResultDir:     c.StateDir,
	}
}

// configFileNames are tried in each search directory.
var configFileNames = []string{
	"buildtest.yaml",
	"buildtest.yml",
	"buildtest.toml",
	"buildtest.json",
	"config.yaml",
	"config.yml",
	"config.toml",
	"config.json",
}

// Find searches for a configuration file in the standard locations.
// It returns "" without error when none exists.
func Find(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", updateerr.Errorf(updateerr.KindConfig, "find config",
				"specified config not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	if envPath := os.Getenv(EnvConfig); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	var searchDirs []string
	if exe, err := os.Executable(); err == nil {
		searchDirs = append(searchDirs, filepath.Dir(exe))
	}
	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			xdgConfig = dir
		}
	}
	if xdgConfig != "" {
		searchDirs = append(searchDirs, filepath.Join(xdgConfig, "buildtest"))
	}

	for _, dir := range searchDirs {
		for _, name := range configFileNames {
			// config.* is only meaningful inside the dedicated directory.
			if filepath.Base(dir) != "buildtest" && strings.HasPrefix(name, "config.") {
				continue
			}
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", nil
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, updateerr.Errorf(updateerr.KindConfig, "load config", "failed to read config: %w", err)
	}

	format := detectFormat(path, content)
	if format == FormatUnknown {
		return nil, updateerr.Errorf(updateerr.KindConfig, "load config",
			"unable to detect file format for %s", path)
	}

	cfg, err := parse(content, format)
	if err != nil {
		return nil, updateerr.New(updateerr.KindConfig, "load config", err)
	}
	cfg.Path = path

	if err := Validate(cfg); err != nil {
		return nil, updateerr.New(updateerr.KindConfig, "load config", err)
	}
	return cfg, nil
}

// Resolve finds and loads the configuration, falling back to Default.
func Resolve(explicitPath string) (*Config, error) {
	path, err := Find(explicitPath)
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg := Default()
		if err := Validate(cfg); err != nil {
			return nil, updateerr.New(updateerr.KindConfig, "load config", err)
		}
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) String() string {
	src := c.Path
	if src == "" {
		src = "built-in defaults"
	}
	return fmt.Sprintf("config(%s)", src)
}
