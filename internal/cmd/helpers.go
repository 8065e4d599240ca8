package cmd

import (
	"errors"
	"os"

	"github.com/adamancini/buildtest/internal/config"
	"github.com/adamancini/buildtest/internal/logging"
	"github.com/adamancini/buildtest/internal/output"
)

// ExitError carries a process exit code out of a command. A nil Err means
// the command already reported the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// loadConfig resolves the configuration and sets up logging from it and
// the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, err
	}
	if err := initLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) error {
	level := cfg.Log.Level
	switch {
	case quiet:
		level = "error"
	case verbose:
		level = "debug"
	}
	path := cfg.Log.File
	if logFile != "" {
		path = logFile
	}
	return logging.Init(level, path)
}

// newWriter returns a stdout writer for the --output format.
func newWriter() (*output.Writer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return output.NewWriter(os.Stdout, format), nil
}
