package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/buildtest/internal/types"
)

// Limits on configured values. Every wait in the updater is bounded.
const (
	MaxRetryAttempts = 10
	MaxHandoffWait   = 60 * time.Second
	MaxTimeout       = 10 * time.Minute
)

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for required fields and valid values.
func Validate(c *Config) error {
	var errors []string

	for p, src := range c.Sources {
		if err := validateSource(p, src); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if c.Platform != "" {
		if _, err := types.ParsePlatform(c.Platform); err != nil {
			errors = append(errors, ValidationError{Field: "platform", Message: err.Error()}.Error())
		}
	}

	if c.WorkRoot == "" {
		errors = append(errors, ValidationError{Field: "work_root", Message: "must not be empty"}.Error())
	}
	if c.StateDir == "" {
		errors = append(errors, ValidationError{Field: "state_dir", Message: "must not be empty"}.Error())
	}

	if c.Timeout <= 0 || c.Timeout > MaxTimeout {
		errors = append(errors, ValidationError{
			Field:   "timeout",
			Message: fmt.Sprintf("must be between 0s and %s (exclusive of 0), got %s", MaxTimeout, c.Timeout),
		}.Error())
	}

	if err := validateHandoff(c.Handoff); err != nil {
		errors = append(errors, err.Error())
	}

	for i, pattern := range c.Exclude {
		if _, err := filepath.Match(pattern, ""); err != nil || pattern == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("exclude[%d]", i),
				Message: fmt.Sprintf("invalid pattern %q", pattern),
			}.Error())
		}
	}

	if c.KeepSessions < 0 {
		errors = append(errors, ValidationError{Field: "keep_sessions", Message: "must be non-negative"}.Error())
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errors = append(errors, ValidationError{Field: "log.level", Message: err.Error()}.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func validateSource(p types.Platform, src Source) error {
	field := fmt.Sprintf("sources.%s", p)
	if err := p.Validate(); err != nil {
		return ValidationError{Field: field, Message: err.Error()}
	}

	u, err := url.Parse(src.URL)
	if err != nil || src.URL == "" {
		return ValidationError{Field: field + ".url", Message: fmt.Sprintf("invalid URL %q", src.URL)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ValidationError{Field: field + ".url", Message: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)}
	}
	if u.Host == "" {
		return ValidationError{Field: field + ".url", Message: "missing host"}
	}

	if src.SHA256 != "" {
		if len(src.SHA256) != 64 || strings.Trim(strings.ToLower(src.SHA256), "0123456789abcdef") != "" {
			return ValidationError{Field: field + ".sha256", Message: "must be 64 hex characters"}
		}
	}
	return nil
}

func validateHandoff(h Handoff) error {
	if h.RetryAttempts < 1 || h.RetryAttempts > MaxRetryAttempts {
		return ValidationError{
			Field:   "handoff.retry_attempts",
			Message: fmt.Sprintf("must be between 1 and %d, got %d", MaxRetryAttempts, h.RetryAttempts),
		}
	}

	waits := []struct {
		field string
		value time.Duration
	}{
		{"handoff.grace_period", h.GracePeriod},
		{"handoff.retry_delay", h.RetryDelay},
		{"handoff.exit_wait", h.ExitWait},
	}
	for _, w := range waits {
		if w.value < 0 || w.value > MaxHandoffWait {
			return ValidationError{
				Field:   w.field,
				Message: fmt.Sprintf("must be between 0s and %s, got %s", MaxHandoffWait, w.value),
			}
		}
	}
	return nil
}
