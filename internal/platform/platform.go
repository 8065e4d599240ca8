// Package platform maps the host operating system onto the updater's
// platform identifiers and resolves per-platform values.
package platform

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/adamancini/buildtest/internal/types"
	"github.com/adamancini/buildtest/internal/updateerr"
)

// Detect returns the platform of the running host.
func Detect() (types.Platform, error) {
	return FromGOOS(runtime.GOOS)
}

// FromGOOS maps a Go GOOS value onto a platform identifier.
// Only windows and darwin are update targets.
func FromGOOS(goos string) (types.Platform, error) {
	switch goos {
	case "windows":
		return types.PlatformWindows, nil
	case "darwin":
		return types.PlatformMac, nil
	default:
		return "", updateerr.Errorf(updateerr.KindUnsupportedPlatform, "detect platform",
			"no update source for %s/%s", goos, runtime.GOARCH)
	}
}

// Resolve returns the override when one is configured, otherwise the
// detected host platform.
func Resolve(override string) (types.Platform, error) {
	if strings.TrimSpace(override) == "" {
		return Detect()
	}
	p, err := types.ParsePlatform(override)
	if err != nil {
		return "", updateerr.New(updateerr.KindUnsupportedPlatform, "resolve platform", err)
	}
	return p, nil
}

// Lookup returns the entry for p from a per-platform table.
func Lookup[T any](table map[types.Platform]T, p types.Platform) (T, error) {
	v, ok := table[p]
	if !ok {
		var zero T
		return zero, updateerr.Errorf(updateerr.KindUnsupportedPlatform, "lookup source",
			"no update source configured for platform %q", p)
	}
	return v, nil
}

// ExecutableName returns base with the platform's executable suffix.
// e.g., "helper" -> "helper.exe" on windows
func ExecutableName(p types.Platform, base string) string {
	if p.IsWindows() && !strings.HasSuffix(strings.ToLower(base), ".exe") {
		return base + ".exe"
	}
	return base
}

// ScriptName returns the wrapper script file name for a session.
func ScriptName(p types.Platform, sessionID string) string {
	ext := "sh"
	if p.IsWindows() {
		ext = "bat"
	}
	return fmt.Sprintf("buildtest-handoff-%s.%s", sessionID, ext)
}
