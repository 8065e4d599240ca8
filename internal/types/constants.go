// Package types provides type-safe constants shared by the updater packages.
//
// Platform identifiers and hand-off routine states are used by the config
// parser, the installers, the detached routine and the result file, so they
// live here instead of in any one of those packages.
package types

import (
	"fmt"
	"strings"
)

// Platform identifies an update target (windows or mac).
type Platform string

const (
	// PlatformWindows is the primary target.
	PlatformWindows Platform = "windows"
	// PlatformMac is the secondary target.
	PlatformMac Platform = "mac"
)

// AllPlatforms returns all supported platforms.
func AllPlatforms() []Platform {
	return []Platform{PlatformWindows, PlatformMac}
}

// Validate checks if the Platform is a supported value.
func (p Platform) Validate() error {
	switch p {
	case PlatformWindows, PlatformMac:
		return nil
	case "":
		return fmt.Errorf("platform is required")
	default:
		return fmt.Errorf("unsupported platform '%s' (must be windows or mac)", p)
	}
}

// String returns the string representation of the Platform.
func (p Platform) String() string {
	return string(p)
}

// IsWindows returns true if the platform is windows.
func (p Platform) IsWindows() bool {
	return p == PlatformWindows
}

// ParsePlatform parses a string into a Platform.
// "darwin" and "macos" are accepted as aliases for mac.
func ParsePlatform(s string) (Platform, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "darwin", "macos", "osx":
		v = string(PlatformMac)
	case "win", "win32", "win64":
		v = string(PlatformWindows)
	}
	p := Platform(v)
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// State is a state of the detached hand-off routine.
type State string

const (
	StateWaitingForExit State = "WaitingForExit"
	StateTerminating    State = "Terminating"
	StateCopying        State = "Copying"
	StateRollingBack    State = "RollingBack"
	StateRelaunching    State = "Relaunching"
	StateDone           State = "Done"
)

// AllStates returns the routine states in their nominal order.
func AllStates() []State {
	return []State{
		StateWaitingForExit,
		StateTerminating,
		StateCopying,
		StateRollingBack,
		StateRelaunching,
		StateDone,
	}
}

// Validate checks if the State is a known value.
func (s State) Validate() error {
	for _, known := range AllStates() {
		if s == known {
			return nil
		}
	}
	if s == "" {
		return fmt.Errorf("state is required")
	}
	return fmt.Errorf("invalid state '%s'", s)
}

// String returns the string representation of the State.
func (s State) String() string {
	return string(s)
}

// IsDestructive reports whether the install directory may be mid-mutation
// while the routine is in this state.
func (s State) IsDestructive() bool {
	return s == StateCopying || s == StateRollingBack
}

// ParseState parses a string into a State.
func ParseState(s string) (State, error) {
	st := State(strings.TrimSpace(s))
	if err := st.Validate(); err != nil {
		return "", err
	}
	return st, nil
}
