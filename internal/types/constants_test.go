package types

import (
	"testing"
)

func TestPlatformValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Platform
		wantErr bool
	}{
		{"windows valid", PlatformWindows, false},
		{"mac valid", PlatformMac, false},
		{"empty invalid", "", true},
		{"linux unsupported", "linux", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Platform.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Platform
		wantErr bool
	}{
		{"windows lowercase", "windows", PlatformWindows, false},
		{"windows uppercase", "WINDOWS", PlatformWindows, false},
		{"win alias", "win", PlatformWindows, false},
		{"mac", "mac", PlatformMac, false},
		{"darwin alias", "darwin", PlatformMac, false},
		{"linux", "linux", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlatform(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePlatform(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePlatform(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestStateValidate(t *testing.T) {
	for _, s := range AllStates() {
		if err := s.Validate(); err != nil {
			t.Errorf("%s.Validate() error = %v", s, err)
		}
	}
	if err := State("Sleeping").Validate(); err == nil {
		t.Error("expected error for unknown state")
	}
	if err := State("").Validate(); err == nil {
		t.Error("expected error for empty state")
	}
}

func TestStateIsDestructive(t *testing.T) {
	destructive := map[State]bool{
		StateCopying:     true,
		StateRollingBack: true,
	}
	for _, s := range AllStates() {
		if got := s.IsDestructive(); got != destructive[s] {
			t.Errorf("%s.IsDestructive() = %v, want %v", s, got, destructive[s])
		}
	}
}

func TestParseState(t *testing.T) {
	got, err := ParseState(" Copying\n")
	if err != nil {
		t.Fatalf("ParseState() error = %v", err)
	}
	if got != StateCopying {
		t.Errorf("ParseState() = %v, want %v", got, StateCopying)
	}
}
