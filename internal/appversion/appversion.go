// Package appversion reads the installed application version and compares
// version strings.
package appversion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

const (
	// FileName is the version file shipped next to the executable.
	FileName = "version.txt"

	// Fallback is reported when no version file is present.
	Fallback = "1.0.0"
)

// Read returns the trimmed contents of version.txt in dir, or Fallback when
// the file is missing or empty.
func Read(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Fallback
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return Fallback
	}
	return v
}

// Installed returns the version recorded next to the given executable.
func Installed(executable string) string {
	return Read(filepath.Dir(executable))
}

// Compare compares two version strings.
// Returns:
//   - 1 if v1 > v2
//   - 0 if v1 == v2
//   - -1 if v1 < v2
//   - error if either version is invalid
func Compare(v1, v2 string) (int, error) {
	a, err := goversion.NewVersion(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", v1, err)
	}
	b, err := goversion.NewVersion(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", v2, err)
	}
	return a.Compare(b), nil
}

// Change describes the move from the installed version to a staged one.
type Change struct {
	From string
	To   string
}

// Between reads the installed and staged version files.
func Between(installDir, payloadRoot string) Change {
	return Change{From: Read(installDir), To: Read(payloadRoot)}
}

// Downgrade reports whether To is older than From. Unparsable versions are
// never considered a downgrade.
func (c Change) Downgrade() bool {
	cmp, err := Compare(c.To, c.From)
	return err == nil && cmp < 0
}

func (c Change) String() string {
	if c.From == c.To {
		return "reinstalling " + c.To
	}
	return c.From + " -> " + c.To
}
