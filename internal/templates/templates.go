// Package templates provides the embedded wrapper scripts that run the
// detached hand-off helper and clean up after it.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"text/template"
)

//go:embed *.tmpl
var templatesFS embed.FS

// Script names.
const (
	ScriptPOSIX   = "handoff.sh"
	ScriptWindows = "handoff.bat"
)

// Template represents a wrapper script template with metadata.
type Template struct {
	Name        string
	Description string
	Content     []byte
}

// ScriptData is rendered into a wrapper script.
type ScriptData struct {
	SessionID  string
	Helper     string // helper binary copied into the scratch dir
	PlanPath   string
	ScratchDir string
}

var templateDescriptions = map[string]string{
	ScriptPOSIX:   "POSIX sh wrapper for mac",
	ScriptWindows: "cmd.exe batch wrapper for windows",
}

// List returns all available template names sorted alphabetically.
func List() []string {
	entries, err := templatesFS.ReadDir(".")
	if err != nil {
		return nil
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".tmpl"))
	}

	sort.Strings(names)
	return names
}

// Get returns a template by name.
func Get(name string) (*Template, error) {
	content, err := templatesFS.ReadFile(name + ".tmpl")
	if err != nil {
		if pathErr, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("template '%s' not found: %w", name, pathErr)
		}
		return nil, fmt.Errorf("failed to read template '%s': %w", name, err)
	}

	return &Template{
		Name:        name,
		Description: GetDescription(name),
		Content:     content,
	}, nil
}

// GetDescription returns the description for a template.
func GetDescription(name string) string {
	if desc, ok := templateDescriptions[name]; ok {
		return desc
	}
	return "Custom template"
}

var funcs = template.FuncMap{
	"shquote":  ShellQuote,
	"batquote": BatchQuote,
}

// Render executes the named template with data. Batch scripts get CRLF
// line endings.
func Render(name string, data ScriptData) ([]byte, error) {
	tmpl, err := Get(name)
	if err != nil {
		return nil, err
	}

	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(tmpl.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", name, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template '%s': %w", name, err)
	}

	out := buf.Bytes()
	if strings.HasSuffix(name, ".bat") {
		out = bytes.ReplaceAll(bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n")), []byte("\n"), []byte("\r\n"))
	}
	return out, nil
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BatchQuote quotes s for cmd.exe. Percent signs are doubled so they are
// not expanded as variables.
func BatchQuote(s string) string {
	return `"` + strings.ReplaceAll(s, "%", "%%") + `"`
}
