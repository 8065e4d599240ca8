// Package output renders command results and update progress as text,
// JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

const barWidth = 30

// Event types emitted while an update runs.
const (
	EventProgress   = "progress"
	EventDownloaded = "downloaded"
	EventStarted    = "install_started"
	EventError      = "error"
	EventInfo       = "info"
)

// Event is one step of an update as seen by the user.
type Event struct {
	Type          string `json:"type" yaml:"type"`
	Phase         string `json:"phase,omitempty" yaml:"phase,omitempty"`
	Percent       int    `json:"percent,omitempty" yaml:"percent,omitempty"`
	Indeterminate bool   `json:"indeterminate,omitempty" yaml:"indeterminate,omitempty"`
	Status        string `json:"status,omitempty" yaml:"status,omitempty"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	SHA256        string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Kind          string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Message       string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Writer handles output in the specified format.
type Writer struct {
	format Format
	w      io.Writer

	yamlEnc  *yaml.Encoder
	progress bool // a text progress line is open
}

// NewWriter creates a new output writer.
func NewWriter(w io.Writer, format Format) *Writer {
	return &Writer{format: format, w: w}
}

// Format returns the configured format.
func (w *Writer) Format() Format {
	return w.format
}

// Write outputs the given value in the configured format.
func (w *Writer) Write(v interface{}) error {
	switch w.format {
	case FormatJSON:
		enc := json.NewEncoder(w.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w.w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(v)
	default:
		w.endProgress()
		// Text format - assume v implements fmt.Stringer or use default
		if s, ok := v.(fmt.Stringer); ok {
			_, err := fmt.Fprintln(w.w, s.String())
			return err
		}
		_, err := fmt.Fprintf(w.w, "%+v\n", v)
		return err
	}
}

// Event writes one update event. JSON output is one object per line, YAML
// output one document per event. Text output redraws a single progress
// line until a non-progress event arrives.
func (w *Writer) Event(ev Event) error {
	switch w.format {
	case FormatJSON:
		return json.NewEncoder(w.w).Encode(ev)
	case FormatYAML:
		if w.yamlEnc == nil {
			w.yamlEnc = yaml.NewEncoder(w.w)
			w.yamlEnc.SetIndent(2)
		}
		return w.yamlEnc.Encode(ev)
	default:
		return w.textEvent(ev)
	}
}

// Close flushes buffered output.
func (w *Writer) Close() error {
	w.endProgress()
	if w.yamlEnc != nil {
		return w.yamlEnc.Close()
	}
	return nil
}

func (w *Writer) textEvent(ev Event) error {
	var err error
	switch ev.Type {
	case EventProgress:
		if ev.Indeterminate {
			w.endProgress()
			_, err = fmt.Fprintln(w.w, ev.Status)
			return err
		}
		_, err = fmt.Fprintf(w.w, "\r%s %3d%%", Bar(ev.Percent, barWidth), ev.Percent)
		w.progress = true
		if ev.Percent >= 100 {
			w.endProgress()
		}
	case EventDownloaded:
		w.endProgress()
		_, err = fmt.Fprintf(w.w, "Downloaded %s\n", ev.Path)
		if err == nil && ev.SHA256 != "" {
			_, err = fmt.Fprintf(w.w, "  sha256: %s\n", ev.SHA256)
		}
	case EventStarted:
		w.endProgress()
		_, err = fmt.Fprintln(w.w, "Installing update, the application will restart.")
	case EventError:
		w.endProgress()
		_, err = fmt.Fprintf(w.w, "Error (%s): %s\n", ev.Kind, ev.Message)
	default:
		w.endProgress()
		_, err = fmt.Fprintln(w.w, ev.Status)
	}
	return err
}

func (w *Writer) endProgress() {
	if w.progress {
		_, _ = fmt.Fprintln(w.w)
		w.progress = false
	}
}

// Bar renders percent as a fixed-width bar, e.g. "[#####-----]".
func Bar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

// ParseFormat parses a format string into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}
