// Package interactive provides the terminal yes/no prompts that gate an
// update.
package interactive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Response represents the user's response to a prompt.
type Response int

const (
	ResponseYes  Response = iota // Proceed with this step
	ResponseNo                   // Decline this step
	ResponseAll                  // Approve this and every remaining step
	ResponseQuit                 // Abort the update
)

// Prompter asks the update confirmation questions.
type Prompter struct {
	in         io.Reader
	out        io.Writer
	scanner    *bufio.Scanner
	approveAll bool
}

// NewPrompter creates a prompter with stdin/stdout.
func NewPrompter() *Prompter {
	return NewPrompterWithIO(os.Stdin, os.Stdout)
}

// NewPrompterWithIO creates a prompter with custom input/output (for testing).
func NewPrompterWithIO(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		in:      in,
		out:     out,
		scanner: bufio.NewScanner(in),
	}
}

// AssumeYes makes every later prompt answer yes without reading input.
func (p *Prompter) AssumeYes() *Prompter {
	p.approveAll = true
	return p
}

// IsTerminal checks if stdin is a terminal (TTY).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// prompt displays a question and reads the response.
func (p *Prompter) prompt(format string, args ...interface{}) Response {
	if p.approveAll {
		_, _ = fmt.Fprintf(p.out, format, args...)
		_, _ = fmt.Fprintln(p.out, " yes")
		return ResponseYes
	}

	_, _ = fmt.Fprintf(p.out, format, args...)
	_, _ = fmt.Fprint(p.out, " [y/n/a/q] ")

	if !p.scanner.Scan() {
		return ResponseQuit
	}

	input := strings.ToLower(strings.TrimSpace(p.scanner.Text()))
	switch input {
	case "y", "yes":
		return ResponseYes
	case "n", "no":
		return ResponseNo
	case "a", "all":
		p.approveAll = true
		return ResponseAll
	case "q", "quit":
		return ResponseQuit
	default:
		// Default to no for invalid input
		_, _ = fmt.Fprintln(p.out, "Invalid response, not proceeding.")
		return ResponseNo
	}
}

// Confirm asks a yes/no question. Only yes or all proceed.
func (p *Prompter) Confirm(question string) bool {
	switch p.prompt("%s", question) {
	case ResponseYes, ResponseAll:
		return true
	case ResponseQuit:
		_, _ = fmt.Fprintln(p.out, "\nAborted.")
		return false
	default:
		_, _ = fmt.Fprintln(p.out, "Skipped.")
		return false
	}
}

// ConfirmInstall asks whether the downloaded package should be installed.
func (p *Prompter) ConfirmInstall(archivePath string) bool {
	_, _ = fmt.Fprintf(p.out, "\nDownloaded %s.\n", archivePath)
	return p.Confirm("Extract it and prepare the installation?")
}

// ConfirmHandoff asks for the final go-ahead. After a yes the application
// is closed and restarted by the installer.
func (p *Prompter) ConfirmHandoff(change string) bool {
	_, _ = fmt.Fprintf(p.out, "\nReady to install (%s).\n", change)
	_, _ = fmt.Fprintln(p.out, "The application will close and restart automatically.")
	return p.Confirm("Proceed?")
}
