// Package updateerr defines the updater's error taxonomy.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind, so callers can branch on errors.As / KindOf instead of matching
// message text.
package updateerr

import (
	"errors"
	"fmt"
)

// Kind classifies an update failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindHTTPStatus
	KindFilesystem
	KindCorruptArchive
	KindPayloadNotFound
	KindBackup
	KindHandoff
	KindUnsupportedPlatform
	KindChecksum
	KindSessionActive
	KindCancelled
	KindConfig
)

var kindNames = map[Kind]string{
	KindUnknown:             "UnknownError",
	KindNetwork:             "NetworkError",
	KindHTTPStatus:          "HTTPStatusError",
	KindFilesystem:          "FilesystemError",
	KindCorruptArchive:      "CorruptArchiveError",
	KindPayloadNotFound:     "PayloadNotFoundError",
	KindBackup:              "BackupError",
	KindHandoff:             "HandoffError",
	KindUnsupportedPlatform: "UnsupportedPlatformError",
	KindChecksum:            "ChecksumError",
	KindSessionActive:       "SessionActiveError",
	KindCancelled:           "CancelledError",
	KindConfig:              "ConfigError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified update failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "fetch" or "snapshot"
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string. %w is honored.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrSessionActive is returned when an update is requested while another
// session is still in flight.
var ErrSessionActive = New(KindSessionActive, "start update", errors.New("an update session is already in progress"))
