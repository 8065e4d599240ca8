package updateerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"op and cause", New(KindNetwork, "fetch", io.ErrUnexpectedEOF), "fetch: unexpected EOF"},
		{"cause only", New(KindBackup, "", errors.New("disk full")), "disk full"},
		{"op only", New(KindHandoff, "launch", nil), "launch: HandoffError"},
		{"bare", &Error{Kind: KindChecksum}, "ChecksumError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := Errorf(KindHTTPStatus, "fetch", "unexpected HTTP status: %d", 404)
	wrapped := fmt.Errorf("download failed: %w", base)

	if got := KindOf(wrapped); got != KindHTTPStatus {
		t.Errorf("KindOf() = %v, want %v", got, KindHTTPStatus)
	}
	if !Is(wrapped, KindHTTPStatus) {
		t.Error("Is() should match wrapped kind")
	}
	if Is(nil, KindHTTPStatus) {
		t.Error("Is(nil) should be false")
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindUnknown)
	}
}

func TestErrorfKeepsCause(t *testing.T) {
	err := Errorf(KindFilesystem, "fetch", "write chunk: %w", io.ErrShortWrite)
	if !errors.Is(err, io.ErrShortWrite) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestKindString(t *testing.T) {
	if got := KindPayloadNotFound.String(); got != "PayloadNotFoundError" {
		t.Errorf("String() = %q", got)
	}
	if got := Kind(99).String(); got != "Kind(99)" {
		t.Errorf("String() = %q", got)
	}
}

func TestErrSessionActive(t *testing.T) {
	if KindOf(ErrSessionActive) != KindSessionActive {
		t.Errorf("ErrSessionActive kind = %v", KindOf(ErrSessionActive))
	}
}
