//go:build !windows

package native

import (
	"errors"
	"testing"

	"github.com/go-delve/wdbg/pkg/proc"
)

func TestBackendDisabled(t *testing.T) {
	h := New()
	defer h.Close()
	_, err := proc.Launch(h, proc.LaunchConfig{Path: "notepad.exe"}, proc.Options{})
	if !errors.Is(err, ErrNativeBackendDisabled) {
		t.Fatalf("expected ErrNativeBackendDisabled, got %v", err)
	}
	var lerr *proc.LaunchFailedError
	if !errors.As(err, &lerr) || lerr.Path != "notepad.exe" {
		t.Fatalf("expected a LaunchFailedError, got %T", err)
	}
}
