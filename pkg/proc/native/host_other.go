//go:build !windows

package native

import (
	"errors"
	"time"

	"github.com/go-delve/wdbg/pkg/proc"
)

// ErrNativeBackendDisabled is returned by every Host operation on
// operating systems without the Windows debugging API.
var ErrNativeBackendDisabled = errors.New("native backend is only available on windows")

type osHostDetails struct{}

func (h *Host) release() {}

// Launch returns ErrNativeBackendDisabled.
func (h *Host) Launch(cfg proc.LaunchConfig) (int, error) {
	return 0, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func (h *Host) Attach(pid int) error {
	return ErrNativeBackendDisabled
}

func (h *Host) WaitForDebugEvent(timeout time.Duration) (*proc.RawEvent, error) {
	return nil, ErrNativeBackendDisabled
}

func (h *Host) ContinueDebugEvent(pid, tid int, status proc.ContinueStatus) error {
	return ErrNativeBackendDisabled
}

func (h *Host) ReadMemory(process proc.Handle, addr uint64, buf []byte) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (h *Host) WriteMemory(process proc.Handle, addr uint64, data []byte) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (h *Host) FlushInstructionCache(process proc.Handle, addr uint64, size int) error {
	return ErrNativeBackendDisabled
}

func (h *Host) GetThreadContext(thread proc.Handle) (proc.Registers, error) {
	return nil, ErrNativeBackendDisabled
}

func (h *Host) SetThreadContext(thread proc.Handle, regs proc.Registers) error {
	return ErrNativeBackendDisabled
}

func (h *Host) CloseHandle(handle proc.Handle) error {
	return ErrNativeBackendDisabled
}

func (h *Host) Detach(pid int) error {
	return ErrNativeBackendDisabled
}

func (h *Host) Terminate(process proc.Handle, exitCode uint32) error {
	return ErrNativeBackendDisabled
}
