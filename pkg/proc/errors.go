package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is matched by every protocol misuse error: calling
	// NextEvent or Resume out of order, operating on a thread that is not
	// frozen or using a terminated session.
	ErrInvalidState = errors.New("invalid state")
	// ErrAccessDenied is matched by memory or handle operations the
	// operating system refused.
	ErrAccessDenied = errors.New("access denied")
	// ErrAlreadyArmed is matched by BreakpointExistsError.
	ErrAlreadyArmed = errors.New("breakpoint already armed")
	// ErrNotFound is matched by lookups of stale breakpoints, threads and
	// processes.
	ErrNotFound = errors.New("not found")
	// ErrTimeout is returned by NextEvent when no debug event arrived
	// within the requested bound.
	ErrTimeout = errors.New("timed out waiting for debug event")
)

// InvalidStateError is returned when an operation is not valid in the
// current state of the session.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// AccessDeniedError is returned when the operating system denies a memory
// access on the target.
type AccessDeniedError struct {
	Pid  int
	Addr uint64
	Len  int
	Err  error
}

func (e *AccessDeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not access %d bytes at %#x in process %d: %v", e.Len, e.Addr, e.Pid, e.Err)
	}
	return fmt.Sprintf("could not access %d bytes at %#x in process %d", e.Len, e.Addr, e.Pid)
}

func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

func (e *AccessDeniedError) Unwrap() error {
	return e.Err
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has a breakpoint set for it.
type BreakpointExistsError struct {
	Pid  int
	Addr uint64
	ID   int
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint %d exists at %#x in process %d", bpe.ID, bpe.Addr, bpe.Pid)
}

func (bpe BreakpointExistsError) Is(target error) bool {
	return target == ErrAlreadyArmed
}

// BreakpointOverlapError is returned by WriteMemory when the written range
// covers a breakpoint, armed or not.
type BreakpointOverlapError struct {
	Pid            int
	Addr           uint64
	Len            int
	ID             int
	BreakpointAddr uint64
}

func (e *BreakpointOverlapError) Error() string {
	return fmt.Sprintf("write of %d bytes at %#x overlaps breakpoint %d at %#x in process %d, clear it first", e.Len, e.Addr, e.ID, e.BreakpointAddr, e.Pid)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	ID int
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint with id %d", nbp.ID)
}

func (nbp NoBreakpointError) Is(target error) bool {
	return target == ErrNotFound
}

// NoThreadError is returned when a thread is not tracked by the session.
type NoThreadError struct {
	Pid, Tid int
}

func (e NoThreadError) Error() string {
	return fmt.Sprintf("no thread %d in process %d", e.Tid, e.Pid)
}

func (e NoThreadError) Is(target error) bool {
	return target == ErrNotFound
}

// NoProcessError is returned when a process is not tracked by the session.
type NoProcessError struct {
	Pid int
}

func (e NoProcessError) Error() string {
	return fmt.Sprintf("no process %d", e.Pid)
}

func (e NoProcessError) Is(target error) bool {
	return target == ErrNotFound
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// LaunchFailedError is returned when the target could not be started
// under the debugger.
type LaunchFailedError struct {
	Path string
	Err  error
}

func (e *LaunchFailedError) Error() string {
	return fmt.Sprintf("could not launch %q: %v", e.Path, e.Err)
}

func (e *LaunchFailedError) Unwrap() error {
	return e.Err
}

// AttachFailedError is returned when the debugger could not attach to an
// existing process: the process does not exist, access was denied or it is
// already being debugged.
type AttachFailedError struct {
	Pid int
	Err error
}

func (e *AttachFailedError) Error() string {
	return fmt.Sprintf("could not attach to pid %d: %v", e.Pid, e.Err)
}

func (e *AttachFailedError) Unwrap() error {
	return e.Err
}
