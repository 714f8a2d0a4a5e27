package proc

import (
	"fmt"
	"time"
)

// Handle is an operating system handle to a process or thread owned by the
// session.
type Handle uintptr

// RawEventKind is the code the operating system attaches to a debug
// notification.
type RawEventKind uint32

// Debug notification codes, as defined by the Windows debug API.
const (
	RawException         RawEventKind = 1
	RawCreateThread      RawEventKind = 2
	RawCreateProcess     RawEventKind = 3
	RawExitThread        RawEventKind = 4
	RawExitProcess       RawEventKind = 5
	RawLoadDLL           RawEventKind = 6
	RawUnloadDLL         RawEventKind = 7
	RawOutputDebugString RawEventKind = 8
	RawRIP               RawEventKind = 9
)

func (k RawEventKind) String() string {
	switch k {
	case RawException:
		return "EXCEPTION"
	case RawCreateThread:
		return "CREATE_THREAD"
	case RawCreateProcess:
		return "CREATE_PROCESS"
	case RawExitThread:
		return "EXIT_THREAD"
	case RawExitProcess:
		return "EXIT_PROCESS"
	case RawLoadDLL:
		return "LOAD_DLL"
	case RawUnloadDLL:
		return "UNLOAD_DLL"
	case RawOutputDebugString:
		return "OUTPUT_DEBUG_STRING"
	case RawRIP:
		return "RIP"
	}
	return fmt.Sprintf("RawEventKind(%d)", uint32(k))
}

// Exception codes the breakpoint engine interprets.
const (
	ExceptionBreakpoint = 0x80000003
	ExceptionSingleStep = 0x80000004
)

// ExceptionRecord describes the exception carried by a RawException
// notification.
type ExceptionRecord struct {
	Code        uint32
	Flags       uint32
	Address     uint64
	FirstChance bool
	Params      []uint64
}

// RawEvent is a debug notification as delivered by the host. Only the
// fields relevant to Kind are set.
type RawEvent struct {
	Kind RawEventKind
	Pid  int
	Tid  int

	// Process and Thread are set by RawCreateProcess (both) and
	// RawCreateThread (Thread only). The session owns them from then on.
	Process Handle
	Thread  Handle

	// ImageBase is set by RawCreateProcess, RawLoadDLL and RawUnloadDLL.
	ImageBase    uint64
	StartAddress uint64
	// ImagePath is the path of the image file, if the host could resolve it
	// from the file handle attached to the notification.
	ImagePath string
	// ImageNamePtr is the address, in the target, of a pointer to the image
	// name. Either may be zero.
	ImageNamePtr uint64
	// Unicode reports whether the string referenced by ImageNamePtr or
	// DebugString is UTF-16.
	Unicode bool

	Exception ExceptionRecord

	// ExitCode is set by RawExitThread and RawExitProcess.
	ExitCode uint32

	// DebugString and DebugStringLen are set by RawOutputDebugString. The
	// length is in bytes and includes the terminating NUL.
	DebugString    uint64
	DebugStringLen int

	RIPError uint32
	RIPType  uint32
}

// ContinueStatus tells the host how the thread that reported a debug
// notification should proceed.
type ContinueStatus uint8

const (
	// ContinueHandled resumes the thread as if the debugger handled the
	// exception (DBG_CONTINUE).
	ContinueHandled ContinueStatus = iota
	// ContinueNotHandled passes the exception to the target's own handlers
	// (DBG_EXCEPTION_NOT_HANDLED).
	ContinueNotHandled
)

func (cs ContinueStatus) String() string {
	if cs == ContinueNotHandled {
		return "DBG_EXCEPTION_NOT_HANDLED"
	}
	return "DBG_CONTINUE"
}

// LaunchConfig describes a target to start under the debugger.
type LaunchConfig struct {
	Path       string
	Args       []string
	WorkingDir string
	// Env entries, in KEY=VALUE form, override the debugger's environment.
	Env []string
	// FollowChildren also debugs processes created by the target.
	FollowChildren bool
	// NewConsole gives the target its own console window.
	NewConsole bool
}

// Host is the operating system debug interface. It is the only place where
// debug API calls are made; everything above it is platform independent.
// A Host serves exactly one session and is not safe for concurrent use.
type Host interface {
	// Launch starts a new process under the debugger and returns its pid.
	Launch(cfg LaunchConfig) (int, error)
	// Attach starts debugging an existing process.
	Attach(pid int) error
	// WaitForDebugEvent blocks until the next debug notification. A timeout
	// of zero waits forever; when it elapses ErrTimeout is returned.
	WaitForDebugEvent(timeout time.Duration) (*RawEvent, error)
	// ContinueDebugEvent resumes the thread that reported the last
	// notification.
	ContinueDebugEvent(pid, tid int, status ContinueStatus) error

	// ReadMemory reads up to len(buf) bytes at addr and returns how many it
	// read. A short read may come with a nil error.
	ReadMemory(h Handle, addr uint64, buf []byte) (int, error)
	// WriteMemory writes up to len(data) bytes at addr and returns how many
	// it wrote.
	WriteMemory(h Handle, addr uint64, data []byte) (int, error)
	// FlushInstructionCache makes code written at [addr, addr+size) visible
	// to execution.
	FlushInstructionCache(h Handle, addr uint64, size int) error

	// GetThreadContext returns the registers of a stopped thread.
	GetThreadContext(h Handle) (Registers, error)
	// SetThreadContext changes the registers of a stopped thread.
	SetThreadContext(h Handle, regs Registers) error

	// CloseHandle releases a process or thread handle received in a
	// notification.
	CloseHandle(h Handle) error
	// Detach stops debugging the process without terminating it.
	Detach(pid int) error
	// Terminate kills the process.
	Terminate(h Handle, exitCode uint32) error
	// Close releases host resources.
	Close() error
}
