package native

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/go-delve/wdbg/pkg/proc/winutil"
)

type _NTSTATUS int32

type _CLIENT_ID struct {
	UniqueProcess syscall.Handle
	UniqueThread  syscall.Handle
}

type _THREAD_BASIC_INFORMATION struct {
	ExitStatus     _NTSTATUS
	TebBaseAddress uintptr
	ClientId       _CLIENT_ID
	AffinityMask   uintptr
	Priority       int32
	BasePriority   int32
}

type _CREATE_PROCESS_DEBUG_INFO struct {
	File                syscall.Handle
	Process             syscall.Handle
	Thread              syscall.Handle
	BaseOfImage         uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ThreadLocalBase     uintptr
	StartAddress        uintptr
	ImageName           uintptr
	Unicode             uint16
}

type _CREATE_THREAD_DEBUG_INFO struct {
	Thread          syscall.Handle
	ThreadLocalBase uintptr
	StartAddress    uintptr
}

type _EXIT_THREAD_DEBUG_INFO struct {
	ExitCode uint32
}

type _EXIT_PROCESS_DEBUG_INFO struct {
	ExitCode uint32
}

type _LOAD_DLL_DEBUG_INFO struct {
	File                syscall.Handle
	BaseOfDll           uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ImageName           uintptr
	Unicode             uint16
}

type _UNLOAD_DLL_DEBUG_INFO struct {
	BaseOfDll uintptr
}

type _OUTPUT_DEBUG_STRING_INFO struct {
	DebugStringData   uintptr
	Unicode           uint16
	DebugStringLength uint16
}

type _RIP_INFO struct {
	Error uint32
	Type  uint32
}

type _EXCEPTION_DEBUG_INFO struct {
	ExceptionRecord _EXCEPTION_RECORD
	FirstChance     uint32
}

type _EXCEPTION_RECORD struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      *_EXCEPTION_RECORD
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [_EXCEPTION_MAXIMUM_PARAMETERS]uintptr
}

const (
	_ThreadBasicInformation = 0

	_DBG_CONTINUE              = 0x00010002
	_DBG_EXCEPTION_NOT_HANDLED = 0x80010001

	_EXCEPTION_DEBUG_EVENT      = 1
	_CREATE_THREAD_DEBUG_EVENT  = 2
	_CREATE_PROCESS_DEBUG_EVENT = 3
	_EXIT_THREAD_DEBUG_EVENT    = 4
	_EXIT_PROCESS_DEBUG_EVENT   = 5
	_LOAD_DLL_DEBUG_EVENT       = 6
	_UNLOAD_DLL_DEBUG_EVENT     = 7
	_OUTPUT_DEBUG_STRING_EVENT  = 8
	_RIP_EVENT                  = 9

	// DEBUG_ONLY_THIS_PROCESS and _DEBUG_PROCESS tracks https://msdn.microsoft.com/en-us/library/windows/desktop/ms684863(v=vs.85).aspx
	_DEBUG_ONLY_THIS_PROCESS = 0x00000002
	_DEBUG_PROCESS           = 0x00000001
	_CREATE_NEW_CONSOLE      = 0x00000010

	_EXCEPTION_MAXIMUM_PARAMETERS = 15

	_CONTEXT_AMD64 = 0x100000
	_CONTEXT_ALL   = _CONTEXT_AMD64 | 0x1 | 0x2 | 0x4 | 0x8 | 0x10

	_ERROR_SEM_TIMEOUT = syscall.Errno(121)

	_INFINITE = 0xffffffff
)

func _NT_SUCCESS(x _NTSTATUS) bool {
	return x >= 0
}

type _DEBUG_EVENT struct {
	DebugEventCode uint32
	ProcessId      uint32
	ThreadId       uint32
	_              uint32 // to align Union properly
	U              [160]byte
}

var (
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")
	ntdll    = windows.NewLazySystemDLL("ntdll.dll")

	procWaitForDebugEventEx       = kernel32.NewProc("WaitForDebugEventEx")
	procContinueDebugEvent        = kernel32.NewProc("ContinueDebugEvent")
	procDebugActiveProcess        = kernel32.NewProc("DebugActiveProcess")
	procDebugActiveProcessStop    = kernel32.NewProc("DebugActiveProcessStop")
	procDebugSetProcessKillOnExit = kernel32.NewProc("DebugSetProcessKillOnExit")
	procGetThreadContext          = kernel32.NewProc("GetThreadContext")
	procSetThreadContext          = kernel32.NewProc("SetThreadContext")
	procFlushInstructionCache     = kernel32.NewProc("FlushInstructionCache")
	procNtQueryInformationThread  = ntdll.NewProc("NtQueryInformationThread")
)

// errnoErr returns the error of a failed call, falling back to EINVAL when
// the last error was not set.
func errnoErr(e error) error {
	if errno, ok := e.(syscall.Errno); ok && errno != 0 {
		return errno
	}
	return syscall.EINVAL
}

func _WaitForDebugEventEx(debugevent *_DEBUG_EVENT, milliseconds uint32) error {
	r1, _, e1 := procWaitForDebugEventEx.Call(uintptr(unsafe.Pointer(debugevent)), uintptr(milliseconds))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _ContinueDebugEvent(processid uint32, threadid uint32, continuestatus uint32) error {
	r1, _, e1 := procContinueDebugEvent.Call(uintptr(processid), uintptr(threadid), uintptr(continuestatus))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _DebugActiveProcess(processid uint32) error {
	r1, _, e1 := procDebugActiveProcess.Call(uintptr(processid))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _DebugActiveProcessStop(processid uint32) error {
	r1, _, e1 := procDebugActiveProcessStop.Call(uintptr(processid))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _DebugSetProcessKillOnExit(killOnExit bool) error {
	var v uintptr
	if killOnExit {
		v = 1
	}
	r1, _, e1 := procDebugSetProcessKillOnExit.Call(v)
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _GetThreadContext(thread syscall.Handle, context *winutil.AMD64CONTEXT) error {
	r1, _, e1 := procGetThreadContext.Call(uintptr(thread), uintptr(unsafe.Pointer(context)))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _SetThreadContext(thread syscall.Handle, context *winutil.AMD64CONTEXT) error {
	r1, _, e1 := procSetThreadContext.Call(uintptr(thread), uintptr(unsafe.Pointer(context)))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _FlushInstructionCache(process syscall.Handle, baseaddr uintptr, size uintptr) error {
	r1, _, e1 := procFlushInstructionCache.Call(uintptr(process), baseaddr, size)
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _NtQueryInformationThread(threadHandle syscall.Handle, infoclass int32, info uintptr, infolen uint32, retlen *uint32) _NTSTATUS {
	r0, _, _ := procNtQueryInformationThread.Call(uintptr(threadHandle), uintptr(infoclass), info, uintptr(infolen), uintptr(unsafe.Pointer(retlen)))
	return _NTSTATUS(r0)
}
