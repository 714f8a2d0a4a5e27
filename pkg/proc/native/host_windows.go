package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/go-delve/wdbg/pkg/proc"
	"github.com/go-delve/wdbg/pkg/proc/winutil"
)

// osHostDetails holds Windows specific information.
type osHostDetails struct {
	// launched records the pids started by Launch, to release them on
	// Close.
	launched []*os.Process
}

// Launch creates and begins debugging a new process.
func (h *Host) Launch(cfg proc.LaunchConfig) (int, error) {
	argv0, err := filepath.Abs(cfg.Path)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(argv0); err != nil {
		if lp, lerr := findOnPath(cfg.Path); lerr == nil {
			argv0 = lp
		} else {
			return 0, err
		}
	}

	flags := uint32(_DEBUG_ONLY_THIS_PROCESS)
	if cfg.FollowChildren {
		flags = _DEBUG_PROCESS
	}
	if cfg.NewConsole {
		flags |= _CREATE_NEW_CONSOLE
	}

	var p *os.Process
	h.execPtraceFunc(func() {
		attr := &os.ProcAttr{
			Dir:   cfg.WorkingDir,
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
			Sys: &syscall.SysProcAttr{
				CreationFlags: flags,
			},
			Env: mergeEnv(os.Environ(), cfg.Env),
		}
		p, err = os.StartProcess(argv0, append([]string{argv0}, cfg.Args...), attr)
	})
	if err != nil {
		return 0, err
	}
	h.os.launched = append(h.os.launched, p)
	h.log.Debugf("started %s, pid %d, creation flags %#x", argv0, p.Pid, flags)
	return p.Pid, nil
}

func findOnPath(name string) (string, error) {
	if filepath.Ext(name) == "" {
		name += ".exe"
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", os.ErrNotExist
}

// mergeEnv returns base with the entries of overrides replacing the ones
// with the same name. Names are case insensitive.
func mergeEnv(base, overrides []string) []string {
	if len(overrides) == 0 {
		return base
	}
	// Names of per-drive variables start with '='.
	key := func(kv string) string {
		if i := strings.Index(kv, "="); i > 0 {
			return strings.ToUpper(kv[:i])
		} else if i == 0 {
			if j := strings.Index(kv[1:], "="); j >= 0 {
				return strings.ToUpper(kv[:j+1])
			}
		}
		return strings.ToUpper(kv)
	}
	replaced := make(map[string]bool, len(overrides))
	for _, kv := range overrides {
		replaced[key(kv)] = true
	}
	r := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		if kv != "" && !replaced[key(kv)] {
			r = append(r, kv)
		}
	}
	return append(r, overrides...)
}

// Attach to an existing process with the given PID.
func (h *Host) Attach(pid int) error {
	var err error
	h.execPtraceFunc(func() {
		err = _DebugActiveProcess(uint32(pid))
		if err == nil {
			// Detaching or closing the debugger must not kill a process we
			// did not start.
			err = _DebugSetProcessKillOnExit(false)
		}
	})
	return err
}

// WaitForDebugEvent waits for the next debug notification of any debugged
// process. A zero timeout waits forever.
func (h *Host) WaitForDebugEvent(timeout time.Duration) (*proc.RawEvent, error) {
	milliseconds := uint32(_INFINITE)
	if timeout > 0 {
		milliseconds = uint32(timeout / time.Millisecond)
		if milliseconds == 0 {
			milliseconds = 1
		}
	}
	var (
		debugEvent _DEBUG_EVENT
		ev         *proc.RawEvent
		err        error
	)
	h.execPtraceFunc(func() {
		err = _WaitForDebugEventEx(&debugEvent, milliseconds)
		if err != nil {
			return
		}
		ev, err = h.translate(&debugEvent)
	})
	if err != nil {
		if errors.Is(err, _ERROR_SEM_TIMEOUT) {
			return nil, proc.ErrTimeout
		}
		return nil, err
	}
	return ev, nil
}

func (h *Host) translate(debugEvent *_DEBUG_EVENT) (*proc.RawEvent, error) {
	ev := &proc.RawEvent{
		Kind: proc.RawEventKind(debugEvent.DebugEventCode),
		Pid:  int(debugEvent.ProcessId),
		Tid:  int(debugEvent.ThreadId),
	}
	unionPtr := unsafe.Pointer(&debugEvent.U[0])
	switch debugEvent.DebugEventCode {
	case _CREATE_PROCESS_DEBUG_EVENT:
		debugInfo := (*_CREATE_PROCESS_DEBUG_INFO)(unionPtr)
		ev.ImagePath = h.imagePath(debugInfo.File)
		var err error
		if ev.Process, err = duplicate(debugInfo.Process); err != nil {
			return nil, fmt.Errorf("could not duplicate process handle: %w", err)
		}
		if ev.Thread, err = duplicate(debugInfo.Thread); err != nil {
			windows.CloseHandle(windows.Handle(ev.Process))
			return nil, fmt.Errorf("could not duplicate thread handle: %w", err)
		}
		ev.ImageBase = uint64(debugInfo.BaseOfImage)
		ev.StartAddress = uint64(debugInfo.StartAddress)
		ev.ImageNamePtr = uint64(debugInfo.ImageName)
		ev.Unicode = debugInfo.Unicode != 0
	case _CREATE_THREAD_DEBUG_EVENT:
		debugInfo := (*_CREATE_THREAD_DEBUG_INFO)(unionPtr)
		var err error
		if ev.Thread, err = duplicate(debugInfo.Thread); err != nil {
			return nil, fmt.Errorf("could not duplicate thread handle: %w", err)
		}
		ev.StartAddress = uint64(debugInfo.StartAddress)
	case _EXIT_THREAD_DEBUG_EVENT:
		ev.ExitCode = (*_EXIT_THREAD_DEBUG_INFO)(unionPtr).ExitCode
	case _EXIT_PROCESS_DEBUG_EVENT:
		ev.ExitCode = (*_EXIT_PROCESS_DEBUG_INFO)(unionPtr).ExitCode
	case _LOAD_DLL_DEBUG_EVENT:
		debugInfo := (*_LOAD_DLL_DEBUG_INFO)(unionPtr)
		ev.ImagePath = h.imagePath(debugInfo.File)
		ev.ImageBase = uint64(debugInfo.BaseOfDll)
		ev.ImageNamePtr = uint64(debugInfo.ImageName)
		ev.Unicode = debugInfo.Unicode != 0
	case _UNLOAD_DLL_DEBUG_EVENT:
		ev.ImageBase = uint64((*_UNLOAD_DLL_DEBUG_INFO)(unionPtr).BaseOfDll)
	case _OUTPUT_DEBUG_STRING_EVENT:
		debugInfo := (*_OUTPUT_DEBUG_STRING_INFO)(unionPtr)
		ev.DebugString = uint64(debugInfo.DebugStringData)
		ev.DebugStringLen = int(debugInfo.DebugStringLength)
		ev.Unicode = debugInfo.Unicode != 0
	case _RIP_EVENT:
		debugInfo := (*_RIP_INFO)(unionPtr)
		ev.RIPError = debugInfo.Error
		ev.RIPType = debugInfo.Type
	case _EXCEPTION_DEBUG_EVENT:
		exception := (*_EXCEPTION_DEBUG_INFO)(unionPtr)
		rec := &exception.ExceptionRecord
		ev.Exception = proc.ExceptionRecord{
			Code:        rec.ExceptionCode,
			Flags:       rec.ExceptionFlags,
			Address:     uint64(rec.ExceptionAddress),
			FirstChance: exception.FirstChance != 0,
		}
		n := int(rec.NumberParameters)
		if n > _EXCEPTION_MAXIMUM_PARAMETERS {
			n = _EXCEPTION_MAXIMUM_PARAMETERS
		}
		for _, p := range rec.ExceptionInformation[:n] {
			ev.Exception.Params = append(ev.Exception.Params, uint64(p))
		}
	default:
		h.log.Warnf("unknown debug event code: %d", debugEvent.DebugEventCode)
	}
	return ev, nil
}

// imagePath resolves the file handle attached to a create process or load
// dll notification and closes it.
func (h *Host) imagePath(file syscall.Handle) string {
	if file == 0 || file == syscall.InvalidHandle {
		return ""
	}
	defer windows.CloseHandle(windows.Handle(file))
	buf := make([]uint16, syscall.MAX_PATH)
	for {
		n, err := windows.GetFinalPathNameByHandle(windows.Handle(file), &buf[0], uint32(len(buf)), 0)
		if err != nil {
			h.log.Debugf("could not resolve image file handle: %v", err)
			return ""
		}
		if int(n) < len(buf) {
			return syscall.UTF16ToString(buf[:n])
		}
		buf = make([]uint16, n+1)
	}
}

// duplicate returns a handle the session owns, independent from the one
// Windows closes when the thread or process exit is continued.
func duplicate(handle syscall.Handle) (proc.Handle, error) {
	var dup windows.Handle
	cur := windows.CurrentProcess()
	err := windows.DuplicateHandle(cur, windows.Handle(handle), cur, &dup, 0, false, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return 0, err
	}
	return proc.Handle(dup), nil
}

// ContinueDebugEvent lets the thread that reported the last notification
// of process pid continue.
func (h *Host) ContinueDebugEvent(pid, tid int, status proc.ContinueStatus) error {
	continueStatus := uint32(_DBG_CONTINUE)
	if status == proc.ContinueNotHandled {
		continueStatus = _DBG_EXCEPTION_NOT_HANDLED
	}
	var err error
	h.execPtraceFunc(func() {
		err = _ContinueDebugEvent(uint32(pid), uint32(tid), continueStatus)
	})
	return err
}

// ReadMemory reads target memory. It returns the number of bytes read,
// which is short when the range crosses into inaccessible memory.
func (h *Host) ReadMemory(process proc.Handle, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var count uintptr
	err := windows.ReadProcessMemory(windows.Handle(process), uintptr(addr), &buf[0], uintptr(len(buf)), &count)
	if count > 0 {
		return int(count), nil
	}
	return 0, err
}

// WriteMemory writes target memory. It returns the number of bytes
// written.
func (h *Host) WriteMemory(process proc.Handle, addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var count uintptr
	err := windows.WriteProcessMemory(windows.Handle(process), uintptr(addr), &data[0], uintptr(len(data)), &count)
	if count > 0 {
		return int(count), nil
	}
	return 0, err
}

func (h *Host) FlushInstructionCache(process proc.Handle, addr uint64, size int) error {
	return _FlushInstructionCache(syscall.Handle(process), uintptr(addr), uintptr(size))
}

// GetThreadContext returns the full context of a stopped thread.
func (h *Host) GetThreadContext(thread proc.Handle) (proc.Registers, error) {
	context := winutil.NewAMD64CONTEXT()
	context.SetFlags(_CONTEXT_ALL)
	if err := _GetThreadContext(syscall.Handle(thread), context); err != nil {
		return nil, err
	}

	var threadInfo _THREAD_BASIC_INFORMATION
	status := _NtQueryInformationThread(syscall.Handle(thread), _ThreadBasicInformation, uintptr(unsafe.Pointer(&threadInfo)), uint32(unsafe.Sizeof(threadInfo)), nil)
	if !_NT_SUCCESS(status) {
		return nil, fmt.Errorf("NtQueryInformationThread failed: it returns 0x%x", status)
	}

	return winutil.NewAMD64Registers(context, uint64(threadInfo.TebBaseAddress)), nil
}

// SetThreadContext writes registers obtained from GetThreadContext back
// to the thread.
func (h *Host) SetThreadContext(thread proc.Handle, regs proc.Registers) error {
	r, ok := regs.(*winutil.AMD64Registers)
	if !ok {
		return fmt.Errorf("unexpected register type %T", regs)
	}
	r.Context.SetFlags(_CONTEXT_ALL)
	return _SetThreadContext(syscall.Handle(thread), r.Context)
}

func (h *Host) CloseHandle(handle proc.Handle) error {
	return windows.CloseHandle(windows.Handle(handle))
}

// Detach stops debugging process pid and lets it run.
func (h *Host) Detach(pid int) error {
	var err error
	h.execPtraceFunc(func() {
		err = _DebugActiveProcessStop(uint32(pid))
	})
	return err
}

// Terminate kills the process. Its exit notification is still delivered.
func (h *Host) Terminate(process proc.Handle, exitCode uint32) error {
	return windows.TerminateProcess(windows.Handle(process), exitCode)
}

func (h *Host) release() {
	for _, p := range h.os.launched {
		p.Release()
	}
	h.os.launched = nil
}
