package proc_test

import (
	"errors"
	"testing"
	"time"

	"github.com/go-delve/wdbg/pkg/proc"
	"github.com/go-delve/wdbg/pkg/proc/proctest"
)

// loopCode counts ecx from 0 to 3 and exits with code 0:
//
//	0x401000 xor ecx, ecx
//	0x401002 inc ecx
//	0x401004 cmp ecx, 3
//	0x401007 jne 0x401002
//	0x401009 xor eax, eax
//	0x40100b ret
var loopCode = []byte{0x31, 0xc9, 0xff, 0xc1, 0x83, 0xf9, 0x03, 0x75, 0xf9, 0x31, 0xc0, 0xc3}

const (
	loopPid   = 100
	loopTid   = 101
	loopEntry = proctest.ImageBase + proctest.CodeRVA
	loopInc   = loopEntry + 2
)

func launchLoop(t *testing.T, loaderBreak bool) (*proc.Session, *proctest.Host, *proctest.CPU) {
	t.Helper()
	h := proctest.NewHost(loopPid)
	cpu := proctest.NewCPU(h, loopCode)
	cpu.LoaderBreak = loaderBreak
	s, err := proc.Launch(h, proc.LaunchConfig{Path: `C:\test\loop.exe`}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return s, h, cpu
}

func mustNext(t *testing.T, s *proc.Session, kind proc.EventKind) proc.DebugEvent {
	t.Helper()
	ev, err := s.NextEvent(0)
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if ev.Kind != kind {
		t.Fatalf("expected %s, got %s", kind, ev)
	}
	return ev
}

func mustResume(t *testing.T, s *proc.Session) {
	t.Helper()
	if err := s.Resume(false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
}

// startLoop runs the loop program until its image is loaded, leaving the
// ModuleLoaded event pending.
func startLoop(t *testing.T, s *proc.Session) proc.DebugEvent {
	t.Helper()
	mustNext(t, s, proc.EventProcessCreated)
	mustResume(t, s)
	mustNext(t, s, proc.EventThreadCreated)
	mustResume(t, s)
	return mustNext(t, s, proc.EventModuleLoaded)
}

func assertInvalidState(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, proc.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestBreakpointInLoop(t *testing.T) {
	s, h, cpu := launchLoop(t, false)
	ev := startLoop(t, s)
	if ev.Module.Name != "loop.exe" || ev.Module.Path != `C:\test\loop.exe` {
		t.Fatalf("unexpected module %#v", ev.Module)
	}
	if ev.Module.Base != proctest.ImageBase || ev.Module.Size != 0x2000 {
		t.Fatalf("unexpected module range %#x+%#x", ev.Module.Base, ev.Module.Size)
	}

	bp, err := s.SetBreakpoint(loopPid, loopInc)
	if err != nil {
		t.Fatal(err)
	}
	mustResume(t, s)

	for i := 1; i <= 3; i++ {
		ev := mustNext(t, s, proc.EventBreakpoint)
		if ev.Breakpoint.ID != bp.ID || ev.Breakpoint.Addr != loopInc || ev.Breakpoint.HitCount != uint64(i) {
			t.Fatalf("pass %d: unexpected breakpoint event %s", i, ev)
		}
		if ev.Tid != loopTid {
			t.Fatalf("pass %d: breakpoint hit by thread %d", i, ev.Tid)
		}
		regs, err := s.Registers(loopPid, loopTid)
		if err != nil {
			t.Fatal(err)
		}
		if regs.PC() != loopInc {
			t.Fatalf("pass %d: pc %#x, expected %#x", i, regs.PC(), loopInc)
		}
		rcx, _ := regs.Get("rcx")
		if rcx != uint64(i-1) {
			t.Fatalf("pass %d: rcx %d", i, rcx)
		}
		mustResume(t, s)
		if c := h.Continues[len(h.Continues)-1]; !c.SingleStep || c.Status != proc.ContinueHandled {
			t.Fatalf("pass %d: breakpoint continued with %#v", i, c)
		}
	}

	mustNext(t, s, proc.EventThreadExited)
	mustResume(t, s)
	ev = mustNext(t, s, proc.EventProcessExited)
	if ev.ExitCode != 0 {
		t.Fatalf("exit code %d", ev.ExitCode)
	}
	if s.State() != proc.SessionTerminated {
		t.Fatalf("session state %s after root exit", s.State())
	}
	mustResume(t, s)

	if n := cpu.Executed(loopInc); n != 3 {
		t.Fatalf("instruction under the breakpoint executed %d times", n)
	}
	if bp.HitCount() != 3 {
		t.Fatalf("hit count %d", bp.HitCount())
	}
	_, err = s.NextEvent(0)
	assertInvalidState(t, err)
	if err := s.Close(); err != nil || !h.IsClosed() {
		t.Fatalf("Close: %v", err)
	}
}

func TestEntryBreakpoint(t *testing.T) {
	s, h, cpu := launchLoop(t, false)
	mustNext(t, s, proc.EventProcessCreated)
	p, err := s.FindProcess(loopPid)
	if err != nil {
		t.Fatal(err)
	}
	if p.EntryPoint != loopEntry {
		t.Fatalf("entry point %#x", p.EntryPoint)
	}
	bp, err := s.SetBreakpoint(loopPid, p.EntryPoint)
	if err != nil {
		t.Fatal(err)
	}
	mustResume(t, s)
	mustNext(t, s, proc.EventThreadCreated)
	mustResume(t, s)
	mustNext(t, s, proc.EventModuleLoaded)
	mustResume(t, s)

	ev := mustNext(t, s, proc.EventBreakpoint)
	if ev.Breakpoint.Addr != loopEntry || ev.Breakpoint.HitCount != 1 {
		t.Fatalf("unexpected event %s", ev)
	}
	if _, err := s.ClearBreakpoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	mustResume(t, s)

	mustNext(t, s, proc.EventThreadExited)
	mustResume(t, s)
	ev = mustNext(t, s, proc.EventProcessExited)
	if ev.ExitCode != 0 {
		t.Fatalf("exit code %d", ev.ExitCode)
	}
	mustResume(t, s)
	if n := cpu.Executed(loopEntry); n != 1 {
		t.Fatalf("entry instruction executed %d times", n)
	}
	if b, _ := cpu.Mem.Byte(loopEntry); b != loopCode[0] {
		t.Fatalf("entry byte %#x after clear", b)
	}
	if len(h.Continues) == 0 {
		t.Fatal("no continue recorded")
	}
}

func TestSetClearBreakpoint(t *testing.T) {
	s, _, cpu := launchLoop(t, false)
	startLoop(t, s)

	bp, err := s.SetBreakpoint(loopPid, loopEntry)
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.ReadMemory(loopPid, loopEntry, 1)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 0xcc {
		t.Fatalf("expected trap byte, got %#x", data[0])
	}
	if len(bp.OriginalData) != 1 || bp.OriginalData[0] != loopCode[0] {
		t.Fatalf("original data %#x", bp.OriginalData)
	}

	_, err = s.SetBreakpoint(loopPid, loopEntry)
	if !errors.Is(err, proc.ErrAlreadyArmed) {
		t.Fatalf("expected already armed error, got %v", err)
	}
	var exists proc.BreakpointExistsError
	if !errors.As(err, &exists) || exists.ID != bp.ID {
		t.Fatalf("expected BreakpointExistsError for %d, got %v", bp.ID, err)
	}
	if b, _ := cpu.Mem.Byte(loopEntry); b != 0xcc {
		t.Fatalf("duplicate set changed memory to %#x", b)
	}
	if bp.OriginalData[0] != loopCode[0] {
		t.Fatalf("duplicate set recaptured original data %#x", bp.OriginalData)
	}

	if _, err := s.ClearBreakpoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	data, err = s.ReadMemory(loopPid, loopEntry, 1)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != loopCode[0] {
		t.Fatalf("clear restored %#x, expected %#x", data[0], loopCode[0])
	}
	_, err = s.ClearBreakpoint(bp.ID)
	if !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}

	bp2, err := s.SetBreakpoint(loopPid, loopEntry)
	if err != nil {
		t.Fatal(err)
	}
	if bp2.ID <= bp.ID {
		t.Fatalf("breakpoint IDs not increasing: %d then %d", bp.ID, bp2.ID)
	}
}

func TestEnableDisableBreakpoint(t *testing.T) {
	s, _, cpu := launchLoop(t, false)
	startLoop(t, s)
	bp, err := s.SetBreakpoint(loopPid, loopInc)
	if err != nil {
		t.Fatal(err)
	}
	mustResume(t, s)
	mustNext(t, s, proc.EventBreakpoint)

	if _, err := s.DisableBreakpoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Step(); err != nil {
		t.Fatal(err)
	}
	mustNext(t, s, proc.EventStepComplete)
	if b, _ := cpu.Mem.Byte(loopInc); b != loopCode[2] || bp.Armed() {
		t.Fatalf("disabled breakpoint re-armed after step over: %#x", b)
	}
	if bp.HitCount() != 1 || bp.Enabled() {
		t.Fatalf("unexpected breakpoint state %s", bp)
	}

	if _, err := s.EnableBreakpoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	if b, _ := cpu.Mem.Byte(loopInc); b != 0xcc || !bp.Armed() {
		t.Fatalf("enabled breakpoint byte %#x", b)
	}
	mustResume(t, s)
	ev := mustNext(t, s, proc.EventBreakpoint)
	if ev.Breakpoint.HitCount != 2 {
		t.Fatalf("hit count not kept across disable: %s", ev)
	}
	if _, err := s.EnableBreakpoint(42); !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStep(t *testing.T) {
	s, _, _ := launchLoop(t, false)
	startLoop(t, s)
	if _, err := s.SetBreakpoint(loopPid, loopInc); err != nil {
		t.Fatal(err)
	}
	mustResume(t, s)
	mustNext(t, s, proc.EventBreakpoint)

	for _, want := range []uint64{loopEntry + 4, loopEntry + 7} {
		if err := s.Step(); err != nil {
			t.Fatal(err)
		}
		ev := mustNext(t, s, proc.EventStepComplete)
		if ev.Exception.Address != want {
			t.Fatalf("step stopped at %#x, expected %#x", ev.Exception.Address, want)
		}
		regs, err := s.Registers(loopPid, loopTid)
		if err != nil {
			t.Fatal(err)
		}
		if regs.SingleStep() {
			t.Fatal("trap flag still set after step")
		}
	}
	mustResume(t, s)
	ev := mustNext(t, s, proc.EventBreakpoint)
	if ev.Breakpoint.HitCount != 2 {
		t.Fatalf("expected second hit, got %s", ev)
	}
}

func TestLoaderBreak(t *testing.T) {
	s, _, _ := launchLoop(t, true)
	startLoop(t, s)
	mustResume(t, s)
	ev := mustNext(t, s, proc.EventException)
	if !ev.Exception.LoaderBreak || ev.Exception.Code != proc.ExceptionBreakpoint || ev.Exception.Address != proctest.LoaderBreakAddr {
		t.Fatalf("unexpected loader break %s", ev)
	}
	mustResume(t, s)
	mustNext(t, s, proc.EventThreadExited)
}

func TestProtocolMisuse(t *testing.T) {
	s, h, _ := launchLoop(t, false)
	assertInvalidState(t, s.Resume(false))
	assertInvalidState(t, s.Step())

	mustNext(t, s, proc.EventProcessCreated)
	continues := len(h.Continues)
	_, err := s.NextEvent(time.Second)
	assertInvalidState(t, err)
	if len(h.Continues) != continues || !s.Pending() {
		t.Fatal("NextEvent consumed a notification while an event was pending")
	}
	assertInvalidState(t, s.Detach())

	if _, err := s.Registers(loopPid, loopTid); err != nil {
		t.Fatalf("registers of the frozen thread: %v", err)
	}
	if th, ok := s.FrozenThread(); !ok || th.ID != loopTid || th.State() != proc.ThreadFrozen {
		t.Fatal("reporting thread not frozen")
	}
	if _, err := s.Registers(loopPid, 999); !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("expected not found for unknown thread, got %v", err)
	}
	if _, err := s.Registers(999, loopTid); !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("expected not found for unknown process, got %v", err)
	}
	mustResume(t, s)
	mustNext(t, s, proc.EventThreadCreated)
	mustResume(t, s)
	mustNext(t, s, proc.EventModuleLoaded)
	mustResume(t, s)

	if _, ok := s.FrozenThread(); ok {
		t.Fatal("a thread is frozen after resume")
	}
	_, err = s.Registers(loopPid, loopTid)
	assertInvalidState(t, err)
	regs := proctest.NewRegisters(0)
	assertInvalidState(t, s.SetRegisters(loopPid, loopTid, regs))
	assertInvalidState(t, s.Resume(false))
}

func TestSetRegisters(t *testing.T) {
	s, h, cpu := launchLoop(t, false)
	startLoop(t, s)
	regs, err := s.Registers(loopPid, loopTid)
	if err != nil {
		t.Fatal(err)
	}
	// skip the loop entirely
	regs.SetPC(loopEntry + 9)
	if err := regs.Set("rax", 7); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRegisters(loopPid, loopTid, regs); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Registers(loopPid, loopTid)
	if got.PC() != loopEntry+9 {
		t.Fatalf("pc %#x after SetRegisters", got.PC())
	}
	if h.Contexts[cpu.Thread].PC() != loopEntry+9 {
		t.Fatal("SetRegisters did not reach the host")
	}
	mustResume(t, s)
	mustNext(t, s, proc.EventThreadExited)
	mustResume(t, s)
	ev := mustNext(t, s, proc.EventProcessExited)
	if ev.ExitCode != 0 {
		t.Fatalf("exit code %d", ev.ExitCode)
	}
	if cpu.Executed(loopInc) != 0 {
		t.Fatal("loop executed after moving pc")
	}
}

func TestTimeout(t *testing.T) {
	h := proctest.NewHost(1)
	s, err := proc.Launch(h, proc.LaunchConfig{Path: "x.exe"}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.NextEvent(10 * time.Millisecond)
	if !errors.Is(err, proc.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.State() != proc.SessionRunning || s.Pending() {
		t.Fatalf("state changed after timeout: %s pending=%v", s.State(), s.Pending())
	}
	if _, ok := s.FrozenThread(); ok {
		t.Fatal("thread frozen after timeout")
	}
}

func TestLaunchAttachFailure(t *testing.T) {
	h := proctest.NewHost(1)
	h.LaunchErr = errors.New("file not found")
	_, err := proc.Launch(h, proc.LaunchConfig{Path: "missing.exe"}, proc.Options{})
	var lerr *proc.LaunchFailedError
	if !errors.As(err, &lerr) || lerr.Path != "missing.exe" {
		t.Fatalf("expected LaunchFailedError, got %v", err)
	}

	h.AttachErr = errors.New("access denied")
	_, err = proc.Attach(h, 1234, proc.Options{})
	var aerr *proc.AttachFailedError
	if !errors.As(err, &aerr) || aerr.Pid != 1234 {
		t.Fatalf("expected AttachFailedError, got %v", err)
	}
}

func TestFatalHostError(t *testing.T) {
	s, h, _ := launchLoop(t, false)
	startLoop(t, s)
	mustResume(t, s)
	h.WaitErr = errors.New("the handle is invalid")
	if _, err := s.NextEvent(0); err == nil {
		t.Fatal("expected an error")
	}
	if s.State() != proc.SessionTerminated || s.Err() == nil {
		t.Fatalf("session not terminated: %s", s.State())
	}
	_, err := s.NextEvent(0)
	assertInvalidState(t, err)
	assertInvalidState(t, s.Resume(false))
	_, err = s.SetBreakpoint(loopPid, loopEntry)
	assertInvalidState(t, err)
	if len(h.Closed) < 2 {
		t.Fatalf("handles not released: %#x", h.Closed)
	}
}

func TestDetachRefusedWhileStepping(t *testing.T) {
	s, _, _ := launchLoop(t, false)
	startLoop(t, s)
	if _, err := s.SetBreakpoint(loopPid, loopInc); err != nil {
		t.Fatal(err)
	}
	mustResume(t, s)
	mustNext(t, s, proc.EventBreakpoint)
	mustResume(t, s)
	// the thread is stepping over the breakpoint
	assertInvalidState(t, s.Detach())
	mustNext(t, s, proc.EventBreakpoint)
	assertInvalidState(t, s.Detach())
}

func TestDetachRestoresBreakpoints(t *testing.T) {
	s, h, cpu := launchLoop(t, false)
	startLoop(t, s)
	if _, err := s.SetBreakpoint(loopPid, loopInc); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetBreakpoint(loopPid, loopEntry); err != nil {
		t.Fatal(err)
	}
	mustResume(t, s)
	if err := s.Detach(); err != nil {
		t.Fatal(err)
	}
	for i, addr := range []uint64{loopEntry, loopInc} {
		if b, _ := cpu.Mem.Byte(addr); b != loopCode[i*2] {
			t.Fatalf("byte at %#x not restored: %#x", addr, b)
		}
	}
	if len(h.Detached) != 1 || h.Detached[0] != loopPid {
		t.Fatalf("detached from %v", h.Detached)
	}
	if s.State() != proc.SessionTerminated {
		t.Fatalf("state %s after detach", s.State())
	}
	if len(h.Closed) != 2 {
		t.Fatalf("closed handles %#x", h.Closed)
	}
	_, err := s.NextEvent(0)
	assertInvalidState(t, err)
}

func TestKill(t *testing.T) {
	s, h, cpu := launchLoop(t, false)
	startLoop(t, s)
	if err := s.Kill(); err != nil {
		t.Fatal(err)
	}
	if len(h.Terminated) != 1 || h.Terminated[0] != cpu.Process {
		t.Fatalf("terminated %v", h.Terminated)
	}
}
