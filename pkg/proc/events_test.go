package proc_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"unicode/utf16"

	"github.com/go-delve/wdbg/pkg/proc"
	"github.com/go-delve/wdbg/pkg/proc/proctest"
)

const (
	scriptPid    = 7
	scriptTid    = 8
	scriptBase   = 0x140000000
	scriptData   = 0x20000
	kernel32Base = 0x7ff800000000
)

// scripted sets up a host whose process pid has an image at scriptBase
// and a data page at scriptData, and returns its create notification.
func scripted(h *proctest.Host, pid, tid int, imageName string) (*proc.RawEvent, *proctest.Memory) {
	ph, th := proc.Handle(pid<<4), proc.Handle(pid<<4|1)
	mem := proctest.NewMemory()
	mem.Map(scriptBase, proctest.BuildImageHeader(0x5000, 0x1230, imageName))
	mem.Map(scriptData, make([]byte, 0x1000))
	h.Memory[ph] = mem
	h.Contexts[th] = proctest.NewRegisters(scriptBase + 0x1230)
	return &proc.RawEvent{
		Kind:         proc.RawCreateProcess,
		Pid:          pid,
		Tid:          tid,
		Process:      ph,
		Thread:       th,
		ImageBase:    scriptBase,
		StartAddress: scriptBase + 0x1230,
	}, mem
}

func utf16z(s string) []byte {
	var b []byte
	for _, c := range utf16.Encode([]rune(s)) {
		b = append(b, byte(c), byte(c>>8))
	}
	return append(b, 0, 0)
}

func poke(t *testing.T, mem *proctest.Memory, addr uint64, data []byte) {
	t.Helper()
	if n, err := mem.WriteAt(data, addr); err != nil || n != len(data) {
		t.Fatalf("could not write %d bytes at %#x: %v", len(data), addr, err)
	}
}

func collect(t *testing.T, s *proc.Session) []proc.DebugEvent {
	t.Helper()
	var evs []proc.DebugEvent
	for s.State() != proc.SessionTerminated {
		ev, err := s.NextEvent(0)
		if err != nil {
			t.Fatalf("NextEvent after %v: %v", kinds(evs), err)
		}
		evs = append(evs, ev)
		if err := s.Resume(false); err != nil {
			t.Fatal(err)
		}
	}
	return evs
}

func kinds(evs []proc.DebugEvent) []proc.EventKind {
	r := make([]proc.EventKind, len(evs))
	for i := range evs {
		r[i] = evs[i].Kind
	}
	return r
}

func sameKinds(a, b []proc.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEventSequence(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, mem := scripted(h, scriptPid, scriptTid, "hello.exe")
	poke(t, mem, scriptData, []byte("hello, world\n\x00"))
	h.Push(
		create,
		&proc.RawEvent{Kind: proc.RawLoadDLL, Pid: scriptPid, Tid: scriptTid, ImageBase: kernel32Base, ImagePath: `\\?\C:\Windows\System32\KERNEL32.DLL`},
		&proc.RawEvent{Kind: proc.RawOutputDebugString, Pid: scriptPid, Tid: scriptTid, DebugString: scriptData, DebugStringLen: 14},
		&proc.RawEvent{Kind: proc.RawExitProcess, Pid: scriptPid, Tid: scriptTid, ExitCode: 0},
	)
	s, err := proc.Launch(h, proc.LaunchConfig{Path: "hello.exe"}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	evs := collect(t, s)
	want := []proc.EventKind{
		proc.EventProcessCreated, proc.EventThreadCreated, proc.EventModuleLoaded,
		proc.EventModuleLoaded, proc.EventOutput, proc.EventThreadExited, proc.EventProcessExited,
	}
	if !sameKinds(kinds(evs), want) {
		t.Fatalf("got events %v, expected %v", kinds(evs), want)
	}
	if m := evs[2].Module; m.Name != "hello.exe" || m.Path != "" || m.Size != 0x5000 || m.EntryRVA != 0x1230 {
		t.Fatalf("image module %#v", m)
	}
	if m := evs[3].Module; m.Name != "KERNEL32.DLL" || m.Path != `C:\Windows\System32\KERNEL32.DLL` || m.Size != 0 {
		t.Fatalf("dll module %#v", m)
	}
	if evs[4].Output != "hello, world\n" {
		t.Fatalf("output %q", evs[4].Output)
	}
	if evs[5].Tid != scriptTid || evs[6].ExitCode != 0 {
		t.Fatalf("exit events %s, %s", evs[5], evs[6])
	}
	if len(h.Continues) != 4 {
		t.Fatalf("expected one continue per notification, got %d", len(h.Continues))
	}
	if len(h.Closed) != 2 {
		t.Fatalf("expected thread and process handles to be released once, got %#x", h.Closed)
	}
	if len(s.Processes()) != 0 {
		t.Fatal("exited process still tracked")
	}
}

func TestCreateProcessContinuedAfterLastEvent(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, _ := scripted(h, scriptPid, scriptTid, "")
	h.Push(create)
	s, err := proc.Launch(h, proc.LaunchConfig{Path: "a.exe"}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i, kind := range []proc.EventKind{proc.EventProcessCreated, proc.EventThreadCreated, proc.EventModuleLoaded} {
		ev, err := s.NextEvent(0)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind != kind {
			t.Fatalf("event %d: expected %s got %s", i, kind, ev)
		}
		if len(h.Continues) != 0 {
			t.Fatalf("notification continued before event %d was resumed", i)
		}
		if kind == proc.EventModuleLoaded && ev.Module.Name != "module_140000000" {
			t.Fatalf("module without path or export name called %q", ev.Module.Name)
		}
		if err := s.Resume(false); err != nil {
			t.Fatal(err)
		}
	}
	if len(h.Continues) != 1 {
		t.Fatalf("expected one continue, got %d", len(h.Continues))
	}
}

func TestModuleUnloadRemovedOnResume(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, mem := scripted(h, scriptPid, scriptTid, "app.exe")
	// LOAD_DLL without a file path: the name comes from the pointer to a
	// pointer to the image name.
	const namePtr, name = scriptData, scriptData + 0x10
	ptr := make([]byte, 8)
	binary.LittleEndian.PutUint64(ptr, name)
	poke(t, mem, namePtr, ptr)
	poke(t, mem, name, utf16z(`C:\plugins\Foo.dll`))
	h.Push(
		create,
		&proc.RawEvent{Kind: proc.RawLoadDLL, Pid: scriptPid, Tid: scriptTid, ImageBase: scriptBase + 0x100000, ImageNamePtr: namePtr, Unicode: true},
		&proc.RawEvent{Kind: proc.RawUnloadDLL, Pid: scriptPid, Tid: scriptTid, ImageBase: scriptBase + 0x100000},
	)
	s, err := proc.Launch(h, proc.LaunchConfig{Path: "app.exe"}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.NextEvent(0); err != nil {
			t.Fatal(err)
		}
		if err := s.Resume(false); err != nil {
			t.Fatal(err)
		}
	}
	ev, err := s.NextEvent(0)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != proc.EventModuleLoaded || ev.Module.Name != "Foo.dll" || ev.Module.Path != `C:\plugins\Foo.dll` {
		t.Fatalf("unexpected load event %s %#v", ev, ev.Module)
	}
	if err := s.Resume(false); err != nil {
		t.Fatal(err)
	}
	m, err := s.ModuleByName(scriptPid, "foo.DLL")
	if err != nil || m.Base != scriptBase+0x100000 {
		t.Fatalf("case insensitive lookup: %v", err)
	}

	ev, err = s.NextEvent(0)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != proc.EventModuleUnloaded || ev.Module.Name != "Foo.dll" {
		t.Fatalf("unexpected unload event %s", ev)
	}
	// The header of Foo.dll is not mapped, its size is unknown.
	if _, err := s.ModuleAt(scriptPid, scriptBase+0x100000); err == nil {
		t.Fatal("found module of size zero by address")
	}
	if _, err := s.ModuleByName(scriptPid, "Foo.dll"); err != nil {
		t.Fatalf("module removed before resume: %v", err)
	}
	if err := s.Resume(false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ModuleByName(scriptPid, "Foo.dll"); !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("module still present after resume: %v", err)
	}
	m, err = s.ModuleAt(scriptPid, scriptBase+0x10)
	if err != nil || m.Name != "app.exe" {
		t.Fatalf("ModuleAt image: %#v %v", m, err)
	}
}

func TestThreadExitRemovedOnResume(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, _ := scripted(h, scriptPid, scriptTid, "")
	h.Contexts[0x99] = proctest.NewRegisters(0)
	h.Push(
		create,
		&proc.RawEvent{Kind: proc.RawCreateThread, Pid: scriptPid, Tid: 9, Thread: 0x99, StartAddress: 0x1234},
		&proc.RawEvent{Kind: proc.RawExitThread, Pid: scriptPid, Tid: 9, ExitCode: 3},
	)
	s, err := proc.Launch(h, proc.LaunchConfig{Path: "a.exe"}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		s.NextEvent(0)
		s.Resume(false)
	}
	ev, err := s.NextEvent(0)
	if err != nil || ev.Kind != proc.EventThreadCreated || ev.StartAddress != 0x1234 {
		t.Fatalf("unexpected event %s %v", ev, err)
	}
	s.Resume(false)
	ev, err = s.NextEvent(0)
	if err != nil || ev.Kind != proc.EventThreadExited || ev.ExitCode != 3 {
		t.Fatalf("unexpected event %s %v", ev, err)
	}
	th, err := s.FindThread(scriptPid, 9)
	if err != nil || th.State() != proc.ThreadFrozen {
		t.Fatalf("exiting thread not tracked and frozen: %v", err)
	}
	s.Resume(false)
	if _, err := s.FindThread(scriptPid, 9); !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("exited thread still tracked: %v", err)
	}
	if h.Closed[len(h.Closed)-1] != 0x99 {
		t.Fatalf("thread handle not released: %#x", h.Closed)
	}
}

func TestWideOutput(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, mem := scripted(h, scriptPid, scriptTid, "")
	poke(t, mem, scriptData, utf16z("héllo wörld"))
	h.Push(create, &proc.RawEvent{Kind: proc.RawOutputDebugString, Pid: scriptPid, Tid: scriptTid, DebugString: scriptData, DebugStringLen: 24, Unicode: true})
	s, _ := proc.Launch(h, proc.LaunchConfig{Path: "a.exe"}, proc.Options{})
	for i := 0; i < 3; i++ {
		s.NextEvent(0)
		s.Resume(false)
	}
	ev, err := s.NextEvent(0)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != proc.EventOutput || ev.Output != "héllo wörld" {
		t.Fatalf("unexpected output event %s", ev)
	}
}

func TestWideOutputLengthInBytes(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, mem := scripted(h, scriptPid, scriptTid, "")
	poke(t, mem, scriptData, utf16z("héllo wörld"))
	h.Push(create, &proc.RawEvent{Kind: proc.RawOutputDebugString, Pid: scriptPid, Tid: scriptTid, DebugString: scriptData, DebugStringLen: 10, Unicode: true})
	s, _ := proc.Launch(h, proc.LaunchConfig{Path: "a.exe"}, proc.Options{})
	for i := 0; i < 3; i++ {
		s.NextEvent(0)
		s.Resume(false)
	}
	ev, _ := s.NextEvent(0)
	if ev.Output != "héllo" {
		t.Fatalf("10 bytes of a wide string decoded as %q", ev.Output)
	}
}

func TestAnsiOutput(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, mem := scripted(h, scriptPid, scriptTid, "")
	poke(t, mem, scriptData, []byte("caf\xe9\x00"))
	h.Push(create, &proc.RawEvent{Kind: proc.RawOutputDebugString, Pid: scriptPid, Tid: scriptTid, DebugString: scriptData, DebugStringLen: 5})
	s, _ := proc.Launch(h, proc.LaunchConfig{Path: "a.exe"}, proc.Options{})
	for i := 0; i < 3; i++ {
		s.NextEvent(0)
		s.Resume(false)
	}
	ev, _ := s.NextEvent(0)
	if ev.Output != "café" {
		t.Fatalf("unexpected output %q", ev.Output)
	}
}

func TestUnknownNotifications(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, _ := scripted(h, scriptPid, scriptTid, "")
	h.Push(
		create,
		&proc.RawEvent{Kind: proc.RawRIP, Pid: scriptPid, Tid: scriptTid, RIPError: 6, RIPType: 1},
		&proc.RawEvent{Kind: 42, Pid: scriptPid, Tid: scriptTid},
	)
	s, _ := proc.Launch(h, proc.LaunchConfig{Path: "a.exe"}, proc.Options{})
	for i := 0; i < 3; i++ {
		s.NextEvent(0)
		s.Resume(false)
	}
	ev, err := s.NextEvent(0)
	if err != nil || ev.Kind != proc.EventOther || ev.RawKind != proc.RawRIP || ev.RIPError != 6 || ev.RIPType != 1 {
		t.Fatalf("unexpected RIP event %s %v", ev, err)
	}
	s.Resume(false)
	ev, err = s.NextEvent(0)
	if err != nil || ev.Kind != proc.EventOther || ev.RawKind != 42 {
		t.Fatalf("unexpected event for unknown kind %s %v", ev, err)
	}
}

func TestExceptionPassing(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, _ := scripted(h, scriptPid, scriptTid, "")
	av := proc.ExceptionRecord{Code: 0xc0000005, Address: 0x1000, FirstChance: true}
	h.Push(
		create,
		&proc.RawEvent{Kind: proc.RawException, Pid: scriptPid, Tid: scriptTid, Exception: proc.ExceptionRecord{Code: proc.ExceptionBreakpoint, Address: 0x7ffe1000, FirstChance: true}},
		&proc.RawEvent{Kind: proc.RawException, Pid: scriptPid, Tid: scriptTid, Exception: av},
		&proc.RawEvent{Kind: proc.RawException, Pid: scriptPid, Tid: scriptTid, Exception: proc.ExceptionRecord{Code: proc.ExceptionBreakpoint, Address: 0x7ffe2000, FirstChance: true}},
	)
	s, _ := proc.Launch(h, proc.LaunchConfig{Path: "a.exe"}, proc.Options{})
	for i := 0; i < 3; i++ {
		s.NextEvent(0)
		s.Resume(false)
	}
	ev, _ := s.NextEvent(0)
	if ev.Kind != proc.EventException || !ev.Exception.LoaderBreak {
		t.Fatalf("expected loader break, got %s", ev)
	}
	s.Resume(false)

	ev, _ = s.NextEvent(0)
	if ev.Kind != proc.EventException || ev.Exception.Code != 0xc0000005 || !ev.Exception.FirstChance || ev.Exception.LoaderBreak {
		t.Fatalf("unexpected exception event %s", ev)
	}
	if err := s.Resume(true); err != nil {
		t.Fatal(err)
	}
	if c := h.Continues[len(h.Continues)-1]; c.Status != proc.ContinueNotHandled {
		t.Fatalf("passed exception continued with %s", c.Status)
	}

	ev, _ = s.NextEvent(0)
	if ev.Kind != proc.EventException || ev.Exception.LoaderBreak {
		t.Fatalf("second unknown breakpoint reported as loader break: %s", ev)
	}
}

func TestChildProcesses(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	root, _ := scripted(h, scriptPid, scriptTid, "root.exe")
	child, _ := scripted(h, 20, 21, "child.exe")
	h.Push(
		root,
		child,
		&proc.RawEvent{Kind: proc.RawExitProcess, Pid: 20, Tid: 21, ExitCode: 5},
		&proc.RawEvent{Kind: proc.RawExitProcess, Pid: scriptPid, Tid: scriptTid, ExitCode: 0},
	)
	s, err := proc.Launch(h, proc.LaunchConfig{Path: "root.exe", FollowChildren: true}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !h.Launched[0].FollowChildren {
		t.Fatal("launch configuration not passed to the host")
	}
	var exits []proc.DebugEvent
	for s.State() != proc.SessionTerminated {
		ev, err := s.NextEvent(0)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind == proc.EventProcessCreated && ev.Pid == 20 && len(s.Processes()) != 2 {
			t.Fatalf("child not tracked: %d processes", len(s.Processes()))
		}
		if ev.Kind == proc.EventProcessExited {
			exits = append(exits, ev)
			if ev.Pid == 20 && s.State() == proc.SessionTerminated {
				t.Fatal("session terminated on child exit")
			}
		}
		s.Resume(false)
	}
	if len(exits) != 2 || exits[0].Pid != 20 || exits[0].ExitCode != 5 || exits[1].Pid != scriptPid {
		t.Fatalf("unexpected exits %v", exits)
	}
}

func TestAttach(t *testing.T) {
	h := proctest.NewHost(0)
	create, _ := scripted(h, 4242, 4243, "svc.exe")
	h.Push(create)
	s, err := proc.Attach(h, 4242, proc.Options{PageCacheSize: -1})
	if err != nil {
		t.Fatal(err)
	}
	if s.RootPid() != 4242 || len(h.Attached) != 1 {
		t.Fatalf("attach not forwarded: %v", h.Attached)
	}
	ev, err := s.NextEvent(0)
	if err != nil || ev.Kind != proc.EventProcessCreated || ev.Pid != 4242 {
		t.Fatalf("unexpected first event %s %v", ev, err)
	}
}

func TestSecondHitOfClearedBreakpoint(t *testing.T) {
	h := proctest.NewHost(scriptPid)
	create, mem := scripted(h, scriptPid, scriptTid, "")
	addr := uint64(scriptData + 0x10)
	poke(t, mem, addr, []byte{0x90})
	// both threads executed the trap before the first hit was reported
	h.Contexts[create.Thread] = proctest.NewRegisters(addr + 1)
	h.Contexts[0x99] = proctest.NewRegisters(addr + 1)
	trap := proc.ExceptionRecord{Code: proc.ExceptionBreakpoint, Address: addr, FirstChance: true}
	h.Push(
		create,
		&proc.RawEvent{Kind: proc.RawCreateThread, Pid: scriptPid, Tid: 9, Thread: 0x99, StartAddress: addr},
		&proc.RawEvent{Kind: proc.RawException, Pid: scriptPid, Tid: scriptTid, Exception: trap},
		&proc.RawEvent{Kind: proc.RawException, Pid: scriptPid, Tid: 9, Exception: trap},
		&proc.RawEvent{Kind: proc.RawExitThread, Pid: scriptPid, Tid: 9},
		&proc.RawEvent{Kind: proc.RawException, Pid: scriptPid, Tid: scriptTid, Exception: proc.ExceptionRecord{Code: proc.ExceptionBreakpoint, Address: 0x7ffe1000, FirstChance: true}},
	)
	s, err := proc.Launch(h, proc.LaunchConfig{Path: "a.exe"}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if ev, err := s.NextEvent(0); err != nil || ev.Kind != proc.EventProcessCreated {
		t.Fatalf("unexpected first event %s %v", ev, err)
	}
	bp, err := s.SetBreakpoint(scriptPid, addr)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		s.Resume(false)
		s.NextEvent(0)
	}
	s.Resume(false)
	ev, _ := s.NextEvent(0)
	if ev.Kind != proc.EventBreakpoint || ev.Tid != scriptTid || ev.Breakpoint.ID != bp.ID {
		t.Fatalf("expected breakpoint hit by thread %d, got %s", scriptTid, ev)
	}
	if _, err := s.ClearBreakpoint(bp.ID); err != nil {
		t.Fatal(err)
	}
	s.Resume(false)

	ev, err = s.NextEvent(0)
	if err != nil || ev.Kind != proc.EventThreadExited || ev.Tid != 9 {
		t.Fatalf("trap of cleared breakpoint not swallowed: %s %v", ev, err)
	}
	if pc := h.Contexts[0x99].PC(); pc != addr {
		t.Fatalf("second thread resumes at %#x, expected %#x", pc, addr)
	}
	if b, _ := mem.Byte(addr); b != 0x90 {
		t.Fatalf("original byte not restored: %#x", b)
	}
	s.Resume(false)

	ev, _ = s.NextEvent(0)
	if ev.Kind != proc.EventException || !ev.Exception.LoaderBreak {
		t.Fatalf("expected loader break, got %s", ev)
	}
}
