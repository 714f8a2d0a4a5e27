package native

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-delve/wdbg/pkg/proc"
)

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"Path=C:\\bin", "=C:=C:\\", "HOME=x"}, []string{"PATH=D:\\bin", "NEW=1"})
	want := []string{"=C:=C:\\", "HOME=x", "PATH=D:\\bin", "NEW=1"}
	if len(got) != len(want) {
		t.Fatalf("got %q", got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %q, expected %q", got, want)
		}
	}
}

func TestLaunchEntryBreakpoint(t *testing.T) {
	cmd := filepath.Join(os.Getenv("SystemRoot"), "System32", "cmd.exe")
	h := New()
	s, err := proc.Launch(h, proc.LaunchConfig{Path: cmd, Args: []string{"/c", "exit 3"}}, proc.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var bp *proc.Breakpoint
	var exit *proc.DebugEvent
	for s.State() != proc.SessionTerminated {
		ev, err := s.NextEvent(30 * time.Second)
		if err != nil {
			s.Kill()
			t.Fatal(err)
		}
		pass := false
		switch ev.Kind {
		case proc.EventProcessCreated:
			if ev.Pid != s.RootPid() {
				break
			}
			if ev.StartAddress == 0 {
				t.Fatal("no entry point")
			}
			bp, err = s.SetBreakpoint(ev.Pid, ev.StartAddress)
			if err != nil {
				t.Fatal(err)
			}
		case proc.EventModuleLoaded:
			if ev.Module.Name == "" {
				t.Errorf("module at %#x has no name", ev.Module.Base)
			}
		case proc.EventBreakpoint:
			if ev.Breakpoint.ID != bp.ID || ev.Breakpoint.HitCount != 1 {
				t.Errorf("unexpected breakpoint hit %s", ev)
			}
			regs, err := s.Registers(ev.Pid, ev.Tid)
			if err != nil {
				t.Fatal(err)
			}
			if regs.PC() != bp.Addr {
				t.Errorf("pc %#x after breakpoint at %#x", regs.PC(), bp.Addr)
			}
			data, err := s.ReadMemory(ev.Pid, bp.Addr, 1)
			if err != nil || data[0] == 0xcc {
				t.Errorf("breakpoint armed while stepping over it: %x %v", data, err)
			}
		case proc.EventException:
			pass = !ev.Exception.LoaderBreak
		case proc.EventProcessExited:
			e := ev
			exit = &e
		}
		if err := s.Resume(pass); err != nil {
			t.Fatal(err)
		}
	}
	if bp == nil || bp.HitCount() != 1 {
		t.Fatalf("entry breakpoint not hit once: %v", bp)
	}
	if exit == nil || exit.ExitCode != 3 {
		t.Fatalf("unexpected exit %v", exit)
	}
}
