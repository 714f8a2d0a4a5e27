package proc

import (
	"fmt"
	"strings"
)

// EventKind identifies the variant of a DebugEvent.
type EventKind uint8

const (
	EventProcessCreated EventKind = iota + 1
	EventProcessExited
	EventThreadCreated
	EventThreadExited
	EventModuleLoaded
	EventModuleUnloaded
	// EventException is a target exception the breakpoint engine did not
	// claim.
	EventException
	// EventBreakpoint is an exception raised by one of our breakpoints.
	EventBreakpoint
	// EventStepComplete is the end of a single-step requested with Step.
	EventStepComplete
	EventOutput
	// EventOther is a notification of a kind the dispatcher does not know.
	EventOther
)

var eventKindNames = map[EventKind]string{
	EventProcessCreated: "ProcessCreated",
	EventProcessExited:  "ProcessExited",
	EventThreadCreated:  "ThreadCreated",
	EventThreadExited:   "ThreadExited",
	EventModuleLoaded:   "ModuleLoaded",
	EventModuleUnloaded: "ModuleUnloaded",
	EventException:      "ExceptionRaised",
	EventBreakpoint:     "BreakpointHit",
	EventStepComplete:   "StepCompleted",
	EventOutput:         "OutputProduced",
	EventOther:          "Other",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ParseEventKind returns the kind whose name matches s, ignoring case.
func ParseEventKind(s string) (EventKind, bool) {
	for k, name := range eventKindNames {
		if strings.EqualFold(name, s) {
			return k, true
		}
	}
	return 0, false
}

// ExceptionInfo describes an exception reported by EventException,
// EventBreakpoint and EventStepComplete.
type ExceptionInfo struct {
	Code        uint32
	Address     uint64
	FirstChance bool
	// LoaderBreak is set on the first breakpoint exception of a process
	// that was not raised by one of our breakpoints: the loader's initial
	// break-in.
	LoaderBreak bool
}

// BreakpointInfo describes the breakpoint that was hit.
type BreakpointInfo struct {
	ID       int
	Addr     uint64
	HitCount uint64
}

// DebugEvent is a normalized debug notification. It owns no operating
// system resources; the entities it names are present in the session until
// the event is resumed.
type DebugEvent struct {
	Kind EventKind
	Pid  int
	Tid  int

	// ExitCode is set by EventProcessExited and EventThreadExited.
	ExitCode uint32
	// Module is set by EventModuleLoaded and EventModuleUnloaded.
	Module Module
	// StartAddress is set by EventThreadCreated and EventProcessCreated.
	StartAddress uint64

	Exception  ExceptionInfo
	Breakpoint BreakpointInfo

	// Output is the text of an EventOutput.
	Output string

	// RawKind, RIPError and RIPType are set by EventOther.
	RawKind  RawEventKind
	RIPError uint32
	RIPType  uint32
}

func (ev DebugEvent) String() string {
	switch ev.Kind {
	case EventProcessCreated:
		return fmt.Sprintf("%s pid=%d", ev.Kind, ev.Pid)
	case EventProcessExited:
		return fmt.Sprintf("%s pid=%d code=%d", ev.Kind, ev.Pid, ev.ExitCode)
	case EventThreadCreated:
		return fmt.Sprintf("%s pid=%d tid=%d start=%#x", ev.Kind, ev.Pid, ev.Tid, ev.StartAddress)
	case EventThreadExited:
		return fmt.Sprintf("%s pid=%d tid=%d code=%d", ev.Kind, ev.Pid, ev.Tid, ev.ExitCode)
	case EventModuleLoaded, EventModuleUnloaded:
		return fmt.Sprintf("%s pid=%d %s", ev.Kind, ev.Pid, ev.Module)
	case EventException:
		chance := "second chance"
		if ev.Exception.FirstChance {
			chance = "first chance"
		}
		s := fmt.Sprintf("%s pid=%d tid=%d code=%#x addr=%#x (%s)", ev.Kind, ev.Pid, ev.Tid, ev.Exception.Code, ev.Exception.Address, chance)
		if ev.Exception.LoaderBreak {
			s += " loader break"
		}
		return s
	case EventBreakpoint:
		return fmt.Sprintf("%s pid=%d tid=%d breakpoint %d at %#x (hits %d)", ev.Kind, ev.Pid, ev.Tid, ev.Breakpoint.ID, ev.Breakpoint.Addr, ev.Breakpoint.HitCount)
	case EventStepComplete:
		return fmt.Sprintf("%s pid=%d tid=%d addr=%#x", ev.Kind, ev.Pid, ev.Tid, ev.Exception.Address)
	case EventOutput:
		return fmt.Sprintf("%s pid=%d %q", ev.Kind, ev.Pid, ev.Output)
	case EventOther:
		return fmt.Sprintf("%s pid=%d tid=%d raw=%s error=%d type=%d", ev.Kind, ev.Pid, ev.Tid, ev.RawKind, ev.RIPError, ev.RIPType)
	}
	return ev.Kind.String()
}
