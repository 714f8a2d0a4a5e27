package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-delve/wdbg/pkg/proc"
	"github.com/go-delve/wdbg/pkg/terminal"
)

const tracePollInterval = 250 * time.Millisecond

// location is a breakpoint address given on the command line, either
// absolute or relative to a module that may not be loaded yet.
type location struct {
	spec   string
	module string
	offset uint64
}

// locationsFlag collects the values of a repeated breakpoint flag.
type locationsFlag []location

var _ pflag.Value = (*locationsFlag)(nil)

func (f *locationsFlag) String() string {
	if len(*f) == 0 {
		return ""
	}
	specs := make([]string, len(*f))
	for i, loc := range *f {
		specs[i] = loc.spec
	}
	return "[" + strings.Join(specs, ",") + "]"
}

func (f *locationsFlag) Set(s string) error {
	loc, err := parseLocation(s)
	if err != nil {
		return err
	}
	*f = append(*f, loc)
	return nil
}

func (f *locationsFlag) Type() string {
	return "address"
}

func parseLocation(spec string) (location, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return location{}, errors.New("empty breakpoint location")
	}
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return location{spec: spec, offset: n}, nil
	}
	loc := location{spec: spec, module: s}
	if i := strings.LastIndex(s, "+"); i >= 0 {
		off, err := strconv.ParseUint(strings.TrimSpace(s[i+1:]), 0, 64)
		if err != nil {
			return location{}, fmt.Errorf("invalid offset in breakpoint location %q", spec)
		}
		loc.module = strings.TrimSpace(s[:i])
		loc.offset = off
	}
	if loc.module == "" {
		return location{}, fmt.Errorf("invalid breakpoint location %q", spec)
	}
	return loc, nil
}

// tracer prints every debug event of a session and keeps the target
// running.
type tracer struct {
	sess     *proc.Session
	out      io.Writer
	locs     []location
	attached bool
	exitCode int
}

func newTracer(sess *proc.Session, out io.Writer, locs []location, attached bool) *tracer {
	return &tracer{sess: sess, out: out, locs: locs, attached: attached}
}

// run drives the session until the process tree exits or interrupt
// fires, and returns the exit code of the root process.
func (tr *tracer) run(interrupt <-chan os.Signal) int {
	for tr.sess.State() != proc.SessionTerminated {
		ev, err := tr.sess.NextEvent(tracePollInterval)
		if errors.Is(err, proc.ErrTimeout) {
			if interrupted(interrupt) {
				return tr.stop(nil)
			}
			continue
		}
		if err != nil {
			fmt.Fprintln(tr.out, err)
			return 1
		}
		tr.handle(ev)
		if interrupted(interrupt) {
			return tr.stop(&ev)
		}
		if err := tr.sess.Resume(passException(ev)); err != nil {
			fmt.Fprintln(tr.out, err)
			return 1
		}
	}
	printErr(tr.out, tr.sess.Close())
	return tr.exitCode
}

func interrupted(ch <-chan os.Signal) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (tr *tracer) handle(ev proc.DebugEvent) {
	fmt.Fprintln(tr.out, terminal.FormatEvent(tr.sess, ev))
	switch ev.Kind {
	case proc.EventProcessCreated:
		if ev.Pid == tr.sess.RootPid() {
			for _, loc := range tr.locs {
				if loc.module == "" {
					tr.setBreakpoint(ev.Pid, loc, loc.offset)
				}
			}
		}
	case proc.EventModuleLoaded:
		for _, loc := range tr.locs {
			if loc.module != "" && moduleMatches(ev.Module, loc.module) {
				tr.setBreakpoint(ev.Pid, loc, ev.Module.Base+loc.offset)
			}
		}
	case proc.EventProcessExited:
		if ev.Pid == tr.sess.RootPid() {
			tr.exitCode = int(ev.ExitCode)
		}
	}
}

func (tr *tracer) setBreakpoint(pid int, loc location, addr uint64) {
	bp, err := tr.sess.SetBreakpoint(pid, addr)
	if err != nil {
		fmt.Fprintf(tr.out, "could not set breakpoint at %s in process %d: %v\n", loc.spec, pid, err)
		return
	}
	fmt.Fprintf(tr.out, "Breakpoint %d set at %#x (%s) in process %d\n", bp.ID, bp.Addr, loc.spec, pid)
}

// moduleMatches compares name to the module name, with or without its
// extension, ignoring case.
func moduleMatches(m proc.Module, name string) bool {
	if strings.EqualFold(m.Name, name) {
		return true
	}
	if i := strings.LastIndex(m.Name, "."); i > 0 {
		return strings.EqualFold(m.Name[:i], name)
	}
	return false
}

// passException reports whether the target's own handlers should see the
// exception reported by ev. Traps are always handled by the debugger.
func passException(ev proc.DebugEvent) bool {
	if ev.Kind != proc.EventException {
		return false
	}
	switch ev.Exception.Code {
	case proc.ExceptionBreakpoint, proc.ExceptionSingleStep:
		return false
	}
	return true
}

// stop ends the trace early: attached processes are left running, launched
// ones are killed. Pending is the event the session is stopped at, if any.
func (tr *tracer) stop(pending *proc.DebugEvent) int {
	if tr.attached {
		if err := tr.detach(pending); err != nil {
			fmt.Fprintln(tr.out, err)
			return 1
		}
		fmt.Fprintf(tr.out, "Detached from process %d.\n", tr.sess.RootPid())
		printErr(tr.out, tr.sess.Close())
		return 0
	}
	if err := tr.sess.Kill(); err != nil {
		fmt.Fprintln(tr.out, err)
		return 1
	}
	if pending != nil {
		if err := tr.sess.Resume(passException(*pending)); err != nil {
			fmt.Fprintln(tr.out, err)
			return 1
		}
	}
	return tr.run(nil)
}

// detach retries Detach until no event is pending and no thread is in
// the middle of a step. A thread stopped at a breakpoint is single
// stepped past it first, so that the target does not run on.
func (tr *tracer) detach(pending *proc.DebugEvent) error {
	for {
		if pending != nil {
			var err error
			if t, ok := tr.sess.FrozenThread(); ok && t.Stepping() {
				err = tr.sess.Step()
			} else {
				err = tr.sess.Resume(passException(*pending))
			}
			if err != nil {
				return err
			}
			pending = nil
		}
		err := tr.sess.Detach()
		var serr *proc.InvalidStateError
		if !errors.As(err, &serr) {
			return err
		}
		ev, err := tr.sess.NextEvent(tracePollInterval)
		if errors.Is(err, proc.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		tr.handle(ev)
		pending = &ev
	}
}
