package proc

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-delve/wdbg/pkg/logflags"
)

// SessionState is the lifecycle state of a Session.
type SessionState uint8

const (
	SessionInitializing SessionState = iota
	SessionRunning
	// SessionTerminated is absorbing: the root process and every tracked
	// child exited, the session detached or the host failed.
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionInitializing:
		return "initializing"
	case SessionRunning:
		return "running"
	case SessionTerminated:
		return "terminated"
	}
	return fmt.Sprintf("SessionState(%d)", uint8(s))
}

// Options configures a Session.
type Options struct {
	// PageCacheSize is the number of target memory pages cached while the
	// target is stopped. Zero selects DefaultPageCacheSize, a negative value
	// disables the cache.
	PageCacheSize int
}

// Session is one debugging engagement rooted at a launched or attached
// process. A Session must be driven by a single goroutine: NextEvent
// returns an event and freezes the thread that reported it, the caller
// inspects the target and then calls Resume (or Step) before calling
// NextEvent again.
type Session struct {
	host    Host
	arch    Arch
	state   SessionState
	rootPid int

	reg   registry
	bps   BreakpointMap
	cache *pageCache

	// raw is the notification that has not been continued yet. Its events
	// are delivered from queue, one at a time; current is the event that
	// was delivered and not resumed.
	raw     *RawEvent
	queue   []queuedEvent
	current *queuedEvent
	fatal   error

	log    logflags.Logger
	evlog  logflags.Logger
	bplog  logflags.Logger
	memlog logflags.Logger
}

type queuedEvent struct {
	ev       DebugEvent
	onResume func()
}

func newSession(host Host, opts Options) (*Session, error) {
	cache, err := newPageCache(opts.PageCacheSize)
	if err != nil {
		return nil, err
	}
	return &Session{
		host:   host,
		arch:   AMD64Arch(),
		state:  SessionInitializing,
		bps:    NewBreakpointMap(),
		cache:  cache,
		log:    logflags.DebuggerLogger(),
		evlog:  logflags.EventsLogger(),
		bplog:  logflags.BreakpointsLogger(),
		memlog: logflags.MemoryLogger(),
	}, nil
}

// Launch starts cfg.Path under the debugger.
func Launch(host Host, cfg LaunchConfig, opts Options) (*Session, error) {
	s, err := newSession(host, opts)
	if err != nil {
		return nil, err
	}
	pid, err := host.Launch(cfg)
	if err != nil {
		var lerr *LaunchFailedError
		if errors.As(err, &lerr) {
			return nil, err
		}
		return nil, &LaunchFailedError{Path: cfg.Path, Err: err}
	}
	s.rootPid = pid
	s.state = SessionRunning
	s.log.Infof("launched %s, pid %d", cfg.Path, pid)
	return s, nil
}

// Attach starts debugging the existing process pid.
func Attach(host Host, pid int, opts Options) (*Session, error) {
	s, err := newSession(host, opts)
	if err != nil {
		return nil, err
	}
	if err := host.Attach(pid); err != nil {
		var aerr *AttachFailedError
		if errors.As(err, &aerr) {
			return nil, err
		}
		return nil, &AttachFailedError{Pid: pid, Err: err}
	}
	s.rootPid = pid
	s.state = SessionRunning
	s.log.Infof("attached to pid %d", pid)
	return s, nil
}

// State returns the lifecycle state of the session.
func (s *Session) State() SessionState {
	return s.state
}

// RootPid returns the pid of the launched or attached process.
func (s *Session) RootPid() int {
	return s.rootPid
}

// Pending reports whether an event was returned by NextEvent and not
// resumed yet.
func (s *Session) Pending() bool {
	return s.current != nil
}

// Arch returns the architecture of the target.
func (s *Session) Arch() Arch {
	return s.arch
}

// Err returns the host failure that terminated the session, if any.
func (s *Session) Err() error {
	return s.fatal
}

func (s *Session) checkUsable(op string) error {
	if s.state == SessionTerminated {
		reason := "session terminated"
		if s.fatal != nil {
			reason = fmt.Sprintf("session terminated: %v", s.fatal)
		}
		return &InvalidStateError{Op: op, Reason: reason}
	}
	return nil
}

// NextEvent blocks until the target reports a debug event. A timeout of
// zero waits forever, otherwise ErrTimeout is returned when it elapses.
// The thread that reported the event stays frozen until Resume or Step.
func (s *Session) NextEvent(timeout time.Duration) (DebugEvent, error) {
	if err := s.checkUsable("NextEvent"); err != nil {
		return DebugEvent{}, err
	}
	if s.current != nil {
		return DebugEvent{}, &InvalidStateError{Op: "NextEvent", Reason: "an event is pending, call Resume first"}
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for len(s.queue) == 0 {
		var wait time.Duration
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return DebugEvent{}, ErrTimeout
			}
		}
		raw, err := s.host.WaitForDebugEvent(wait)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return DebugEvent{}, ErrTimeout
			}
			return DebugEvent{}, s.fail("WaitForDebugEvent", err)
		}
		s.evlog.Debugf("%s pid=%d tid=%d", raw.Kind, raw.Pid, raw.Tid)
		s.raw = raw
		if err := s.dispatch(raw); err != nil {
			return DebugEvent{}, s.fail("dispatch", err)
		}
		if len(s.queue) == 0 {
			if err := s.continueRaw(ContinueHandled); err != nil {
				return DebugEvent{}, err
			}
		}
	}
	q := s.queue[0]
	s.queue = s.queue[1:]
	s.current = &q
	if q.ev.Kind == EventProcessExited && s.finished() {
		s.log.Infof("root process %d and all children exited", s.rootPid)
		s.state = SessionTerminated
	}
	return q.ev, nil
}

// finished reports whether the root process and all tracked processes
// have exited.
func (s *Session) finished() bool {
	if root := s.reg.findProcess(s.rootPid); root != nil && !root.exited {
		return false
	}
	for _, p := range s.reg.processes {
		if !p.exited {
			return false
		}
	}
	return true
}

// Resume lets the target continue after the pending event. If
// passException is true and the event is an exception the target's own
// exception handlers will see it, otherwise it is treated as handled.
// Breakpoint hits and step completions are always handled.
func (s *Session) Resume(passException bool) error {
	if s.current == nil {
		return &InvalidStateError{Op: "Resume", Reason: "no event pending"}
	}
	q := s.current
	status := ContinueHandled
	if passException && q.ev.Kind == EventException {
		status = ContinueNotHandled
	}
	last := len(s.queue) == 0
	if last && !s.exiting() {
		if t := s.reg.frozen; t != nil && t.Stepping() {
			if err := s.setSingleStep(t, true); err != nil {
				return err
			}
		}
	}
	s.current = nil
	if q.onResume != nil {
		q.onResume()
	}
	if !last {
		return nil
	}
	return s.continueRaw(status)
}

// Step is like Resume(false) but executes a single instruction of the
// frozen thread; the next event from the thread is EventStepComplete.
func (s *Session) Step() error {
	if err := s.checkUsable("Step"); err != nil {
		return err
	}
	if s.current == nil {
		return &InvalidStateError{Op: "Step", Reason: "no event pending"}
	}
	t := s.reg.frozen
	if t == nil {
		return &InvalidStateError{Op: "Step", Reason: "no thread is frozen"}
	}
	if s.exiting() {
		return &InvalidStateError{Op: "Step", Reason: fmt.Sprintf("thread %d is exiting", t.ID)}
	}
	t.userStep = true
	if err := s.Resume(false); err != nil {
		t.userStep = false
		return err
	}
	return nil
}

// exiting reports whether the notification being handled is an exit.
func (s *Session) exiting() bool {
	return s.raw != nil && (s.raw.Kind == RawExitThread || s.raw.Kind == RawExitProcess)
}

func (s *Session) setSingleStep(t *Thread, enabled bool) error {
	regs, err := s.loadRegisters(t)
	if err != nil {
		return err
	}
	if regs.SingleStep() == enabled {
		return nil
	}
	regs.SetSingleStep(enabled)
	return s.storeRegisters(t, regs)
}

// continueRaw continues the notification whose events were all resumed.
func (s *Session) continueRaw(status ContinueStatus) error {
	raw := s.raw
	s.raw = nil
	s.cache.purge()
	s.reg.thaw()
	s.evlog.Debugf("continue pid=%d tid=%d %s", raw.Pid, raw.Tid, status)
	if err := s.host.ContinueDebugEvent(raw.Pid, raw.Tid, status); err != nil {
		return s.fail("ContinueDebugEvent", err)
	}
	return nil
}

// fail terminates the session after a host failure.
func (s *Session) fail(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	s.log.WithError(err).Errorf("session terminated")
	s.fatal = err
	s.state = SessionTerminated
	s.queue = nil
	s.current = nil
	s.raw = nil
	s.reg.thaw()
	s.releaseAll()
	return err
}

// releaseAll closes every handle the session owns and forgets all
// entities.
func (s *Session) releaseAll() {
	for _, p := range s.reg.processes {
		for _, t := range p.threads {
			s.closeHandle(t.handle)
		}
		s.closeHandle(p.handle)
		p.threads = nil
	}
	s.reg.processes = nil
	s.cache.purge()
}

func (s *Session) closeHandle(h Handle) {
	if h == 0 {
		return
	}
	if err := s.host.CloseHandle(h); err != nil {
		s.log.Warnf("could not close handle %#x: %v", h, err)
	}
}

// Detach stops debugging every tracked process without terminating them.
// Armed breakpoints are removed first. It is not possible to detach while
// an event is pending or while a thread is stepping.
func (s *Session) Detach() error {
	if err := s.checkUsable("Detach"); err != nil {
		return err
	}
	if s.current != nil {
		return &InvalidStateError{Op: "Detach", Reason: "an event is pending, call Resume first"}
	}
	for _, p := range s.reg.processes {
		for _, t := range p.threads {
			if t.Stepping() {
				return &InvalidStateError{Op: "Detach", Reason: fmt.Sprintf("thread %d is stepping", t.ID)}
			}
		}
	}
	if err := s.restoreBreakpoints(); err != nil {
		return err
	}
	if s.raw != nil {
		s.queue = nil
		if err := s.continueRaw(ContinueHandled); err != nil {
			return err
		}
	}
	var firstErr error
	for _, p := range s.reg.processes {
		if p.exited {
			continue
		}
		if err := s.host.Detach(p.Pid); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not detach from %d: %w", p.Pid, err)
		}
	}
	s.releaseAll()
	s.bps = NewBreakpointMap()
	s.state = SessionTerminated
	s.log.Infof("detached from %d", s.rootPid)
	return firstErr
}

// Kill terminates every tracked process. The exit notifications are still
// delivered by NextEvent.
func (s *Session) Kill() error {
	if err := s.checkUsable("Kill"); err != nil {
		return err
	}
	var firstErr error
	for _, p := range s.reg.processes {
		if p.exited {
			continue
		}
		if err := s.host.Terminate(p.handle, 1); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not terminate %d: %w", p.Pid, err)
		}
	}
	return firstErr
}

// Close releases the host. The session must be terminated.
func (s *Session) Close() error {
	if s.state != SessionTerminated {
		return &InvalidStateError{Op: "Close", Reason: "session is still running, detach or kill it first"}
	}
	return s.host.Close()
}

// FindProcess returns the tracked process pid.
func (s *Session) FindProcess(pid int) (*Process, error) {
	p := s.reg.findProcess(pid)
	if p == nil {
		return nil, NoProcessError{Pid: pid}
	}
	return p, nil
}

// FindThread returns thread tid of process pid.
func (s *Session) FindThread(pid, tid int) (*Thread, error) {
	if s.reg.findProcess(pid) == nil {
		return nil, NoProcessError{Pid: pid}
	}
	t := s.reg.findThread(pid, tid)
	if t == nil {
		return nil, NoThreadError{Pid: pid, Tid: tid}
	}
	return t, nil
}

// Processes returns the tracked processes in creation order.
func (s *Session) Processes() []*Process {
	r := make([]*Process, len(s.reg.processes))
	copy(r, s.reg.processes)
	return r
}

// FrozenThread returns the thread that reported the pending event.
func (s *Session) FrozenThread() (*Thread, bool) {
	return s.reg.frozen, s.reg.frozen != nil
}

// ModuleAt returns the module of process pid containing addr.
func (s *Session) ModuleAt(pid int, addr uint64) (Module, error) {
	if m, ok := s.reg.moduleAt(pid, addr); ok {
		return m, nil
	}
	return Module{}, fmt.Errorf("no module at %#x in process %d: %w", addr, pid, ErrNotFound)
}

// ModuleByName returns the module of process pid called name. Exact
// matches of the name or path win over case insensitive file name
// matches.
func (s *Session) ModuleByName(pid int, name string) (Module, error) {
	if m, ok := s.reg.moduleByName(pid, name); ok {
		return m, nil
	}
	return Module{}, fmt.Errorf("no module %q in process %d: %w", name, pid, ErrNotFound)
}
