package proc

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ThreadState is the run state of a thread as seen by the debugger.
type ThreadState uint8

const (
	ThreadRunning ThreadState = iota
	// ThreadFrozen means the operating system stopped the thread because it
	// reported the debug notification currently being handled.
	ThreadFrozen
)

func (s ThreadState) String() string {
	if s == ThreadFrozen {
		return "frozen"
	}
	return "running"
}

// Thread represents a single thread in a traced process.
type Thread struct {
	ID           int
	Pid          int
	StartAddress uint64

	handle Handle
	state  ThreadState
	regs   Registers // valid only while frozen

	// stepOver is the breakpoint this thread is stepping over, the original
	// instruction restored and the trap flag set.
	stepOver *Breakpoint
	// userStep is set by Session.Step until the single-step notification
	// arrives.
	userStep bool
}

// State returns the run state of the thread.
func (t *Thread) State() ThreadState {
	return t.state
}

// Stepping reports whether the thread will stop after its next instruction.
func (t *Thread) Stepping() bool {
	return t.stepOver != nil || t.userStep
}

// Module is a binary image loaded in a process. A Module never changes once
// it is loaded.
type Module struct {
	Pid      int
	Base     uint64
	Size     uint64
	Path     string
	Name     string
	EntryRVA uint32
}

// Contains reports whether addr falls inside the module image.
func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

func (m Module) String() string {
	return fmt.Sprintf("%s %#x-%#x", m.Name, m.Base, m.Base+m.Size)
}

// Process is a process under debug.
type Process struct {
	Pid        int
	ImageBase  uint64
	EntryPoint uint64
	Path       string

	handle          Handle
	exited          bool
	exitCode        uint32
	loaderBreakSeen bool
	threads         []*Thread
	modules         []Module
}

// Exited returns the exit code of the process and true if its exit has
// been observed.
func (p *Process) Exited() (uint32, bool) {
	return p.exitCode, p.exited
}

// Threads returns the live threads of the process in creation order.
func (p *Process) Threads() []*Thread {
	r := make([]*Thread, len(p.threads))
	copy(r, p.threads)
	return r
}

// Modules returns the loaded modules of the process in load order.
func (p *Process) Modules() []Module {
	r := make([]Module, len(p.modules))
	copy(r, p.modules)
	return r
}

func (p *Process) findThread(tid int) *Thread {
	for _, t := range p.threads {
		if t.ID == tid {
			return t
		}
	}
	return nil
}

func (p *Process) removeThread(tid int) *Thread {
	for i, t := range p.threads {
		if t.ID == tid {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return t
		}
	}
	return nil
}

func (p *Process) removeModule(base uint64) (Module, bool) {
	for i, m := range p.modules {
		if m.Base == base {
			p.modules = append(p.modules[:i], p.modules[i+1:]...)
			return m, true
		}
	}
	return Module{}, false
}

// registry is the live inventory of processes, threads and modules. It is
// only mutated by the dispatcher.
type registry struct {
	processes []*Process
	frozen    *Thread
}

func (r *registry) findProcess(pid int) *Process {
	for _, p := range r.processes {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

func (r *registry) findThread(pid, tid int) *Thread {
	p := r.findProcess(pid)
	if p == nil {
		return nil
	}
	return p.findThread(tid)
}

func (r *registry) addProcess(p *Process) {
	r.processes = append(r.processes, p)
}

func (r *registry) removeProcess(pid int) *Process {
	for i, p := range r.processes {
		if p.Pid == pid {
			r.processes = append(r.processes[:i], r.processes[i+1:]...)
			return p
		}
	}
	return nil
}

// freeze marks t as the thread that reported the current notification.
func (r *registry) freeze(t *Thread) error {
	if t.state == ThreadFrozen {
		return &InvalidStateError{Op: "freeze", Reason: fmt.Sprintf("thread %d is already frozen", t.ID)}
	}
	if r.frozen != nil {
		return &InvalidStateError{Op: "freeze", Reason: fmt.Sprintf("thread %d is frozen, cannot freeze thread %d", r.frozen.ID, t.ID)}
	}
	t.state = ThreadFrozen
	r.frozen = t
	return nil
}

// thaw releases the frozen thread, if any, and drops its register cache.
func (r *registry) thaw() {
	if r.frozen == nil {
		return
	}
	r.frozen.state = ThreadRunning
	r.frozen.regs = nil
	r.frozen = nil
}

func (r *registry) moduleAt(pid int, addr uint64) (Module, bool) {
	p := r.findProcess(pid)
	if p == nil {
		return Module{}, false
	}
	for _, m := range p.modules {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Module{}, false
}

// moduleByName looks for an exact match of name against the module name
// or path, then for a case insensitive match against the file name.
func (r *registry) moduleByName(pid int, name string) (Module, bool) {
	p := r.findProcess(pid)
	if p == nil {
		return Module{}, false
	}
	for _, m := range p.modules {
		if m.Name == name || m.Path == name {
			return m, true
		}
	}
	name = strings.TrimSpace(name)
	for _, m := range p.modules {
		if strings.EqualFold(baseName(m.Name), name) || strings.EqualFold(baseName(m.Path), name) {
			return m, true
		}
		if strings.EqualFold(strings.TrimSuffix(baseName(m.Name), filepath.Ext(m.Name)), name) {
			return m, true
		}
	}
	return Module{}, false
}

// baseName returns the last element of a Windows or slash separated path.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}
