package proc

import (
	"bytes"
	"fmt"
	"sort"
)

// Breakpoint represents a software breakpoint. Stores information on the
// break point including the bytes of data that originally were stored at
// that address.
type Breakpoint struct {
	ID           int
	Pid          int
	Addr         uint64 // Address breakpoint is set for.
	OriginalData []byte // The data we replace with the breakpoint instruction, captured once.

	enabled bool
	// armed is true while the breakpoint instruction is written in target
	// memory. It is false while the breakpoint is disabled or while a thread
	// is stepping over it.
	armed bool
	// stepping counts the threads currently stepping over the breakpoint.
	stepping int
	hits     uint64
}

// Enabled reports whether the breakpoint stops execution.
func (bp *Breakpoint) Enabled() bool {
	return bp.enabled
}

// Armed reports whether the breakpoint instruction is currently written in
// target memory.
func (bp *Breakpoint) Armed() bool {
	return bp.armed
}

// HitCount returns the number of times the breakpoint was hit.
func (bp *Breakpoint) HitCount() uint64 {
	return bp.hits
}

func (bp *Breakpoint) String() string {
	state := "enabled"
	if !bp.enabled {
		state = "disabled"
	}
	return fmt.Sprintf("Breakpoint %d at %#x in process %d (%s, hits %d)", bp.ID, bp.Addr, bp.Pid, state, bp.hits)
}

type bpKey struct {
	pid  int
	addr uint64
}

// BreakpointMap represents a (process, address) to breakpoint map.
type BreakpointMap struct {
	M map[bpKey]*Breakpoint

	breakpointIDCounter int
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() BreakpointMap {
	return BreakpointMap{
		M: make(map[bpKey]*Breakpoint),
	}
}

// WriteBreakpointFn is a type that represents a function to be used for
// writing breakpoints into the target. It returns the data it replaced.
type WriteBreakpointFn func(pid int, addr uint64) (originalData []byte, err error)

type clearBreakpointFn func(bp *Breakpoint) error

// Set creates a breakpoint at addr calling writeBreakpoint. Do not call this
// function, call Session.SetBreakpoint instead, this function exists
// to implement Session.SetBreakpoint.
func (bpmap *BreakpointMap) Set(pid int, addr uint64, writeBreakpoint WriteBreakpointFn) (*Breakpoint, error) {
	if bp, ok := bpmap.M[bpKey{pid, addr}]; ok {
		return bp, BreakpointExistsError{Pid: pid, Addr: addr, ID: bp.ID}
	}

	originalData, err := writeBreakpoint(pid, addr)
	if err != nil {
		return nil, err
	}

	bpmap.breakpointIDCounter++
	newBreakpoint := &Breakpoint{
		ID:           bpmap.breakpointIDCounter,
		Pid:          pid,
		Addr:         addr,
		OriginalData: originalData,
		enabled:      true,
		armed:        true,
	}
	bpmap.M[bpKey{pid, addr}] = newBreakpoint
	return newBreakpoint, nil
}

// Clear removes the breakpoint with the given ID, calling clearBreakpoint
// on it first.
func (bpmap *BreakpointMap) Clear(id int, clearBreakpoint clearBreakpointFn) (*Breakpoint, error) {
	bp := bpmap.byID(id)
	if bp == nil {
		return nil, NoBreakpointError{ID: id}
	}
	if err := clearBreakpoint(bp); err != nil {
		return nil, err
	}
	delete(bpmap.M, bpKey{bp.Pid, bp.Addr})
	return bp, nil
}

// Find returns the breakpoint at addr in process pid.
func (bpmap *BreakpointMap) Find(pid int, addr uint64) *Breakpoint {
	return bpmap.M[bpKey{pid, addr}]
}

func (bpmap *BreakpointMap) byID(id int) *Breakpoint {
	for _, bp := range bpmap.M {
		if bp.ID == id {
			return bp
		}
	}
	return nil
}

// Sorted returns all breakpoints ordered by ID.
func (bpmap *BreakpointMap) Sorted() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(bpmap.M))
	for _, bp := range bpmap.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// dropProcess forgets every breakpoint of process pid without touching
// its memory.
func (bpmap *BreakpointMap) dropProcess(pid int) {
	for k := range bpmap.M {
		if k.pid == pid {
			delete(bpmap.M, k)
		}
	}
}

// SetBreakpoint writes a breakpoint instruction at addr in process pid.
// It fails with BreakpointExistsError if a breakpoint is already set there.
func (s *Session) SetBreakpoint(pid int, addr uint64) (*Breakpoint, error) {
	if err := s.checkUsable("SetBreakpoint"); err != nil {
		return nil, err
	}
	bp, err := s.bps.Set(pid, addr, s.writeBreakpoint)
	if err != nil {
		return nil, err
	}
	s.bplog.Debugf("set breakpoint %d at %#x in process %d, original data %#x", bp.ID, addr, pid, bp.OriginalData)
	return bp, nil
}

func (s *Session) writeBreakpoint(pid int, addr uint64) ([]byte, error) {
	p, err := s.liveProcess(pid)
	if err != nil {
		return nil, err
	}
	originalData, err := s.readMemory(p, addr, s.arch.BreakpointSize())
	if err != nil {
		return nil, err
	}
	if err := s.writeMemory(p, addr, s.arch.BreakpointInstruction()); err != nil {
		return nil, err
	}
	return originalData, nil
}

// ClearBreakpoint removes the breakpoint with the given ID, restoring the
// original instruction if the breakpoint is armed.
func (s *Session) ClearBreakpoint(id int) (*Breakpoint, error) {
	if err := s.checkUsable("ClearBreakpoint"); err != nil {
		return nil, err
	}
	bp, err := s.bps.Clear(id, s.disarm)
	if err != nil {
		return nil, err
	}
	s.bplog.Debugf("cleared breakpoint %d at %#x in process %d", bp.ID, bp.Addr, bp.Pid)
	return bp, nil
}

// EnableBreakpoint re-arms a disabled breakpoint. A breakpoint a thread is
// stepping over is armed when the step completes.
func (s *Session) EnableBreakpoint(id int) (*Breakpoint, error) {
	if err := s.checkUsable("EnableBreakpoint"); err != nil {
		return nil, err
	}
	bp := s.bps.byID(id)
	if bp == nil {
		return nil, NoBreakpointError{ID: id}
	}
	if bp.enabled {
		return bp, nil
	}
	bp.enabled = true
	if bp.stepping == 0 {
		if err := s.arm(bp); err != nil {
			bp.enabled = false
			return nil, err
		}
	}
	return bp, nil
}

// DisableBreakpoint restores the original instruction without forgetting
// the breakpoint or its hit count.
func (s *Session) DisableBreakpoint(id int) (*Breakpoint, error) {
	if err := s.checkUsable("DisableBreakpoint"); err != nil {
		return nil, err
	}
	bp := s.bps.byID(id)
	if bp == nil {
		return nil, NoBreakpointError{ID: id}
	}
	if err := s.disarm(bp); err != nil {
		return nil, err
	}
	bp.enabled = false
	return bp, nil
}

// Breakpoints returns all breakpoints ordered by ID.
func (s *Session) Breakpoints() []*Breakpoint {
	return s.bps.Sorted()
}

// FindBreakpoint returns the breakpoint at addr in process pid.
func (s *Session) FindBreakpoint(pid int, addr uint64) (*Breakpoint, bool) {
	bp := s.bps.Find(pid, addr)
	return bp, bp != nil
}

func (s *Session) arm(bp *Breakpoint) error {
	if bp.armed {
		return nil
	}
	p, err := s.liveProcess(bp.Pid)
	if err != nil {
		return err
	}
	if err := s.writeMemory(p, bp.Addr, s.arch.BreakpointInstruction()); err != nil {
		return err
	}
	bp.armed = true
	return nil
}

func (s *Session) disarm(bp *Breakpoint) error {
	if !bp.armed {
		return nil
	}
	p := s.reg.findProcess(bp.Pid)
	if p == nil || p.exited {
		bp.armed = false
		return nil
	}
	if err := s.writeMemory(p, bp.Addr, bp.OriginalData); err != nil {
		return err
	}
	bp.armed = false
	return nil
}

// handleBreakpointTrap routes a breakpoint exception raised by thread t.
// It returns the hit breakpoint, or nil if the exception is not ours.
// The second result is false if the notification must be swallowed.
func (s *Session) handleBreakpointTrap(p *Process, t *Thread, exc *ExceptionRecord) (*Breakpoint, bool, error) {
	bp := s.bps.Find(p.Pid, exc.Address)
	if bp == nil {
		swallowed, err := s.rewindClearedTrap(p, t, exc.Address)
		return nil, !swallowed, err
	}
	regs, err := s.loadRegisters(t)
	if err != nil {
		return nil, true, err
	}
	if regs.PC() != exc.Address+uint64(s.arch.BreakpointSize()) {
		return nil, true, nil
	}
	if !bp.armed && bp.stepping == 0 && !s.trapAt(p, bp.Addr) {
		if !bp.enabled {
			// Raised before the breakpoint was disabled: run the original
			// instruction again.
			if err := s.rewindPC(t, regs, bp.Addr); err != nil {
				return nil, true, err
			}
			s.bplog.Debugf("swallowed stale hit of disabled breakpoint %d on thread %d", bp.ID, t.ID)
			return bp, false, nil
		}
	}

	if err := s.rewindPC(t, regs, bp.Addr); err != nil {
		return nil, true, err
	}
	if err := s.disarm(bp); err != nil {
		return nil, true, err
	}
	if t.stepOver != nil {
		if err := s.completeStepOver(t); err != nil {
			return nil, true, err
		}
	}
	t.stepOver = bp
	bp.stepping++
	bp.hits++
	s.bplog.Debugf("breakpoint %d hit at %#x by thread %d, hits %d", bp.ID, bp.Addr, t.ID, bp.hits)
	return bp, true, nil
}

// rewindClearedTrap handles a trap raised by a breakpoint that was cleared
// before the notification was delivered, for example when two threads hit
// it together. The thread is moved back to the restored instruction. It
// returns false if the trap is still in memory or the thread is not
// stopped right after it.
func (s *Session) rewindClearedTrap(p *Process, t *Thread, addr uint64) (bool, error) {
	regs, err := s.loadRegisters(t)
	if err != nil {
		return false, err
	}
	if regs.PC() != addr+uint64(s.arch.BreakpointSize()) {
		return false, nil
	}
	data, err := s.readMemory(p, addr, s.arch.BreakpointSize())
	if err != nil || bytes.Equal(data, s.arch.BreakpointInstruction()) {
		return false, nil
	}
	if err := s.rewindPC(t, regs, addr); err != nil {
		return false, err
	}
	s.bplog.Debugf("swallowed stale hit of cleared breakpoint at %#x on thread %d", addr, t.ID)
	return true, nil
}

// trapAt reports whether target memory at addr holds the breakpoint
// instruction.
func (s *Session) trapAt(p *Process, addr uint64) bool {
	data, err := s.readMemory(p, addr, s.arch.BreakpointSize())
	return err == nil && bytes.Equal(data, s.arch.BreakpointInstruction())
}

func (s *Session) rewindPC(t *Thread, regs Registers, pc uint64) error {
	regs.SetPC(pc)
	return s.storeRegisters(t, regs)
}

// completeStepOver is called when thread t finished executing the original
// instruction under a breakpoint: the breakpoint is re-armed unless it was
// cleared or disabled meanwhile or another thread is still stepping over it.
func (s *Session) completeStepOver(t *Thread) error {
	bp := t.stepOver
	t.stepOver = nil
	bp.stepping--
	if bp.stepping > 0 || !bp.enabled {
		return nil
	}
	if s.bps.Find(bp.Pid, bp.Addr) != bp {
		return nil
	}
	if err := s.arm(bp); err != nil {
		return err
	}
	s.bplog.Debugf("re-armed breakpoint %d at %#x after step over by thread %d", bp.ID, bp.Addr, t.ID)
	return nil
}

// restoreBreakpoints writes back the original data of every armed
// breakpoint.
func (s *Session) restoreBreakpoints() error {
	for _, bp := range s.bps.Sorted() {
		if err := s.disarm(bp); err != nil {
			return err
		}
	}
	return nil
}
