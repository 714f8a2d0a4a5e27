package proc

import (
	"fmt"
	"strings"
)

// Exception codes raised by 32-bit code running under WOW64.
const (
	exceptionWX86Breakpoint = 0x4000001F
	exceptionWX86SingleStep = 0x4000001E
)

// dispatch updates the registry for raw and queues the events it expands
// to. Swallowed notifications queue nothing.
func (s *Session) dispatch(raw *RawEvent) error {
	switch raw.Kind {
	case RawCreateProcess:
		return s.onCreateProcess(raw)
	case RawCreateThread:
		return s.onCreateThread(raw)
	case RawExitThread:
		return s.onExitThread(raw)
	case RawExitProcess:
		return s.onExitProcess(raw)
	case RawLoadDLL:
		return s.onLoadDLL(raw)
	case RawUnloadDLL:
		return s.onUnloadDLL(raw)
	case RawException:
		return s.onException(raw)
	case RawOutputDebugString:
		return s.onOutputDebugString(raw)
	}
	if err := s.freezeReporter(raw); err != nil {
		return err
	}
	s.enqueue(DebugEvent{Kind: EventOther, Pid: raw.Pid, Tid: raw.Tid, RawKind: raw.Kind, RIPError: raw.RIPError, RIPType: raw.RIPType}, nil)
	return nil
}

func (s *Session) enqueue(ev DebugEvent, onResume func()) {
	s.queue = append(s.queue, queuedEvent{ev: ev, onResume: onResume})
}

// freezeReporter freezes the thread that reported raw, if it is tracked.
func (s *Session) freezeReporter(raw *RawEvent) error {
	t := s.reg.findThread(raw.Pid, raw.Tid)
	if t == nil {
		return nil
	}
	return s.reg.freeze(t)
}

func (s *Session) onCreateProcess(raw *RawEvent) error {
	if old := s.reg.findProcess(raw.Pid); old != nil {
		s.log.Warnf("create process notification for already tracked pid %d", raw.Pid)
		s.removeProcess(old)
	}
	p := &Process{
		Pid:        raw.Pid,
		ImageBase:  raw.ImageBase,
		EntryPoint: raw.StartAddress,
		Path:       cleanImagePath(raw.ImagePath),
		handle:     raw.Process,
	}
	t := &Thread{ID: raw.Tid, Pid: raw.Pid, StartAddress: raw.StartAddress, handle: raw.Thread}
	p.threads = append(p.threads, t)
	s.reg.addProcess(p)
	if err := s.reg.freeze(t); err != nil {
		return err
	}
	m := s.loadModule(p, raw.ImageBase, raw.ImagePath, raw.ImageNamePtr, raw.Unicode)
	p.modules = append(p.modules, m)
	if p.Path == "" {
		p.Path = m.Path
	}
	if p.EntryPoint == 0 && m.EntryRVA != 0 {
		p.EntryPoint = m.Base + uint64(m.EntryRVA)
	}
	s.log.Debugf("process %d created, image %s at %#x, entry %#x", p.Pid, m.Name, p.ImageBase, p.EntryPoint)

	s.enqueue(DebugEvent{Kind: EventProcessCreated, Pid: p.Pid, Tid: t.ID, StartAddress: p.EntryPoint}, nil)
	s.enqueue(DebugEvent{Kind: EventThreadCreated, Pid: p.Pid, Tid: t.ID, StartAddress: t.StartAddress}, nil)
	s.enqueue(DebugEvent{Kind: EventModuleLoaded, Pid: p.Pid, Tid: t.ID, Module: m}, nil)
	return nil
}

func (s *Session) onCreateThread(raw *RawEvent) error {
	p := s.reg.findProcess(raw.Pid)
	if p == nil {
		s.log.Warnf("thread %d created in untracked process %d", raw.Tid, raw.Pid)
		s.closeHandle(raw.Thread)
		s.enqueue(DebugEvent{Kind: EventThreadCreated, Pid: raw.Pid, Tid: raw.Tid, StartAddress: raw.StartAddress}, nil)
		return nil
	}
	t := p.findThread(raw.Tid)
	if t == nil {
		t = &Thread{ID: raw.Tid, Pid: raw.Pid, StartAddress: raw.StartAddress, handle: raw.Thread}
		p.threads = append(p.threads, t)
	}
	if err := s.reg.freeze(t); err != nil {
		return err
	}
	s.enqueue(DebugEvent{Kind: EventThreadCreated, Pid: raw.Pid, Tid: raw.Tid, StartAddress: raw.StartAddress}, nil)
	return nil
}

func (s *Session) onExitThread(raw *RawEvent) error {
	if err := s.freezeReporter(raw); err != nil {
		return err
	}
	pid, tid := raw.Pid, raw.Tid
	s.enqueue(DebugEvent{Kind: EventThreadExited, Pid: pid, Tid: tid, ExitCode: raw.ExitCode}, func() {
		s.removeThread(pid, tid)
	})
	return nil
}

func (s *Session) onExitProcess(raw *RawEvent) error {
	p := s.reg.findProcess(raw.Pid)
	if p == nil {
		s.enqueue(DebugEvent{Kind: EventProcessExited, Pid: raw.Pid, Tid: raw.Tid, ExitCode: raw.ExitCode}, nil)
		return nil
	}
	if err := s.freezeReporter(raw); err != nil {
		return err
	}
	p.exited = true
	p.exitCode = raw.ExitCode
	pid := p.Pid
	for _, t := range p.threads {
		tid := t.ID
		s.enqueue(DebugEvent{Kind: EventThreadExited, Pid: pid, Tid: tid, ExitCode: raw.ExitCode}, func() {
			s.removeThread(pid, tid)
		})
	}
	s.enqueue(DebugEvent{Kind: EventProcessExited, Pid: pid, Tid: raw.Tid, ExitCode: raw.ExitCode}, func() {
		s.removeProcess(p)
	})
	s.log.Debugf("process %d exited with code %d", pid, raw.ExitCode)
	return nil
}

func (s *Session) removeThread(pid, tid int) {
	p := s.reg.findProcess(pid)
	if p == nil {
		return
	}
	t := p.removeThread(tid)
	if t == nil {
		return
	}
	if t.stepOver != nil {
		if err := s.completeStepOver(t); err != nil {
			s.bplog.Warnf("could not re-arm breakpoint after thread %d exited: %v", tid, err)
		}
	}
	t.userStep = false
	s.closeHandle(t.handle)
	t.handle = 0
}

// removeProcess forgets p. Its breakpoints are dropped without restoring
// memory.
func (s *Session) removeProcess(p *Process) {
	for _, t := range p.threads {
		s.closeHandle(t.handle)
		t.handle = 0
	}
	p.threads = nil
	s.closeHandle(p.handle)
	p.handle = 0
	s.bps.dropProcess(p.Pid)
	s.reg.removeProcess(p.Pid)
}

func (s *Session) onLoadDLL(raw *RawEvent) error {
	p := s.reg.findProcess(raw.Pid)
	if p == nil {
		s.enqueue(DebugEvent{Kind: EventModuleLoaded, Pid: raw.Pid, Tid: raw.Tid, Module: Module{Pid: raw.Pid, Base: raw.ImageBase, Path: cleanImagePath(raw.ImagePath)}}, nil)
		return nil
	}
	if err := s.freezeReporter(raw); err != nil {
		return err
	}
	if m, ok := p.removeModule(raw.ImageBase); ok {
		s.log.Warnf("module %s loaded twice at %#x", m.Name, m.Base)
	}
	m := s.loadModule(p, raw.ImageBase, raw.ImagePath, raw.ImageNamePtr, raw.Unicode)
	p.modules = append(p.modules, m)
	s.enqueue(DebugEvent{Kind: EventModuleLoaded, Pid: raw.Pid, Tid: raw.Tid, Module: m}, nil)
	return nil
}

func (s *Session) onUnloadDLL(raw *RawEvent) error {
	if err := s.freezeReporter(raw); err != nil {
		return err
	}
	m := Module{Pid: raw.Pid, Base: raw.ImageBase, Name: fmt.Sprintf("module_%X", raw.ImageBase)}
	for _, mod := range s.modulesOf(raw.Pid) {
		if mod.Base == raw.ImageBase {
			m = mod
			break
		}
	}
	pid, base := raw.Pid, raw.ImageBase
	s.enqueue(DebugEvent{Kind: EventModuleUnloaded, Pid: raw.Pid, Tid: raw.Tid, Module: m}, func() {
		if p := s.reg.findProcess(pid); p != nil {
			p.removeModule(base)
		}
	})
	return nil
}

func (s *Session) modulesOf(pid int) []Module {
	if p := s.reg.findProcess(pid); p != nil {
		return p.modules
	}
	return nil
}

func (s *Session) onOutputDebugString(raw *RawEvent) error {
	if err := s.freezeReporter(raw); err != nil {
		return err
	}
	var text string
	chars := raw.DebugStringLen
	if raw.Unicode {
		chars /= 2
	}
	if p := s.reg.findProcess(raw.Pid); p != nil && raw.DebugString != 0 && chars > 0 {
		var err error
		text, err = s.readString(p, raw.DebugString, chars, raw.Unicode)
		if err != nil {
			s.memlog.Debugf("could not read debug string at %#x: %v", raw.DebugString, err)
		}
	}
	s.enqueue(DebugEvent{Kind: EventOutput, Pid: raw.Pid, Tid: raw.Tid, Output: text}, nil)
	return nil
}

func (s *Session) onException(raw *RawEvent) error {
	if err := s.freezeReporter(raw); err != nil {
		return err
	}
	exc := raw.Exception
	ev := DebugEvent{
		Kind: EventException,
		Pid:  raw.Pid,
		Tid:  raw.Tid,
		Exception: ExceptionInfo{
			Code:        exc.Code,
			Address:     exc.Address,
			FirstChance: exc.FirstChance,
		},
	}
	p := s.reg.findProcess(raw.Pid)
	t := s.reg.findThread(raw.Pid, raw.Tid)
	if p == nil || t == nil {
		s.enqueue(ev, nil)
		return nil
	}

	switch exc.Code {
	case ExceptionBreakpoint, exceptionWX86Breakpoint:
		bp, report, err := s.handleBreakpointTrap(p, t, &exc)
		if err != nil {
			s.bplog.Errorf("could not handle breakpoint exception at %#x: %v", exc.Address, err)
			break
		}
		if !report {
			return nil
		}
		if bp != nil {
			ev.Kind = EventBreakpoint
			ev.Breakpoint = BreakpointInfo{ID: bp.ID, Addr: bp.Addr, HitCount: bp.hits}
			break
		}
		if !p.loaderBreakSeen {
			p.loaderBreakSeen = true
			ev.Exception.LoaderBreak = true
		}

	case ExceptionSingleStep, exceptionWX86SingleStep:
		stepOver := t.stepOver != nil
		if stepOver {
			if err := s.completeStepOver(t); err != nil {
				s.bplog.Errorf("could not re-arm breakpoint on thread %d: %v", t.ID, err)
			}
		}
		if stepOver || t.userStep {
			if err := s.setSingleStep(t, false); err != nil {
				s.log.Warnf("could not clear trap flag of thread %d: %v", t.ID, err)
			}
		}
		if t.userStep {
			t.userStep = false
			ev.Kind = EventStepComplete
			if regs, err := s.loadRegisters(t); err == nil {
				ev.Exception.Address = regs.PC()
			}
			break
		}
		if stepOver {
			return nil
		}
	}
	s.enqueue(ev, nil)
	return nil
}

// loadModule builds the Module record for the image mapped at base. The
// name comes from the image path, then the export directory, then the
// base address.
func (s *Session) loadModule(p *Process, base uint64, path string, namePtr uint64, unicode bool) Module {
	path = cleanImagePath(path)
	if path == "" && namePtr != 0 {
		if ptr, err := s.readPointer(p, namePtr); err == nil && ptr != 0 {
			if name, err := s.readString(p, ptr, maxPathChars, unicode); err == nil {
				path = cleanImagePath(name)
			}
		}
	}
	m := Module{Pid: p.Pid, Base: base, Path: path}
	hdr, err := s.readImageHeader(p, base)
	if err != nil {
		s.memlog.Debugf("could not read image header at %#x in process %d: %v", base, p.Pid, err)
	} else {
		m.Size = uint64(hdr.SizeOfImage)
		m.EntryRVA = hdr.EntryRVA
	}
	switch {
	case path != "":
		m.Name = baseName(path)
	case hdr != nil:
		m.Name = s.exportName(p, base, hdr)
	}
	if m.Name == "" {
		m.Name = fmt.Sprintf("module_%X", base)
	}
	return m
}

// cleanImagePath removes the extended-length prefix from a path returned
// by the operating system.
func cleanImagePath(path string) string {
	switch {
	case strings.HasPrefix(path, `\\?\UNC\`):
		return `\\` + path[len(`\\?\UNC\`):]
	case strings.HasPrefix(path, `\\?\`):
		return path[len(`\\?\`):]
	}
	return path
}
