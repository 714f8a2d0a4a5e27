package proc

import (
	"encoding/binary"
	"fmt"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	ReadMemory(pid int, addr uint64, size int) ([]byte, error)
}

// MemoryReadWriter is a MemoryReader that can also patch target memory.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(pid int, addr uint64, data []byte) error
}

// liveProcess returns the tracked process pid, failing if it exited.
func (s *Session) liveProcess(pid int) (*Process, error) {
	p := s.reg.findProcess(pid)
	if p == nil {
		return nil, NoProcessError{Pid: pid}
	}
	if p.exited {
		return nil, ErrProcessExited{Pid: pid, Status: int(p.exitCode)}
	}
	return p, nil
}

// ReadMemory returns exactly size bytes of the memory of process pid
// starting at addr. Armed breakpoints are visible as trap instructions.
func (s *Session) ReadMemory(pid int, addr uint64, size int) ([]byte, error) {
	if err := s.checkUsable("ReadMemory"); err != nil {
		return nil, err
	}
	p, err := s.liveProcess(pid)
	if err != nil {
		return nil, err
	}
	return s.readMemory(p, addr, size)
}

func (s *Session) readMemory(p *Process, addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return []byte{}, nil
	}
	if s.cache != nil {
		if data, ok := s.readCached(p, addr, size); ok {
			return data, nil
		}
	}
	data := make([]byte, size)
	if err := s.readExact(p, addr, data); err != nil {
		return nil, err
	}
	return data, nil
}

// readCached assembles the range from cached pages, loading the missing
// ones. It reports false if any page could not be read whole.
func (s *Session) readCached(p *Process, addr uint64, size int) ([]byte, bool) {
	data := make([]byte, 0, size)
	end := addr + uint64(size)
	if end < addr {
		return nil, false
	}
	for page := addr &^ (pageSize - 1); page < end; page += pageSize {
		buf, ok := s.cache.get(p.Pid, page)
		if !ok {
			buf = make([]byte, pageSize)
			if err := s.readExact(p, page, buf); err != nil {
				s.memlog.Debugf("page %#x of process %d not cacheable: %v", page, p.Pid, err)
				return nil, false
			}
			s.cache.add(p.Pid, page, buf)
		}
		lo, hi := uint64(0), uint64(pageSize)
		if addr > page {
			lo = addr - page
		}
		if end < page+pageSize {
			hi = end - page
		}
		data = append(data, buf[lo:hi]...)
	}
	return data, true
}

// readExact fills buf from the target, retrying short reads until the
// buffer is full or a read makes no progress.
func (s *Session) readExact(p *Process, addr uint64, buf []byte) error {
	done := 0
	for done < len(buf) {
		n, err := s.host.ReadMemory(p.handle, addr+uint64(done), buf[done:])
		if n <= 0 {
			if err == nil {
				err = fmt.Errorf("read returned no data")
			}
			s.memlog.Debugf("read of %d bytes at %#x in process %d failed after %d bytes: %v", len(buf), addr, p.Pid, done, err)
			return &AccessDeniedError{Pid: p.Pid, Addr: addr, Len: len(buf), Err: err}
		}
		done += n
	}
	return nil
}

// WriteMemory writes data to the memory of process pid at addr and makes
// the written range visible to instruction fetch. Ranges overlapping a
// breakpoint of pid are refused with BreakpointOverlapError.
func (s *Session) WriteMemory(pid int, addr uint64, data []byte) error {
	if err := s.checkUsable("WriteMemory"); err != nil {
		return err
	}
	p, err := s.liveProcess(pid)
	if err != nil {
		return err
	}
	end := addr + uint64(len(data))
	for _, bp := range s.bps.Sorted() {
		if bp.Pid == pid && bp.Addr < end && bp.Addr+uint64(len(bp.OriginalData)) > addr {
			return &BreakpointOverlapError{Pid: pid, Addr: addr, Len: len(data), ID: bp.ID, BreakpointAddr: bp.Addr}
		}
	}
	return s.writeMemory(p, addr, data)
}

func (s *Session) writeMemory(p *Process, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.cache.invalidate(p.Pid, addr, len(data))
	done := 0
	for done < len(data) {
		n, err := s.host.WriteMemory(p.handle, addr+uint64(done), data[done:])
		if n <= 0 {
			if err == nil {
				err = fmt.Errorf("write accepted no data")
			}
			s.memlog.Debugf("write of %d bytes at %#x in process %d failed after %d bytes: %v", len(data), addr, p.Pid, done, err)
			return &AccessDeniedError{Pid: p.Pid, Addr: addr, Len: len(data), Err: err}
		}
		done += n
	}
	if err := s.host.FlushInstructionCache(p.handle, addr, len(data)); err != nil {
		return fmt.Errorf("could not flush instruction cache at %#x in process %d: %w", addr, p.Pid, err)
	}
	return nil
}

// readPointer reads a pointer sized value from the target.
func (s *Session) readPointer(p *Process, addr uint64) (uint64, error) {
	buf, err := s.readMemory(p, addr, s.arch.PtrSize())
	if err != nil {
		return 0, err
	}
	if len(buf) == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Registers returns a copy of the registers of thread tid of process pid.
// The thread must be frozen.
func (s *Session) Registers(pid, tid int) (Registers, error) {
	if err := s.checkUsable("Registers"); err != nil {
		return nil, err
	}
	t, err := s.frozenThread("Registers", pid, tid)
	if err != nil {
		return nil, err
	}
	regs, err := s.loadRegisters(t)
	if err != nil {
		return nil, err
	}
	return regs.Copy()
}

// SetRegisters changes the registers of thread tid of process pid. The
// thread must be frozen.
func (s *Session) SetRegisters(pid, tid int, regs Registers) error {
	if err := s.checkUsable("SetRegisters"); err != nil {
		return err
	}
	t, err := s.frozenThread("SetRegisters", pid, tid)
	if err != nil {
		return err
	}
	return s.storeRegisters(t, regs)
}

func (s *Session) frozenThread(op string, pid, tid int) (*Thread, error) {
	if s.reg.findProcess(pid) == nil {
		return nil, NoProcessError{Pid: pid}
	}
	t := s.reg.findThread(pid, tid)
	if t == nil {
		return nil, NoThreadError{Pid: pid, Tid: tid}
	}
	if t.state != ThreadFrozen {
		return nil, &InvalidStateError{Op: op, Reason: fmt.Sprintf("thread %d is not frozen", tid)}
	}
	return t, nil
}

// loadRegisters returns the cached context of a frozen thread, fetching it
// from the host the first time.
func (s *Session) loadRegisters(t *Thread) (Registers, error) {
	if t.regs != nil {
		return t.regs, nil
	}
	regs, err := s.host.GetThreadContext(t.handle)
	if err != nil {
		return nil, fmt.Errorf("could not get context of thread %d: %w", t.ID, err)
	}
	t.regs = regs
	return regs, nil
}

func (s *Session) storeRegisters(t *Thread, regs Registers) error {
	if err := s.host.SetThreadContext(t.handle, regs); err != nil {
		return fmt.Errorf("could not set context of thread %d: %w", t.ID, err)
	}
	c, err := regs.Copy()
	if err != nil {
		t.regs = nil
		return nil
	}
	t.regs = c
	return nil
}
