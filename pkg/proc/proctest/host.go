// Package proctest provides a scripted implementation of proc.Host and a
// tiny simulated CPU, so that the session protocol can be exercised
// without a live target.
package proctest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-delve/wdbg/pkg/proc"
)

// ErrScriptExhausted is returned by WaitForDebugEvent when no scripted
// event is left and no timeout was requested.
var ErrScriptExhausted = errors.New("proctest: no more debug events")

// Continue records a call to ContinueDebugEvent.
type Continue struct {
	Pid, Tid int
	Status   proc.ContinueStatus
	// SingleStep is the trap flag of the thread at the time of the call.
	SingleStep bool
}

// Runner produces the next debug event after the previous one was
// continued. It is consulted when the script is empty.
type Runner interface {
	Run(h *Host) (*proc.RawEvent, error)
}

// Host is a scripted proc.Host. Events are returned in order from Events;
// when they run out Runner, if set, is asked for more.
type Host struct {
	Pid       int
	LaunchErr error
	AttachErr error
	// WaitErr, if set, is returned by the next WaitForDebugEvent.
	WaitErr error
	// ContinueErr, if set, is returned by the next ContinueDebugEvent.
	ContinueErr error

	Events []*proc.RawEvent
	Runner Runner

	// Memory maps a process handle to its address space.
	Memory map[proc.Handle]*Memory
	// Contexts maps a thread handle to its registers.
	Contexts map[proc.Handle]*Registers

	Launched   []proc.LaunchConfig
	Attached   []int
	Continues  []Continue
	Flushes    []Range
	Closed     []proc.Handle
	Detached   []int
	Terminated []proc.Handle
	Reads      int
	closed     bool

	// lastThread maps (pid, tid) to the thread handle announced by a create
	// notification, to sample the trap flag on continue.
	lastThread map[[2]int]proc.Handle
}

// Range is an address range passed to FlushInstructionCache.
type Range struct {
	Addr uint64
	Size int
}

// NewHost returns an empty host that launches processes with the given pid.
func NewHost(pid int) *Host {
	return &Host{
		Pid:        pid,
		Memory:     map[proc.Handle]*Memory{},
		Contexts:   map[proc.Handle]*Registers{},
		lastThread: map[[2]int]proc.Handle{},
	}
}

// Push appends events to the script.
func (h *Host) Push(evs ...*proc.RawEvent) {
	h.Events = append(h.Events, evs...)
}

// Track records the handle of thread tid of process pid so that
// continues of its events sample the trap flag.
func (h *Host) Track(pid, tid int, thread proc.Handle) {
	h.lastThread[[2]int{pid, tid}] = thread
}

func (h *Host) Launch(cfg proc.LaunchConfig) (int, error) {
	if h.LaunchErr != nil {
		return 0, h.LaunchErr
	}
	h.Launched = append(h.Launched, cfg)
	return h.Pid, nil
}

func (h *Host) Attach(pid int) error {
	if h.AttachErr != nil {
		return h.AttachErr
	}
	h.Attached = append(h.Attached, pid)
	return nil
}

func (h *Host) WaitForDebugEvent(timeout time.Duration) (*proc.RawEvent, error) {
	if h.WaitErr != nil {
		err := h.WaitErr
		h.WaitErr = nil
		return nil, err
	}
	if len(h.Events) > 0 {
		ev := h.Events[0]
		h.Events = h.Events[1:]
		h.remember(ev)
		return ev, nil
	}
	if h.Runner != nil {
		ev, err := h.Runner.Run(h)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			h.remember(ev)
			return ev, nil
		}
	}
	if timeout > 0 {
		return nil, proc.ErrTimeout
	}
	return nil, ErrScriptExhausted
}

func (h *Host) remember(ev *proc.RawEvent) {
	if ev.Thread != 0 {
		h.Track(ev.Pid, ev.Tid, ev.Thread)
	}
}

func (h *Host) ContinueDebugEvent(pid, tid int, status proc.ContinueStatus) error {
	if h.ContinueErr != nil {
		err := h.ContinueErr
		h.ContinueErr = nil
		return err
	}
	c := Continue{Pid: pid, Tid: tid, Status: status}
	if th, ok := h.lastThread[[2]int{pid, tid}]; ok {
		if regs := h.Contexts[th]; regs != nil {
			c.SingleStep = regs.SingleStep()
		}
	}
	h.Continues = append(h.Continues, c)
	return nil
}

func (h *Host) mem(ph proc.Handle) (*Memory, error) {
	m := h.Memory[ph]
	if m == nil {
		return nil, fmt.Errorf("invalid process handle %#x", ph)
	}
	return m, nil
}

func (h *Host) ReadMemory(ph proc.Handle, addr uint64, buf []byte) (int, error) {
	h.Reads++
	m, err := h.mem(ph)
	if err != nil {
		return 0, err
	}
	return m.ReadAt(buf, addr)
}

func (h *Host) WriteMemory(ph proc.Handle, addr uint64, data []byte) (int, error) {
	m, err := h.mem(ph)
	if err != nil {
		return 0, err
	}
	return m.WriteAt(data, addr)
}

func (h *Host) FlushInstructionCache(ph proc.Handle, addr uint64, size int) error {
	h.Flushes = append(h.Flushes, Range{addr, size})
	return nil
}

func (h *Host) GetThreadContext(th proc.Handle) (proc.Registers, error) {
	regs := h.Contexts[th]
	if regs == nil {
		return nil, fmt.Errorf("invalid thread handle %#x", th)
	}
	return regs.Copy()
}

func (h *Host) SetThreadContext(th proc.Handle, regs proc.Registers) error {
	if h.Contexts[th] == nil {
		return fmt.Errorf("invalid thread handle %#x", th)
	}
	r, ok := regs.(*Registers)
	if !ok {
		return fmt.Errorf("unexpected register type %T", regs)
	}
	c, _ := r.Copy()
	h.Contexts[th] = c.(*Registers)
	return nil
}

func (h *Host) CloseHandle(handle proc.Handle) error {
	h.Closed = append(h.Closed, handle)
	return nil
}

func (h *Host) Detach(pid int) error {
	h.Detached = append(h.Detached, pid)
	return nil
}

func (h *Host) Terminate(ph proc.Handle, exitCode uint32) error {
	h.Terminated = append(h.Terminated, ph)
	return nil
}

func (h *Host) Close() error {
	h.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (h *Host) IsClosed() bool {
	return h.closed
}

// Memory is a sparse address space made of mapped regions.
type Memory struct {
	regions []*region
	// MaxTransfer, if positive, limits the bytes moved by a single read or
	// write, to simulate partial transfers.
	MaxTransfer int
}

type region struct {
	addr uint64
	data []byte
}

// NewMemory returns an empty address space.
func NewMemory() *Memory {
	return &Memory{}
}

// Map maps data at addr. Regions must not overlap.
func (m *Memory) Map(addr uint64, data []byte) {
	m.regions = append(m.regions, &region{addr, data})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].addr < m.regions[j].addr })
}

func (m *Memory) find(addr uint64) *region {
	for _, r := range m.regions {
		if addr >= r.addr && addr < r.addr+uint64(len(r.data)) {
			return r
		}
	}
	return nil
}

// ReadAt copies from the region containing addr. Reads crossing the end of
// a region are short.
func (m *Memory) ReadAt(buf []byte, addr uint64) (int, error) {
	r := m.find(addr)
	if r == nil {
		return 0, fmt.Errorf("address %#x not mapped", addr)
	}
	if m.MaxTransfer > 0 && len(buf) > m.MaxTransfer {
		buf = buf[:m.MaxTransfer]
	}
	n := copy(buf, r.data[addr-r.addr:])
	return n, nil
}

// WriteAt copies into the region containing addr.
func (m *Memory) WriteAt(data []byte, addr uint64) (int, error) {
	r := m.find(addr)
	if r == nil {
		return 0, fmt.Errorf("address %#x not mapped", addr)
	}
	if m.MaxTransfer > 0 && len(data) > m.MaxTransfer {
		data = data[:m.MaxTransfer]
	}
	n := copy(r.data[addr-r.addr:], data)
	return n, nil
}

// Byte returns the byte at addr, or false if it is not mapped.
func (m *Memory) Byte(addr uint64) (byte, bool) {
	r := m.find(addr)
	if r == nil {
		return 0, false
	}
	return r.data[addr-r.addr], true
}
