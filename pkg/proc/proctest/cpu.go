package proctest

import (
	"fmt"

	"github.com/go-delve/wdbg/pkg/proc"
)

const (
	// ImageBase is where NewCPU maps the program image.
	ImageBase = 0x400000
	// CodeRVA is the offset of the program code in the image.
	CodeRVA = 0x1000
	// LoaderBreakAddr is the address reported for the loader breakpoint.
	LoaderBreakAddr = 0x7ffe0000

	zeroFlag = 0x40
	maxSteps = 100000
)

// CPU simulates a single threaded process executing a small subset of
// x86-64: nop, xor r32,r32, inc r32, cmp r32,imm8, mov eax,imm32, jmp/je/jne
// rel8, int3 and ret, which exits the process with the value of eax. It
// honors breakpoint instructions written to its memory and the trap flag.
type CPU struct {
	Pid, Tid int
	Process  proc.Handle
	Thread   proc.Handle
	Mem      *Memory
	// LoaderBreak raises a breakpoint exception outside the image before
	// the first instruction, like the Windows loader does.
	LoaderBreak bool
	// Trace lists the addresses of executed instructions, breakpoint
	// instructions excluded.
	Trace []uint64

	started    bool
	loaderDone bool
	exited     bool
}

// NewCPU maps code at ImageBase+CodeRVA in a new process and installs the
// CPU as the runner of h. The first event it produces is the creation of
// the process.
func NewCPU(h *Host, code []byte) *CPU {
	c := &CPU{
		Pid:     h.Pid,
		Tid:     h.Pid + 1,
		Process: proc.Handle(0x100),
		Thread:  proc.Handle(0x104),
		Mem:     NewMemory(),
	}
	text := make([]byte, 0x1000)
	copy(text, code)
	c.Mem.Map(ImageBase, BuildImageHeader(CodeRVA+uint32(len(text)), CodeRVA, ""))
	c.Mem.Map(ImageBase+CodeRVA, text)
	c.Mem.Map(0x10000, make([]byte, 0x1000)) // stack

	h.Memory[c.Process] = c.Mem
	regs := NewRegisters(c.Entry())
	regs.Regs["rsp"] = 0x10ff8
	h.Contexts[c.Thread] = regs
	h.Runner = c
	return c
}

// Entry returns the address of the first instruction.
func (c *CPU) Entry() uint64 {
	return ImageBase + CodeRVA
}

// Executed returns how many times the instruction at addr was executed.
func (c *CPU) Executed(addr uint64) int {
	n := 0
	for _, a := range c.Trace {
		if a == addr {
			n++
		}
	}
	return n
}

func (c *CPU) Run(h *Host) (*proc.RawEvent, error) {
	if !c.started {
		c.started = true
		return &proc.RawEvent{
			Kind:         proc.RawCreateProcess,
			Pid:          c.Pid,
			Tid:          c.Tid,
			Process:      c.Process,
			Thread:       c.Thread,
			ImageBase:    ImageBase,
			StartAddress: c.Entry(),
			ImagePath:    `\\?\C:\test\loop.exe`,
		}, nil
	}
	if c.exited {
		return nil, nil
	}
	if c.LoaderBreak && !c.loaderDone {
		c.loaderDone = true
		return c.exception(0x80000003, LoaderBreakAddr), nil
	}
	for i := 0; i < maxSteps; i++ {
		regs := h.Contexts[c.Thread]
		trap := regs.SingleStep()
		ev, err := c.exec(regs)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
		if trap {
			regs.SetSingleStep(false)
			return c.exception(0x80000004, regs.PC()), nil
		}
	}
	return nil, fmt.Errorf("proctest: cpu did not stop after %d instructions", maxSteps)
}

func (c *CPU) exception(code uint32, addr uint64) *proc.RawEvent {
	return &proc.RawEvent{
		Kind: proc.RawException,
		Pid:  c.Pid,
		Tid:  c.Tid,
		Exception: proc.ExceptionRecord{
			Code:        code,
			Address:     addr,
			FirstChance: true,
		},
	}
}

var regByIndex = []string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi"}

func (c *CPU) fetch(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := range buf {
		b, ok := c.Mem.Byte(addr + uint64(i))
		if !ok {
			return nil, fmt.Errorf("proctest: instruction fetch at %#x", addr+uint64(i))
		}
		buf[i] = b
	}
	return buf, nil
}

func (c *CPU) setZF(regs *Registers, zero bool) {
	if zero {
		regs.Regs["eflags"] |= zeroFlag
	} else {
		regs.Regs["eflags"] &^= zeroFlag
	}
}

// exec executes one instruction. It returns an event if the instruction
// raised one.
func (c *CPU) exec(regs *Registers) (*proc.RawEvent, error) {
	pc := regs.PC()
	op, err := c.fetch(pc, 1)
	if err != nil {
		return nil, err
	}
	if op[0] != 0xcc {
		c.Trace = append(c.Trace, pc)
	}
	jump := func(taken bool) error {
		rel, err := c.fetch(pc+1, 1)
		if err != nil {
			return err
		}
		next := pc + 2
		if taken {
			next = uint64(int64(next) + int64(int8(rel[0])))
		}
		regs.SetPC(next)
		return nil
	}
	switch op[0] {
	case 0x90:
		regs.SetPC(pc + 1)
	case 0xcc:
		regs.SetPC(pc + 1)
		return c.exception(0x80000003, pc), nil
	case 0xc3:
		c.exited = true
		return &proc.RawEvent{Kind: proc.RawExitProcess, Pid: c.Pid, Tid: c.Tid, ExitCode: uint32(regs.Regs["rax"])}, nil
	case 0x31:
		m, err := c.fetch(pc+1, 1)
		if err != nil {
			return nil, err
		}
		dst, src := regByIndex[m[0]&7], regByIndex[(m[0]>>3)&7]
		regs.Regs[dst] = uint64(uint32(regs.Regs[dst] ^ regs.Regs[src]))
		c.setZF(regs, regs.Regs[dst] == 0)
		regs.SetPC(pc + 2)
	case 0xff:
		m, err := c.fetch(pc+1, 1)
		if err != nil {
			return nil, err
		}
		r := regByIndex[m[0]&7]
		regs.Regs[r] = uint64(uint32(regs.Regs[r] + 1))
		c.setZF(regs, regs.Regs[r] == 0)
		regs.SetPC(pc + 2)
	case 0x83:
		m, err := c.fetch(pc+1, 2)
		if err != nil {
			return nil, err
		}
		r := regByIndex[m[0]&7]
		c.setZF(regs, uint32(regs.Regs[r]) == uint32(int32(int8(m[1]))))
		regs.SetPC(pc + 3)
	case 0xb8:
		imm, err := c.fetch(pc+1, 4)
		if err != nil {
			return nil, err
		}
		regs.Regs["rax"] = uint64(imm[0]) | uint64(imm[1])<<8 | uint64(imm[2])<<16 | uint64(imm[3])<<24
		regs.SetPC(pc + 5)
	case 0xeb:
		return nil, jump(true)
	case 0x74:
		return nil, jump(regs.Regs["eflags"]&zeroFlag != 0)
	case 0x75:
		return nil, jump(regs.Regs["eflags"]&zeroFlag == 0)
	default:
		return c.exception(0xc000001d, pc), nil
	}
	return nil, nil
}
