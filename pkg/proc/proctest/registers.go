package proctest

import (
	"fmt"
	"sort"

	"github.com/go-delve/wdbg/pkg/proc"
)

const trapFlag = 0x100

// Registers is an in-memory register file used by the fake host. Register
// names are lower case x64 names; the instruction pointer is "rip" and the
// flags register "eflags".
type Registers struct {
	Regs map[string]uint64
	Teb  uint64
}

// NewRegisters returns a register file with the instruction pointer set to
// pc and every other general purpose register cleared.
func NewRegisters(pc uint64) *Registers {
	r := &Registers{Regs: map[string]uint64{}}
	for _, name := range gprNames {
		r.Regs[name] = 0
	}
	r.Regs["rip"] = pc
	r.Regs["eflags"] = 0x202
	return r
}

var gprNames = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "eflags",
}

func (r *Registers) PC() uint64  { return r.Regs["rip"] }
func (r *Registers) SP() uint64  { return r.Regs["rsp"] }
func (r *Registers) BP() uint64  { return r.Regs["rbp"] }
func (r *Registers) TLS() uint64 { return r.Teb }

func (r *Registers) SetPC(pc uint64) { r.Regs["rip"] = pc }

func (r *Registers) SingleStep() bool {
	return r.Regs["eflags"]&trapFlag != 0
}

func (r *Registers) SetSingleStep(enabled bool) {
	if enabled {
		r.Regs["eflags"] |= trapFlag
	} else {
		r.Regs["eflags"] &^= trapFlag
	}
}

func (r *Registers) Get(name string) (uint64, error) {
	v, ok := r.Regs[name]
	if !ok {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return v, nil
}

func (r *Registers) Set(name string, value uint64) error {
	if _, ok := r.Regs[name]; !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	r.Regs[name] = value
	return nil
}

func (r *Registers) Slice(floatingPoint bool) ([]proc.Register, error) {
	var out []proc.Register
	names := make([]string, 0, len(r.Regs))
	for name := range r.Regs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return regOrder(names[i]) < regOrder(names[j]) })
	for _, name := range names {
		if name == "eflags" {
			out = proc.AppendEflagReg(out, name, r.Regs[name])
			continue
		}
		out = proc.AppendQwordReg(out, name, r.Regs[name])
	}
	return out, nil
}

func regOrder(name string) int {
	for i, n := range gprNames {
		if n == name {
			return i
		}
	}
	return len(gprNames)
}

func (r *Registers) Copy() (proc.Registers, error) {
	c := &Registers{Regs: make(map[string]uint64, len(r.Regs)), Teb: r.Teb}
	for k, v := range r.Regs {
		c.Regs[k] = v
	}
	return c, nil
}
