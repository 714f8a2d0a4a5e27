package proc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Registers is the register file of a stopped thread. Implementations
// come from the Host; changes are written back with Session.SetRegisters.
type Registers interface {
	PC() uint64
	SP() uint64
	BP() uint64
	// TLS returns the address of the thread environment block.
	TLS() uint64
	SetPC(pc uint64)
	// SingleStep reports whether the processor trap flag is set, i.e. the
	// thread will raise a single-step exception after its next instruction.
	SingleStep() bool
	SetSingleStep(enabled bool)
	// Get returns the value of the named general purpose register.
	Get(name string) (uint64, error)
	// Set changes the value of the named general purpose register.
	Set(name string, value uint64) error
	Slice(floatingPoint bool) ([]Register, error)
	// Copy returns a copy of the registers that is guaranteed not to change
	// when the registers of the associated thread change.
	Copy() (Registers, error)
}

// Register is a register formatted for display. Bytes holds its value in
// target (little endian) order.
type Register struct {
	Name  string
	Bytes []byte
	Value string
}

func littleEndian(value uint64, size int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	return b[:size]
}

// AppendWordReg appends a 16 bit register to regs.
func AppendWordReg(regs []Register, name string, value uint16) []Register {
	return append(regs, Register{name, littleEndian(uint64(value), 2), fmt.Sprintf("%#04x", value)})
}

// AppendDwordReg appends a 32 bit register to regs.
func AppendDwordReg(regs []Register, name string, value uint32) []Register {
	return append(regs, Register{name, littleEndian(uint64(value), 4), fmt.Sprintf("%#08x", value)})
}

// AppendQwordReg appends a 64 bit register to regs.
func AppendQwordReg(regs []Register, name string, value uint64) []Register {
	return append(regs, Register{name, littleEndian(value, 8), fmt.Sprintf("%#016x", value)})
}

// AppendBytesRegister appends an x87 or vector register, printed as one
// hexadecimal number.
func AppendBytesRegister(regs []Register, name string, value []byte) []Register {
	be := make([]byte, len(value))
	for i, b := range value {
		be[len(value)-1-i] = b
	}
	return append(regs, Register{name, value, "0x" + hex.EncodeToString(be)})
}

// AppendEflagReg appends the flags register, with the set flags spelled
// out.
func AppendEflagReg(regs []Register, name string, value uint64) []Register {
	return append(regs, Register{name, littleEndian(value, 8), eflagsLayout.describe(value, 64)})
}

// AppendMxcsrReg appends the SSE control and status register.
func AppendMxcsrReg(regs []Register, name string, value uint64) []Register {
	return append(regs, Register{name, littleEndian(value, 4), mxcsrLayout.describe(value, 32)})
}

// flagField is a single flag, or a field of width bits, of a flags
// register. Fields without a name are reserved.
type flagField struct {
	name  string
	shift uint
	width uint
}

type flagLayout []flagField

var eflagsLayout = flagLayout{
	{"CF", 0, 1},
	{"", 1, 1},
	{"PF", 2, 1},
	{"AF", 4, 1},
	{"ZF", 6, 1},
	{"SF", 7, 1},
	{"TF", 8, 1},
	{"IF", 9, 1},
	{"DF", 10, 1},
	{"OF", 11, 1},
	{"IOPL", 12, 2},
	{"NT", 14, 1},
	{"RF", 16, 1},
	{"VM", 17, 1},
	{"AC", 18, 1},
	{"VIF", 19, 1},
	{"VIP", 20, 1},
	{"ID", 21, 1},
}

var mxcsrLayout = flagLayout{
	{"FZ", 15, 1},
	{"RZ/RN", 13, 2},
	{"PM", 12, 1},
	{"UM", 11, 1},
	{"OM", 10, 1},
	{"ZM", 9, 1},
	{"DM", 8, 1},
	{"IM", 7, 1},
	{"DAZ", 6, 1},
	{"PE", 5, 1},
	{"UE", 4, 1},
	{"OE", 3, 1},
	{"ZE", 2, 1},
	{"DE", 1, 1},
	{"IE", 0, 1},
}

func (f flagField) mask() uint64 {
	return (1<<f.width - 1) << f.shift
}

func (l flagLayout) mask() uint64 {
	var m uint64
	for _, f := range l {
		m |= f.mask()
	}
	return m
}

// describe formats reg as a bitsize wide number followed by its flags.
// Multi bit fields are always shown, single flags only when set.
func (l flagLayout) describe(reg uint64, bitsize int) string {
	var flags []string
	for _, f := range l {
		if f.name == "" {
			continue
		}
		v := (reg & f.mask()) >> f.shift
		switch {
		case f.width > 1:
			flags = append(flags, fmt.Sprintf("%s=%x", f.name, v))
		case v != 0:
			flags = append(flags, f.name)
		}
	}
	if unknown := reg &^ l.mask(); unknown != 0 {
		flags = append(flags, fmt.Sprintf("unknown_flags=%x", unknown))
	}
	return fmt.Sprintf("%#0*x\t[%s]", bitsize/4, reg, strings.Join(flags, " "))
}
