package winutil

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/go-delve/wdbg/pkg/proc"
)

const trapFlag = 0x100

// AMD64Registers represents CPU registers on an AMD64 processor. It reads
// and writes Context directly, so that changes can be handed back to
// SetThreadContext.
type AMD64Registers struct {
	Context *AMD64CONTEXT
	tls     uint64
}

// NewAMD64Registers creates a new AMD64Registers struct from a CONTEXT
// struct and the TEB base address of the thread.
func NewAMD64Registers(context *AMD64CONTEXT, tebBaseAddress uint64) *AMD64Registers {
	return &AMD64Registers{Context: context, tls: tebBaseAddress}
}

// Slice returns the registers as a list of (name, value) pairs.
func (r *AMD64Registers) Slice(floatingPoint bool) ([]proc.Register, error) {
	ctx := r.Context
	var regs = []struct {
		k string
		v uint64
	}{
		{"Rip", ctx.Rip},
		{"Rsp", ctx.Rsp},
		{"Rax", ctx.Rax},
		{"Rbx", ctx.Rbx},
		{"Rcx", ctx.Rcx},
		{"Rdx", ctx.Rdx},
		{"Rdi", ctx.Rdi},
		{"Rsi", ctx.Rsi},
		{"Rbp", ctx.Rbp},
		{"R8", ctx.R8},
		{"R9", ctx.R9},
		{"R10", ctx.R10},
		{"R11", ctx.R11},
		{"R12", ctx.R12},
		{"R13", ctx.R13},
		{"R14", ctx.R14},
		{"R15", ctx.R15},
	}
	outlen := len(regs) + 1 + 6 + 1
	if floatingPoint {
		outlen += 6 + 8 + 2 + 16
	}
	out := make([]proc.Register, 0, outlen)
	for _, reg := range regs {
		out = proc.AppendQwordReg(out, reg.k, reg.v)
	}
	out = proc.AppendEflagReg(out, "Rflags", uint64(ctx.EFlags))
	for _, seg := range []struct {
		k string
		v uint16
	}{{"Cs", ctx.SegCs}, {"Ds", ctx.SegDs}, {"Es", ctx.SegEs}, {"Fs", ctx.SegFs}, {"Gs", ctx.SegGs}, {"Ss", ctx.SegSs}} {
		out = proc.AppendWordReg(out, seg.k, seg.v)
	}
	out = proc.AppendQwordReg(out, "TEB", r.tls)

	if floatingPoint {
		flt := &ctx.FltSave
		out = proc.AppendWordReg(out, "CW", flt.ControlWord)
		out = proc.AppendWordReg(out, "SW", flt.StatusWord)
		out = proc.AppendWordReg(out, "TW", uint16(flt.TagWord))
		out = proc.AppendWordReg(out, "FOP", flt.ErrorOpcode)
		out = proc.AppendQwordReg(out, "FIP", uint64(flt.ErrorSelector)<<32|uint64(flt.ErrorOffset))
		out = proc.AppendQwordReg(out, "FDP", uint64(flt.DataSelector)<<32|uint64(flt.DataOffset))

		for i := range flt.FloatRegisters {
			out = proc.AppendBytesRegister(out, fmt.Sprintf("ST(%d)", i), flt.FloatRegisters[i].bytes()[:10])
		}

		out = proc.AppendMxcsrReg(out, "MXCSR", uint64(flt.MxCsr))
		out = proc.AppendDwordReg(out, "MXCSR_MASK", flt.MxCsr_Mask)

		for i := 0; i < len(flt.XmmRegisters); i += 16 {
			out = proc.AppendBytesRegister(out, fmt.Sprintf("XMM%d", i/16), flt.XmmRegisters[i:i+16])
		}
	}
	return out, nil
}

// PC returns the current program counter
// i.e. the RIP CPU register.
func (r *AMD64Registers) PC() uint64 {
	return r.Context.Rip
}

// SP returns the stack pointer location,
// i.e. the RSP register.
func (r *AMD64Registers) SP() uint64 {
	return r.Context.Rsp
}

func (r *AMD64Registers) BP() uint64 {
	return r.Context.Rbp
}

// TLS returns the address of the thread environment block.
func (r *AMD64Registers) TLS() uint64 {
	return r.tls
}

func (r *AMD64Registers) SetPC(pc uint64) {
	r.Context.SetPC(pc)
}

// SingleStep reports whether the trap flag is set.
func (r *AMD64Registers) SingleStep() bool {
	return r.Context.EFlags&trapFlag != 0
}

func (r *AMD64Registers) SetSingleStep(enabled bool) {
	r.Context.SetTrap(enabled)
}

// Get returns the value of a general purpose, segment, flags or debug
// register. Names are case insensitive.
func (r *AMD64Registers) Get(name string) (uint64, error) {
	name = strings.ToLower(name)
	if p := r.Context.reg64(name); p != nil {
		return *p, nil
	}
	if p := r.Context.reg16(name); p != nil {
		return uint64(*p), nil
	}
	switch name {
	case "eflags", "rflags":
		return uint64(r.Context.EFlags), nil
	case "teb", "tls":
		return r.tls, nil
	}
	return 0, fmt.Errorf("unknown register %q", name)
}

// Set changes the value of a general purpose, flags or debug register.
// Segment registers are read only.
func (r *AMD64Registers) Set(name string, value uint64) error {
	name = strings.ToLower(name)
	if p := r.Context.reg64(name); p != nil {
		*p = value
		return nil
	}
	switch name {
	case "eflags", "rflags":
		if value>>32 != 0 {
			return fmt.Errorf("value %#x does not fit in %s", value, name)
		}
		r.Context.EFlags = uint32(value)
		return nil
	}
	if r.Context.reg16(name) != nil {
		return fmt.Errorf("can not set register %s", name)
	}
	return fmt.Errorf("unknown register %q", name)
}

// Copy returns a copy of these registers that is guaranteed not to change.
func (r *AMD64Registers) Copy() (proc.Registers, error) {
	var rr AMD64Registers
	rr = *r
	rr.Context = NewAMD64CONTEXT()
	*(rr.Context) = *(r.Context)
	return &rr, nil
}

// M128A tracks the _M128A windows struct.
type M128A struct {
	Low  uint64
	High int64
}

func (m M128A) bytes() []byte {
	b := make([]byte, 16)
	for i := 0; i < 8; i++ {
		b[i] = byte(m.Low >> (8 * i))
		b[8+i] = byte(uint64(m.High) >> (8 * i))
	}
	return b
}

// XMM_SAVE_AREA32 tracks the _XMM_SAVE_AREA32 windows struct.
type XMM_SAVE_AREA32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        byte
	Reserved1      byte
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsr_Mask     uint32
	FloatRegisters [8]M128A
	XmmRegisters   [256]byte
	Reserved4      [96]byte
}

// AMD64CONTEXT tracks the _CONTEXT of windows.
type AMD64CONTEXT struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave XMM_SAVE_AREA32

	VectorRegister [26]M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// NewAMD64CONTEXT allocates Windows CONTEXT structure aligned to 16 bytes.
func NewAMD64CONTEXT() *AMD64CONTEXT {
	var c *AMD64CONTEXT
	buf := make([]byte, unsafe.Sizeof(*c)+15)
	return (*AMD64CONTEXT)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[15]))) &^ 15))
}

func (ctx *AMD64CONTEXT) SetFlags(flags uint32) {
	ctx.ContextFlags = flags
}

func (ctx *AMD64CONTEXT) SetPC(pc uint64) {
	ctx.Rip = pc
}

func (ctx *AMD64CONTEXT) SetTrap(trap bool) {
	if trap {
		ctx.EFlags |= trapFlag
	} else {
		ctx.EFlags &= ^uint32(trapFlag)
	}
}

func (ctx *AMD64CONTEXT) reg64(name string) *uint64 {
	switch name {
	case "rax":
		return &ctx.Rax
	case "rbx":
		return &ctx.Rbx
	case "rcx":
		return &ctx.Rcx
	case "rdx":
		return &ctx.Rdx
	case "rsi":
		return &ctx.Rsi
	case "rdi":
		return &ctx.Rdi
	case "rbp":
		return &ctx.Rbp
	case "rsp":
		return &ctx.Rsp
	case "r8":
		return &ctx.R8
	case "r9":
		return &ctx.R9
	case "r10":
		return &ctx.R10
	case "r11":
		return &ctx.R11
	case "r12":
		return &ctx.R12
	case "r13":
		return &ctx.R13
	case "r14":
		return &ctx.R14
	case "r15":
		return &ctx.R15
	case "rip", "pc":
		return &ctx.Rip
	case "dr0":
		return &ctx.Dr0
	case "dr1":
		return &ctx.Dr1
	case "dr2":
		return &ctx.Dr2
	case "dr3":
		return &ctx.Dr3
	case "dr6":
		return &ctx.Dr6
	case "dr7":
		return &ctx.Dr7
	}
	return nil
}

func (ctx *AMD64CONTEXT) reg16(name string) *uint16 {
	switch name {
	case "cs":
		return &ctx.SegCs
	case "ds":
		return &ctx.SegDs
	case "es":
		return &ctx.SegEs
	case "fs":
		return &ctx.SegFs
	case "gs":
		return &ctx.SegGs
	case "ss":
		return &ctx.SegSs
	}
	return nil
}
