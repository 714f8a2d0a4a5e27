package proc

// Arch describes the instruction set of the debugged processes as far as
// the breakpoint engine needs it.
type Arch interface {
	PtrSize() int
	// BreakpointInstruction is written over the first bytes of an
	// instruction to arm a breakpoint.
	BreakpointInstruction() []byte
	BreakpointSize() int
	// MaxInstructionLength is the longest encoding of one instruction.
	MaxInstructionLength() int
}

// AMD64 is the x86-64 instruction set.
type AMD64 struct{}

// int3
var amd64BreakInstruction = []byte{0xCC}

// AMD64Arch returns the x86-64 Arch.
func AMD64Arch() *AMD64 {
	return &AMD64{}
}

func (a *AMD64) PtrSize() int { return 8 }

func (a *AMD64) BreakpointInstruction() []byte { return amd64BreakInstruction }

func (a *AMD64) BreakpointSize() int { return len(amd64BreakInstruction) }

func (a *AMD64) MaxInstructionLength() int { return 15 }
