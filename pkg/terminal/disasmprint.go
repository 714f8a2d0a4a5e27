package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/wdbg/pkg/proc"
)

type asmInstruction struct {
	addr       uint64
	loc        string
	bytes      []byte
	text       string
	atPC       bool
	breakpoint bool
}

// readMasked reads size bytes of process pid at addr with the original
// bytes in place of armed breakpoint instructions. A read that crosses
// into an unreadable page is cut at the page boundary.
func readMasked(sess *proc.Session, pid int, addr uint64, size int) ([]byte, error) {
	mem, err := sess.ReadMemory(pid, addr, size)
	if err != nil {
		toPageEnd := int(0x1000 - addr%0x1000)
		if !errors.Is(err, proc.ErrAccessDenied) || toPageEnd >= size {
			return nil, err
		}
		if mem, err = sess.ReadMemory(pid, addr, toPageEnd); err != nil {
			return nil, err
		}
	}
	end := addr + uint64(len(mem))
	for _, bp := range sess.Breakpoints() {
		if bp.Pid != pid || !bp.Armed() {
			continue
		}
		for i, b := range bp.OriginalData {
			if a := bp.Addr + uint64(i); a >= addr && a < end {
				mem[a-addr] = b
			}
		}
	}
	return mem, nil
}

// disassemble decodes count instructions of process pid starting at addr.
// Bytes that do not decode are shown as single byte "?" instructions.
func disassemble(sess *proc.Session, pid int, addr uint64, count int, pc uint64, flavor string) ([]asmInstruction, error) {
	mem, err := readMasked(sess, pid, addr, count*sess.Arch().MaxInstructionLength())
	if err != nil {
		return nil, err
	}
	bps := make(map[uint64]bool)
	for _, bp := range sess.Breakpoints() {
		if bp.Pid == pid && bp.Enabled() {
			bps[bp.Addr] = true
		}
	}
	symname := func(a uint64) (string, uint64) {
		m, err := sess.ModuleAt(pid, a)
		if err != nil {
			return "", 0
		}
		return m.Name, m.Base
	}

	var r []asmInstruction
	for off := 0; off < len(mem) && len(r) < count; {
		a := addr + uint64(off)
		inst := asmInstruction{addr: a, loc: symbolize(sess, pid, a), atPC: a == pc, breakpoint: bps[a]}
		decoded, err := x86asm.Decode(mem[off:], 64)
		if err != nil {
			inst.bytes = mem[off : off+1]
			inst.text = "?"
			off++
		} else {
			inst.bytes = mem[off : off+decoded.Len]
			inst.text = asmText(decoded, a, flavor, symname)
			off += decoded.Len
		}
		r = append(r, inst)
	}
	return r, nil
}

func asmText(inst x86asm.Inst, pc uint64, flavor string, symname x86asm.SymLookup) string {
	switch flavor {
	case "gnu":
		return x86asm.GNUSyntax(inst, pc, symname)
	case "go":
		return x86asm.GoSyntax(inst, pc, symname)
	default:
		return x86asm.IntelSyntax(inst, pc, symname)
	}
}

func disasmPrint(dv []asmInstruction, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atbp := ""
		if inst.breakpoint {
			atbp = "*"
		}
		atpc := ""
		if inst.atPC {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s\t%s\t%#x%s\t%x\t%s\n", atpc, inst.loc, inst.addr, atbp, inst.bytes, inst.text)
	}
}

func (t *Term) flavor() string {
	if t.conf.DisassembleFlavor != nil {
		return *t.conf.DisassembleFlavor
	}
	return "intel"
}
