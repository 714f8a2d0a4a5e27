package terminal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/wdbg/pkg/proc"
)

// evalAddress evaluates an address expression:
//
//	0x401000, 4198400	literal
//	$rip			register of the stopped thread
//	kernel32.dll+0x1000	module base plus offset
//	$rsp+8			register plus offset
func (t *Term) evalAddress(expr string) (uint64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("no address specified")
	}
	base, off := expr, ""
	if i := strings.LastIndexByte(expr, '+'); i > 0 {
		base, off = strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+1:])
	}
	v, err := t.evalTerm(base)
	if err != nil {
		return 0, err
	}
	if off == "" {
		return v, nil
	}
	n, err := strconv.ParseUint(off, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q in %q", off, expr)
	}
	return v + n, nil
}

func (t *Term) evalTerm(term string) (uint64, error) {
	if strings.HasPrefix(term, "$") {
		pid, tid, err := t.thread()
		if err != nil {
			return 0, err
		}
		regs, err := t.sess.Registers(pid, tid)
		if err != nil {
			return 0, err
		}
		return regs.Get(term[1:])
	}
	if n, err := strconv.ParseUint(term, 0, 64); err == nil {
		return n, nil
	}
	pid := t.pid()
	m, err := t.sess.ModuleByName(pid, term)
	if err != nil {
		if errors.Is(err, proc.ErrNotFound) {
			return 0, fmt.Errorf("%q is not a number, register or module of process %d", term, pid)
		}
		return 0, err
	}
	return m.Base, nil
}
