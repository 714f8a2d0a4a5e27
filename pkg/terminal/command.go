// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/wdbg/pkg/proc"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the wdbg terminal.
type Commands struct {
	cmds []command
	// names indexes every alias for completion.
	names *trie.Trie
}

// maxExamineLen bounds the memory printed by a single examinemem.
const maxExamineLen = 0x10000

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until the next debug event.

	continue

The pending exception, if any, is treated as handled. Events whose kind is
listed in the auto-continue configuration are printed without stopping.`},
		{aliases: []string{"pass"}, group: runCmds, cmdFn: pass, helpMsg: `Run until the next debug event, passing the pending exception to the target.

	pass

The target's own exception handlers see the exception. Breakpoint hits and
completed steps are always handled by the debugger.`},
		{aliases: []string{"step", "si", "s"}, group: runCmds, cmdFn: step, helpMsg: `Single step one instruction of the stopped thread.

	step`},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: `Stop debugging the target and let it run.

	detach

Breakpoints are removed from the target memory first.`},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: `Terminate the target.

	kill`},

		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <address>

The address is an expression:

	0x401000, 4198400	a literal address
	$rip			the value of a register of the stopped thread
	kernel32.dll+0x1000	an offset in a module, the extension may be omitted
	$rsp+8			a register plus an offset

The breakpoint is set in the process of the pending event, or in the root
process when nothing is pending.`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearCmd, helpMsg: `Deletes breakpoint.

	clear <breakpoint id>`},
		{aliases: []string{"clearall"}, group: breakCmds, cmdFn: clearAll, helpMsg: `Deletes all breakpoints.

	clearall`},
		{aliases: []string{"enable"}, group: breakCmds, cmdFn: enableCmd, helpMsg: `Enable a breakpoint.

	enable <breakpoint id>`},
		{aliases: []string{"disable"}, group: breakCmds, cmdFn: disableCmd, helpMsg: `Disable a breakpoint, leaving it in the list.

	disable <breakpoint id>`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},

		{aliases: []string{"regs", "r"}, group: dataCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs [-a]

Argument -a shows more registers.`},
		{aliases: []string{"setreg"}, group: dataCmds, cmdFn: setReg, helpMsg: `Changes the value of a register of the stopped thread.

	setreg <register> <value>

The value is an address expression, see "help break".`},
		{aliases: []string{"eval", "?"}, group: dataCmds, cmdFn: evalCmd, helpMsg: `Prints the value of an address expression.

	eval <address>

See "help break" for the syntax of address expressions.`},
		{aliases: []string{"examinemem", "x", "db"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

	examinemem [-len <length>] <address> [length]

The default length is set by the examine-bytes configuration. Breakpoint
instructions written by the debugger are shown as the original bytes.`},
		{aliases: []string{"write", "eb"}, group: dataCmds, cmdFn: writeMemoryCmd, helpMsg: `Write bytes to the target memory.

	write <address> <bytes...>

Bytes are hexadecimal, for example "write $rip 90 90" or "write 0x401000 9090".`},
		{aliases: []string{"disassemble", "u"}, group: dataCmds, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [address] [count]

Disassembles count instructions, set by the disassemble-count configuration
by default, starting at address, the program counter of the stopped thread by
default.`},

		{aliases: []string{"threads"}, group: targetCmds, cmdFn: threads, helpMsg: "Print out info for every traced thread."},
		{aliases: []string{"modules", "lm"}, group: targetCmds, cmdFn: modules, helpMsg: `List loaded modules.

	modules [pid]`},
		{aliases: []string{"processes"}, group: targetCmds, cmdFn: processes, helpMsg: "Print out info for every traced process."},

		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter>
	config <parameter> <value>

Shows or changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit

A launched target is killed. For an attached target you are asked whether to
kill it or detach from it.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.index()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) index() {
	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, nil)
		}
	}
}

// complete returns the command names starting with line.
func (c *Commands) complete(line string) []string {
	if strings.ContainsRune(line, ' ') {
		return nil
	}
	r := c.names.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// canonical returns the first alias of the command called cmdstr.
func (c *Commands) canonical(cmdstr string) (string, bool) {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.aliases[0], true
		}
	}
	return "", false
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, group := range helpGroups {
		fmt.Fprintf(t.stdout, "\n%s:\n", group)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		// register names start with '$', keep them verbatim
		func(s string) (string, error) { return s, nil })
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func cont(t *Term, args string) error {
	return t.resume(false)
}

func pass(t *Term, args string) error {
	if t.current == nil || t.current.Kind != proc.EventException {
		return errors.New("no exception is pending")
	}
	return t.resume(true)
}

func step(t *Term, args string) error {
	return t.step()
}

func detach(t *Term, args string) error {
	if err := t.detach(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Detached from process %d.\n", t.sess.RootPid())
	return nil
}

func kill(t *Term, args string) error {
	if t.sess.State() == proc.SessionTerminated {
		return errTerminated
	}
	return t.kill()
}

func parseBreakpointID(args string) (int, error) {
	if args == "" {
		return 0, errors.New("not enough arguments")
	}
	id, err := strconv.Atoi(args)
	if err != nil {
		return 0, fmt.Errorf("invalid breakpoint id %q", args)
	}
	return id, nil
}

func breakpoint(t *Term, args string) error {
	addr, err := t.evalAddress(args)
	if err != nil {
		return err
	}
	bp, err := t.sess.SetBreakpoint(t.pid(), addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d set at %s\n", bp.ID, t.formatAddr(bp.Pid, bp.Addr))
	return nil
}

func clearCmd(t *Term, args string) error {
	id, err := parseBreakpointID(args)
	if err != nil {
		return err
	}
	bp, err := t.sess.ClearBreakpoint(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d cleared at %s\n", bp.ID, t.formatAddr(bp.Pid, bp.Addr))
	return nil
}

func clearAll(t *Term, args string) error {
	for _, bp := range t.sess.Breakpoints() {
		if _, err := t.sess.ClearBreakpoint(bp.ID); err != nil {
			fmt.Fprintf(t.stdout, "Couldn't delete breakpoint %d at %s: %s\n", bp.ID, t.formatAddr(bp.Pid, bp.Addr), err)
			continue
		}
		fmt.Fprintf(t.stdout, "Breakpoint %d cleared at %s\n", bp.ID, t.formatAddr(bp.Pid, bp.Addr))
	}
	return nil
}

func enableCmd(t *Term, args string) error {
	id, err := parseBreakpointID(args)
	if err != nil {
		return err
	}
	bp, err := t.sess.EnableBreakpoint(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d enabled\n", bp.ID)
	return nil
}

func disableCmd(t *Term, args string) error {
	id, err := parseBreakpointID(args)
	if err != nil {
		return err
	}
	bp, err := t.sess.DisableBreakpoint(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d disabled\n", bp.ID)
	return nil
}

func breakpoints(t *Term, args string) error {
	bps := t.sess.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints.")
		return nil
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, bp := range bps {
		state := "enabled"
		if !bp.Enabled() {
			state = "disabled"
		}
		fmt.Fprintf(w, "Breakpoint %d\tat %s\tpid %d\t(%s)\thits %d\n", bp.ID, t.formatAddr(bp.Pid, bp.Addr), bp.Pid, state, bp.HitCount())
	}
	return w.Flush()
}

func regs(t *Term, args string) error {
	includeFp := false
	if args == "-a" {
		includeFp = true
	} else if args != "" {
		return fmt.Errorf("unknown argument %q", args)
	}
	pid, tid, err := t.thread()
	if err != nil {
		return err
	}
	r, err := t.sess.Registers(pid, tid)
	if err != nil {
		return err
	}
	rs, err := r.Slice(includeFp)
	if err != nil {
		return err
	}
	maxlen := 0
	for _, reg := range rs {
		if n := len(reg.Name); n > maxlen {
			maxlen = n
		}
	}
	for _, reg := range rs {
		fmt.Fprintf(t.stdout, "%*s = %s\n", maxlen, reg.Name, reg.Value)
	}
	return nil
}

func setReg(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) != 2 {
		return errors.New("wrong number of arguments to setreg")
	}
	pid, tid, err := t.thread()
	if err != nil {
		return err
	}
	value, err := t.evalAddress(v[1])
	if err != nil {
		return err
	}
	r, err := t.sess.Registers(pid, tid)
	if err != nil {
		return err
	}
	if err := r.Set(strings.TrimPrefix(v[0], "$"), value); err != nil {
		return err
	}
	return t.sess.SetRegisters(pid, tid, r)
}

func evalCmd(t *Term, args string) error {
	addr, err := t.evalAddress(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s = %d\n", t.formatAddr(t.pid(), addr), addr)
	return nil
}

func examineMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}

	length := t.conf.ExamineLen()
	var addrExpr string
	for i := 0; i < len(v); i++ {
		switch {
		case v[i] == "-len" || v[i] == "-count":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after %s", v[i-1])
			}
			if length, err = parseLength(v[i]); err != nil {
				return err
			}
		case addrExpr == "":
			addrExpr = v[i]
		case i == len(v)-1:
			if length, err = parseLength(v[i]); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown option %q", v[i])
		}
	}
	if addrExpr == "" {
		return errors.New("no address specified")
	}
	addr, err := t.evalAddress(addrExpr)
	if err != nil {
		return err
	}
	mem, err := readMasked(t.sess, t.pid(), addr, length)
	if err != nil {
		return err
	}
	prettyExamineMemory(t.stdout, addr, mem)
	return nil
}

func parseLength(s string) (int, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil || n == 0 {
		return 0, errors.New("length must be a positive integer")
	}
	if n > maxExamineLen {
		return 0, fmt.Errorf("length must be at most %#x bytes", maxExamineLen)
	}
	return int(n), nil
}

// prettyExamineMemory prints mem as rows of 16 hexadecimal bytes followed
// by their printable characters.
func prettyExamineMemory(out io.Writer, addr uint64, mem []byte) {
	addrLen := len(fmt.Sprintf("%x", addr+uint64(len(mem))))
	var b strings.Builder
	for off := 0; off < len(mem); off += 16 {
		row := mem[off:]
		if len(row) > 16 {
			row = row[:16]
		}
		fmt.Fprintf(&b, "%#0*x:  ", addrLen+2, addr+uint64(off))
		for i := 0; i < 16; i++ {
			if i < len(row) {
				fmt.Fprintf(&b, "%02x ", row[i])
			} else {
				b.WriteString("   ")
			}
			if i == 7 {
				b.WriteByte(' ')
			}
		}
		b.WriteByte(' ')
		for _, c := range row {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteByte('\n')
	}
	io.WriteString(out, b.String())
}

func writeMemoryCmd(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) < 2 {
		return errors.New("not enough arguments")
	}
	addr, err := t.evalAddress(v[0])
	if err != nil {
		return err
	}
	var data []byte
	for _, s := range v[1:] {
		s = strings.TrimPrefix(strings.ToLower(s), "0x")
		b, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid bytes %q", s)
		}
		data = append(data, b...)
	}
	if err := t.sess.WriteMemory(t.pid(), addr, data); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Wrote %d bytes at %#x\n", len(data), addr)
	return nil
}

func disassCommand(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) > 2 {
		return errors.New("too many arguments to disassemble")
	}
	pid := t.pid()
	var pc uint64
	if _, tid, err := t.thread(); err == nil {
		if r, err := t.sess.Registers(pid, tid); err == nil {
			pc = r.PC()
		}
	}

	addr := pc
	if len(v) > 0 {
		var err error
		addr, err = t.evalAddress(v[0])
		if err != nil {
			return err
		}
	} else if pc == 0 {
		return errors.New("no thread is stopped, specify an address")
	}
	count := t.conf.DisassembleLen()
	if len(v) > 1 {
		n, err := strconv.Atoi(v[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("wrong argument: %q is not a positive number", v[1])
		}
		count = n
	}

	insts, err := disassemble(t.sess, pid, addr, count, pc, t.flavor())
	if err != nil {
		return err
	}
	disasmPrint(insts, t.stdout)
	return nil
}

func threads(t *Term, args string) error {
	frozen, _ := t.sess.FrozenThread()
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, p := range t.sess.Processes() {
		for _, th := range p.Threads() {
			prefix := "  "
			if th == frozen {
				prefix = "* "
			}
			fmt.Fprintf(w, "%sThread %d\tpid %d\tstart %s\t%s\n", prefix, th.ID, th.Pid, t.formatAddr(th.Pid, th.StartAddress), th.State())
		}
	}
	return w.Flush()
}

func modules(t *Term, args string) error {
	pid := t.pid()
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil {
			return fmt.Errorf("invalid pid %q", args)
		}
		pid = n
	}
	p, err := t.sess.FindProcess(pid)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, m := range p.Modules() {
		fmt.Fprintf(w, "%#016x\t%#016x\t%s\t%s\n", m.Base, m.Base+m.Size, m.Name, m.Path)
	}
	return w.Flush()
}

func processes(t *Term, args string) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, p := range t.sess.Processes() {
		prefix := "  "
		if p.Pid == t.pid() {
			prefix = "* "
		}
		state := "running"
		if code, exited := p.Exited(); exited {
			state = fmt.Sprintf("exited with code %d", code)
		}
		root := ""
		if p.Pid == t.sess.RootPid() {
			root = " (root)"
		}
		fmt.Fprintf(w, "%sProcess %d%s\t%s\t%s\n", prefix, p.Pid, root, p.Path, state)
	}
	return w.Flush()
}

// ExitRequestError is returned when the user
// exits wdbg.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

// formatAddr returns addr followed by its module+offset location, when a
// module of process pid contains it.
func (t *Term) formatAddr(pid int, addr uint64) string {
	if loc := symbolize(t.sess, pid, addr); loc != "" {
		return fmt.Sprintf("%#x (%s)", addr, loc)
	}
	return fmt.Sprintf("%#x", addr)
}
