package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/wdbg/pkg/config"
	"github.com/go-delve/wdbg/pkg/logflags"
	"github.com/go-delve/wdbg/pkg/proc"
)

const (
	historyFile                 string = ".wdbg_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
)

// pollInterval bounds how long the terminal blocks in NextEvent, so that an
// interrupt can give the prompt back while the target runs.
const pollInterval = 250 * time.Millisecond

var errTerminated = errors.New("the debugging session has terminated")

// Term represents the terminal running wdbg.
type Term struct {
	sess     *proc.Session
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	attached bool

	// autoContinue holds the event kinds that are printed and resumed
	// without giving the prompt back.
	autoContinue map[proc.EventKind]bool
	// current is the event returned by NextEvent and not resumed yet.
	current *proc.DebugEvent

	interruptMutex sync.Mutex
	interrupted    bool
}

// New returns a new Term driving sess. Attached reports whether the root
// process existed before the session, it decides what exit does with it.
func New(sess *proc.Session, conf *config.Config, attached bool) *Term {
	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter(os.Stdout)
	}

	t := newTerm(sess, conf, w, attached)
	t.dumb = dumb
	t.line = liner.NewLiner()
	return t
}

func newTerm(sess *proc.Session, conf *config.Config, w io.Writer, attached bool) *Term {
	t := &Term{
		sess:     sess,
		conf:     conf,
		prompt:   "(wdbg) ",
		cmds:     DebugCommands(),
		dumb:     true,
		stdout:   w,
		attached: attached,
	}
	t.applyConfig()
	return t
}

// applyConfig makes the terminal follow the configuration after it was
// loaded or changed by the config command.
func (t *Term) applyConfig() {
	t.cmds.Merge(t.conf.Aliases)
	t.autoContinue = make(map[proc.EventKind]bool)
	for _, name := range t.conf.AutoContinue {
		kind, ok := proc.ParseEventKind(name)
		if !ok {
			logflags.DebuggerLogger().Warnf("unknown event kind %q in auto-continue", name)
			continue
		}
		t.autoContinue[kind] = true
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.interruptMutex.Lock()
		t.interrupted = true
		t.interruptMutex.Unlock()
	}
}

func (t *Term) takeInterrupt() bool {
	t.interruptMutex.Lock()
	defer t.interruptMutex.Unlock()
	r := t.interrupted
	t.interrupted = false
	return r
}

// Run waits for the first debug event and then reads commands until the
// user exits.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Give the prompt back instead of dying on Ctrl-C while the target runs.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.cmds.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if err := t.wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("Prompt for input failed.\n")
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes", "":
			return true, nil
		}
	}
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	if t.sess.State() != proc.SessionTerminated {
		kill := true
		if t.attached {
			answer, err := yesno(t.line, "Would you like to kill the process? [Y/n] ")
			if err != nil {
				return 2, io.EOF
			}
			kill = answer
		}
		if kill {
			err = t.kill()
		} else {
			err = t.detach()
		}
		if err != nil {
			return 1, err
		}
	}
	if err := t.sess.Close(); err != nil {
		return 1, err
	}
	return 0, nil
}

// wait delivers debug events until one stops at the prompt, the
// configured event timeout elapses, the user interrupts or the session
// terminates.
func (t *Term) wait() error {
	t.takeInterrupt()
	var deadline time.Time
	if d := t.conf.EventTimeoutDuration(); d > 0 {
		deadline = time.Now().Add(d)
	}
	for t.sess.State() != proc.SessionTerminated {
		poll := pollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				fmt.Fprintf(t.stdout, "No debug event for %v, the target is still running (continue waits again).\n", t.conf.EventTimeoutDuration())
				return nil
			}
			if left < poll {
				poll = left
			}
		}
		ev, err := t.sess.NextEvent(poll)
		if errors.Is(err, proc.ErrTimeout) {
			if t.takeInterrupt() {
				fmt.Fprintln(t.stdout, "Interrupted, the target is still running (continue waits again).")
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}
		t.printEvent(ev)
		if t.stops(ev) {
			t.current = &ev
			t.printContext(ev)
			return nil
		}
		if err := t.sess.Resume(false); err != nil {
			return err
		}
	}
	fmt.Fprintln(t.stdout, "The debugging session has terminated.")
	return nil
}

// stops reports whether ev gives the prompt back. A requested single-step
// always does.
func (t *Term) stops(ev proc.DebugEvent) bool {
	return ev.Kind == proc.EventStepComplete || !t.autoContinue[ev.Kind]
}

// resume resumes the pending event, if any, and waits for the next stop.
func (t *Term) resume(passException bool) error {
	if t.current != nil {
		if err := t.sess.Resume(passException); err != nil {
			return err
		}
		t.current = nil
	} else if t.sess.State() == proc.SessionTerminated {
		return errTerminated
	}
	return t.wait()
}

func (t *Term) step() error {
	if t.current == nil {
		return errors.New("no thread is stopped")
	}
	if err := t.sess.Step(); err != nil {
		return err
	}
	t.current = nil
	return t.wait()
}

// kill terminates the target and consumes the remaining events.
func (t *Term) kill() error {
	if err := t.sess.Kill(); err != nil {
		return err
	}
	for t.sess.State() != proc.SessionTerminated {
		if t.current != nil {
			if err := t.sess.Resume(false); err != nil {
				return err
			}
			t.current = nil
		}
		ev, err := t.sess.NextEvent(t.conf.EventTimeoutDuration())
		if err != nil {
			return err
		}
		t.printEvent(ev)
		t.current = &ev
	}
	if t.current != nil {
		err := t.sess.Resume(false)
		t.current = nil
		return err
	}
	return nil
}

// detach stops debugging the target. A thread stopped on a breakpoint is
// single stepped first so that it executes the original instruction.
func (t *Term) detach() error {
	for {
		if t.current != nil {
			var err error
			if th, ok := t.sess.FrozenThread(); ok && th.Stepping() {
				err = t.sess.Step()
			} else {
				err = t.sess.Resume(false)
			}
			if err != nil {
				return err
			}
			t.current = nil
		}
		err := t.sess.Detach()
		if err == nil || !errors.Is(err, proc.ErrInvalidState) || t.sess.State() == proc.SessionTerminated {
			return err
		}
		ev, err := t.sess.NextEvent(t.conf.EventTimeoutDuration())
		if err != nil {
			return err
		}
		t.printEvent(ev)
		t.current = &ev
	}
}

// pid returns the process commands operate on: the one that reported the
// pending event, or the root process.
func (t *Term) pid() int {
	if t.current != nil {
		return t.current.Pid
	}
	return t.sess.RootPid()
}

// thread returns the process and thread whose registers are accessible.
func (t *Term) thread() (int, int, error) {
	if t.current == nil {
		return 0, 0, errors.New("no thread is stopped")
	}
	if t.current.Tid == 0 {
		return 0, 0, fmt.Errorf("%s has no stopped thread", t.current.Kind)
	}
	return t.current.Pid, t.current.Tid, nil
}

func (t *Term) colorize(color int, s string) string {
	if t.dumb {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

func (t *Term) printEvent(ev proc.DebugEvent) {
	s := FormatEvent(t.sess, ev)
	switch ev.Kind {
	case proc.EventBreakpoint:
		s = t.colorize(ansiYellow, s)
	case proc.EventException:
		s = t.colorize(ansiRed, s)
	case proc.EventProcessCreated, proc.EventProcessExited:
		s = t.colorize(ansiGreen, s)
	}
	fmt.Fprintln(t.stdout, s)
}

// printContext shows the instruction a stopped thread is about to execute.
func (t *Term) printContext(ev proc.DebugEvent) {
	if ev.Kind != proc.EventBreakpoint && ev.Kind != proc.EventStepComplete && ev.Kind != proc.EventException {
		return
	}
	regs, err := t.sess.Registers(ev.Pid, ev.Tid)
	if err != nil {
		return
	}
	insts, err := disassemble(t.sess, ev.Pid, regs.PC(), 1, regs.PC(), t.flavor())
	if err != nil {
		return
	}
	disasmPrint(insts, t.stdout)
}

// FormatEvent describes ev, naming the module that contains the address
// of breakpoint hits, exceptions and completed steps.
func FormatEvent(sess *proc.Session, ev proc.DebugEvent) string {
	s := ev.String()
	var addr uint64
	switch ev.Kind {
	case proc.EventBreakpoint:
		addr = ev.Breakpoint.Addr
	case proc.EventException, proc.EventStepComplete:
		addr = ev.Exception.Address
	case proc.EventThreadCreated:
		addr = ev.StartAddress
	default:
		return s
	}
	if loc := symbolize(sess, ev.Pid, addr); loc != "" {
		s += " " + loc
	}
	return s
}

// symbolize returns addr as module+offset, or the empty string when no
// module contains it.
func symbolize(sess *proc.Session, pid int, addr uint64) string {
	m, err := sess.ModuleAt(pid, addr)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s+%#x", m.Name, addr-m.Base)
}
