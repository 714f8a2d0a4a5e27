package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/go-delve/wdbg/pkg/config"
	"github.com/go-delve/wdbg/pkg/logflags"
	"github.com/go-delve/wdbg/pkg/proc"
	"github.com/go-delve/wdbg/pkg/proc/native"
	"github.com/go-delve/wdbg/pkg/terminal"
	"github.com/go-delve/wdbg/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// workingDir is the working directory for running the program.
	workingDir string
	// newConsole starts the target in its own console window.
	newConsole bool
	// followChildren also debugs the processes the target creates.
	followChildren bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	traceAttachPid int
	traceBreaks    locationsFlag

	conf *config.Config

	// newHost returns the debug host sessions run on.
	newHost = func() proc.Host { return native.New() }
)

const wdbgCommandLongDesc = `wdbg is a debugger for native Windows programs.

wdbg launches or attaches to a process tree, reports every debug event the
operating system delivers and lets you set software breakpoints, single step,
and inspect or change registers and memory of the stopped thread.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`wdbg exec server.exe -- -port 8080`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main wdbg root command.
	rootCommand = &cobra.Command{
		Use:   "wdbg",
		Short: "wdbg is a debugger for native Windows programs.",
		Long:  wdbgCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'wdbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'wdbg help log').")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

This command will cause wdbg to take control of an already running process, and
begin a new debug session.  When exiting the debug session you will have the
option to let the process continue or kill it.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/program.exe>",
		Short: "Execute a program, and begin a debug session.",
		Long: `Execute a program and begin a debug session.

This command will cause wdbg to start the program suspended under the debugger
and stop at its first debug event, before any of its code has run.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a program")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args, conf))
		},
	}
	addLaunchFlags(execCommand)
	rootCommand.AddCommand(execCommand)

	// 'trace' subcommand.
	traceCommand := &cobra.Command{
		Use:   "trace [program] [-- args]",
		Short: "Print the debug events of a program.",
		Long: `Trace program execution.

The trace sub command runs the program, or attaches to the process given with
--pid, and prints every debug event until the process tree exits. Breakpoints
given with --break are reported and the program continues after each hit.
This is useful if you do not want to begin an entire debug session, but merely
want to know what modules, threads and exceptions your process goes through.

A breakpoint address is a number or module+offset; module addresses are
resolved when the module loads.`,
		Run: traceCmd,
	}
	traceCommand.Flags().IntVarP(&traceAttachPid, "pid", "p", 0, "Pid to attach to.")
	traceBreaks = nil
	traceCommand.Flags().VarP(&traceBreaks, "break", "b", "Address to set a breakpoint at, can be repeated.")
	addLaunchFlags(traceCommand)
	rootCommand.AddCommand(traceCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wdbg Debugger\n%s\n", version.WdbgVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	debugger	Log session lifecycle
	events		Log every debug notification and how it was continued
	breakpoints	Log breakpoint installation, hits and re-arming
	memory		Log the page cache and failed memory accesses

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addLaunchFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&newConsole, "new-console", conf.NewConsole, "Start the program in its own console.")
	cmd.Flags().BoolVar(&followChildren, "follow-children", conf.FollowChildren, "Also debug the processes created by the program.")
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil, conf))
}

// launchConfig describes processArgs as a target to start.
func launchConfig(processArgs []string) (proc.LaunchConfig, error) {
	path, err := filepath.Abs(processArgs[0])
	if err != nil {
		return proc.LaunchConfig{}, err
	}
	return proc.LaunchConfig{
		Path:           path,
		Args:           processArgs[1:],
		WorkingDir:     workingDir,
		FollowChildren: followChildren,
		NewConsole:     newConsole,
	}, nil
}

// startSession launches processArgs, or attaches to attachPid when it is
// not zero. The host is closed if the session could not be started.
func startSession(host proc.Host, attachPid int, processArgs []string, conf *config.Config) (*proc.Session, error) {
	opts := proc.Options{PageCacheSize: conf.PageCacheSize()}
	var (
		sess *proc.Session
		err  error
	)
	if attachPid != 0 {
		sess, err = proc.Attach(host, attachPid, opts)
	} else {
		var cfg proc.LaunchConfig
		cfg, err = launchConfig(processArgs)
		if err == nil {
			sess, err = proc.Launch(host, cfg, opts)
		}
	}
	if err != nil {
		host.Close()
		return nil, err
	}
	return sess, nil
}

func execute(attachPid int, processArgs []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	sess, err := startSession(newHost(), attachPid, processArgs, conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	term := terminal.New(sess, conf, attachPid != 0)
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

func traceCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		err := logflags.Setup(log, logOutput, logDest)
		defer logflags.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}

		wdbgArgs, targetArgs := splitArgs(cmd, args)
		var processArgs []string
		switch {
		case traceAttachPid != 0 && len(args) > 0:
			fmt.Fprintln(os.Stderr, "Cannot specify a program when using --pid.")
			return 1
		case traceAttachPid == 0 && len(wdbgArgs) != 1:
			fmt.Fprintln(os.Stderr, "You must provide exactly one program to trace.")
			return 1
		case traceAttachPid == 0:
			processArgs = append([]string{wdbgArgs[0]}, targetArgs...)
		}

		sess, err := startSession(newHost(), traceAttachPid, processArgs, conf)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		defer signal.Stop(ch)

		tr := newTracer(sess, os.Stdout, traceBreaks, traceAttachPid != 0)
		return tr.run(ch)
	}()
	os.Exit(status)
}

// printErr reports err on w unless it is nil.
func printErr(w io.Writer, err error) {
	if err != nil {
		fmt.Fprintf(w, "%v\n", err)
	}
}
