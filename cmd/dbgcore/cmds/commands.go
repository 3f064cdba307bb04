package cmds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-delve/dbgcore/cmd/dbgcore/cmds/helphelpers"
	"github.com/go-delve/dbgcore/pkg/config"
	"github.com/go-delve/dbgcore/pkg/logflags"
	"github.com/go-delve/dbgcore/pkg/proc"
	"github.com/go-delve/dbgcore/pkg/proc/native"
	"github.com/go-delve/dbgcore/pkg/stophook"
	"github.com/go-delve/dbgcore/pkg/terminal"
	"github.com/go-delve/dbgcore/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// allocatePTY asks the backend to create a pseudo terminal for the program.
	allocatePTY bool
	// continueOnStart is whether to continue the process on startup
	continueOnStart bool

	// backend selection
	backend string

	attachName      string
	waitFor         bool
	waitForInterval time.Duration
	waitForDuration time.Duration
	resumeCount     int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dbgcoreCommandLongDesc = `dbgcore is a low level debugger for native programs.

dbgcore controls the execution of a process: it starts or attaches to it,
stops and resumes it, patches breakpoint traps in its memory and runs single
threads to a given address, while a starlark stop hook can inspect every stop.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`dbgcore exec ./hello -- server --config conf/config.toml`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main dbgcore root command.
	rootCommand = &cobra.Command{
		Use:   "dbgcore",
		Short: "dbgcore is a debugger for native programs.",
		Long:  dbgcoreCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dbgcore help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dbgcore help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "default", `Backend selection (see 'dbgcore help backend').`)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach [pid]",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

The process is selected by its pid or, with --name, by the name of its
executable. With --waitfor dbgcore waits for a process with that name to
be started. When exiting the debug session you will have the option to
let the process continue or kill it.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := attachSpec(args)
			return err
		},
		Run: attachCmd,
	}
	attachCommand.Flags().StringVar(&attachName, "name", "", "Attach to the process whose executable has this name.")
	attachCommand.Flags().BoolVar(&waitFor, "waitfor", false, "Wait for a process named by --name to be started.")
	attachCommand.Flags().DurationVar(&waitForInterval, "waitfor-interval", time.Second, "Interval between checks for the process named by --name.")
	attachCommand.Flags().DurationVar(&waitForDuration, "waitfor-duration", 0, "Total time to wait for the process, zero waits forever.")
	attachCommand.Flags().IntVar(&resumeCount, "resume-count", 0, "Number of stops the process goes through before attaching completes.")
	attachCommand.Flags().BoolVar(&continueOnStart, "continue", false, "Continue the debugged process on start.")
	rootCommand.AddCommand(attachCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary>",
		Short: "Execute a precompiled binary, and begin a debug session.",
		Long: `Execute a precompiled binary and begin a debug session.

This command will cause dbgcore to exec the binary and immediately attach to
it to begin a new debug session. The process is killed when the session
ends.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			if tty != "" && allocatePTY {
				return errors.New("--tty and --tty-pty can not be used together")
			}
			return nil
		},
		Run: execCmd,
	}
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().StringVar(&tty, "tty", "", "TTY to use for the target program")
	execCommand.Flags().BoolVar(&allocatePTY, "tty-pty", false, "Run the target program in a new pseudo terminal, copying its output to standard output.")
	execCommand.Flags().BoolVar(&continueOnStart, "continue", false, "Continue the debugged process on start.")
	rootCommand.AddCommand(execCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbgcore Debugger\n%s\n", version.DbgcoreVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which backend should be used, possible values
are:

	default		Uses the native backend.
	native		Native backend, ptrace(2) based, only available on linux.

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	proc		Log process state changes and control requests
	events		Log every event broadcast by the process
	breakpoints	Log breakpoint site changes
	fncall		Log runs of thread plans
	native		Log the native backend
	stophook	Log stop hook scripts

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	spec, err := attachSpec(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(execute(nil, &spec, conf))
}

// attachSpec builds the attach request described by args and the attach
// flags.
func attachSpec(args []string) (proc.AttachSpec, error) {
	spec := proc.AttachSpec{
		Name:            attachName,
		WaitForLaunch:   waitFor,
		WaitForInterval: waitForInterval,
		WaitForDuration: waitForDuration,
		ResumeCount:     resumeCount,
	}
	switch {
	case len(args) > 1:
		return spec, errors.New("too many arguments")
	case len(args) == 1 && attachName != "":
		return spec, errors.New("a PID and --name can not be used together")
	case len(args) == 1:
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return spec, fmt.Errorf("invalid pid: %s", args[0])
		}
		spec.Pid = pid
	case attachName == "":
		return spec, errors.New("you must provide a PID or a process name")
	}
	if waitFor && attachName == "" {
		return spec, errors.New("--waitfor requires --name")
	}
	if resumeCount < 0 {
		return spec, errors.New("--resume-count can not be negative")
	}
	return spec, nil
}

func execCmd(cmd *cobra.Command, args []string) {
	spec, err := launchSpec(cmd, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(execute(&spec, nil, conf))
}

// launchSpec builds the launch request described by args and the exec
// flags, arguments after -- are passed to the program.
func launchSpec(cmd *cobra.Command, args []string) (proc.LaunchSpec, error) {
	progArgs, targetArgs := splitArgs(cmd, args)
	if len(progArgs) != 1 {
		return proc.LaunchSpec{}, errors.New("you must provide exactly one binary, pass its arguments after --")
	}
	path, err := filepath.Abs(progArgs[0])
	if err != nil {
		return proc.LaunchSpec{}, err
	}
	return proc.LaunchSpec{
		Path:        path,
		Args:        targetArgs,
		Dir:         workingDir,
		TTY:         tty,
		AllocatePTY: allocatePTY,
	}, nil
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

// backends returns the registry of the backends that can be selected with
// --backend.
func backends() (*proc.Registry, error) {
	r := proc.NewRegistry()
	nativeBackend := native.Factory(os.Stdout)
	for _, name := range []string{"default", "native"} {
		if err := r.Register(name, nativeBackend); err != nil {
			return nil, fmt.Errorf("could not register backend %q: %w", name, err)
		}
	}
	return r, nil
}

func loadStopHooks(paths []string) ([]proc.StopHook, error) {
	hooks := make([]proc.StopHook, 0, len(paths))
	for _, path := range paths {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(home, path[2:])
		}
		h, err := stophook.Load(path, os.Stdout)
		if err != nil {
			return nil, fmt.Errorf("could not load stop hook %s: %w", path, err)
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

func execute(launch *proc.LaunchSpec, attach *proc.AttachSpec, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	registry, err := backends()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	factory, err := registry.Lookup(backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	hooks, err := loadStopHooks(conf.StopHooks)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	p, err := proc.New(conf.ProcConfig(), factory, proc.WithStopHooks(hooks...))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if launch != nil {
		err = p.Launch(*launch)
	} else {
		err = p.Attach(*attach)
		if err == nil {
			_, err = p.WaitForProcessToStop(proc.WaitForever)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if continueOnStart {
		conf.ExtraStartupCommands = append([]string{"continue"}, conf.ExtraStartupCommands...)
	}
	term := terminal.New(p, conf)
	term.InitFile = initFile
	term.Attached = attach != nil
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
