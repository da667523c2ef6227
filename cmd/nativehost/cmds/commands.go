package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/letoram/lldb/pkg/config"
	"github.com/letoram/lldb/pkg/logflags"
	"github.com/letoram/lldb/pkg/mainloop"
	"github.com/letoram/lldb/pkg/metrics"
	"github.com/letoram/lldb/pkg/proc/native"
	"github.com/letoram/lldb/pkg/terminal"
	"github.com/letoram/lldb/pkg/version"
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
	// metricsAddr is the address the metrics endpoint listens on.
	metricsAddr string

	// workingDir is the working directory for running the program.
	workingDir string
	// disableASLR launches the program with address space randomization disabled.
	disableASLR bool
	// pty gives the program its own pseudo terminal.
	pty bool
	// redirects specifies redirect rules for stdin, stdout and stderr
	redirects []string

	// verbose prints the build information with the version.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const nativehostCommandLongDesc = `nativehost is a debugger for native Linux programs.

nativehost controls a process through ptrace: it stops and resumes its
threads, reads and writes its memory and registers, sets software and
hardware breakpoints and allocates memory inside it.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`nativehost exec ./hello -- server --config conf/config.toml`"

// New returns an initialized command tree. If docCall is true the
// configuration file is not loaded.
func New(docCall bool) *cobra.Command {
	conf = &config.Config{}
	if !docCall {
		conf = config.LoadConfig()
	}

	rootCommand = &cobra.Command{
		Use:   "nativehost",
		Short: "nativehost is a debugger for native Linux programs.",
		Long:  nativehostCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'nativehost help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'nativehost help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serves prometheus metrics at the given address.")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args]",
		Short: "Execute a program and begin a debug session.",
		Long: `Execute a program and begin a debug session.

The program is stopped at its first instruction, before the dynamic loader
runs. When exiting the debug session the program is killed.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args))
		},
	}
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().BoolVar(&disableASLR, "disable-aslr", false, "Disables address space randomization.")
	execCommand.Flags().BoolVar(&pty, "pty", false, "Runs the program in its own pseudo terminal.")
	execCommand.Flags().StringArrayVarP(&redirects, "redirect", "r", []string{}, "Specifies redirect rules for target process (see 'nativehost help redirect')")
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

Every thread of the process is stopped. When exiting the debug session you
will have the option to let the process continue or kill it.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nativehost\n%s\n", version.NativehostVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	// 'docs' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:    "docs",
		Short:  "Prints the documentation of the terminal commands.",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			terminal.DebugCommands().WriteMarkdown(cmd.OutOrStdout())
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "redirect",
		Short: "Help about file redirection.",
		Long: `The standard file descriptors of the target process can be controlled using the '-r' option of the 'exec' command.

For example:

	-r stdin:/path/to/stdin.txt
	-r stdout:/path/to/stdout.txt
	-r stderr:/path/to/stderr.txt

Redirects the standard descriptors of the target process to the specified
files. Redirects can not be combined with --pty.

Writing just the path, without a prefix, redirects stdin:

	-r /path/to/stdin.txt
`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	native		Log process control, thread and breakpoint events
	ptrace		Log every ptrace request
	mainloop	Log the event loop
	terminal	Log terminal commands

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true
	rootCommand.SetGlobalNormalizationFunc(wordSepNormalizeFunc)

	return rootCommand
}

// wordSepNormalizeFunc accepts underscores in flag names, --log_output
// is the same as --log-output.
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil))
}

// parseRedirects parses the arguments of the --redirect option into the
// paths for stdin, stdout and stderr.
func parseRedirects(redirects []string) ([3]string, error) {
	r := [3]string{}
	names := [3]string{"stdin", "stdout", "stderr"}
	for _, redirect := range redirects {
		idx := 0
		for i, name := range names {
			pfx := name + ":"
			if strings.HasPrefix(redirect, pfx) {
				idx = i
				redirect = redirect[len(pfx):]
				break
			}
		}
		if r[idx] != "" {
			return r, fmt.Errorf("redirect error: %s redirected twice", names[idx])
		}
		r[idx] = redirect
	}
	return r, nil
}

func execute(attachPid int, processArgs []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	logger := logflags.TerminalLogger()

	if metricsAddr == "" {
		metricsAddr = conf.MetricsAddr
	}
	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsAddr); err != nil {
				logger.Errorf("metrics endpoint: %v", err)
			}
		}()
	}

	loop := mainloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	events := terminal.NewEventQueue()
	p, err := start(loop, attachPid, processArgs, eventQueueDelegate{events})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not %s: %v\n", startVerb(attachPid), err)
		return 1
	}
	logger.Debugf("started process %d", p.Pid())

	if ptm := p.Terminal(); ptm != nil {
		go io.Copy(os.Stdout, ptm)
	}

	term := terminal.New(p, loop, events, conf)
	term.InitFile = initFile
	term.SetAttached(attachPid != 0)
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}

func startVerb(attachPid int) string {
	if attachPid != 0 {
		return "attach to process " + strconv.Itoa(attachPid)
	}
	return "launch process"
}

// launchConfig returns the configuration exec launches processArgs with.
func launchConfig(processArgs []string) (native.LaunchConfig, error) {
	r, err := parseRedirects(redirects)
	if err != nil {
		return native.LaunchConfig{}, err
	}
	usePTY := pty || conf.LaunchPTY
	return native.LaunchConfig{
		Args:        processArgs,
		Dir:         workingDir,
		DisableASLR: disableASLR || conf.DisableASLR,
		PTY:         usePTY,
		Foreground:  !usePTY,
		Redirects:   r,
	}, nil
}

// start launches or attaches to the target on the loop.
func start(loop *mainloop.MainLoop, attachPid int, processArgs []string, delegate native.Delegate) (*native.Process, error) {
	var cfg native.LaunchConfig
	if attachPid == 0 {
		var err error
		cfg, err = launchConfig(processArgs)
		if err != nil {
			return nil, err
		}
	}

	var p *native.Process
	var err error
	if xerr := loop.Exec(func() {
		if attachPid != 0 {
			p, err = native.Attach(loop, attachPid, delegate)
		} else {
			p, err = native.Launch(loop, cfg, delegate)
		}
	}); xerr != nil {
		return nil, xerr
	}
	return p, err
}
