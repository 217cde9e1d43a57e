package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
}

// APIFlags selects daemon mode: when URL is set the command talks to a
// running daemon instead of operating on local state.
type APIFlags struct {
	URL     string
	Timeout time.Duration
	Token   string
}

// OpFlags covers the single-service lifecycle commands. Watch applies to
// status and list only.
type OpFlags struct {
	Name  string
	Watch bool
	API   APIFlags
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Name   string
	Lines  int
	Follow bool
}

// TemplateFlags holds flags for the template command.
type TemplateFlags struct {
	Kind   string
	Name   string
	Output string
	Force  bool
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
	PIDFile    string
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	c := &command{stdout: os.Stdout, stderr: os.Stderr, global: global}

	root := &cobra.Command{
		Use:   "svcman",
		Short: "Service lifecycle manager and supervisor",
		Long: `Svcman starts, stops and supervises long-running services defined in a
TOML config file. Commands operate on local state by default, or on a
running daemon when --api-url is given.

Examples:
  svcman start web                  # Start the configured service "web"
  svcman status                     # Table of every known service
  svcman run web                    # Run "web" in the foreground
  svcman serve svcman.toml          # Start the supervising daemon
  svcman status --api-url=http://remote:8080/api`,
	}

	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "svcman.toml", "path to TOML config file")
	root.PersistentFlags().BoolVar(&global.JSON, "json", false, "print machine-readable JSON")

	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
		createListCommand(c),
		createRunCommand(c),
		createLogsCommand(c),
		createInfoCommand(c),
		createCleanupCommand(c),
		createTemplateCommand(c),
		createServeCommand(c),
	)
	return root
}

// addAPIFlags attaches the daemon connection flags a command supports.
func addAPIFlags(cmd *cobra.Command, api *APIFlags) {
	cmd.Flags().StringVar(&api.URL, "api-url", "", "daemon URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&api.Timeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&api.Token, "token", "", "bearer token (defaults to $SVCMAN_TOKEN)")
}

func createStartCommand(c *command) *cobra.Command {
	flags := &OpFlags{}
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a service",
		Long: `Start a configured service. The service must be defined in the config
file (local mode) or registered with the daemon (--api-url).

Examples:
  svcman start web
  svcman start web --api-url=http://remote:8080/api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Name = args[0]
			return c.Start(*flags)
		},
	}
	addAPIFlags(cmd, &flags.API)
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	flags := &OpFlags{}
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a service",
		Long: `Stop a running service. The process group receives SIGTERM, then
SIGKILL after the service's stop grace period.

Examples:
  svcman stop web
  svcman stop web --api-url=http://remote:8080/api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Name = args[0]
			return c.Stop(*flags)
		},
	}
	addAPIFlags(cmd, &flags.API)
	return cmd
}

func createRestartCommand(c *command) *cobra.Command {
	flags := &OpFlags{}
	cmd := &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a service",
		Long: `Stop a service if it is running and start it again with a fresh
restart budget.

Examples:
  svcman restart web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Name = args[0]
			return c.Restart(*flags)
		},
	}
	addAPIFlags(cmd, &flags.API)
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	flags := &OpFlags{}
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show service status",
		Long: `Show the status of one service, or of every known service when no
name is given.

Examples:
  svcman status
  svcman status web
  svcman status --json
  svcman status --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				flags.Name = args[0]
			}
			return c.Status(*flags)
		},
	}
	cmd.Flags().BoolVarP(&flags.Watch, "watch", "w", false, "stream state changes until interrupted")
	addAPIFlags(cmd, &flags.API)
	return cmd
}

func createListCommand(c *command) *cobra.Command {
	flags := &OpFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every known service",
		Long: `List every service known from the config file and the state
directory, including stale records of removed services.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(*flags)
		},
	}
	cmd.Flags().BoolVarP(&flags.Watch, "watch", "w", false, "stream state changes until interrupted")
	addAPIFlags(cmd, &flags.API)
	return cmd
}

func createRunCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a service in the foreground",
		Long: `Run a configured service attached to the terminal. Output goes to
stdout/stderr and Ctrl-C stops the service. Useful for debugging a
service definition before handing it to the daemon.

Examples:
  svcman run web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(args[0])
		},
	}
	return cmd
}

func createLogsCommand(c *command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show recent log output of a service",
		Long: `Print the tail of a service's stdout and stderr log files. The
service must be configured with file logging.

Examples:
  svcman logs web
  svcman logs web -n 200
  svcman logs web -f`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Name = args[0]
			return c.Logs(*flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 50, "number of lines to show per stream")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep streaming appended lines")
	return cmd
}

func createInfoCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Show detailed service information",
		Long: `Show the full picture of one service: state, uptime, restart count
and log file locations.

Examples:
  svcman info web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Info(args[0])
		},
	}
	return cmd
}

func createCleanupCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale state records",
		Long: `Remove state records whose recorded process is no longer alive.
Records of currently supervised services are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Cleanup()
		},
	}
	return cmd
}

func createTemplateCommand(c *command) *cobra.Command {
	flags := &TemplateFlags{}
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Generate a service config scaffold",
		Long: `Generate a [[services]] TOML block for a common service shape,
ready to paste into the config file.

Supported kinds:
  web      - HTTP service with a health check
  worker   - background worker, restarted always
  db       - database server with a long stop grace
  cron     - periodic one-shot job
  simple   - bare name and command

Examples:
  svcman template --kind=web --name=my-app
  svcman template --kind=cron --name=nightly --output=nightly.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Template(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Kind, "kind", "", "template kind (required): web, worker, db, cron, simple")
	cmd.Flags().StringVar(&flags.Name, "name", "", "service name (defaults to <kind>-sample)")
	cmd.Flags().StringVar(&flags.Output, "output", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing output file")
	if err := cmd.MarkFlagRequired("kind"); err != nil {
		panic(err)
	}
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the supervising daemon",
		Long: `Start the daemon: recover previously running services, supervise
restarts, run schedules and serve the control API.

Examples:
  svcman serve                      # uses --config
  svcman serve svcman.toml
  svcman serve --daemonize          # detach into the background`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = c.global.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			return c.Serve(*flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file (with --daemonize)")
	cmd.Flags().StringVar(&flags.PIDFile, "pidfile", "", "daemon pid file (overrides [server].pid_file)")
	return cmd
}
