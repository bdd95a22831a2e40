package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot(newCommand(os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(c *command) *cobra.Command {
	g := &GlobalFlags{}
	c.global = g
	root := createRootCommand(g)
	root.AddCommand(
		createRunCommand(c),
		createInstallCommand(c),
		createStatusCommand(c),
		createNodeCommand("start", "Start the node through the daemon", c.Start),
		createNodeCommand("stop", "Stop the node through the daemon", c.Stop),
		createNodeCommand("reset", "Return to idle so the node can be reinstalled", c.Reset),
		createLogsCommand(c),
		createCheckUpdateCommand(c),
		createScrapeCommand(c),
		createRequirementsCommand(c),
		createHistoryCommand(c),
		createDetectCommand(c),
		createMetricsCommand(c),
		createConfigCommand(c),
		createAuthCommand(c),
		createVersionCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodekeeper",
		Short: "Install, supervise and monitor a reth node",
		Long: `nodekeeper downloads the reth node binary for this platform, runs it as a
supervised child, captures its logs and tracks its Prometheus metrics.

Examples:
  nodekeeper install                 # download and unpack the latest release
  nodekeeper run                     # supervise the node and serve the API
  nodekeeper status                  # ask the daemon, or inspect locally
  nodekeeper logs --tail 50`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from config server.listen/base_path)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("NODEKEEPER_TOKEN"), "bearer token for the daemon API")
	return root
}

func createRunCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the node and serve the HTTP API",
		Long: `Run the daemon: adopts an existing install, optionally auto-starts the node,
polls its metrics, records history and serves the API until interrupted.

Examples:
  nodekeeper run
  nodekeeper run --daemonize --pidfile /tmp/nodekeeper.pid --logfile /tmp/nodekeeper.log`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Run(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVarP(&f.Daemonize, "daemonize", "d", false, "run in the background")
	cmd.Flags().StringVar(&f.PIDFile, "pidfile", "", "write the daemon PID here (with --daemonize)")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output (with --daemonize)")
	cmd.Flags().BoolVar(&f.NoServer, "no-server", false, "do not serve the HTTP API")
	return cmd
}

func createInstallCommand(c *command) *cobra.Command {
	f := &InstallFlags{}
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download and unpack the node binary",
		Long: `Resolve the release, download the archive for this platform and unpack it.
With --remote the running daemon performs the install instead.

Examples:
  nodekeeper install
  nodekeeper install --version v1.5.0
  nodekeeper install --remote --wait`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Install(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Version, "version", "", "install this release tag instead of the latest")
	cmd.Flags().BoolVar(&f.Remote, "remote", false, "ask the daemon to install")
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "with --remote, block until the install finishes")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show install and node state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the raw snapshot as JSON")
	return cmd
}

func createNodeCommand(use, short string, fn func(*cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fn(cmd)
		},
	}
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print buffered node output from the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Logs(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Tail, "tail", 100, "number of lines (0 for all)")
	return cmd
}

func createCheckUpdateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "check-update",
		Short: "Compare the installed release with the latest one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.CheckUpdate(cmd.Context())
		},
	}
}

func createScrapeCommand(c *command) *cobra.Command {
	f := &ScrapeFlags{}
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetch the node's metrics once and print tracked values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Scrape(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Endpoint, "endpoint", "", "metrics URL (default from config)")
	cmd.Flags().BoolVar(&f.All, "all", false, "also list every metric name in the payload")
	return cmd
}

func createRequirementsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "requirements",
		Short: "Check free disk and total memory against the node's needs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Requirements(cmd.Context())
		},
	}
}

func createHistoryCommand(c *command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum number of events")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print events as JSON")
	return cmd
}

func createDetectCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Look for a node running outside nodekeeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Detect(cmd.Context())
		},
	}
}

func createMetricsCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Manage custom tracked metrics on the daemon",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add NAME",
			Short: "Track a metric from the node's payload",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.AddMetric(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "remove NAME",
			Short: "Stop tracking a custom metric",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.RemoveMetric(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List tracked series with their latest values",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.ListMetrics(cmd.Context())
			},
		},
	)
	return cmd
}

func createConfigCommand(c *command) *cobra.Command {
	f := &ConfigInitFlags{}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Settings file helpers",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file holding every default",
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.ConfigInit(*f)
		},
	}
	initCmd.Flags().StringVar(&f.Path, "path", "", "destination (default: the standard settings path)")
	initCmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func createAuthCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "API authentication helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash-password [PASSWORD]",
		Short: "Print a bcrypt hash for server.auth.password_hash",
		Long: `Print a bcrypt hash for server.auth.password_hash. Without an argument the
password is read from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(cmd.InOrStdin(), args)
		},
	})
	return cmd
}

func createVersionCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the nodekeeper version",
		Run: func(_ *cobra.Command, _ []string) {
			c.printf("nodekeeper %s\n", version)
		},
	}
}
