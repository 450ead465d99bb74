package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(&command{out: os.Stdout})
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errVerdictFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c.global = globalFlags

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createWatchCommand(c, &WatchFlags{}),
		createBackendCommand(c),
		createRunCommand(c, &RunFlags{}),
		createHealthCommand(c),
		createStatusCommand(c, &StatusFlags{}),
		createVerifyCommand(c, &StatusFlags{}),
		createCancelCommand(c, &StatusFlags{}),
		createStubCommand(c, &StubFlags{}),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "judgectl",
		Short: "Local verification orchestrator",
		Long: `judgectl supervises a local judge backend, watches a source tree and
requests a verification run whenever the tree settles.

Examples:
  judgectl watch --config judge.toml       # supervise, watch, verify
  judgectl backend --config judge.toml     # supervise the backend only
  judgectl run --target ./src --spec spec.md
  judgectl status -o yaml                  # query a running watch
  judgectl stub --addr 127.0.0.1:8000      # serve a stub backend`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML/YAML/JSON config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format: text, json")

	return root
}

func createWatchCommand(c *command, f *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Supervise the backend, watch files and verify on change",
		Long: `Start the full verification loop. In local mode the backend is launched
and supervised; in remote mode the configured URL and token are used.
The status API (GET /status, GET /health, POST /verify, POST /cancel,
GET /metrics) is served unless --no-server is given.

Examples:
  judgectl watch --config judge.toml
  judgectl watch --root ./src --spec spec.md --server-addr 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Root, "root", "", "directory to watch (overrides watch.root)")
	cmd.Flags().StringVar(&f.SpecFile, "spec", "", "spec file sent with every run (overrides verify.spec_file)")
	cmd.Flags().StringVar(&f.ServerAddr, "server-addr", "", "status API listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&f.NoServer, "no-server", false, "do not serve the status API")
	return cmd
}

func createBackendCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Supervise the local backend only",
		Long: `Launch the configured backend, restart it after crashes and print its
lifecycle events until interrupted. No files are watched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Backend(cmd.Context())
		},
	}
}

func createRunCommand(c *command, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Request one verification run and wait for its verdict",
		Long: `Post a single run to the configured backend and wait for the verdict,
pushed over the event channel or polled from the status endpoint.
Exits with status 2 when the verdict is fail.

Examples:
  judgectl run --target /src --spec spec.md
  judgectl run --target /src --spec spec.md --file a.py --file b.py -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Target, "target", "", "target directory (overrides verify.target_dir)")
	cmd.Flags().StringVar(&f.SpecFile, "spec", "", "spec file (overrides verify.spec_file)")
	cmd.Flags().StringSliceVar(&f.Files, "file", nil, "changed files to verify (repeatable)")
	cmd.Flags().StringSliceVar(&f.Judges, "judge", nil, "judges to use (repeatable)")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 5*time.Minute, "give up waiting for the verdict after this long")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}

func createHealthCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the configured backend's /health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Health(cmd.Context())
		},
	}
}

func addAPIFlags(cmd *cobra.Command, f *StatusFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "status API URL (default from server.addr)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createStatusCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running judgectl watch",
		Long: `Query the status API of a running judgectl watch.

Examples:
  judgectl status
  judgectl status -o yaml --api-url http://127.0.0.1:8765`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().StringVarP(&f.Output, "output", "o", "text", "output format: text, json, yaml")
	return cmd
}

func createVerifyCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Ask a running judgectl watch to verify now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Verify(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createCancelCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Drop the pending changes of a running judgectl watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Cancel(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createStubCommand(c *command, f *StubFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve a stub judge backend",
		Long: `Serve an in-memory judge backend for development: runs progress through
parsing, judging and consensus and end with a canned verdict. A spec
containing FAIL yields a fail verdict with one violation per file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stub(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Addr, "addr", "", "listen address (overrides stub.addr)")
	cmd.Flags().StringVar(&f.Token, "token", "", "require this bearer token (overrides stub.token)")
	return cmd
}
