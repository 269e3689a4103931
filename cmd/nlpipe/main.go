package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/nlpipe/internal/config"
	"github.com/dusk-indust/nlpipe/internal/logging"
)

// version is set by goreleaser at build time.
var version = "dev"

// app carries the settings shared by every command, filled in before the
// command runs.
type app struct {
	configDir string
	logLevel  string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "nlpipe",
		Short:         "Answer natural-language questions through a staged parse, plan and execute pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configDir, "config", ".", "directory containing nlpipe.yml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(a),
		newServeBackendCmd(a),
		newServeMCPCmd(a),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and installs the logger. Logs go to stderr
// so stdout stays free for results and the MCP stdio transport.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configDir)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	a.logger = logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}, cmd.ErrOrStderr())
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
