// Command goadapt runs the learning loop and inspects its state.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/goadapt/internal/config"
	"github.com/basket/goadapt/internal/telemetry"
)

var (
	homeDir  string
	logLevel string
	jsonOut  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "goadapt",
		Short: "Adaptive learning loop: rewards, strategies and policies learned from conversation events",
		Long: `goadapt consumes conversation events per user, resolves rewards for the
strategy shown in each attempt, keeps UCB1 arm statistics and learns
per-tab policy patches from run feedback.

Run "goadapt serve" to start the loop, "goadapt ingest" to feed it events.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&homeDir, "home", "", "goadapt home directory (default $GOADAPT_HOME or ~/.goadapt)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON even on a terminal")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newDLQCmd())
	root.AddCommand(newBanditCmd())
	root.AddCommand(newRunCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	home := homeDir
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, fmt.Errorf("config load: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newLogger writes to the log file, mirroring to stdout only when quiet is
// false. Inspection commands stay quiet so their output is parseable.
func newLogger(cfg config.Config, quiet bool) (*slog.Logger, io.Closer, error) {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// wantJSON reports whether output should be JSON rather than a table.
func wantJSON(cmd *cobra.Command) bool {
	return jsonOut || !isTerminal(cmd.OutOrStdout())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
