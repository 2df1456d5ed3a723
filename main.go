// Package main runs the Allegro autoresponder: a polling service that posts
// automatic first replies to buyer questions and open disputes.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configFile string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "allegro-autoresponder",
		Short: "Posts automatic replies to Allegro buyer messages and disputes",
		Long: `Polls the Allegro messaging center and post-purchase issues, and answers new
buyer questions and open disputes with a configured template.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "optional YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (default from LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: json or text (default from LOG_FORMAT)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the poll loop and HTTP server (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), flags)
			},
		},
		&cobra.Command{
			Use:   "run-once",
			Short: "Run a single poll cycle and print its report",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), flags, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the effective configuration without contacting Allegro",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runStatus(cmd.Context(), flags, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "authorize",
			Short: "Obtain a refresh token through the browser authorization flow",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runAuthorize(cmd.Context(), flags, cmd.InOrStdin(), cmd.OutOrStdout())
			},
		},
	)

	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// newLogger builds the process logger. Flags win over the configured values.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
