// Package cli provides the command-line interface for ddwatch.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abelbrown/ddwatch/internal/api"
	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/config"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/store"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
	apiURL     string
	apiToken   string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ddwatch",
	Short: "Watch and control Due Diligence pipeline runs",
	Long: `ddwatch observes a Due Diligence processing run from the terminal.

The watch command opens a live dashboard: pass progress, finding counts,
the live findings stream and a local event log. The other commands are
one-shot equivalents for scripting.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if apiURL != "" {
			cfg.API.BaseURL = apiURL
		}
		if apiToken != "" {
			cfg.API.Token = apiToken
		}
		level := cfg.LogLevel()
		if verbose {
			level = slog.LevelDebug
		}
		// The dashboard owns the terminal; it logs to the file only.
		var stderr io.Writer = os.Stderr
		if cmd.Name() == "watch" {
			stderr = nil
		}
		logger, closeLog = config.SetupLogger(cfg.Log.File, stderr, level)
		otel.SetTraceEnabled(cfg.Log.Trace)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+errorText(err))
		if logger != nil {
			logger.Debug("command failed", "err", err)
		}
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.ddwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "backend base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token passed to the backend")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(fakeBackendCmd)
}

// errorText shows classified errors with their user message and anything
// else verbatim.
func errorText(err error) string {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return apierr.UserMessage(ae)
	}
	return err.Error()
}

func newClient(events *otel.Logger) *api.Client {
	return api.New(api.Options{
		BaseURL:    cfg.API.BaseURL,
		Token:      cfg.API.Token,
		Timeout:    cfg.API.Timeout,
		ControlRPS: cfg.Lifecycle.ControlRPS,
		Logger:     events,
	})
}

func openStore() (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}

// openEvents opens the JSONL observability log. A file that cannot be
// opened disables event logging rather than failing the command.
func openEvents() (*otel.Logger, func()) {
	path := cfg.Log.EventsFile
	if path == "" {
		l := otel.NewNullLogger()
		return l, l.Close
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Warn("event log disabled", "err", err)
		l := otel.NewNullLogger()
		return l, l.Close
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Warn("event log disabled", "err", err)
		l := otel.NewNullLogger()
		return l, l.Close
	}
	l := otel.NewLogger(f)
	return l, func() {
		l.Close()
		f.Close()
	}
}
