// Package cmd implements the spendwatch CLI commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/theirongolddev/spendwatch/internal/config"
)

var (
	flagConfig    string
	flagDataDir   string
	flagClaudeDir string
	flagLogLevel  string
	flagQuiet     bool
)

// Loaded by the root PersistentPreRunE for every command.
var (
	cfg    *config.Config
	logger zerolog.Logger
	logOut io.Closer
)

var rootCmd = &cobra.Command{
	Use:          "spendwatch",
	Short:        "LLM usage and spend monitor",
	Long:         "Track token usage and spend across LLM providers: remote billing APIs and local Claude Code logs.",
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagDataDir != "" {
			loaded.General.DataDir = flagDataDir
		}
		if flagClaudeDir != "" {
			loaded.General.ClaudeDir = flagClaudeDir
		}
		if flagLogLevel != "" {
			loaded.Logging.Level = flagLogLevel
		}
		cfg = loaded
		logger, logOut = setupLogger(cfg.Logging)
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	},
	RunE: runStatus,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default "+config.ConfigPath()+")")
	rootCmd.PersistentFlags().StringVarP(&flagDataDir, "data-dir", "d", "", "Directory for the database and daemon state")
	rootCmd.PersistentFlags().StringVar(&flagClaudeDir, "claude-dir", "", "Claude Code data directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
}

// setupLogger builds the root logger. Logs go to stderr, or to a rotated
// file when logging.file is set; the returned closer is nil for stderr.
func setupLogger(lc config.LoggingConfig) (zerolog.Logger, io.Closer) {
	level := zerolog.InfoLevel
	switch lc.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	if flagQuiet && level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if lc.File != "" {
		_ = os.MkdirAll(filepath.Dir(lc.File), 0o750)
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   true,
		}
		out, closer = lj, lj
	}

	if lc.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: lc.File != ""}).With().Timestamp().Logger(), closer
	}
	return zerolog.New(out).With().Timestamp().Logger(), closer
}

func progress(format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}
