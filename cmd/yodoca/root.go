package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yodoca/yodoca/internal/config"
	"github.com/yodoca/yodoca/internal/secrets"
	"github.com/yodoca/yodoca/internal/supervisor"
)

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	onboardCmd string
)

var rootCmd = &cobra.Command{
	Use:   "yodoca",
	Short: "Personal autonomous agent runtime",
	Long: `yodoca supervises a single-user agent process: it gates startup on
configuration completeness, spawns the agent child, restarts it after
crashes with backoff, and recycles it when an extension requests a restart.`,
	SilenceUsage: true,
	RunE:         runSupervisor,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"settings file (default: ~/.yodoca/config/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format (text, json)")
	rootCmd.Flags().StringVar(&onboardCmd, "onboard-cmd", "",
		"command to run when configuration is incomplete")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	logger := newLogger(logLevel, logFormat).With("proc", "supervisor")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		// The configuration gate reports the problem each iteration; the
		// defaults are enough to locate the sandbox.
		logger.Warn("settings unreadable, starting unconfigured", "error", err)
	}

	store := secrets.New()
	check := func() (bool, string) { return config.IsConfigured(cfgFile, store.Get) }

	agentArgs := []string{"agent", "--log-level", logLevel, "--log-format", logFormat}
	if cfgFile != "" {
		agentArgs = append(agentArgs, "--config", cfgFile)
	}
	launch := &supervisor.ExecLauncher{
		AgentArgs:  agentArgs,
		OnboardCmd: strings.Fields(onboardCmd),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(check, launch, cfg.RestartFlagPath(), supervisor.WithLogger(logger))
	return sup.Run(ctx)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
