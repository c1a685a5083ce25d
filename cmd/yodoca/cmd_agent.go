package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yodoca/yodoca"
	"github.com/yodoca/yodoca/internal/config"
	"github.com/yodoca/yodoca/internal/kernel"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the agent process (normally spawned by the supervisor)",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

// extensionCatalog lists the compiled-in extension constructors that disk
// manifests can name as entrypoints. Deployments with bundled extensions
// register them here.
func extensionCatalog() yodoca.Catalog {
	return yodoca.Catalog{}
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := newLogger(logLevel, logFormat).With("proc", "agent")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return kernel.NewRunner(cfg, extensionCatalog(), kernel.WithRunnerLogger(logger)).Run(ctx)
}
