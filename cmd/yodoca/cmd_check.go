package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yodoca/yodoca/internal/config"
	"github.com/yodoca/yodoca/internal/secrets"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether the runtime is configured to start",
	Run:   runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	ok, reason := config.IsConfigured(cfgFile, secrets.New().Get)
	if !ok {
		fmt.Printf("not configured: %s\n", reason)
		os.Exit(1)
	}
	fmt.Printf("configured: %s\n", path)
}
