package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nixless-agent",
	Short: "Pull-based configuration agent for immutable-store Nix hosts",
	Long:  `Fetches, stages, and activates signed system configurations over HTTP, driving switch-to-configuration through a per-version transient systemd unit.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
