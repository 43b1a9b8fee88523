package commands

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "nixless-signer",
	Short: "Sign update directives and manage Ed25519 keys for nixless-agent",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
