package commands

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key <key-name>",
	Short: "Generate a new Ed25519 keypair for signing update directives",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenerateKey,
}

func init() {
	rootCmd.AddCommand(generateKeyCmd)
}

func runGenerateKey(cmd *cobra.Command, args []string) error {
	keyName := args[0]

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}

	fmt.Fprintf(os.Stdout, "%s:%s\n", keyName, base64.StdEncoding.EncodeToString(pub))
	fmt.Fprintf(os.Stderr, "private key (keep secret): %s\n", base64.StdEncoding.EncodeToString(priv))
	return nil
}
