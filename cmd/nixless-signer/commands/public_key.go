package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fly-io/nixless-agent/pkg/directive"
)

var publicKeyCmd = &cobra.Command{
	Use:   "public-key <base64-private-key>",
	Short: "Derive the base64 public key matching a private key",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublicKey,
}

func init() {
	rootCmd.AddCommand(publicKeyCmd)
}

func runPublicKey(cmd *cobra.Command, args []string) error {
	priv, err := loadPrivateKey(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, directive.PublicKeyOf(priv))
	return nil
}
