package commands

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fly-io/nixless-agent/pkg/directive"
)

var signCmd = &cobra.Command{
	Use:   "sign <directive-file> <base64-private-key>",
	Short: "Sign a directive body, appending the sig: trailer line",
	Args:  cobra.ExactArgs(2),
	RunE:  runSign,
}

var rollbackCmd = &cobra.Command{
	Use:   "sign-rollback <base64-private-key>",
	Short: "Produce a signature over the rollback directive body",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignRollback,
}

func init() {
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(rollbackCmd)
}

func loadPrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

func runSign(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading directive file: %w", err)
	}

	priv, err := loadPrivateKey(args[1])
	if err != nil {
		return err
	}

	sig := "sig:" + directive.Sign(priv, body)

	out := append([]byte{}, body...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, []byte(sig)...)
	out = append(out, '\n')

	os.Stdout.Write(out)
	return nil
}

func runSignRollback(cmd *cobra.Command, args []string) error {
	priv, err := loadPrivateKey(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, directive.SignRollback(priv))
	return nil
}
