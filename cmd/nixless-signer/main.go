// nixless-signer is a companion CLI for producing the signed directives
// nixless-agent's control plane accepts, and for generating the Ed25519
// keypairs the agent and its operators share out of band.
package main

import (
	"fmt"
	"os"

	"github.com/fly-io/nixless-agent/cmd/nixless-signer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
