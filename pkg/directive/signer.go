package directive

import (
	"crypto/ed25519"
	"encoding/base64"
)

// Sign signs body with priv and returns the base64 signature, for use by
// the nixless-signer companion binary (matching
// original_source/nixless-request-signer's Sign subcommand).
func Sign(priv ed25519.PrivateKey, body []byte) string {
	sig := ed25519.Sign(priv, body)
	return base64.StdEncoding.EncodeToString(sig)
}

// SignRollback signs the fixed rollback body.
func SignRollback(priv ed25519.PrivateKey) string {
	return Sign(priv, []byte(RollbackBody))
}

// PublicKeyOf derives and base64-encodes the public half of priv, for the
// nixless-signer companion binary's public-key subcommand.
func PublicKeyOf(priv ed25519.PrivateKey) string {
	pub := priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}
