package narinfo

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// PublicKey is a named Ed25519 public key in Nix's "<name>:<base64>" wire
// format, grounded on original_source/nixless-agent/src/signing.rs.
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// ParsePublicKey decodes a "<name>:<base64(32-byte-key)>" string.
func ParsePublicKey(s string) (PublicKey, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return PublicKey{}, fmt.Errorf("narinfo: malformed public key %q", s)
	}
	raw, err := base64.StdEncoding.DecodeString(s[idx+1:])
	if err != nil {
		return PublicKey{}, fmt.Errorf("narinfo: public key %q: %w", s, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("narinfo: public key %q has wrong length %d", s, len(raw))
	}
	return PublicKey{Name: s[:idx], Key: ed25519.PublicKey(raw)}, nil
}

// Keychain holds named public keys used to verify narinfo signatures.
type Keychain struct {
	keys map[string]ed25519.PublicKey
}

// NewKeychain builds a keychain from zero or more configured keys.
func NewKeychain(keys ...PublicKey) *Keychain {
	kc := &Keychain{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for _, k := range keys {
		kc.keys[k.Name] = k.Key
	}
	return kc
}

// Verify reports whether any signature in sigs verifies data under a known
// key. An unknown key name is not an error — it simply cannot verify,
// matching signing.rs's verify(): false on unknown key, not an error.
func (kc *Keychain) Verify(data []byte, sigs []Sig) bool {
	for _, sig := range sigs {
		key, ok := kc.keys[sig.KeyName]
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(sig.Signature)
		if err != nil {
			continue
		}
		if ed25519.Verify(key, data, raw) {
			return true
		}
	}
	return false
}

// VerifyFingerprint verifies info's Sigs against info's own Fingerprint(),
// grounded on signing.rs's verify_fingerprint.
func (kc *Keychain) VerifyFingerprint(info *Info) bool {
	return kc.Verify([]byte(info.Fingerprint()), info.Sigs)
}
