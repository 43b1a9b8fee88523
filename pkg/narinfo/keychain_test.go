package narinfo

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
)

func TestKeychainVerifiesKnownKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	kc := NewKeychain(PublicKey{Name: "cache-1", Key: pub})

	data := []byte("some fingerprint")
	sig := Sig{KeyName: "cache-1", Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))}

	if !kc.Verify(data, []Sig{sig}) {
		t.Fatal("expected signature to verify under known key")
	}
}

func TestKeychainRejectsUnknownKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	kc := NewKeychain(PublicKey{Name: "cache-1", Key: pub})

	data := []byte("some fingerprint")
	sig := Sig{KeyName: "cache-2", Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))}

	if kc.Verify(data, []Sig{sig}) {
		t.Fatal("expected verification to fail for unknown key name")
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	s := "cache.nixos.org-1:" + base64.StdEncoding.EncodeToString(pub)

	key, err := ParsePublicKey(s)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if key.Name != "cache.nixos.org-1" {
		t.Fatalf("unexpected name: %s", key.Name)
	}
}
