package directive

import (
	"crypto/ed25519"
	"testing"

	nixerrors "github.com/fly-io/nixless-agent/pkg/errors"
)

func testID(suffix string) string {
	return "0123456789abcdfghijklmnpqrsvwxyz-" + suffix
}

func buildSignedDirective(t *testing.T, priv ed25519.PrivateKey, lines []string) []byte {
	t.Helper()
	body := ""
	for _, l := range lines {
		body += l + "\n"
	}
	sig := Sign(priv, []byte(body))
	return []byte(body + sigPrefix + sig)
}

func TestVerifyAcceptsValidDirective(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	v := New(pub)

	lines := []string{testID("top"), testID("a"), testID("b")}
	raw := buildSignedDirective(t, priv, lines)

	d, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if d.TopLevelID != lines[0] {
		t.Fatalf("TopLevelID = %q, want %q", d.TopLevelID, lines[0])
	}
	if len(d.Closure) != 3 {
		t.Fatalf("Closure length = %d, want 3", len(d.Closure))
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := New(pub)

	lines := []string{testID("top"), testID("a")}
	raw := buildSignedDirective(t, priv, lines)
	raw[0] ^= 0xFF // flip a byte in the body

	if _, err := v.Verify(raw); err == nil {
		t.Fatal("expected verification failure for tampered body")
	} else if nixerrors.KindOf(err) != nixerrors.KindUnauthorized {
		t.Fatalf("expected Unauthorized kind, got %v", err)
	}
}

func TestVerifyRejectsDuplicateIDs(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := New(pub)

	id := testID("dup")
	raw := buildSignedDirective(t, priv, []string{id, id})

	if _, err := v.Verify(raw); err == nil {
		t.Fatal("expected malformed error for duplicate ids")
	}
}

func TestVerifyRejectsMissingTrailer(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	v := New(pub)

	if _, err := v.Verify([]byte(testID("top") + "\n")); err == nil {
		t.Fatal("expected malformed error for missing sig trailer")
	}
}

func TestVerifyRollback(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := New(pub)

	sig := SignRollback(priv)
	if err := v.VerifyRollback(sig); err != nil {
		t.Fatalf("VerifyRollback: %v", err)
	}

	if err := v.VerifyRollback(Sign(priv, []byte("not-rollback"))); err == nil {
		t.Fatal("expected rollback verification failure for wrong body")
	}
}
