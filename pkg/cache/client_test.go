package cache

import (
	"context"
	"crypto/ed25519"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fly-io/nixless-agent/pkg/narinfo"
)

func testKeypair(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating test keypair: %v", err)
	}
	return priv, pub
}

func TestClientNarinfoRejectsUnsignedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("StorePath: /nix/store/0123456789abcdfghijklmnpqrsvwxyz-pkg\nURL: nar/abc.nar\nCompression: none\nNarHash: sha256:deadbeef\nNarSize: 10\n"))
	}))
	defer srv.Close()

	_, pub := testKeypair(t)
	kc := narinfo.NewKeychain(narinfo.PublicKey{Name: "cache.example.org-1", Key: pub})

	c, err := New(context.Background(), DefaultConfig(srv.URL), kc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Narinfo(context.Background(), "0123456789abcdfghijklmnpqrsvwxyz-pkg")
	if err == nil {
		t.Fatal("expected error for unsigned narinfo")
	}
}

func TestClientNarinfoNotFoundIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, pub := testKeypair(t)
	kc := narinfo.NewKeychain(narinfo.PublicKey{Name: "cache.example.org-1", Key: pub})
	cfg := DefaultConfig(srv.URL)
	cfg.MaxRetries = 3

	c, err := New(context.Background(), cfg, kc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Narinfo(context.Background(), "0123456789abcdfghijklmnpqrsvwxyz-pkg"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a 404, got %d", attempts)
	}
}

// TestClientNarStreamAbortsOnIdleStall verifies the per-chunk idle timeout:
// a server that sends headers and a first chunk, then goes silent
// mid-stream, must eventually make a Read on the NAR stream fail instead
// of hanging forever, even though the overall request has no deadline.
func TestClientNarStreamAbortsOnIdleStall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("response writer does not support flushing")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("first-chunk"))
		flusher.Flush()
		// Stall forever; the idle timeout, not server behavior, must end this.
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, pub := testKeypair(t)
	kc := narinfo.NewKeychain(narinfo.PublicKey{Name: "cache.example.org-1", Key: pub})
	cfg := DefaultConfig(srv.URL)
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0

	c, err := New(context.Background(), cfg, kc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	info := &narinfo.Info{URL: "/"}
	stream, err := c.NarStream(context.Background(), info)
	if err != nil {
		t.Fatalf("NarStream: %v", err)
	}
	defer stream.Close()

	if _, err := io.ReadAll(stream); err == nil {
		t.Fatal("expected the idle-stalled stream read to eventually error")
	}
}
