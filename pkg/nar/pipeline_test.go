package nar

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/nixless-agent/pkg/narinfo"
	"github.com/fly-io/nixless-agent/pkg/nixbase32"
)

func TestPipelineRunVerifiesHashesAndExtracts(t *testing.T) {
	nar := buildSimpleNar()

	// nixbase32.Encode is independently bit-verified in pkg/nixbase32; this
	// test is about the pipeline wiring the hasher's output into the right
	// comparison, not about the encoding itself.
	sum := sha256.Sum256(nar)
	narHash := nixbase32.Encode(sum[:])

	info := &narinfo.Info{
		Compression: "none",
		NarHash:     narinfo.Hash{Algo: "sha256", Value: narHash},
		NarSize:     int64(len(nar)),
	}

	dir := t.TempDir()
	p := New(dir, 1<<20, 1<<20, 1000)

	result, err := p.Run("0123456789abcdfghijklmnpqrsvwxyz-pkg", bytes.NewReader(nar), info)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(result.PartialDir, "hello.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected contents: %q", data)
	}
}

func TestPipelineRunRejectsBadNarHash(t *testing.T) {
	nar := buildSimpleNar()
	info := &narinfo.Info{
		Compression: "none",
		NarHash:     narinfo.Hash{Algo: "sha256", Value: "wronghash"},
		NarSize:     int64(len(nar)),
	}

	dir := t.TempDir()
	p := New(dir, 1<<20, 1<<20, 1000)

	if _, err := p.Run("0123456789abcdfghijklmnpqrsvwxyz-pkg", bytes.NewReader(nar), info); err == nil {
		t.Fatal("expected error for mismatched nar hash")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected partial dir to be cleaned up, found %d entries", len(entries))
	}
}
