package nar

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// encoder is a minimal test-only NAR writer used to build fixtures; the
// agent itself never encodes NARs, only decodes them.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) writeString(s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	e.buf.Write(lenBuf[:])
	e.buf.WriteString(s)
	padding := (8 - len(s)%8) % 8
	e.buf.Write(make([]byte, padding))
}

func (e *encoder) regularFile(contents string) {
	e.writeString("(")
	e.writeString("type")
	e.writeString("regular")
	e.writeString("contents")
	e.writeString(contents)
	e.writeString(")")
}

func (e *encoder) symlink(target string) {
	e.writeString("(")
	e.writeString("type")
	e.writeString("symlink")
	e.writeString("target")
	e.writeString(target)
	e.writeString(")")
}

func buildSimpleNar() []byte {
	e := &encoder{}
	e.writeString(magic)
	e.writeString("(")
	e.writeString("type")
	e.writeString("directory")
	e.writeString("entry")
	e.writeString("(")
	e.writeString("name")
	e.writeString("hello.txt")
	e.writeString("node")
	e.regularFile("hello world")
	e.writeString(")")
	e.writeString("entry")
	e.writeString("(")
	e.writeString("name")
	e.writeString("link")
	e.writeString("node")
	e.symlink("hello.txt")
	e.writeString(")")
	e.writeString(")")
	return e.buf.Bytes()
}

func TestDecodeDirectoryWithFileAndSymlink(t *testing.T) {
	dest := t.TempDir()
	v := NewValidator(1<<20, 1<<20, 1000)

	if err := Decode(bytes.NewReader(buildSimpleNar()), dest, v); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected contents: %q", data)
	}

	target, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil {
		t.Fatalf("reading symlink: %v", err)
	}
	if target != "hello.txt" {
		t.Fatalf("unexpected symlink target: %q", target)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	e := &encoder{}
	e.writeString("not-a-nar")
	v := NewValidator(1<<20, 1<<20, 1000)
	if err := Decode(bytes.NewReader(e.buf.Bytes()), t.TempDir(), v); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsOversizeFile(t *testing.T) {
	e := &encoder{}
	e.writeString(magic)
	e.regularFile("0123456789")
	v := NewValidator(5, 1<<20, 1000)
	if err := Decode(bytes.NewReader(e.buf.Bytes()), t.TempDir(), v); err == nil {
		t.Fatal("expected error for file exceeding max size")
	}
}
