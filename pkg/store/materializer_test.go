package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/nixless-agent/pkg/storepath"
)

func TestMaterializeMovesPartialIntoStore(t *testing.T) {
	root := t.TempDir()
	cat := storepath.New(root)
	m := New(cat)

	id := "0123456789abcdfghijklmnpqrsvwxyz-hello"
	partial := filepath.Join(t.TempDir(), "staging")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatalf("mkdir partial: %v", err)
	}
	if err := os.WriteFile(filepath.Join(partial, "file.txt"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := m.Materialize(partial, id); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	dest, err := cat.IDToPath(id)
	if err != nil {
		t.Fatalf("IDToPath: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "file.txt"))
	if err != nil {
		t.Fatalf("reading materialized file: %v", err)
	}
	if string(data) != "data" {
		t.Fatalf("unexpected contents: %q", data)
	}

	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("expected partial dir to be gone, got err=%v", err)
	}
}

func TestMaterializeRaceLoserCleansUp(t *testing.T) {
	root := t.TempDir()
	cat := storepath.New(root)
	m := New(cat)

	id := "0123456789abcdfghijklmnpqrsvwxyz-hello"
	dest, err := cat.IDToPath(id)
	if err != nil {
		t.Fatalf("IDToPath: %v", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatalf("seeding existing dest: %v", err)
	}

	partial := filepath.Join(t.TempDir(), "staging")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatalf("mkdir partial: %v", err)
	}

	if err := m.Materialize(partial, id); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("expected losing partial dir to be removed, got err=%v", err)
	}
}
