package narinfocache

import (
	"path/filepath"
	"testing"

	"github.com/fly-io/nixless-agent/pkg/narinfo"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "narinfo.db")
	c, err := Open(dbPath, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	info := &narinfo.Info{
		StorePath:  "/nix/store/abc-foo",
		URL:        "nar/abc.nar.xz",
		FileHash:   narinfo.Hash{Algo: "sha256", Value: "aaaa"},
		FileSize:   100,
		NarHash:    narinfo.Hash{Algo: "sha256", Value: "bbbb"},
		NarSize:    200,
		References: []string{"dep-a", "dep-b"},
	}

	if err := c.Put("abc-foo", info); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := c.Get("abc-foo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.StorePath != info.StorePath || got.NarSize != info.NarSize || len(got.References) != 2 {
		t.Fatalf("got %+v, want %+v", got, info)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "narinfo.db")
	c, err := Open(dbPath, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	_, ok, err := c.Get("missing-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss")
	}
}
