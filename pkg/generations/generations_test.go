package generations

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndCurrent(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	gen1, err := r.Append("sys-a", []string{"dep-1"})
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if err := r.SetCurrent(gen1.Version); err != nil {
		t.Fatalf("SetCurrent 1: %v", err)
	}
	gen2, err := r.Append("sys-b", []string{"dep-1", "dep-2"})
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if err := r.SetCurrent(gen2.Version); err != nil {
		t.Fatalf("SetCurrent 2: %v", err)
	}

	current, ok := r.Current()
	if !ok {
		t.Fatal("expected a current generation")
	}
	if current.Version != gen2.Version || current.SystemID != "sys-b" {
		t.Fatalf("unexpected current: %+v", current)
	}

	reopened, err := Open(dir, 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all := reopened.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 generations after reopen, got %d", len(all))
	}
}

func TestRollbackTarget(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	genA, err := r.Append("sys-a", nil)
	if err != nil {
		t.Fatalf("Append a: %v", err)
	}
	if err := r.SetCurrent(genA.Version); err != nil {
		t.Fatalf("SetCurrent a: %v", err)
	}
	genB, err := r.Append("sys-b", nil)
	if err != nil {
		t.Fatalf("Append b: %v", err)
	}
	if err := r.SetCurrent(genB.Version); err != nil {
		t.Fatalf("SetCurrent b: %v", err)
	}

	target, ok := r.RollbackTarget()
	if !ok || target.SystemID != "sys-a" {
		t.Fatalf("expected rollback target sys-a, got %+v (ok=%v)", target, ok)
	}
}

func TestPrunePreservesReferencedPackages(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := r.Append("sys-a", []string{"shared-dep", "only-in-a"}); err != nil {
		t.Fatalf("Append a: %v", err)
	}
	if _, err := r.Append("sys-b", []string{"shared-dep", "only-in-b"}); err != nil {
		t.Fatalf("Append b: %v", err)
	}

	removed, err := r.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}

	removedSet := map[string]bool{}
	for _, id := range removed {
		removedSet[id] = true
	}
	if !removedSet["sys-a"] || !removedSet["only-in-a"] {
		t.Fatalf("expected sys-a and only-in-a to be removed, got %v", removed)
	}
	if removedSet["shared-dep"] || removedSet["only-in-b"] {
		t.Fatalf("did not expect shared-dep or only-in-b to be removed, got %v", removed)
	}

	// Deletion order is oldest generation first (spec §4.6), so sys-a's
	// ids must both precede any later generation's ids in the result.
	want := []string{"sys-a", "only-in-a"}
	if len(removed) != len(want) {
		t.Fatalf("expected removed order %v, got %v", want, removed)
	}
	for i, id := range want {
		if removed[i] != id {
			t.Fatalf("expected removed order %v, got %v", want, removed)
		}
	}

	if len(r.All()) != 1 {
		t.Fatalf("expected 1 generation remaining, got %d", len(r.All()))
	}
}

func TestPruneNeverCollectsTombstone(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Bootstrap("pre-existing-sys", []string{"pre-existing-pkg"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, err := r.Append("sys-a", nil); err != nil {
		t.Fatalf("Append a: %v", err)
	}
	if _, err := r.Append("sys-b", nil); err != nil {
		t.Fatalf("Append b: %v", err)
	}

	removed, err := r.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}

	for _, id := range removed {
		if id == "pre-existing-sys" || id == "pre-existing-pkg" {
			t.Fatalf("tombstone id %q must never be a prune candidate, got removed=%v", id, removed)
		}
	}

	all := r.All()
	if len(all) == 0 || !all[0].isTombstone() {
		t.Fatalf("expected tombstone generation to survive pruning, got %+v", all)
	}
}

func TestBootstrapRefusesWhenNotEmpty(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Append("sys-a", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := r.Bootstrap("sys-tombstone", []string{"pkg-x"}); err == nil {
		t.Fatal("expected Bootstrap to fail on a non-empty registry")
	}
}

func TestProfileRepairerCreatesAndPrunesLinks(t *testing.T) {
	storeRoot := t.TempDir()
	profilesDir := filepath.Join(t.TempDir(), "profiles")
	historyDir := filepath.Join(t.TempDir(), "history")

	for _, id := range []string{"sys-a", "sys-b"} {
		if err := os.MkdirAll(filepath.Join(storeRoot, id), 0o755); err != nil {
			t.Fatalf("seeding store path: %v", err)
		}
	}

	repairer := NewProfileRepairer(profilesDir, historyDir, storeRoot)
	gens := []Generation{
		{Version: 1, SystemID: "sys-a"},
		{Version: 2, SystemID: "sys-b"},
	}
	if err := repairer.Repair(gens, gens[1]); err != nil {
		t.Fatalf("Repair: %v", err)
	}

	systemLink, err := os.Readlink(filepath.Join(profilesDir, "system"))
	if err != nil {
		t.Fatalf("reading system link: %v", err)
	}
	if systemLink != filepath.Join(storeRoot, "sys-b") {
		t.Fatalf("unexpected system link target: %q", systemLink)
	}

	genOneHistory, err := os.Readlink(filepath.Join(historyDir, "gen-1"))
	if err != nil {
		t.Fatalf("reading gen-1 history link: %v", err)
	}
	if genOneHistory != filepath.Join(storeRoot, "sys-a") {
		t.Fatalf("unexpected gen-1 history link target: %q", genOneHistory)
	}

	// Now prune generation 1 out and repair again; its numbered link and
	// history link should both disappear.
	if err := repairer.Repair(gens[1:], gens[1]); err != nil {
		t.Fatalf("second Repair: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(profilesDir, "system-1-link")); !os.IsNotExist(err) {
		t.Fatalf("expected system-1-link to be removed, got err=%v", err)
	}
	if _, err := os.Lstat(filepath.Join(profilesDir, "system-2-link")); err != nil {
		t.Fatalf("expected system-2-link to still exist: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(historyDir, "gen-1")); !os.IsNotExist(err) {
		t.Fatalf("expected gen-1 history link to be removed, got err=%v", err)
	}
	if _, err := os.Lstat(filepath.Join(historyDir, "gen-2")); err != nil {
		t.Fatalf("expected gen-2 history link to still exist: %v", err)
	}
}
