package generations

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fly-io/nixless-agent/pkg/errors"
)

// ProfileRepairer keeps two symlink farms in sync with the registry:
// historyDir's bare "gen-<version>" entries required by spec §3's data
// model for rollback lookups and retention, and profilesDir's
// system-<n>-link entries plus the unnumbered system link consumed by
// switch-to-configuration and by operators inspecting the host (SPEC_FULL
// supplement 2, additional to the §3 farm, not a replacement for it).
type ProfileRepairer struct {
	profilesDir string
	historyDir  string
	storeRoot   string
}

// NewProfileRepairer returns a repairer that manages profilesDir (typically
// <state_base>/nix/profiles) and historyDir (<state_base>/history) against
// packages rooted at storeRoot.
func NewProfileRepairer(profilesDir, historyDir, storeRoot string) *ProfileRepairer {
	return &ProfileRepairer{profilesDir: profilesDir, historyDir: historyDir, storeRoot: storeRoot}
}

func numberedLinkName(version uint64) string {
	return fmt.Sprintf("system-%d-link", version)
}

func versionFromNumberedLinkName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "system-") || !strings.HasSuffix(name, "-link") {
		return 0, false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(name, "system-"), "-link")
	v, err := strconv.ParseUint(middle, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func historyLinkName(version uint64) string {
	return fmt.Sprintf("gen-%d", version)
}

func versionFromHistoryLinkName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "gen-") {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(name, "gen-"), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Repair removes any numbered system link or history link that does not
// correspond to one of the given generations, recreates every link that
// should exist in both farms, and points the unnumbered "system" link at
// the latest (current) generation.
func (p *ProfileRepairer) Repair(generations []Generation, current Generation) error {
	if err := os.MkdirAll(p.profilesDir, 0o755); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: creating profiles dir: %w", err))
	}
	if err := os.MkdirAll(p.historyDir, 0o755); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: creating history dir: %w", err))
	}

	known := make(map[uint64]struct{}, len(generations))
	for _, g := range generations {
		known[g.Version] = struct{}{}
	}

	entries, err := os.ReadDir(p.profilesDir)
	if err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: reading profiles dir: %w", err))
	}
	for _, entry := range entries {
		if entry.Name() == "system" {
			continue
		}
		version, ok := versionFromNumberedLinkName(entry.Name())
		if !ok {
			continue
		}
		if _, tracked := known[version]; !tracked {
			if err := os.Remove(filepath.Join(p.profilesDir, entry.Name())); err != nil {
				return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: removing stale profile link %s: %w", entry.Name(), err))
			}
		}
	}

	historyEntries, err := os.ReadDir(p.historyDir)
	if err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: reading history dir: %w", err))
	}
	for _, entry := range historyEntries {
		version, ok := versionFromHistoryLinkName(entry.Name())
		if !ok {
			continue
		}
		if _, tracked := known[version]; !tracked {
			if err := os.Remove(filepath.Join(p.historyDir, entry.Name())); err != nil {
				return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: removing stale history link %s: %w", entry.Name(), err))
			}
		}
	}

	for _, g := range generations {
		target := filepath.Join(p.storeRoot, g.SystemID)

		link := filepath.Join(p.profilesDir, numberedLinkName(g.Version))
		if err := overwriteSymlinkAtomicallyWithCheck(target, link); err != nil {
			return err
		}

		historyLink := filepath.Join(p.historyDir, historyLinkName(g.Version))
		if err := overwriteSymlinkAtomicallyWithCheck(target, historyLink); err != nil {
			return err
		}
	}

	target := filepath.Join(p.storeRoot, current.SystemID)
	if err := overwriteSymlinkAtomicallyWithCheck(target, filepath.Join(p.profilesDir, "system")); err != nil {
		return err
	}
	return nil
}

// overwriteSymlinkAtomicallyWithCheck skips the rename when the symlink
// already points at target, and otherwise creates the new link under a
// temporary name before renaming it into place so readers never observe a
// missing link.
func overwriteSymlinkAtomicallyWithCheck(target, symlinkPath string) error {
	if existing, err := os.Readlink(symlinkPath); err == nil && existing == target {
		return nil
	}

	tmp := symlinkPath + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: creating symlink %s: %w", tmp, err))
	}
	if err := os.Rename(tmp, symlinkPath); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: renaming symlink into place %s: %w", symlinkPath, err))
	}
	return nil
}
