//go:build linux

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// fixupOwnershipAndPermissions walks root bottom-up, chowning every entry to
// root:root and stripping group/world write bits, mirroring
// finalise_nix_store_object's recurse-into-children-before-chowning-self
// order so a crash mid-walk never leaves a child owned by an unprivileged
// uid under a root-owned parent.
func fixupOwnershipAndPermissions(root string) error {
	var entries []string
	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		entries = append(entries, path)
		return nil
	}); err != nil {
		return err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		path := entries[i]
		if err := syscall.Lchown(path, 0, 0); err != nil {
			return fmt.Errorf("store: chown %s: %w", path, err)
		}

		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("store: stat %s: %w", path, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		mode := info.Mode().Perm() &^ 0o022
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("store: chmod %s: %w", path, err)
		}

		pinned := pinnedModTime()
		if err := os.Chtimes(path, pinned, pinned); err != nil {
			return fmt.Errorf("store: chtimes %s: %w", path, err)
		}
	}
	return nil
}

func deviceID(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("store: stat %s: %w", path, err)
	}
	return uint64(st.Dev), nil
}
