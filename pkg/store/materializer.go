// Package store implements the Store Materializer (spec §4.5): the atomic
// rename-based protocol that moves a verified NAR Pipeline staging
// directory into the immutable store and fixes its ownership and
// permissions.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/storepath"
)

// pinnedEpoch is the mtime nixless-agent stamps onto every store file, one
// second after the Unix epoch, matching the original's normalization so
// narinfo hashes computed from filesystem metadata stay reproducible.
var pinnedEpoch = time.Unix(1, 0)

func pinnedModTime() time.Time {
	return pinnedEpoch
}

// Materializer moves verified package trees into an immutable store.
type Materializer struct {
	catalog *storepath.Catalog
}

// New returns a Materializer for the given store catalog.
func New(catalog *storepath.Catalog) *Materializer {
	return &Materializer{catalog: catalog}
}

// Materialize renames partialDir into the store path for id, following the
// four-step protocol of spec §4.5: fsync the partial tree, rename, fsync the
// store root directory, then fix ownership and permissions. If the
// destination already exists, another materialization is assumed to have
// won the race; the partial tree is deleted and Materialize returns success.
func (m *Materializer) Materialize(partialDir, id string) error {
	dest, err := m.catalog.IDToPath(id)
	if err != nil {
		return errors.Kinded(errors.KindMalformed, err)
	}

	if _, err := os.Lstat(dest); err == nil {
		slog.Info("store_materialize_race_lost", "id", id, "path", dest)
		if err := os.RemoveAll(partialDir); err != nil {
			return errors.Kinded(errors.KindFilesystem, fmt.Errorf("store: cleaning up losing partial dir: %w", err))
		}
		return nil
	}

	if err := fsyncTree(partialDir); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("store: fsyncing partial tree: %w", err))
	}

	if err := os.Rename(partialDir, dest); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("store: renaming into store: %w", err))
	}
	slog.Info("store_materialize_renamed", "id", id, "path", dest)

	if err := fsyncDir(m.catalog.Root()); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("store: fsyncing store root: %w", err))
	}

	if err := fixupOwnershipAndPermissions(dest); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("store: fixing ownership: %w", err))
	}

	slog.Info("store_materialize_complete", "id", id, "path", dest)
	return nil
}

// SameDevice reports whether a and b live on the same filesystem, required
// at startup per spec §4.5 and §9's "same-device requirement" (atomic rename
// only works within one filesystem).
func SameDevice(a, b string) (bool, error) {
	da, err := deviceID(a)
	if err != nil {
		return false, err
	}
	db, err := deviceID(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}

func fsyncTree(root string) error {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
	if err != nil {
		return err
	}
	return fsyncDir(root)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
