package generations

import (
	"fmt"
	"os"

	"github.com/fly-io/nixless-agent/pkg/errors"
)

// tombstoneSystemID names the synthetic top-level package of a bootstrap
// tombstone generation. A host the agent has never managed has no
// meaningful top-level system package to point at.
const tombstoneSystemID = "unmanaged-preexisting-store"

// ScanStoreRoot lists every top-level entry already present under
// storeRoot, mirroring collect_nix_store_packages: the Nix store directory
// contains nothing but package directories, so every entry name is a
// package id candidate.
func ScanStoreRoot(storeRoot string) ([]string, error) {
	entries, err := os.ReadDir(storeRoot)
	if err != nil {
		return nil, errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: scanning store root %s: %w", storeRoot, err))
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// BootstrapIfEmpty records the synthetic tombstone generation the first
// time the agent starts against a host with no generations.log, so
// retention pruning never treats pre-existing, unmanaged store contents as
// safe to delete. It is a no-op once any generation has been recorded.
func (r *Registry) BootstrapIfEmpty(storeRoot string) error {
	if len(r.All()) != 0 {
		return nil
	}

	ids, err := ScanStoreRoot(storeRoot)
	if err != nil {
		return err
	}
	return r.Bootstrap(tombstoneSystemID, ids)
}
