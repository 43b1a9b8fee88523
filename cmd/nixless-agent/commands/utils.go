package commands

import (
	"os"
	"path/filepath"

	"github.com/fly-io/nixless-agent/internal/config"
	"github.com/fly-io/nixless-agent/pkg/errors"
)

// ensureDirectories creates the directories nixless-agent owns outright.
// STORE_ROOT is deliberately not created here: it is Nix's store and must
// already exist on an immutable-store host.
func ensureDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.TempDownloadPath,
		cfg.StateBase,
		filepath.Join(cfg.StateBase, "nix", "profiles"),
		filepath.Join(cfg.StateBase, "fsm"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Kinded(errors.KindFilesystem, err)
		}
	}
	return nil
}
