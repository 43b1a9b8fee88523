//go:build !linux

package store

import "fmt"

// fixupOwnershipAndPermissions is a no-op outside Linux; the agent only
// ever runs as the privileged store manager on immutable-store Linux
// hosts, so non-Linux builds exist only for development tooling.
func fixupOwnershipAndPermissions(root string) error {
	return nil
}

func deviceID(path string) (uint64, error) {
	return 0, fmt.Errorf("store: same-device check unsupported on this platform")
}
