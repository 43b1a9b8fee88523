//go:build !linux

package capinit

import (
	"fmt"
	"runtime"
)

// Raise always fails on non-Linux platforms; nixless-agent's privileged
// store and D-Bus operations are Linux-only.
func Raise() (*Sequence, error) {
	return nil, fmt.Errorf("capinit: capabilities not supported on %s", runtime.GOOS)
}

// Drop is a no-op on non-Linux platforms.
func Drop() error {
	return nil
}
