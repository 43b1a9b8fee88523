//go:build linux

package capinit

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/fly-io/nixless-agent/pkg/errors"
)

// requiredCaps are the effective capabilities nixless-agent needs: raising
// its own store's ownership and permissions (CAP_CHOWN), creating and
// mutating the immutable store and its symlink farm (CAP_SYS_ADMIN, for
// operations a plain root check would otherwise gate), and keeping the
// ambient set stable while dropping others (CAP_SETPCAP).
var requiredCaps = []uintptr{
	unix.CAP_CHOWN,
	unix.CAP_SYS_ADMIN,
	unix.CAP_SETPCAP,
}

// Raise sets the process's effective and permitted capability sets to
// exactly requiredCaps, dropping everything else. It is a no-op (but still
// returns the raised set) when already running unprivileged under the
// exact capabilities needed.
func Raise() (*Sequence, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData

	var effective, permitted uint32
	for _, c := range requiredCaps {
		if c < 32 {
			effective |= 1 << c
			permitted |= 1 << c
		} else {
			effective |= 1 << (c - 32)
			permitted |= 1 << (c - 32)
		}
	}
	data[0].Effective = effective
	data[0].Permitted = permitted

	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return nil, errors.Kinded(errors.KindInternal, fmt.Errorf("capinit: raising capabilities: %w", err))
	}

	names := make([]string, len(requiredCaps))
	for i, c := range requiredCaps {
		names[i] = capName(c)
	}
	slog.Info("capinit_raised", "capabilities", names)
	return &Sequence{Raised: names}, nil
}

// Drop clears the effective and permitted capability sets entirely. The
// serve command defers it, so it runs when the daemon returns; the
// capabilities Raise kept stay in effect while the daemon serves.
func Drop() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData

	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("capinit: dropping capabilities: %w", err))
	}
	slog.Info("capinit_dropped")
	return nil
}

func capName(c uintptr) string {
	switch c {
	case unix.CAP_CHOWN:
		return "CAP_CHOWN"
	case unix.CAP_SYS_ADMIN:
		return "CAP_SYS_ADMIN"
	case unix.CAP_SETPCAP:
		return "CAP_SETPCAP"
	default:
		return fmt.Sprintf("CAP_%d", c)
	}
}
