// Package activation implements the Activation Controller (spec §4.7):
// starting the transient systemd unit that runs switch-to-configuration and
// waiting for it to finish, using the two-witness protocol: completion is
// accepted only once both the systemd JobRemoved signal and the
// tracker-written result file have arrived. Neither wait has its own
// timeout; both end early only when the caller's context is done.
package activation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/fly-io/nixless-agent/pkg/errors"
)

const (
	systemdDest      = "org.freedesktop.systemd1"
	systemdPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdManagerIf = "org.freedesktop.systemd1.Manager"
	resultFileName   = "activation-result"
)

func unitName(version uint64) string {
	return fmt.Sprintf("nixless-agent-switch-%d.service", version)
}

// Result is the terminal outcome of an activation attempt, as written by
// the tracker to <state_base>/activation-result.
type Result struct {
	OK     bool
	Reason string
}

// Succeeded reports whether the tracker recorded a clean switch.
func (r Result) Succeeded() bool {
	return r.OK
}

// Intent is the switch-intent journal record written before issuing the bus
// call, so a restart mid-activation (switch-to-configuration may itself
// restart the agent) can be reconciled on the next startup.
type Intent struct {
	Version         uint64
	SystemPackageID string
	StartedAt       time.Time
}

// Controller starts and watches the transient switch unit over the system
// bus.
type Controller struct {
	conn              *dbus.Conn
	activationCommand string
	trackerCommand    string
	stateBase         string
	switchIntentPath  string
}

// New connects to the system bus and returns a Controller. activationCommand
// is the relative path to switch-to-configuration inside a system package's
// closure; trackerCommand is the absolute path to the
// nixless-activation-tracker binary; stateBase is where it writes
// activation-result and where the switch-intent journal lives.
func New(activationCommand, trackerCommand, stateBase string) (*Controller, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Kinded(errors.KindActivationFailed, fmt.Errorf("activation: connecting to system bus: %w", err))
	}
	return &Controller{
		conn:              conn,
		activationCommand: activationCommand,
		trackerCommand:    trackerCommand,
		stateBase:         stateBase,
		switchIntentPath:  filepath.Join(stateBase, "switch-intent"),
	}, nil
}

// Close releases the bus connection.
func (c *Controller) Close() error {
	return c.conn.Close()
}

func (c *Controller) resultPath() string {
	return filepath.Join(c.stateBase, resultFileName)
}

// PendingIntent reports whether a switch-intent journal entry survived a
// restart, meaning the agent crashed or was killed mid-activation and must
// reconcile with activation-result before resuming normal operation.
func (c *Controller) PendingIntent() (Intent, bool, error) {
	data, err := os.ReadFile(c.switchIntentPath)
	if os.IsNotExist(err) {
		return Intent{}, false, nil
	}
	if err != nil {
		return Intent{}, false, errors.Kinded(errors.KindFilesystem, fmt.Errorf("activation: reading switch-intent journal: %w", err))
	}
	intent, err := parseIntent(data)
	if err != nil {
		return Intent{}, false, errors.Kinded(errors.KindMalformed, err)
	}
	return intent, true, nil
}

// ReconcilePendingResult checks whether activation-result was written for a
// pending intent left by a prior run, for use during startup reconciliation
// before new requests are accepted. It does not clear the intent; the
// caller clears it once the corresponding generation commit is resolved.
func (c *Controller) ReconcilePendingResult() (Result, bool, error) {
	data, err := os.ReadFile(c.resultPath())
	if os.IsNotExist(err) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, errors.Kinded(errors.KindFilesystem, fmt.Errorf("activation: reading activation-result: %w", err))
	}
	result, err := parseActivationResult(data)
	if err != nil {
		return Result{}, false, err
	}
	return result, true, nil
}

// ClearIntent removes the switch-intent journal entry once the caller has
// finalized (committed or failed) the transition it describes.
func (c *Controller) ClearIntent() error {
	if err := os.Remove(c.switchIntentPath); err != nil && !os.IsNotExist(err) {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("activation: clearing switch-intent journal: %w", err))
	}
	return nil
}

func (c *Controller) recordIntent(intent Intent) error {
	return os.WriteFile(c.switchIntentPath, []byte(formatIntent(intent)), 0o644)
}

// Switch starts the transient switch unit for version against
// systemPackagePath and blocks until the D-Bus JobRemoved signal AND the
// tracker-written activation-result file both confirm completion, returning
// the tracker's recorded result. The switch-intent journal entry is written
// before the bus call and left in place on return; the caller clears it
// once it has finalized the generation commit.
func (c *Controller) Switch(ctx context.Context, version uint64, systemPackageID, systemPackagePath string) (Result, error) {
	if err := os.MkdirAll(c.stateBase, 0o755); err != nil {
		return Result{}, errors.Kinded(errors.KindFilesystem, fmt.Errorf("activation: creating state base: %w", err))
	}
	os.Remove(c.resultPath())

	intent := Intent{Version: version, SystemPackageID: systemPackageID, StartedAt: time.Now()}
	if err := c.recordIntent(intent); err != nil {
		return Result{}, errors.Kinded(errors.KindFilesystem, fmt.Errorf("activation: recording switch intent: %w", err))
	}

	unit := unitName(version)
	activationCommandPath := filepath.Join(systemPackagePath, c.activationCommand)
	props := buildTransientServiceProperties(activationCommandPath, c.trackerCommand, c.stateBase)

	sigCh := make(chan *dbus.Signal, 8)
	c.conn.Signal(sigCh)
	defer c.conn.RemoveSignal(sigCh)

	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(systemdManagerIf),
		dbus.WithMatchMember("JobRemoved"),
	); err != nil {
		return Result{}, errors.Kinded(errors.KindActivationFailed, fmt.Errorf("activation: subscribing to JobRemoved: %w", err))
	}

	obj := c.conn.Object(systemdDest, systemdPath)
	var jobPath dbus.ObjectPath
	var aux []struct {
		Name  string
		Props []property
	}
	err := obj.CallWithContext(ctx, systemdManagerIf+".StartTransientUnit", 0,
		unit, "fail", props, aux).Store(&jobPath)
	if err != nil {
		return Result{}, errors.Kinded(errors.KindActivationFailed, fmt.Errorf("activation: starting transient unit: %w", err))
	}

	slog.Info("activation_switch_started", "unit", unit, "job_path", jobPath, "package_path", systemPackagePath)

	if err := c.waitJobRemoved(ctx, sigCh, jobPath); err != nil {
		return Result{}, err
	}

	result, err := c.waitActivationResult(ctx)
	if err != nil {
		return Result{}, err
	}

	slog.Info("activation_switch_complete", "unit", unit, "ok", result.OK, "reason", result.Reason)
	return result, nil
}

func (c *Controller) waitJobRemoved(ctx context.Context, sigCh chan *dbus.Signal, jobPath dbus.ObjectPath) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Kinded(errors.KindActivationFailed, fmt.Errorf("activation: waiting for job removal: %w", ctx.Err()))
		case sig := <-sigCh:
			if sig == nil {
				return errors.Kinded(errors.KindActivationFailed, fmt.Errorf("activation: signal channel closed while waiting for job removal"))
			}
			if len(sig.Body) < 2 {
				continue
			}
			removedPath, ok := sig.Body[1].(dbus.ObjectPath)
			if ok && removedPath == jobPath {
				return nil
			}
		}
	}
}

// waitActivationResult polls for activation-result, since the JobRemoved
// signal only confirms the unit stopped, not that the tracker finished
// writing its result (the two witnesses).
func (c *Controller) waitActivationResult(ctx context.Context) (Result, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		data, err := os.ReadFile(c.resultPath())
		if err == nil {
			return parseActivationResult(data)
		}
		if !os.IsNotExist(err) {
			return Result{}, errors.Kinded(errors.KindFilesystem, fmt.Errorf("activation: reading activation-result: %w", err))
		}

		select {
		case <-ctx.Done():
			return Result{}, errors.Kinded(errors.KindActivationFailed, fmt.Errorf("activation: waiting for activation-result: %w", ctx.Err()))
		case <-ticker.C:
		}
	}
}
