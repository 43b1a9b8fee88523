package activation

import "github.com/godbus/dbus/v5"

// execCommand mirrors systemd's a(sasb) ExecStart* property type: the
// binary path, its argv (starting with argv[0]), and whether a non-zero
// exit should be treated as a failure.
type execCommand struct {
	Path          string
	Argv          []string
	IgnoreFailure bool
}

// property is one (name, value) pair of StartTransientUnit's a(sv) property
// array.
type property struct {
	Name  string
	Value dbus.Variant
}

// buildTransientServiceProperties mirrors build_transient_service_properties:
// a oneshot unit that runs switch-to-configuration as ExecStart, with an
// ExecStopPost hook that runs the activation tracker to translate systemd's
// SERVICE_RESULT/EXIT_CODE/EXIT_STATUS into the activation-result witness
// file the Controller polls for.
func buildTransientServiceProperties(activationCommandPath, trackerCommand, stateBase string) []property {
	execStart := []execCommand{{
		Path:          activationCommandPath,
		Argv:          []string{activationCommandPath, "switch"},
		IgnoreFailure: false,
	}}
	execStopPost := []execCommand{{
		Path:          trackerCommand,
		Argv:          []string{trackerCommand, stateBase},
		IgnoreFailure: true,
	}}

	return []property{
		{Name: "Description", Value: dbus.MakeVariant("A transient service responsible for switching the system to its new configuration. Started by nixless-agent.")},
		{Name: "ExecStart", Value: dbus.MakeVariant(execToVariantSlice(execStart))},
		{Name: "ExecStopPost", Value: dbus.MakeVariant(execToVariantSlice(execStopPost))},
		{Name: "Type", Value: dbus.MakeVariant("oneshot")},
		{Name: "RefuseManualStop", Value: dbus.MakeVariant(true)},
		{Name: "RemainAfterExit", Value: dbus.MakeVariant(false)},
		{Name: "CollectMode", Value: dbus.MakeVariant("inactive-or-failed")},
	}
}

// execToVariantSlice converts to the (path, argv, ignore-failure) tuples
// the systemd a(sasb) wire type expects.
func execToVariantSlice(cmds []execCommand) [][]interface{} {
	out := make([][]interface{}, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, []interface{}{c.Path, c.Argv, c.IgnoreFailure})
	}
	return out
}
