package coordinator

import "time"

// Request is the FSM input for one update or rollback pass.
type Request struct {
	// TopLevelID and Closure describe the requested configuration. For a
	// rollback pass StartRollback fills both in from the rollback target's
	// recorded generation instead of a directive.
	TopLevelID string
	Closure    []string
	IsRollback bool
}

// Response accumulates the outcome across FSM transitions and is what
// Coordinator.Summary reports back to the control plane.
type Response struct {
	Version   uint64
	SystemID  string
	Status    string
	Error     string
	StartedAt time.Time
	EndedAt   time.Time

	missing    []string
	partialDir map[string]string
}

// Status values tracked internally across FSM transitions, matching the
// phases spec §4.8 names. These are finer-grained than the published agent
// status vocabulary (spec §3): several internal phases map to the same
// published status.
const (
	StatusPlanning    = "planning"
	StatusDownloading = "downloading"
	StatusStaging     = "staging"
	StatusActivating  = "activating"
	StatusCommitting  = "committing"
	StatusCommitted   = "committed"
	StatusFailed      = "failed"
)

// Published agent-status strings, matching spec §3's vocabulary exactly:
// standby, downloading, staging, activating, failed. Exactly one is
// published at any time, reported by Coordinator.Summary over GET /summary.
const (
	PublishedStandby     = "standby"
	PublishedDownloading = "downloading"
	PublishedStaging     = "staging"
	PublishedActivating  = "activating"
	PublishedFailed      = "failed"
)

// publishedStatusFor maps an internal phase status to the published
// vocabulary. Planning has no published status of its own: it is brief and
// folds into the surrounding downloading phase, matching spec §3's status
// set, which names no "planning" value.
func publishedStatusFor(internal string) string {
	switch internal {
	case StatusPlanning, StatusDownloading:
		return PublishedDownloading
	case StatusStaging:
		return PublishedStaging
	case StatusActivating, StatusCommitting:
		return PublishedActivating
	case StatusFailed:
		return PublishedFailed
	default:
		return PublishedStandby
	}
}

// PendingConfig describes the configuration an in-flight or most recently
// failed update/rollback was driving toward, reported by GET /summary
// (spec §4.9's `pending_config?` field).
type PendingConfig struct {
	Version     uint64
	SystemID    string
	ErrorKind   string
	ErrorDetail string
}

// Summary is the coordinator's point-in-time view of its own state.
type Summary struct {
	Status  string
	Pending *PendingConfig
}
