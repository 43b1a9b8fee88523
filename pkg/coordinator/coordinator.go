// Package coordinator implements the Update State Machine (spec §4.8): the
// single task that owns generations, current, and switch-intent, driving a
// requested configuration from Planning through Committing (or Unwinding on
// failure) via github.com/superfly/fsm, the same orchestration library the
// teacher repository uses for its image-processing pipeline.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/superfly/fsm"

	"github.com/fly-io/nixless-agent/pkg/activation"
	"github.com/fly-io/nixless-agent/pkg/cache"
	"github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/generations"
	"github.com/fly-io/nixless-agent/pkg/metrics"
	"github.com/fly-io/nixless-agent/pkg/narinfocache"
	"github.com/fly-io/nixless-agent/pkg/nar"
	"github.com/fly-io/nixless-agent/pkg/store"
	"github.com/fly-io/nixless-agent/pkg/storepath"
)

// ErrBusy is returned by TryAcquire when an update or rollback is already in
// flight, mapped by the control plane to 409 Conflict.
var ErrBusy = errors.Kinded(errors.KindConflict, fmt.Errorf("coordinator: an update is already in flight"))

// Coordinator owns the update state machine and the single-slot mailbox
// that admits at most one in-flight update or rollback (spec §4.8, §5).
type Coordinator struct {
	catalog      *storepath.Catalog
	cacheClient  *cache.Client
	narinfos     *narinfocache.Cache
	pipeline     *nar.Pipeline
	materializer *store.Materializer
	registry     *generations.Registry
	profiles     *generations.ProfileRepairer
	activator    *activation.Controller

	downloadParallelism int

	manager *fsm.Manager
	start   fsm.Start[Request, Response]

	slot chan struct{}

	live liveStatus
}

// liveStatus is the coordinator's atomically-readable published status,
// updated as each handler runs and read back by Summary for GET /summary
// (spec §3, §4.9). The zero value reports standby, matching a coordinator
// that has never run an update.
type liveStatus struct {
	mu          sync.RWMutex
	status      string
	version     uint64
	systemID    string
	errorKind   string
	errorDetail string
}

// publish records resp's progress under the published status vocabulary.
func (c *Coordinator) publish(published string, resp *Response) {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()
	c.live.status = published
	c.live.version = resp.Version
	c.live.systemID = resp.SystemID
	c.live.errorKind = ""
	c.live.errorDetail = ""
}

// publishFailed records a terminal failure, so Summary reports
// failed(kind, detail) per spec §3 until the next update or rollback starts.
func (c *Coordinator) publishFailed(version uint64, systemID string, cause error) {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()
	c.live.status = PublishedFailed
	c.live.version = version
	c.live.systemID = systemID
	c.live.errorKind = errors.KindOf(cause).String()
	c.live.errorDetail = cause.Error()
}

// publishStandby clears any pending configuration and reports standby,
// called once an update or rollback finishes successfully.
func (c *Coordinator) publishStandby() {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()
	c.live.status = PublishedStandby
	c.live.version = 0
	c.live.systemID = ""
	c.live.errorKind = ""
	c.live.errorDetail = ""
}

// Summary reports the coordinator's current published status for
// GET /summary.
func (c *Coordinator) Summary() Summary {
	c.live.mu.RLock()
	defer c.live.mu.RUnlock()

	status := c.live.status
	if status == "" {
		status = PublishedStandby
	}
	if status == PublishedStandby {
		return Summary{Status: status}
	}
	return Summary{
		Status: status,
		Pending: &PendingConfig{
			Version:     c.live.version,
			SystemID:    c.live.systemID,
			ErrorKind:   c.live.errorKind,
			ErrorDetail: c.live.errorDetail,
		},
	}
}

// Config bundles the dependencies Coordinator needs.
type Config struct {
	Catalog             *storepath.Catalog
	CacheClient         *cache.Client
	Narinfos            *narinfocache.Cache
	Pipeline            *nar.Pipeline
	Materializer        *store.Materializer
	Registry            *generations.Registry
	Profiles            *generations.ProfileRepairer
	Activator           *activation.Controller
	DownloadParallelism int
	FSMDBPath           string
}

// New builds a Coordinator and registers its FSM with a fresh BoltDB-backed
// manager at cfg.FSMDBPath, mirroring fsm.New(fsm.Config{DBPath: ...}) in the
// teacher's cmd/flyio-machine/commands/fetch.go.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return nil, errors.Kinded(errors.KindInternal, fmt.Errorf("coordinator: creating fsm manager: %w", err))
	}

	c := &Coordinator{
		catalog:             cfg.Catalog,
		cacheClient:         cfg.CacheClient,
		narinfos:            cfg.Narinfos,
		pipeline:            cfg.Pipeline,
		materializer:        cfg.Materializer,
		registry:            cfg.Registry,
		profiles:            cfg.Profiles,
		activator:           cfg.Activator,
		downloadParallelism: cfg.DownloadParallelism,
		manager:             manager,
		slot:                make(chan struct{}, 1),
	}

	start, _, err := fsm.Register[Request, Response](manager, "system-update").
		Start(StatePlanning, c.handlePlanning).
		To(StateDownloading, c.handleDownloading).
		To(StateStaging, c.handleStaging).
		To(StateActivating, c.handleActivating).
		To(StateCommitting, c.handleCommitting).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, errors.Kinded(errors.KindInternal, fmt.Errorf("coordinator: registering fsm: %w", err))
	}
	c.start = start

	return c, nil
}

// Shutdown drains the fsm manager, waiting up to grace for the in-flight
// phase to reach a restart-safe point per spec §5's cancellation rules.
func (c *Coordinator) Shutdown(grace time.Duration) error {
	c.manager.Shutdown(grace)
	return nil
}

// TryAcquire attempts to claim the single-slot mailbox, returning ErrBusy
// immediately if an update or rollback is already in flight rather than
// blocking, per spec §4.8/§5's 409-on-busy admission rule.
func (c *Coordinator) TryAcquire() error {
	select {
	case c.slot <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

// Release frees the mailbox slot.
func (c *Coordinator) Release() {
	select {
	case <-c.slot:
	default:
	}
}

// StartUpdate admits topLevelID/closure as a new configuration and runs it
// to completion, blocking the caller's goroutine (the HTTP handler runs
// this in its own goroutine after replying 202, per spec §4.9).
func (c *Coordinator) StartUpdate(ctx context.Context, topLevelID string, closure []string) (*Response, error) {
	return c.run(ctx, &Request{TopLevelID: topLevelID, Closure: closure})
}

// StartRollback runs the reduced rollback flow (spec §4.8): no downloads or
// staging of new packages, activation against the rollback target's stored
// top-level, and on success a new generation record pointing at that
// target's system id.
func (c *Coordinator) StartRollback(ctx context.Context) (*Response, error) {
	target, ok := c.registry.RollbackTarget()
	if !ok {
		return nil, errors.Kinded(errors.KindNotFound, fmt.Errorf("coordinator: no prior generation to roll back to"))
	}
	return c.run(ctx, &Request{TopLevelID: target.SystemID, Closure: target.PackageIDs, IsRollback: true})
}

func (c *Coordinator) run(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{StartedAt: time.Now(), Status: StatusPlanning}

	key := fmt.Sprintf("%s-%d", req.TopLevelID, time.Now().UnixNano())
	version, err := c.start(ctx, key, fsm.NewRequest(req, resp))
	if err != nil {
		return nil, errors.Kinded(errors.KindInternal, fmt.Errorf("coordinator: starting fsm: %w", err))
	}

	if err := c.manager.Wait(ctx, version); err != nil {
		c.unwind(resp, err)
		resp.EndedAt = time.Now()
		return resp, err
	}

	resp.EndedAt = time.Now()
	c.publishStandby()
	slog.Info("coordinator_update_finished", "top_level_id", req.TopLevelID, "status", resp.Status, "version", resp.Version)
	return resp, nil
}

// unwind is the Unwinding side-path (spec §4.8): it deletes partial
// download directories belonging to this update and never touches
// already-materialized store paths, since those may now be referenced by
// other generations.
func (c *Coordinator) unwind(resp *Response, cause error) {
	resp.Status = StatusFailed
	resp.Error = cause.Error()
	c.publishFailed(resp.Version, resp.SystemID, cause)

	for id, dir := range resp.partialDir {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("coordinator_unwind_cleanup_failed", "package_id", id, "dir", dir, "error", err)
			continue
		}
		slog.Info("coordinator_unwind_cleaned", "package_id", id, "dir", dir)
	}

	slog.Error("coordinator_state_failed", "system_id", resp.SystemID, "error", cause)
}

// ReconcileOnStartup implements spec §4.7's restart-across-activation
// recovery: if a switch-intent journal entry survived a restart, it
// inspects activation-result and finalizes the transition before the
// coordinator accepts new requests.
func (c *Coordinator) ReconcileOnStartup() error {
	if current, ok := c.registry.Current(); ok {
		metrics.SystemVersion.Set(float64(current.Version))
	}

	intent, ok, err := c.activator.PendingIntent()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	slog.Info("coordinator_reconciling_pending_intent", "version", intent.Version, "system_id", intent.SystemPackageID)

	result, found, err := c.activator.ReconcilePendingResult()
	if err != nil {
		return err
	}
	if found && result.Succeeded() {
		if err := c.registry.SetCurrent(intent.Version); err != nil {
			return err
		}
		metrics.SystemVersion.Set(float64(intent.Version))
		slog.Info("coordinator_reconcile_committed", "version", intent.Version)
	} else {
		reason := result.Reason
		if !found {
			reason = "no activation-result witness found on restart"
		}
		cause := errors.Kinded(errors.KindActivationFailed, fmt.Errorf("activation: %s", reason))
		c.publishFailed(intent.Version, intent.SystemPackageID, cause)
		slog.Warn("coordinator_reconcile_marks_failed", "version", intent.Version, "found_result", found, "reason", reason)
	}

	return c.activator.ClearIntent()
}
