package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/superfly/fsm"

	"github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/metrics"
	"github.com/fly-io/nixless-agent/pkg/narinfo"
)

// handlePlanning computes missing = closure_set - { ids already in store },
// per spec §4.8's Authenticating → Planning transition (authentication
// itself already happened before the request reached the coordinator).
func (c *Coordinator) handlePlanning(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	resp := req.W.Msg
	if resp == nil {
		resp = &Response{}
	}
	resp.Status = StatusPlanning
	resp.SystemID = req.Msg.TopLevelID
	c.publish(publishedStatusFor(StatusPlanning), resp)

	slog.Info("coordinator_state_planning", "top_level_id", req.Msg.TopLevelID, "rollback", req.Msg.IsRollback)

	var missing []string
	for _, id := range req.Msg.Closure {
		path, err := c.catalog.IDToPath(id)
		if err != nil {
			return nil, fsm.Abort(errors.Kinded(errors.KindMalformed, err))
		}
		if _, err := os.Lstat(path); err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, id)
				continue
			}
			return nil, fsm.Abort(errors.Kinded(errors.KindFilesystem, fmt.Errorf("coordinator: statting %s: %w", path, err)))
		}
	}
	resp.missing = missing

	slog.Info("coordinator_planning_complete", "top_level_id", req.Msg.TopLevelID, "missing_count", len(missing))
	return fsm.NewResponse(resp), nil
}

// handleDownloading launches up to DownloadParallelism concurrent
// per-package pipelines (spec §4.8's Planning → Downloading transition),
// fetching narinfo through the read-through cache, running the NAR pipeline,
// and materializing each result into the store as it completes.
func (c *Coordinator) handleDownloading(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	resp := req.W.Msg
	resp.Status = StatusDownloading
	c.publish(publishedStatusFor(StatusDownloading), resp)
	phaseStart := time.Now()

	if len(resp.missing) == 0 {
		slog.Info("coordinator_state_downloading_nothing_to_do", "top_level_id", req.Msg.TopLevelID)
		metrics.DownloadDuration.Observe(time.Since(phaseStart).Seconds())
		return fsm.NewResponse(resp), nil
	}

	slog.Info("coordinator_state_downloading", "top_level_id", req.Msg.TopLevelID, "count", len(resp.missing))

	var mu sync.Mutex
	partialDirs := make(map[string]string, len(resp.missing))
	references := make(map[string][]string, len(resp.missing))

	p := pool.New().WithMaxGoroutines(c.downloadParallelism).WithErrors()
	for _, id := range resp.missing {
		id := id
		p.Go(func() error {
			return c.downloadAndMaterialize(ctx, id, &mu, partialDirs, references)
		})
	}

	if err := p.Wait(); err != nil {
		resp.partialDir = partialDirs
		return nil, fsm.Abort(errors.Kinded(errors.KindTransientNetwork, err))
	}

	if err := c.checkReferencesComplete(req.Msg.Closure, references); err != nil {
		return nil, fsm.Abort(errors.Kinded(errors.KindIntegrityFailure, err))
	}

	metrics.DownloadDuration.Observe(time.Since(phaseStart).Seconds())
	slog.Info("coordinator_downloading_complete", "top_level_id", req.Msg.TopLevelID, "count", len(resp.missing))
	return fsm.NewResponse(resp), nil
}

func (c *Coordinator) downloadAndMaterialize(ctx context.Context, id string, mu *sync.Mutex, partialDirs map[string]string, references map[string][]string) error {
	info, err := c.readThroughNarinfo(ctx, id)
	if err != nil {
		return fmt.Errorf("coordinator: fetching narinfo for %s: %w", id, err)
	}

	mu.Lock()
	references[id] = info.References
	mu.Unlock()

	stream, err := c.cacheClient.NarStream(ctx, info)
	if err != nil {
		return fmt.Errorf("coordinator: opening nar stream for %s: %w", id, err)
	}
	defer stream.Close()

	result, err := c.pipeline.Run(id, stream, info)
	if err != nil {
		return fmt.Errorf("coordinator: running nar pipeline for %s: %w", id, err)
	}

	mu.Lock()
	partialDirs[id] = result.PartialDir
	mu.Unlock()

	if err := c.materializer.Materialize(result.PartialDir, id); err != nil {
		return fmt.Errorf("coordinator: materializing %s: %w", id, err)
	}

	mu.Lock()
	delete(partialDirs, id)
	mu.Unlock()

	return nil
}

// checkReferencesComplete verifies that every reference named by a
// downloaded package's narinfo is covered by either the requested closure
// or the store as it stood before this batch, mirroring downloader.rs's
// existing_store_paths check: a directive whose closure omits a package
// transitively required by one of its members would otherwise activate
// successfully with a dangling store reference.
func (c *Coordinator) checkReferencesComplete(closure []string, references map[string][]string) error {
	inClosure := make(map[string]struct{}, len(closure))
	for _, id := range closure {
		inClosure[id] = struct{}{}
	}

	for id, refs := range references {
		for _, ref := range refs {
			if _, ok := inClosure[ref]; ok {
				continue
			}
			path, err := c.catalog.IDToPath(ref)
			if err != nil {
				return fmt.Errorf("coordinator: %s references invalid id %s: %w", id, ref, err)
			}
			if _, err := os.Lstat(path); err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("coordinator: %s references %s, which is neither in the closure nor already in the store", id, ref)
				}
				return fmt.Errorf("coordinator: statting reference %s: %w", path, err)
			}
		}
	}
	return nil
}

func (c *Coordinator) readThroughNarinfo(ctx context.Context, id string) (*narinfo.Info, error) {
	if info, ok, err := c.narinfos.Get(id); err != nil {
		slog.Warn("coordinator_narinfocache_get_failed", "package_id", id, "error", err)
	} else if ok {
		return info, nil
	}

	info, err := c.cacheClient.Narinfo(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.narinfos.Put(id, info); err != nil {
		slog.Warn("coordinator_narinfocache_put_failed", "package_id", id, "error", err)
	}
	return info, nil
}

// handleStaging writes the new generation record without setting it
// current, per spec §4.8's Downloading → Staging transition.
func (c *Coordinator) handleStaging(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	resp := req.W.Msg
	resp.Status = StatusStaging
	c.publish(publishedStatusFor(StatusStaging), resp)

	gen, err := c.registry.Append(req.Msg.TopLevelID, req.Msg.Closure)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	resp.Version = gen.Version
	c.publish(publishedStatusFor(StatusStaging), resp)

	metrics.SetupDuration.Observe(time.Since(resp.StartedAt).Seconds())
	slog.Info("coordinator_state_staging", "top_level_id", req.Msg.TopLevelID, "version", gen.Version)
	return fsm.NewResponse(resp), nil
}

// handleActivating invokes the Activation Controller (spec §4.7) against
// the staged generation's top-level package.
func (c *Coordinator) handleActivating(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	resp := req.W.Msg
	resp.Status = StatusActivating
	c.publish(publishedStatusFor(StatusActivating), resp)
	phaseStart := time.Now()

	systemPath, err := c.catalog.IDToPath(req.Msg.TopLevelID)
	if err != nil {
		return nil, fsm.Abort(errors.Kinded(errors.KindMalformed, err))
	}

	slog.Info("coordinator_state_activating", "top_level_id", req.Msg.TopLevelID, "version", resp.Version)

	result, err := c.activator.Switch(ctx, resp.Version, req.Msg.TopLevelID, systemPath)
	metrics.SwitchDuration.Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		return nil, fsm.Abort(err)
	}
	if !result.Succeeded() {
		return nil, fsm.Abort(errors.Kinded(errors.KindActivationFailed, fmt.Errorf("coordinator: activation failed: %s", result.Reason)))
	}

	return fsm.NewResponse(resp), nil
}

// handleCommitting sets current and prunes history per spec §4.6, then
// repairs the profile symlink farm.
func (c *Coordinator) handleCommitting(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	resp := req.W.Msg
	resp.Status = StatusCommitting
	c.publish(publishedStatusFor(StatusCommitting), resp)

	if err := c.registry.SetCurrent(resp.Version); err != nil {
		return nil, fsm.Abort(err)
	}
	metrics.SystemVersion.Set(float64(resp.Version))
	if err := c.activator.ClearIntent(); err != nil {
		slog.Warn("coordinator_clear_intent_failed", "version", resp.Version, "error", err)
	}

	removed, err := c.registry.Prune()
	if err != nil {
		slog.Error("coordinator_prune_failed", "version", resp.Version, "error", err)
	}
	for _, id := range removed {
		path, err := c.catalog.IDToPath(id)
		if err != nil {
			slog.Warn("coordinator_prune_skip_invalid_id", "package_id", id, "error", err)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("coordinator_prune_delete_failed", "package_id", id, "path", path, "error", err)
			continue
		}
		slog.Info("coordinator_prune_deleted", "package_id", id, "path", path)
	}

	current, _ := c.registry.Current()
	if err := c.profiles.Repair(c.registry.All(), current); err != nil {
		slog.Error("coordinator_profile_repair_failed", "version", resp.Version, "error", err)
	}

	resp.Status = StatusCommitted
	slog.Info("coordinator_state_committing_complete", "version", resp.Version)
	return fsm.NewResponse(resp), nil
}

