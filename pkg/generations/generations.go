// Package generations implements the Generation Registry (spec §4.6): the
// authoritative append-only log of system configurations, the current
// pointer, and the history-pruning logic that decides which store paths are
// safe to garbage collect.
package generations

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/immutable"

	"github.com/fly-io/nixless-agent/pkg/errors"
)

// tombstoneVersion marks the synthetic bootstrap entry recorded when the
// agent starts on a host whose current system it does not recognize; it is
// never counted against the configured history limit.
const tombstoneVersion = 0

// Generation is one entry in the registry: a system profile version, the
// store id of its top-level `system` package, and the full package closure
// that version pulled in, recorded so pruning can compute exactly which
// store paths become unreferenced.
type Generation struct {
	Version    uint64
	SystemID   string
	PackageIDs []string
	CreatedAt  time.Time
}

func (g Generation) isTombstone() bool {
	return g.Version == tombstoneVersion
}

// Registry is the disk-backed, in-memory-cached list of generations plus the
// pointer to the currently active one. All mutating methods append to the
// log file before updating the in-memory immutable.List, so a crash between
// the two leaves the log as the recoverable source of truth.
type Registry struct {
	mu             sync.Mutex
	logPath        string
	currentPath    string
	maxHistory     int
	generations    *immutable.List[Generation]
	currentVersion uint64
}

// Open reads generations.log and the current pointer file under stateDir,
// rebuilding the in-memory view. A missing log starts an empty registry;
// callers are expected to bootstrap a tombstone generation via Bootstrap in
// that case.
func Open(stateDir string, maxHistory int) (*Registry, error) {
	r := &Registry{
		logPath:     filepath.Join(stateDir, "generations.log"),
		currentPath: filepath.Join(stateDir, "current"),
		maxHistory:  maxHistory,
		generations: immutable.NewList[Generation](),
	}

	if err := r.loadLog(); err != nil {
		return nil, err
	}
	if err := r.loadCurrent(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadLog() error {
	f, err := os.Open(r.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: opening log: %w", err))
	}
	defer f.Close()

	b := immutable.NewListBuilder[Generation]()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		gen, err := parseLogLine(scanner.Text())
		if err != nil {
			return errors.Kinded(errors.KindMalformed, err)
		}
		b.Append(gen)
	}
	if err := scanner.Err(); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: reading log: %w", err))
	}
	r.generations = b.List()
	return nil
}

func (r *Registry) loadCurrent() error {
	data, err := os.ReadFile(r.currentPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: reading current pointer: %w", err))
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return errors.Kinded(errors.KindMalformed, fmt.Errorf("generations: parsing current pointer: %w", err))
	}
	r.currentVersion = v
	return nil
}

func parseLogLine(line string) (Generation, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return Generation{}, fmt.Errorf("generations: malformed log line %q", line)
	}
	version, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Generation{}, fmt.Errorf("generations: bad version in log line %q: %w", line, err)
	}
	createdAtUnix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Generation{}, fmt.Errorf("generations: bad timestamp in log line %q: %w", line, err)
	}

	var packageIDs []string
	if len(fields) > 3 && fields[3] != "" {
		packageIDs = strings.Split(fields[3], ",")
	}

	return Generation{
		Version:    version,
		SystemID:   fields[1],
		PackageIDs: packageIDs,
		CreatedAt:  time.Unix(createdAtUnix, 0),
	}, nil
}

func formatLogLine(g Generation) string {
	return fmt.Sprintf("%d\t%s\t%d\t%s\n", g.Version, g.SystemID, g.CreatedAt.Unix(), strings.Join(g.PackageIDs, ","))
}

// Bootstrap records a synthetic tombstone generation for a host whose
// current system the agent does not recognize at startup, so the history
// invariants below still hold. packageIDs should be every store path
// already present on disk, so cleanup never collects packages the host
// shipped with before nixless-agent managed it.
func (r *Registry) Bootstrap(systemID string, packageIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.generations.Len() != 0 {
		return errors.Kinded(errors.KindConflict, fmt.Errorf("generations: registry already has entries, refusing to bootstrap"))
	}

	gen := Generation{Version: tombstoneVersion, SystemID: systemID, PackageIDs: packageIDs, CreatedAt: time.Now()}
	return r.append(gen)
}

// Append records a newly-staged generation without advancing current. The
// caller (the coordinator's Committing phase, spec §4.8) only calls
// SetCurrent once activation has actually succeeded, so a failed switch
// never leaves current pointing at a generation the running system never
// reached.
func (r *Registry) Append(systemID string, packageIDs []string) (Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version := uint64(1)
	if n := r.generations.Len(); n > 0 {
		version = r.generations.Get(n - 1).Version + 1
	}

	gen := Generation{Version: version, SystemID: systemID, PackageIDs: packageIDs, CreatedAt: time.Now()}
	if err := r.append(gen); err != nil {
		return Generation{}, err
	}
	return gen, nil
}

func (r *Registry) append(gen Generation) error {
	f, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: opening log for append: %w", err))
	}
	defer f.Close()

	if _, err := f.WriteString(formatLogLine(gen)); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: appending log entry: %w", err))
	}
	if err := f.Sync(); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: fsyncing log: %w", err))
	}

	b := immutable.NewListBuilder[Generation]()
	itr := r.generations.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		b.Append(v)
	}
	b.Append(gen)
	r.generations = b.List()
	return nil
}

// SetCurrent overwrites the current pointer file to point at version,
// without appending a new log entry. The coordinator calls it after a
// successful activation (rollbacks included, which first append a new
// generation) and when startup reconciliation commits a pending switch.
func (r *Registry) SetCurrent(version uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setCurrentLocked(version)
}

func (r *Registry) setCurrentLocked(version uint64) error {
	tmp := r.currentPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(version, 10)), 0o644); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: writing current pointer: %w", err))
	}
	if err := os.Rename(tmp, r.currentPath); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: renaming current pointer: %w", err))
	}
	r.currentVersion = version
	return nil
}

// Current returns the generation the current pointer refers to.
func (r *Registry) Current() (Generation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	itr := r.generations.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		gen := v
		if gen.Version == r.currentVersion {
			return gen, true
		}
	}
	return Generation{}, false
}

// RollbackTarget returns the generation immediately preceding current,
// which is what a rollback-configuration request reactivates.
func (r *Registry) RollbackTarget() (Generation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev Generation
	found := false
	itr := r.generations.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		gen := v
		if gen.Version == r.currentVersion {
			return prev, found
		}
		prev = gen
		found = true
	}
	return Generation{}, false
}

// All returns every tracked generation, oldest first.
func (r *Registry) All() []Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Generation, 0, r.generations.Len())
	itr := r.generations.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		out = append(out, v)
	}
	return out
}

// Prune drops the oldest generations once the tracked count (excluding any
// tombstone) exceeds maxHistory, returning the set of package ids that were
// present only in the dropped generations and are therefore now safe to
// garbage collect from the store. This mirrors cleanup_configuration_history's
// drain-then-set-difference algorithm exactly.
func (r *Registry) Prune() (removedPackageIDs []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]Generation, 0, r.generations.Len())
	itr := r.generations.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		all = append(all, v)
	}

	hasTombstone := len(all) > 0 && all[0].isTombstone()
	removable := all
	if hasTombstone {
		removable = all[1:]
	}

	trackedValid := len(removable)
	if trackedValid <= r.maxHistory {
		return nil, nil
	}

	numToRemove := trackedValid - r.maxHistory
	removed := removable[:numToRemove]
	remaining := removable[numToRemove:]
	if hasTombstone {
		// The tombstone itself is never a removal candidate: it stands in
		// for store contents the agent never chose to materialize, not a
		// generation it can safely collect.
		remaining = append([]Generation{all[0]}, remaining...)
	}

	slog.Info("generations_prune_start", "tracked_valid", trackedValid, "num_to_remove", numToRemove)

	candidates := make(map[string]struct{})
	for _, gen := range removed {
		candidates[gen.SystemID] = struct{}{}
		for _, pkg := range gen.PackageIDs {
			candidates[pkg] = struct{}{}
		}
	}
	for _, gen := range remaining {
		delete(candidates, gen.SystemID)
		for _, pkg := range gen.PackageIDs {
			delete(candidates, pkg)
		}
	}

	b := immutable.NewListBuilder[Generation]()
	for _, gen := range remaining {
		b.Append(gen)
	}
	r.generations = b.List()
	if err := r.rewriteLog(remaining); err != nil {
		return nil, err
	}

	// Walk removed oldest-first and emit each surviving candidate the first
	// time it's seen, so deletion order matches spec's "oldest first" rule
	// instead of a map's unspecified iteration order.
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, gen := range removed {
		ids := append([]string{gen.SystemID}, gen.PackageIDs...)
		for _, id := range ids {
			if _, ok := candidates[id]; !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *Registry) rewriteLog(generations []Generation) error {
	tmp := r.logPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: creating rewritten log: %w", err))
	}
	for _, gen := range generations {
		if _, err := f.WriteString(formatLogLine(gen)); err != nil {
			f.Close()
			return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: writing rewritten log: %w", err))
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: fsyncing rewritten log: %w", err))
	}
	if err := f.Close(); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: closing rewritten log: %w", err))
	}
	if err := os.Rename(tmp, r.logPath); err != nil {
		return errors.Kinded(errors.KindFilesystem, fmt.Errorf("generations: renaming rewritten log: %w", err))
	}
	return nil
}
