// Package recovery implements the startup Recovery Coordinator: tombstone
// check, stale-state cleanup, orphan child-process reaping, restore-as-shells
// for every persisted agent, and GC of stale workspace directories and
// working-memory files. The restore loop tolerantly skips whatever state
// fails to parse rather than aborting the whole scan.
package recovery

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	ps "github.com/mitchellh/go-ps"

	"github.com/wardhq/ward/internal/gitutil"
	"github.com/wardhq/ward/internal/manager"
	"github.com/wardhq/ward/internal/persist"
)

// ManagerPort is the subset of *manager.Manager the coordinator needs.
type ManagerPort interface {
	RestoreEntry(a manager.Agent)
}

// TombstonePort is the subset of *persist.Store the coordinator needs for
// the tombstone check and state sweep.
type TombstonePort interface {
	HasTombstone() bool
	CleanupStaleState() error
	LoadAllAgentStates() ([]persist.AgentRecord, error)
}

// Coordinator runs the startup recovery sequence.
type Coordinator struct {
	store            TombstonePort
	manager          ManagerPort
	agentCLIBin      string
	sharedContextDir string
	ownPID           int
}

// New constructs a Coordinator. agentCLIBin is the executable name the
// orphan reaper looks for; sharedContextDir is GC'd of working-memory files
// belonging to agents that were not restored.
func New(store TombstonePort, mgr ManagerPort, agentCLIBin, sharedContextDir string) *Coordinator {
	return &Coordinator{
		store:            store,
		manager:          mgr,
		agentCLIBin:      agentCLIBin,
		sharedContextDir: sharedContextDir,
		ownPID:           os.Getpid(),
	}
}

// Run executes the startup sequence in spec order. A tombstone present
// halts restoration entirely (step 1) but the caller may continue serving
// requests in degraded mode; Run returns normally either way.
func (c *Coordinator) Run() error {
	if c.store.HasTombstone() {
		slog.Warn("tombstone present at startup, skipping agent restore; operator must clear it")
		return nil
	}

	if err := c.store.CleanupStaleState(); err != nil {
		slog.Warn("cleanup stale state failed", "err", err)
	}

	c.reapOrphans()

	restoredIDs := c.restoreAgents()

	c.sweepStaleWorkspaces(restoredIDs)
	c.sweepSharedContext(restoredIDs)

	return nil
}

// restoreAgents loads every persisted state file and registers a restored
// shell (no child process) for each, returning the set of restored ids.
func (c *Coordinator) restoreAgents() map[string]bool {
	recs, err := c.store.LoadAllAgentStates()
	if err != nil {
		slog.Error("load agent states failed", "err", err)
		return nil
	}

	restored := make(map[string]bool, len(recs))
	for _, rec := range recs {
		var a manager.Agent
		if err := json.Unmarshal(rec.Payload, &a); err != nil {
			slog.Warn("skipping unrestorable agent state", "agent", rec.ID, "err", err)
			continue
		}
		c.manager.RestoreEntry(a)
		restored[a.ID] = true
	}
	slog.Info("recovery restored agents", "count", len(restored))
	return restored
}

// reapOrphans kills every process named like the agent CLI whose parent is
// not this server process (survivors of a prior non-graceful exit).
func (c *Coordinator) reapOrphans() {
	procs, err := ps.Processes()
	if err != nil {
		slog.Warn("list processes for orphan reap failed", "err", err)
		return
	}
	var reaped int
	for _, p := range procs {
		if p.Pid() == c.ownPID {
			continue
		}
		if p.Executable() != c.agentCLIBin {
			continue
		}
		if p.PPid() == c.ownPID {
			continue
		}
		proc, err := os.FindProcess(p.Pid())
		if err != nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			slog.Warn("reap orphan process failed", "pid", p.Pid(), "err", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		slog.Info("recovery reaped orphan child processes", "count", reaped)
	}
}

// sweepStaleWorkspaces removes every /tmp/workspace-* directory that does
// not correspond to a restored agent's id.
func (c *Coordinator) sweepStaleWorkspaces(restored map[string]bool) {
	matches, err := filepath.Glob(gitutil.WorkspaceBase() + "*")
	if err != nil {
		slog.Warn("glob stale workspaces failed", "err", err)
		return
	}
	var removed int
	for _, dir := range matches {
		if belongsToRestored(dir, restored) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("remove stale workspace failed", "dir", dir, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("recovery removed stale workspace directories", "count", removed)
	}
}

// belongsToRestored reports whether dir's basename (workspace-<agentID>-<rand>)
// embeds one of the restored agent ids.
func belongsToRestored(dir string, restored map[string]bool) bool {
	name := filepath.Base(dir)
	name = strings.TrimPrefix(name, "workspace-")
	for id := range restored {
		if strings.HasPrefix(name, id) {
			return true
		}
	}
	return false
}

// sweepSharedContext removes working-memory files in the shared-context
// directory that belong to an agent not among those restored.
func (c *Coordinator) sweepSharedContext(restored map[string]bool) {
	if c.sharedContextDir == "" {
		return
	}
	entries, err := os.ReadDir(c.sharedContextDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read shared context dir failed", "err", err)
		}
		return
	}
	var removed int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if restored[id] {
			continue
		}
		path := filepath.Join(c.sharedContextDir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("remove obsolete working-memory file failed", "file", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("recovery removed obsolete working-memory files", "count", removed)
	}
}
