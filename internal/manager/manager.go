// Package manager implements the Agent Manager: the registry of
// AgentProcesses plus create/message/subscribe/destroy/pause/resume/
// clearContext/touch/list/get and the capacity and TTL guards. The registry
// is a map guarded by an RWMutex, with a double-checked-lock duplicate
// guard on creation, a restore-from-persistence loop, and a drain-all path
// for shutdown.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardhq/ward/internal/agentproc"
	"github.com/wardhq/ward/internal/auth"
	"github.com/wardhq/ward/internal/eventlog"
	"github.com/wardhq/ward/internal/gitutil"
	"github.com/wardhq/ward/internal/persist"
	"github.com/wardhq/ward/internal/sanitize"
	"github.com/wardhq/ward/internal/title"
	"github.com/wardhq/ward/internal/werr"
)

// Agent is the durable record of a supervised agent process.
type Agent struct {
	ID                         string          `json:"id"`
	Name                       string          `json:"name"`
	Status                     string          `json:"status"`
	WorkspaceDir               string          `json:"workspaceDir"`
	SessionID                  string          `json:"sessionId,omitempty"`
	CreatedAt                  time.Time       `json:"createdAt"`
	LastActivity               time.Time       `json:"lastActivity"`
	Model                      string          `json:"model"`
	Role                       string          `json:"role,omitempty"`
	Capabilities               []string        `json:"capabilities,omitempty"`
	CurrentTask                string          `json:"currentTask,omitempty"`
	ParentID                   string          `json:"parentId,omitempty"`
	Depth                      int             `json:"depth"`
	Usage                      agentproc.Usage `json:"usage"`
	DangerouslySkipPermissions bool            `json:"dangerouslySkipPermissions"`
}

const maxNameLen = 50
const maxPromptLen = 50_000

// entry couples an Agent record with its live runtime, if any.
type entry struct {
	mu      sync.Mutex
	agent   Agent
	proc    *agentproc.Process
	ring    *eventlog.RingBuffer
	persist *eventlog.Persister

	// lastPersistedStatus is the status as of the last successful immediate
	// (non-debounced) write, used to detect the next status change.
	lastPersistedStatus string

	deliveryLocked bool
	titled         bool
}

// Config bounds the registry's capacity guards and sweep behavior.
type Config struct {
	MaxAgents           int
	MaxChildrenPerAgent int
	MaxAgentDepth       int
	SessionTTL          time.Duration
	RingCapacity        int
	RingByteBudget      int
	StallCfg            agentproc.StallConfig
	// SharedContextDir is forwarded to spawned children so they can locate
	// the cross-agent working-memory directory internal/recovery GCs.
	SharedContextDir string
	// CLIBin is the child CLI binary to spawn; empty defers to agentproc's
	// "claude" default. Tests override it with a fake script.
	CLIBin string
}

// OverloadPredicate, if set, is consulted before every create() and rejects
// with OverloadError when true (e.g. a memory-pressure check).
type OverloadPredicate func() bool

// Manager is the Agent Manager (C7).
type Manager struct {
	cfg       Config
	store     *persist.Store
	auth      *auth.Service
	sanitizer *sanitize.Sanitizer
	titleGen  *title.Generator

	mu       sync.RWMutex
	entries  map[string]*entry
	children map[string]int // parentID -> live child count

	overload OverloadPredicate

	idleMu        sync.Mutex
	idleCallbacks []func(agentID string)

	killed bool
}

// New constructs a Manager. store/auth/sanitizer are shared singletons
// constructed once at startup and wired through the Services object.
func New(cfg Config, store *persist.Store, authSvc *auth.Service, sanitizer *sanitize.Sanitizer) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		auth:      authSvc,
		sanitizer: sanitizer,
		entries:   make(map[string]*entry),
		children:  make(map[string]int),
	}
}

// SetTitleGenerator installs the best-effort task-title summarizer fired
// after an agent's first assistant reply. Optional; nil disables it.
func (m *Manager) SetTitleGenerator(g *title.Generator) {
	m.mu.Lock()
	m.titleGen = g
	m.mu.Unlock()
}

// SetOverloadPredicate installs a memory-pressure predicate consulted by
// create().
func (m *Manager) SetOverloadPredicate(p OverloadPredicate) {
	m.mu.Lock()
	m.overload = p
	m.mu.Unlock()
}

// SetKilled toggles the kill-switch-active fast-fail gate for all mutating
// operations. Called by internal/killswitch.
func (m *Manager) SetKilled(killed bool) {
	m.mu.Lock()
	m.killed = killed
	m.mu.Unlock()
}

func (m *Manager) checkNotKilled() error {
	m.mu.RLock()
	killed := m.killed
	m.mu.RUnlock()
	if killed {
		return werr.KillSwitchActive("kill switch is active")
	}
	return nil
}

// CreateSpec describes a new agent request.
type CreateSpec struct {
	Name                       string
	Prompt                     agentproc.Prompt
	Model                      string
	Role                       string
	Capabilities               []string
	ParentID                   string
	DangerouslySkipPermissions bool
	RepoURL                    string // non-empty => provision a git worktree
	BaseBranch                 string
	MaxTurns                   int
}

// Create validates capacity/depth, allocates an id, provisions a workspace,
// spawns the child process, and persists the new agent immediately with
// status "starting".
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*Agent, *agentproc.Subscription, error) {
	if err := m.checkNotKilled(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	overload := m.overload
	m.mu.RUnlock()
	if overload != nil && overload() {
		return nil, nil, werr.Overload("system under memory pressure")
	}
	if len(spec.Prompt.Text) > maxPromptLen {
		return nil, nil, werr.Validation("prompt exceeds maximum length")
	}

	depth := 1
	if spec.ParentID != "" {
		m.mu.RLock()
		parent, ok := m.entries[spec.ParentID]
		m.mu.RUnlock()
		if !ok {
			return nil, nil, werr.NotFound("parent agent")
		}
		parent.mu.Lock()
		depth = parent.agent.Depth + 1
		parent.mu.Unlock()
	}
	if depth > m.cfg.MaxAgentDepth {
		return nil, nil, werr.Capacity("max agent depth exceeded")
	}

	m.mu.Lock()
	if len(m.entries) >= m.cfg.MaxAgents {
		m.mu.Unlock()
		return nil, nil, werr.Capacity("max agents exceeded")
	}
	if spec.ParentID != "" && m.children[spec.ParentID] >= m.cfg.MaxChildrenPerAgent {
		m.mu.Unlock()
		return nil, nil, werr.Capacity("max children per agent exceeded")
	}
	id := uuid.NewString()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return nil, nil, werr.Conflict("agent id collision")
	}
	if spec.ParentID != "" {
		m.children[spec.ParentID]++
	}
	m.mu.Unlock()

	name := sanitizeName(spec.Name)

	workspaceDir, err := m.provisionWorkspace(ctx, id, spec)
	if err != nil {
		m.mu.Lock()
		delete(m.entries, id)
		if spec.ParentID != "" {
			m.children[spec.ParentID]--
		}
		m.mu.Unlock()
		return nil, nil, err
	}

	now := time.Now()
	agent := Agent{
		ID:                         id,
		Name:                       name,
		Status:                    string(agentproc.StatusStarting),
		WorkspaceDir:               workspaceDir,
		CreatedAt:                  now,
		LastActivity:               now,
		Model:                      spec.Model,
		Role:                       spec.Role,
		Capabilities:               spec.Capabilities,
		ParentID:                   spec.ParentID,
		Depth:                      depth,
		DangerouslySkipPermissions: spec.DangerouslySkipPermissions,
		CurrentTask:                spec.Prompt.Text,
	}

	ring := eventlog.New(m.cfg.RingCapacity, m.cfg.RingByteBudget)
	persister := eventlog.NewPersister(filepath.Join(m.store.EventsDir(), id+".jsonl"))
	proc := agentproc.NewProcess(id, m.sanitizer, ring, persister)
	proc.SetStallConfig(m.cfg.StallCfg)

	e := &entry{agent: agent, proc: proc, ring: ring, persist: persister}

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	if err := m.persistNow(e); err != nil {
		slog.Warn("persist new agent state failed", "agent", id, "err", err)
	}

	sub, err := m.spawnForEntry(ctx, e, spec.Prompt, spec.MaxTurns)
	if err != nil {
		return nil, nil, err
	}
	agentCopy := e.agent
	return &agentCopy, sub, nil
}

func (m *Manager) provisionWorkspace(ctx context.Context, id string, spec CreateSpec) (string, error) {
	if spec.RepoURL == "" {
		return gitutil.TempWorkspace(id)
	}
	return gitutil.ProvisionWorktree(ctx, spec.RepoURL, spec.BaseBranch, id)
}

func sanitizeName(name string) string {
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return name
}

// spawnForEntry builds the child environment, spawns the process, and wires
// its onExit callback to update status and trigger onIdle / TTL-eligible
// transitions.
func (m *Manager) spawnForEntry(ctx context.Context, e *entry, prompt agentproc.Prompt, maxTurns int) (*agentproc.Subscription, error) {
	e.mu.Lock()
	env, err := m.auth.BuildChildEnv(e.agent.ID, m.cfg.SharedContextDir)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	opts := agentproc.Options{
		AgentID:                    e.agent.ID,
		WorkspaceDir:               e.agent.WorkspaceDir,
		Prompt:                     prompt,
		SessionID:                  e.agent.SessionID,
		MaxTurns:                   maxTurns,
		Model:                      e.agent.Model,
		DangerouslySkipPermissions: e.agent.DangerouslySkipPermissions,
		Env:                        env,
		CLIBin:                     m.cfg.CLIBin,
	}
	proc := e.proc
	e.mu.Unlock()

	if err := proc.Spawn(ctx, opts, func(exitCode int, _ error) {
		m.onProcessExit(e, exitCode)
	}); err != nil {
		e.mu.Lock()
		e.agent.Status = string(agentproc.StatusError)
		e.mu.Unlock()
		_ = m.persistNow(e)
		return nil, err
	}

	sub := proc.Subscribe(func(batch []agentproc.StreamEvent) {
		m.reflectBatch(e, batch)
	}, nil)
	return sub, nil
}

func (m *Manager) reflectBatch(e *entry, batch []agentproc.StreamEvent) {
	e.mu.Lock()
	e.agent.Status = string(e.proc.Status())
	e.agent.SessionID = e.proc.SessionID()
	e.agent.Usage = e.proc.Usage()
	e.agent.LastActivity = e.proc.LastActivity()
	status := e.agent.Status
	e.mu.Unlock()

	for _, ev := range batch {
		if ev.Type == "result" {
			_ = m.persistNow(e)
		}
		if ev.Type == "assistant" && ev.Message != nil {
			m.maybeGenerateTitle(e, ev.Message)
		}
	}
	if status == string(agentproc.StatusIdle) {
		m.notifyIdle(e.agent.ID)
	}
}

// maybeGenerateTitle fires a best-effort, fire-and-forget title summary
// after an agent's first assistant reply. No-op if no generator is
// configured or a title attempt already fired for this agent.
func (m *Manager) maybeGenerateTitle(e *entry, msg *agentproc.EventMessage) {
	m.mu.RLock()
	gen := m.titleGen
	m.mu.RUnlock()
	if gen == nil {
		return
	}

	e.mu.Lock()
	if e.titled {
		e.mu.Unlock()
		return
	}
	e.titled = true
	agentID := e.agent.ID
	prompt := e.agent.CurrentTask
	e.mu.Unlock()

	text := extractMessageText(msg.Content)
	if text == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		titleText := gen.Generate(ctx, agentID, prompt, text)
		if titleText == "" {
			return
		}
		e.mu.Lock()
		e.agent.CurrentTask = titleText
		e.mu.Unlock()
		if err := m.persistNow(e); err != nil {
			slog.Warn("persist generated title failed", "agent", agentID, "err", err)
		}
	}()
}

// extractMessageText best-effort decodes an EventMessage's content field,
// which may be a bare string or an array of {type, text} content blocks
// (the child CLI's richer message shape).
func extractMessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func (m *Manager) onProcessExit(e *entry, exitCode int) {
	e.mu.Lock()
	e.agent.Status = string(e.proc.Status())
	e.agent.LastActivity = time.Now()
	status := e.agent.Status
	e.mu.Unlock()
	_ = m.persistNow(e)
	if status == string(agentproc.StatusIdle) {
		m.notifyIdle(e.agent.ID)
	}
}

func (m *Manager) persistNow(e *entry) error {
	e.mu.Lock()
	payload, err := json.Marshal(e.agent)
	status := e.agent.Status
	id := e.agent.ID
	lastStatus := e.lastPersistedStatus
	e.mu.Unlock()
	if err != nil {
		return werr.MalformedEvent("marshal agent state").Wrap(err)
	}
	if err := m.store.SaveAgentState(persist.AgentRecord{ID: id, Status: status, Payload: payload}, lastStatus); err != nil {
		return err
	}
	if status != lastStatus && persist.IsImmediateStatus(status) {
		e.mu.Lock()
		e.lastPersistedStatus = status
		e.mu.Unlock()
	}
	return nil
}

// Message requires the agent be idle or restored, transitions it to
// running, and spawns a fresh (or resuming) child.
func (m *Manager) Message(ctx context.Context, id string, prompt agentproc.Prompt, maxTurns int) (*Agent, *agentproc.Subscription, error) {
	if err := m.checkNotKilled(); err != nil {
		return nil, nil, err
	}
	e, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	status := e.agent.Status
	if status != string(agentproc.StatusIdle) && status != string(agentproc.StatusRestored) {
		e.mu.Unlock()
		return nil, nil, werr.Conflict(fmt.Sprintf("agent %s is not idle or restored", id))
	}
	e.agent.Status = string(agentproc.StatusRunning)
	e.mu.Unlock()
	_ = m.persistNow(e)

	if status == string(agentproc.StatusRestored) {
		// Restored-shell case: memory is genuinely empty after a process
		// restart, so the ring and persister start fresh too.
		ring := eventlog.New(m.cfg.RingCapacity, m.cfg.RingByteBudget)
		persister := eventlog.NewPersister(filepath.Join(m.store.EventsDir(), id+".jsonl"))
		e.mu.Lock()
		e.ring = ring
		e.persist = persister
		e.mu.Unlock()
	}

	// A fresh Process is built for every turn (sessionID threads continuity
	// across instances), but the ring/persister are reused across turns so
	// eventBufferTotal stays monotonic for the agent's whole lifetime.
	e.mu.Lock()
	e.proc = agentproc.NewProcess(id, m.sanitizer, e.ring, e.persist)
	e.proc.SetStallConfig(m.cfg.StallCfg)
	e.mu.Unlock()

	sub, err := m.spawnForEntry(ctx, e, prompt, maxTurns)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	agentCopy := e.agent
	e.mu.Unlock()
	return &agentCopy, sub, nil
}

// Subscribe registers listener against agent id, replaying from afterIndex
// when given.
func (m *Manager) Subscribe(id string, listener agentproc.Listener, afterIndex *int64) (*agentproc.Subscription, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return e.proc.Subscribe(listener, afterIndex), nil
}

// Destroy tears down the agent's child process (if any) and removes its
// registry entry and state file. Returns true if the agent existed.
func (m *Manager) Destroy(ctx context.Context, id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
		e.mu.Lock()
		parentID := e.agent.ParentID
		e.mu.Unlock()
		if parentID != "" {
			m.children[parentID]--
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.agent.Status = string(agentproc.StatusDestroying)
	e.mu.Unlock()

	e.proc.Destroy(ctx)
	e.persist.Close()
	if err := m.store.RemoveAgentState(id); err != nil {
		slog.Warn("remove agent state failed", "agent", id, "err", err)
	}
	return true
}

// KillAgentNow forcibly destroys an agent with no grace period, used by the
// kill switch: SIGKILL immediately instead of the SIGTERM-then-grace
// sequence Destroy uses.
func (m *Manager) KillAgentNow(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
		e.mu.Lock()
		parentID := e.agent.ParentID
		e.mu.Unlock()
		if parentID != "" {
			m.children[parentID]--
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e.proc.KillNow()
	e.persist.Close()
	if err := m.store.RemoveAgentState(id); err != nil {
		slog.Warn("remove agent state failed", "agent", id, "err", err)
	}
}

// Pause pauses the agent's live child process.
func (m *Manager) Pause(id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	if err := e.proc.Pause(); err != nil {
		return err
	}
	e.mu.Lock()
	e.agent.Status = string(agentproc.StatusPaused)
	e.mu.Unlock()
	return m.persistNow(e)
}

// Resume resumes a paused agent's child process.
func (m *Manager) Resume(id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	if err := e.proc.Resume(); err != nil {
		return err
	}
	e.mu.Lock()
	e.agent.Status = string(agentproc.StatusRunning)
	e.mu.Unlock()
	return m.persistNow(e)
}

// ClearContext drops the session id of an idle agent.
func (m *Manager) ClearContext(id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	if err := e.proc.ClearContext(); err != nil {
		return err
	}
	e.mu.Lock()
	e.agent.SessionID = ""
	e.mu.Unlock()
	return m.persistNow(e)
}

// Touch updates lastActivity without a status change (debounced persist).
func (m *Manager) Touch(id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.proc.Touch()
	e.mu.Lock()
	e.agent.LastActivity = time.Now()
	e.mu.Unlock()
	return m.persistNow(e)
}

// Get returns a copy of the agent record, or NotFoundError.
func (m *Manager) Get(id string) (*Agent, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.agent
	return &a, nil
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, werr.NotFound("agent")
	}
	return e, nil
}

// List returns a snapshot of every registered agent, taken under the
// registry read lock and each entry's own lock.
func (m *Manager) List() []Agent {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.agent)
		e.mu.Unlock()
	}
	return out
}

// GetActiveWorkspaceDirs returns the workspace directory of every currently
// registered agent, for stale-workspace cleanup (C11).
func (m *Manager) GetActiveWorkspaceDirs() []string {
	agents := m.List()
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.WorkspaceDir)
	}
	return out
}

// CanDeliver reports whether id is eligible for auto-delivery: exists, not
// delivery-locked, and either restored or its process reports CanDeliver.
func (m *Manager) CanDeliver(id string) bool {
	e, err := m.get(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	locked := e.deliveryLocked
	restored := e.agent.Status == string(agentproc.StatusRestored)
	e.mu.Unlock()
	return !locked && (restored || e.proc.CanDeliver())
}

// CanInterrupt reports whether id has a live running child.
func (m *Manager) CanInterrupt(id string) bool {
	e, err := m.get(id)
	if err != nil {
		return false
	}
	return e.proc.CanInterrupt()
}

// AcquireDeliveryLock sets the delivery-lock flag for id. Returns false if
// already locked or the agent doesn't exist.
func (m *Manager) AcquireDeliveryLock(id string) bool {
	e, err := m.get(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deliveryLocked {
		return false
	}
	e.deliveryLocked = true
	return true
}

// DeliveryDone clears the delivery-lock for id, set by C9.
func (m *Manager) DeliveryDone(id string) {
	e, err := m.get(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.deliveryLocked = false
	e.mu.Unlock()
}

// OnIdle registers a callback invoked whenever any agent transitions into
// idle.
func (m *Manager) OnIdle(cb func(agentID string)) {
	m.idleMu.Lock()
	m.idleCallbacks = append(m.idleCallbacks, cb)
	m.idleMu.Unlock()
}

func (m *Manager) notifyIdle(agentID string) {
	m.idleMu.Lock()
	cbs := make([]func(string), len(m.idleCallbacks))
	copy(cbs, m.idleCallbacks)
	m.idleMu.Unlock()
	for _, cb := range cbs {
		cb(agentID)
	}
}

// RestoreEntry registers a restored-status shell entry during C11 recovery.
// No child is spawned; proc is a bare Process with no child, and the
// persisted sessionID and the restored status live on the Agent record.
func (m *Manager) RestoreEntry(a Agent) {
	ring := eventlog.New(m.cfg.RingCapacity, m.cfg.RingByteBudget)
	persister := eventlog.NewPersister(filepath.Join(m.store.EventsDir(), a.ID+".jsonl"))
	proc := agentproc.NewProcess(a.ID, m.sanitizer, ring, persister)
	proc.SetStallConfig(m.cfg.StallCfg)
	a.Status = string(agentproc.StatusRestored)

	e := &entry{agent: a, proc: proc, ring: ring, persist: persister}
	m.mu.Lock()
	m.entries[a.ID] = e
	if a.ParentID != "" {
		m.children[a.ParentID]++
	}
	m.mu.Unlock()
}

// SweepTTL destroys every idle/restored agent whose lastActivity predates
// now-TTL. Intended to run on a periodic ticker.
func (m *Manager) SweepTTL(ctx context.Context, now time.Time) {
	if m.cfg.SessionTTL <= 0 {
		return
	}
	cutoff := now.Add(-m.cfg.SessionTTL)
	for _, a := range m.List() {
		if a.Status != string(agentproc.StatusIdle) && a.Status != string(agentproc.StatusRestored) {
			continue
		}
		if a.LastActivity.Before(cutoff) {
			m.Destroy(ctx, a.ID)
		}
	}
}

// Dispose destroys every agent and flushes persistence, for graceful
// shutdown.
func (m *Manager) Dispose(ctx context.Context) {
	for _, a := range m.List() {
		m.Destroy(ctx, a.ID)
	}
	m.store.FlushAll()
}
