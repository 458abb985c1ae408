// Package persist implements the atomic, debounced per-agent state store,
// the tombstone marker, and the startup sweep: writes go to a .tmp file,
// fsync, then an atomic rename, and the loader tolerantly skips malformed
// or partial files rather than failing the whole scan.
package persist

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wardhq/ward/internal/werr"
)

// immediateStatuses are the Agent statuses whose change triggers an
// immediate (non-debounced) write.
var immediateStatuses = map[string]bool{
	"idle":       true,
	"running":    true,
	"error":      true,
	"starting":   true,
	"killing":    true,
	"destroying": true,
}

const debounceWindow = 500 * time.Millisecond

// IsImmediateStatus reports whether status triggers an immediate
// (non-debounced) write when it differs from the previously persisted
// status.
func IsImmediateStatus(status string) bool {
	return immediateStatuses[status]
}

const tombstoneFileName = "TOMBSTONE"

// Store owns the state and events directories under root, and the debounce
// timers for pending writes.
type Store struct {
	stateDir  string
	eventsDir string

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

type pendingWrite struct {
	timer   *time.Timer
	payload []byte
}

// New creates a Store rooted at root, ensuring the state and events
// directories exist.
func New(root string) (*Store, error) {
	stateDir := filepath.Join(root, "state")
	eventsDir := filepath.Join(root, "events")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, werr.TransientIO("create state dir").Wrap(err)
	}
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return nil, werr.TransientIO("create events dir").Wrap(err)
	}
	return &Store{
		stateDir:  stateDir,
		eventsDir: eventsDir,
		pending:   make(map[string]*pendingWrite),
	}, nil
}

// EventsDir returns the directory events JSONL files live in, for
// internal/eventlog to append to.
func (s *Store) EventsDir() string { return s.eventsDir }

// stateFilePath returns the canonical path for an agent's state file.
func (s *Store) stateFilePath(id string) string {
	return filepath.Join(s.stateDir, id+".json")
}

// AgentRecord is the minimal shape saveAgentState/loadAllAgentStates cares
// about: an opaque id plus the caller-supplied JSON payload. Callers (the
// manager) marshal their own Agent struct and pass the bytes through here,
// so this package stays decoupled from the Agent type.
type AgentRecord struct {
	ID      string
	Status  string
	Payload []byte
}

// SaveAgentState applies the save policy from spec: an immediate atomic
// write when status is one of the immediate set and differs from
// lastStatus, otherwise a debounced write that coalesces repeated calls
// within debounceWindow.
func (s *Store) SaveAgentState(rec AgentRecord, lastStatus string) error {
	if immediateStatuses[rec.Status] && rec.Status != lastStatus {
		return s.writeNow(rec.ID, rec.Payload)
	}
	s.scheduleDebounced(rec.ID, rec.Payload)
	return nil
}

func (s *Store) writeNow(id string, payload []byte) error {
	path := s.stateFilePath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return werr.TransientIO("write state tmp file").Wrap(err)
	}
	if f, err := os.OpenFile(tmp, os.O_RDWR, 0o644); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		return werr.TransientIO("rename state file").Wrap(err)
	}
	return nil
}

func (s *Store) scheduleDebounced(id string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.pending[id]; ok {
		pw.payload = payload
		return
	}
	pw := &pendingWrite{payload: payload}
	pw.timer = time.AfterFunc(debounceWindow, func() {
		s.mu.Lock()
		cur, ok := s.pending[id]
		if !ok {
			s.mu.Unlock()
			return
		}
		payload := cur.payload
		delete(s.pending, id)
		s.mu.Unlock()
		if err := s.writeNow(id, payload); err != nil {
			slog.Warn("debounced state write failed", "agent", id, "err", err)
		}
	})
	s.pending[id] = pw
}

// FlushAll forces every pending debounced write to complete synchronously.
// Called from manager.dispose so no write is lost on shutdown.
func (s *Store) FlushAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingWrite)
	s.mu.Unlock()

	for id, pw := range pending {
		pw.timer.Stop()
		if err := s.writeNow(id, pw.payload); err != nil {
			slog.Warn("flush state write failed", "agent", id, "err", err)
		}
	}
}

// LoadAllAgentStates enumerates the state directory and returns the raw
// payload plus id for every valid state file. If a tombstone is present it
// returns nil, nil — callers must clear the tombstone explicitly before
// agents can be restored.
func (s *Store) LoadAllAgentStates() ([]AgentRecord, error) {
	if s.HasTombstone() {
		return nil, nil
	}
	entries, err := os.ReadDir(s.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, werr.TransientIO("read state dir").Wrap(err)
	}

	var recs []AgentRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") || strings.HasPrefix(name, "_") {
			continue
		}
		if filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(s.stateDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable state file", "file", name, "err", err)
			continue
		}
		if len(data) == 0 {
			_ = os.Remove(path)
			continue
		}
		var probe struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &probe); err != nil || probe.ID == "" {
			slog.Warn("skipping malformed state file", "file", name, "err", err)
			continue
		}
		recs = append(recs, AgentRecord{ID: probe.ID, Status: probe.Status, Payload: data})
	}
	return recs, nil
}

// CleanupStaleState removes every *.tmp file in the state directory and
// every orphaned *.jsonl file in the events directory (one whose basename
// has no matching state file).
func (s *Store) CleanupStaleState() error {
	stateEntries, err := os.ReadDir(s.stateDir)
	if err != nil && !os.IsNotExist(err) {
		return werr.TransientIO("read state dir").Wrap(err)
	}
	live := make(map[string]bool)
	for _, e := range stateEntries {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(s.stateDir, name))
			continue
		}
		if filepath.Ext(name) == ".json" {
			live[strings.TrimSuffix(name, ".json")] = true
		}
	}

	eventEntries, err := os.ReadDir(s.eventsDir)
	if err != nil && !os.IsNotExist(err) {
		return werr.TransientIO("read events dir").Wrap(err)
	}
	for _, e := range eventEntries {
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if !live[id] {
			_ = os.Remove(filepath.Join(s.eventsDir, name))
		}
	}
	return nil
}

// RemoveAgentState deletes <id>.json and <id>.json.tmp, if present. Always
// idempotent: a missing file is not an error.
func (s *Store) RemoveAgentState(id string) error {
	path := s.stateFilePath(id)
	for _, p := range []string{path, path + ".tmp"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return werr.TransientIO("remove state file").Wrap(err)
		}
	}
	s.mu.Lock()
	if pw, ok := s.pending[id]; ok {
		pw.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) tombstonePath() string {
	return filepath.Join(filepath.Dir(s.stateDir), tombstoneFileName)
}

// WriteTombstone creates the marker file whose presence blocks restore.
func (s *Store) WriteTombstone() error {
	if err := os.WriteFile(s.tombstonePath(), nil, 0o644); err != nil {
		return werr.TransientIO("write tombstone").Wrap(err)
	}
	return nil
}

// HasTombstone reports whether the marker file exists.
func (s *Store) HasTombstone() bool {
	_, err := os.Stat(s.tombstonePath())
	return err == nil
}

// ClearTombstone removes the marker file. Idempotent.
func (s *Store) ClearTombstone() error {
	if err := os.Remove(s.tombstonePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return werr.TransientIO("clear tombstone").Wrap(err)
	}
	return nil
}
