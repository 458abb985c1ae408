// Package killswitch implements the process-wide emergency halt: activating
// it rotates the signing key, forces destruction of every agent with no
// grace, writes the tombstone, and broadcasts+clears the bus. The PID is
// captured under lock and signaled outside it, closing the TOCTOU window an
// agent could otherwise race through.
package killswitch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wardhq/ward/internal/bus"
	"github.com/wardhq/ward/internal/manager"
	"github.com/wardhq/ward/internal/werr"
)

// Record is the persisted kill-switch state.
type Record struct {
	Killed      bool      `json:"killed"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}

// AgentManagerPort is the subset of *manager.Manager the kill switch needs.
type AgentManagerPort interface {
	SetKilled(killed bool)
	List() []manager.Agent
	KillAgentNow(id string)
}

// AuthPort rotates the signing key.
type AuthPort interface {
	RotateSigningKey() error
}

// TombstonePort writes/clears the persistence tombstone.
type TombstonePort interface {
	WriteTombstone() error
	ClearTombstone() error
}

// BusPort broadcasts the kill notice and clears the bus.
type BusPort interface {
	Post(req bus.PostRequest) (bus.Message, error)
	ClearAll() int
}

// Switch owns the kill-switch record and its recorded file path.
type Switch struct {
	path string

	mu     sync.Mutex
	record Record

	manager AgentManagerPort
	auth    AuthPort
	tomb    TombstonePort
	bus     BusPort
}

// New constructs a Switch persisting its record at <root>/killswitch.json.
func New(root string, manager AgentManagerPort, auth AuthPort, tomb TombstonePort, bus BusPort) *Switch {
	return &Switch{
		path:    filepath.Join(root, "killswitch.json"),
		manager: manager,
		auth:    auth,
		tomb:    tomb,
		bus:     bus,
	}
}

// Load reads any persisted kill-switch record from disk at startup,
// propagating its state to the manager.
func (s *Switch) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return werr.TransientIO("read killswitch record").Wrap(err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("ignoring malformed killswitch record", "err", err)
		return nil
	}
	s.mu.Lock()
	s.record = rec
	s.mu.Unlock()
	s.manager.SetKilled(rec.Killed)
	return nil
}

func (s *Switch) persist() error {
	s.mu.Lock()
	data, err := json.Marshal(s.record)
	s.mu.Unlock()
	if err != nil {
		return werr.MalformedEvent("marshal killswitch record").Wrap(err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return werr.TransientIO("write killswitch record").Wrap(err)
	}
	return os.Rename(tmp, s.path)
}

// Active reports whether the kill switch is currently engaged.
func (s *Switch) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Killed
}

// Activate engages the kill switch: set+persist the record, rotate the
// signing key, force-destroy every agent with no grace, write the
// tombstone, and broadcast+clear the bus.
func (s *Switch) Activate(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.record = Record{Killed: true, Reason: reason, ActivatedAt: time.Now()}
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		return err
	}

	s.manager.SetKilled(true)

	if err := s.auth.RotateSigningKey(); err != nil {
		slog.Error("rotate signing key during kill-switch activation failed", "err", err)
	}

	for _, a := range s.manager.List() {
		s.manager.KillAgentNow(a.ID)
	}

	if err := s.tomb.WriteTombstone(); err != nil {
		slog.Error("write tombstone during kill-switch activation failed", "err", err)
	}

	if _, err := s.bus.Post(bus.PostRequest{From: "system", Type: bus.TypeInterrupt, Content: "kill switch activated: " + reason}); err != nil {
		slog.Warn("broadcast kill-switch notice failed", "err", err)
	}
	s.bus.ClearAll()

	return nil
}

// Deactivate clears the kill switch and tombstone, re-allowing agent
// creation.
func (s *Switch) Deactivate() error {
	s.mu.Lock()
	s.record = Record{Killed: false}
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		return err
	}
	s.manager.SetKilled(false)
	return s.tomb.ClearTombstone()
}
