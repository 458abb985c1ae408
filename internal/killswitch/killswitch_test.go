package killswitch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wardhq/ward/internal/bus"
	"github.com/wardhq/ward/internal/manager"
)

type fakeManager struct {
	mu      sync.Mutex
	killed  bool
	agents  []manager.Agent
	killed_ []string
}

func (f *fakeManager) SetKilled(k bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = k
}

func (f *fakeManager) List() []manager.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]manager.Agent, len(f.agents))
	copy(out, f.agents)
	return out
}

func (f *fakeManager) KillAgentNow(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed_ = append(f.killed_, id)
}

type fakeAuth struct {
	rotated int
}

func (f *fakeAuth) RotateSigningKey() error {
	f.rotated++
	return nil
}

type fakeTomb struct {
	written bool
	cleared bool
}

func (f *fakeTomb) WriteTombstone() error {
	f.written = true
	return nil
}

func (f *fakeTomb) ClearTombstone() error {
	f.cleared = true
	return nil
}

func TestSwitchActivate(t *testing.T) {
	fm := &fakeManager{agents: []manager.Agent{{ID: "a1"}, {ID: "a2"}}}
	fa := &fakeAuth{}
	ft := &fakeTomb{}
	b := bus.New()

	s := New(t.TempDir(), fm, fa, ft, b)
	if s.Active() {
		t.Fatal("expected inactive before Activate")
	}

	if err := s.Activate(context.Background(), "test reason"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if !s.Active() {
		t.Error("expected active after Activate")
	}
	if !fm.killed {
		t.Error("expected manager.SetKilled(true) to have been called")
	}
	if len(fm.killed_) != 2 {
		t.Errorf("expected both agents force-killed, got %v", fm.killed_)
	}
	if fa.rotated != 1 {
		t.Errorf("expected signing key rotated once, got %d", fa.rotated)
	}
	if !ft.written {
		t.Error("expected tombstone written")
	}
	if len(b.Query(bus.Query{})) != 0 {
		t.Error("expected bus cleared after activate")
	}
}

func TestSwitchDeactivate(t *testing.T) {
	fm := &fakeManager{}
	fa := &fakeAuth{}
	ft := &fakeTomb{}
	b := bus.New()

	s := New(t.TempDir(), fm, fa, ft, b)
	if err := s.Activate(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if s.Active() {
		t.Error("expected inactive after Deactivate")
	}
	if !ft.cleared {
		t.Error("expected tombstone cleared")
	}
	if fm.killed {
		t.Error("expected manager.SetKilled(false) after Deactivate")
	}
}

func TestSwitchLoadRestoresPersistedState(t *testing.T) {
	root := t.TempDir()
	fm := &fakeManager{}
	fa := &fakeAuth{}
	ft := &fakeTomb{}
	b := bus.New()

	s := New(root, fm, fa, ft, b)
	if err := s.Activate(context.Background(), "persisted"); err != nil {
		t.Fatal(err)
	}

	fm2 := &fakeManager{}
	s2 := New(root, fm2, fa, ft, b)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s2.Active() {
		t.Error("expected Load to restore active state from disk")
	}
	if !fm2.killed {
		t.Error("expected Load to propagate killed state to manager")
	}
	_ = filepath.Join(root, "killswitch.json")
}
