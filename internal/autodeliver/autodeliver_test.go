package autodeliver

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/wardhq/ward/internal/agentproc"
	"github.com/wardhq/ward/internal/bus"
	"github.com/wardhq/ward/internal/manager"
)

type fakeManager struct {
	mu                sync.Mutex
	deliverable       map[string]bool
	interruptible     map[string]bool
	locked            map[string]bool
	roles             map[string]string
	messagesDelivered []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		deliverable:   make(map[string]bool),
		interruptible: make(map[string]bool),
		locked:        make(map[string]bool),
		roles:         make(map[string]string),
	}
}

func (f *fakeManager) Get(id string) (*manager.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &manager.Agent{ID: id, Role: f.roles[id]}, nil
}

func (f *fakeManager) CanDeliver(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliverable[id] && !f.locked[id]
}

func (f *fakeManager) CanInterrupt(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interruptible[id]
}

func (f *fakeManager) AcquireDeliveryLock(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[id] {
		return false
	}
	f.locked[id] = true
	return true
}

func (f *fakeManager) DeliveryDone(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[id] = false
}

func (f *fakeManager) Message(_ context.Context, id string, prompt agentproc.Prompt, _ int) (*manager.Agent, *agentproc.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messagesDelivered = append(f.messagesDelivered, prompt.Text)
	return &manager.Agent{ID: id}, nil, nil
}

func (f *fakeManager) OnIdle(cb func(agentID string)) {}

func (f *fakeManager) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messagesDelivered))
	copy(out, f.messagesDelivered)
	return out
}

type fakeKillSwitch struct{ active bool }

func (f *fakeKillSwitch) Active() bool { return f.active }

func TestCouplerInterruptTakesPriorityAndSkipsLock(t *testing.T) {
	fm := newFakeManager()
	fm.interruptible["agent-1"] = true
	b := bus.New()
	c := New(fm, b, &fakeKillSwitch{}, 0)
	c.Start()

	if _, err := b.Post(bus.PostRequest{From: "agent-2", To: "agent-1", Type: bus.TypeInterrupt, Content: "STOP"}); err != nil {
		t.Fatal(err)
	}

	delivered := fm.delivered()
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(delivered))
	}
	if !strings.HasPrefix(delivered[0], "[INTERRUPT from agent-2]") {
		t.Errorf("expected interrupt-prefixed prompt, got %q", delivered[0])
	}
	if fm.locked["agent-1"] {
		t.Error("expected interrupt path to not leave delivery lock held")
	}
}

func TestCouplerDeliversWhenCanDeliver(t *testing.T) {
	fm := newFakeManager()
	fm.deliverable["agent-1"] = true
	b := bus.New()
	c := New(fm, b, &fakeKillSwitch{}, 0)
	c.Start()

	if _, err := b.Post(bus.PostRequest{From: "agent-2", To: "agent-1", Type: bus.TypeInfo, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	delivered := fm.delivered()
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(delivered))
	}
	if fm.locked["agent-1"] {
		t.Error("expected delivery lock released after delivery")
	}
}

func TestCouplerQueuesWhenNotDeliverable(t *testing.T) {
	fm := newFakeManager()
	b := bus.New()
	c := New(fm, b, &fakeKillSwitch{}, 0)
	c.Start()

	if _, err := b.Post(bus.PostRequest{From: "agent-2", To: "agent-1", Type: bus.TypeInfo, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if len(fm.delivered()) != 0 {
		t.Error("expected no delivery while CanDeliver is false")
	}
}

func TestCouplerIgnoresStatusAndBroadcastMessages(t *testing.T) {
	fm := newFakeManager()
	fm.deliverable["agent-1"] = true
	b := bus.New()
	c := New(fm, b, &fakeKillSwitch{}, 0)
	c.Start()

	if _, err := b.Post(bus.PostRequest{From: "agent-2", To: "agent-1", Type: bus.TypeStatus, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Post(bus.PostRequest{From: "agent-2", Type: bus.TypeInfo, Content: "broadcast"}); err != nil {
		t.Fatal(err)
	}
	if len(fm.delivered()) != 0 {
		t.Error("expected status and broadcast messages to never trigger delivery")
	}
}

func TestDrainOneHonorsAgentRoleExclusion(t *testing.T) {
	fm := newFakeManager()
	fm.deliverable["agent-1"] = true
	fm.roles["agent-1"] = "reviewer"
	b := bus.New()
	c := New(fm, b, &fakeKillSwitch{}, 0)

	if _, err := b.Post(bus.PostRequest{From: "agent-2", To: "agent-1", Type: bus.TypeInfo, Content: "excluded", ExcludeRoles: []string{"reviewer"}}); err != nil {
		t.Fatal(err)
	}
	c.drainOne("agent-1")
	if len(fm.delivered()) != 0 {
		t.Error("expected message excluding agent-1's role to not be delivered")
	}

	if _, err := b.Post(bus.PostRequest{From: "agent-2", To: "agent-1", Type: bus.TypeInfo, Content: "included"}); err != nil {
		t.Fatal(err)
	}
	c.drainOne("agent-1")
	delivered := fm.delivered()
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(delivered))
	}
}

func TestCouplerDoesNothingWhileKillSwitchActive(t *testing.T) {
	fm := newFakeManager()
	fm.deliverable["agent-1"] = true
	b := bus.New()
	c := New(fm, b, &fakeKillSwitch{active: true}, 0)
	c.Start()

	if _, err := b.Post(bus.PostRequest{From: "agent-2", To: "agent-1", Type: bus.TypeInfo, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if len(fm.delivered()) != 0 {
		t.Error("expected no delivery while kill switch active")
	}
}
