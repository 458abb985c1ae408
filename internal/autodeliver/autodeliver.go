// Package autodeliver implements the Auto-delivery Coupler (C9): it
// subscribes once to the message bus and routes messages into the Agent
// Manager on interrupt or idle drainage, honoring the per-agent
// delivery-lock.
package autodeliver

import (
	"context"
	"fmt"
	"time"

	"github.com/wardhq/ward/internal/agentproc"
	"github.com/wardhq/ward/internal/bus"
	"github.com/wardhq/ward/internal/manager"
)

// ManagerPort is the subset of *manager.Manager the coupler needs, kept
// narrow so tests can supply a fake.
type ManagerPort interface {
	CanDeliver(id string) bool
	CanInterrupt(id string) bool
	AcquireDeliveryLock(id string) bool
	DeliveryDone(id string)
	Message(ctx context.Context, id string, prompt agentproc.Prompt, maxTurns int) (*manager.Agent, *agentproc.Subscription, error)
	OnIdle(cb func(agentID string))
	Get(id string) (*manager.Agent, error)
}

// KillSwitchPort reports whether the kill switch is currently active.
type KillSwitchPort interface {
	Active() bool
}

// BusPort is the subset of *bus.Bus the coupler needs.
type BusPort interface {
	Subscribe(listener bus.Listener) func()
	Query(q bus.Query) []bus.Message
	MarkRead(msgID, agentID string) bool
}

// Coupler wires BusPort messages into ManagerPort deliveries.
type Coupler struct {
	manager    ManagerPort
	bus        BusPort
	killSwitch KillSwitchPort

	settleDelay time.Duration
}

// New constructs a Coupler. settleDelay is the post-idle pause before
// draining the queue (200-500ms in production; callers may pass 0 in tests).
func New(manager ManagerPort, b BusPort, killSwitch KillSwitchPort, settleDelay time.Duration) *Coupler {
	return &Coupler{manager: manager, bus: b, killSwitch: killSwitch, settleDelay: settleDelay}
}

// Start subscribes to the bus and to manager idle transitions. Returns an
// unsubscribe func for the bus subscription.
func (c *Coupler) Start() func() {
	unsub := c.bus.Subscribe(c.handleMessage)
	c.manager.OnIdle(c.handleIdle)
	return unsub
}

func (c *Coupler) handleMessage(msg bus.Message) {
	if msg.To == "" || msg.Type == bus.TypeStatus {
		return
	}
	if c.killSwitch != nil && c.killSwitch.Active() {
		return
	}

	if msg.Type == bus.TypeInterrupt {
		if !c.manager.CanInterrupt(msg.To) {
			return
		}
		prompt := formatInterruptPrompt(msg)
		c.bus.MarkRead(msg.ID, msg.To)
		_, _, _ = c.manager.Message(context.Background(), msg.To, agentproc.Prompt{Text: prompt}, 0)
		return
	}

	if !c.manager.CanDeliver(msg.To) {
		return
	}
	if !c.manager.AcquireDeliveryLock(msg.To) {
		return
	}
	prompt := formatNormalPrompt(msg)
	c.bus.MarkRead(msg.ID, msg.To)
	_, _, _ = c.manager.Message(context.Background(), msg.To, agentproc.Prompt{Text: prompt}, 0)
	c.manager.DeliveryDone(msg.To)
}

func (c *Coupler) handleIdle(agentID string) {
	if c.settleDelay > 0 {
		time.Sleep(c.settleDelay)
	}
	c.drainOne(agentID)
}

// drainOne queries the bus for the oldest pending, unread, non-status
// message addressed to agentID and delivers it, releasing the
// delivery-lock either way.
func (c *Coupler) drainOne(agentID string) {
	if c.killSwitch != nil && c.killSwitch.Active() {
		return
	}
	if !c.manager.CanDeliver(agentID) {
		return
	}
	if !c.manager.AcquireDeliveryLock(agentID) {
		return
	}
	defer c.manager.DeliveryDone(agentID)

	var role string
	if a, err := c.manager.Get(agentID); err == nil {
		role = a.Role
	}
	pending := c.bus.Query(bus.Query{To: agentID, UnreadBy: agentID, AgentRole: role})
	var next *bus.Message
	for i := range pending {
		if pending[i].Type == bus.TypeStatus {
			continue
		}
		next = &pending[i]
		break
	}
	if next == nil {
		return
	}

	prompt := formatNormalPrompt(*next)
	c.bus.MarkRead(next.ID, agentID)
	_, _, _ = c.manager.Message(context.Background(), agentID, agentproc.Prompt{Text: prompt}, 0)
}

func formatNormalPrompt(msg bus.Message) string {
	return fmt.Sprintf(
		"[Message from %s - type: %s]\n<message-content>\n%s\n</message-content>\n\n(Reply by sending a message back to agent ID: %s)",
		msg.From, msg.Type, msg.Content, msg.From,
	)
}

func formatInterruptPrompt(msg bus.Message) string {
	return fmt.Sprintf(
		"[INTERRUPT from %s] ⚠️ Your current task has been interrupted. Read and act on this message immediately:\n<message-content>\n%s\n</message-content>\n\n(Reply by sending a message back to agent ID: %s)",
		msg.From, msg.Content, msg.From,
	)
}
