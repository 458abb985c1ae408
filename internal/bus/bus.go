// Package bus implements the in-memory addressable message store with
// subscribers: agents post messages to each other and to broadcast targets,
// subscribers are called back synchronously, and each message tracks per-recipient
// read state.
package bus

import (
	"sync"
	"time"

	"github.com/maruel/ksid"

	"github.com/wardhq/ward/internal/werr"
)

const maxContentLen = 50_000

// MessageType enumerates the allowed AgentMessage.Type values.
type MessageType string

const (
	TypeTask      MessageType = "task"
	TypeResult    MessageType = "result"
	TypeQuestion  MessageType = "question"
	TypeInfo      MessageType = "info"
	TypeStatus    MessageType = "status"
	TypeInterrupt MessageType = "interrupt"
)

var validTypes = map[MessageType]bool{
	TypeTask: true, TypeResult: true, TypeQuestion: true,
	TypeInfo: true, TypeStatus: true, TypeInterrupt: true,
}

// Message is the durable AgentMessage entity.
type Message struct {
	ID           string
	From         string
	FromName     string
	To           string // empty = broadcast
	Channel      string
	Type         MessageType
	Content      string
	Metadata     map[string]any
	CreatedAt    time.Time
	ReadBy       map[string]bool
	ExcludeRoles map[string]bool
}

// PostRequest is the input to Post.
type PostRequest struct {
	From         string
	FromName     string
	To           string
	Channel      string
	Type         MessageType
	Content      string
	Metadata     map[string]any
	ExcludeRoles []string
}

// Query filters Query results.
type Query struct {
	To        string
	From      string
	Channel   string
	Type      MessageType
	UnreadBy  string
	Since     time.Time
	Limit     int
	AgentRole string
}

// Listener receives every posted message, in post order.
type Listener func(msg Message)

// Bus is the message store.
type Bus struct {
	mu          sync.Mutex
	postMu      sync.Mutex // held for a whole Post, including notification
	messages    []Message
	byID        map[string]int // id -> index into messages
	listeners   map[int]Listener
	nextListener int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		byID:      make(map[string]int),
		listeners: make(map[int]Listener),
	}
}

// Post validates and appends a new message, notifying every subscriber
// synchronously in insertion order before returning. Storing and notifying
// run under a post lock, separate from the store lock, which is what
// serializes posts relative to each other and guarantees subscribers never
// see reordering. Listeners may call the other Bus methods; a listener that
// calls Post deadlocks.
func (b *Bus) Post(req PostRequest) (Message, error) {
	if len(req.Content) > maxContentLen {
		return Message{}, werr.Validation("message content exceeds maximum length")
	}
	if !validTypes[req.Type] {
		return Message{}, werr.Validation("unknown message type")
	}

	excludeRoles := make(map[string]bool, len(req.ExcludeRoles))
	for _, r := range req.ExcludeRoles {
		excludeRoles[r] = true
	}

	msg := Message{
		ID:           ksid.NewID().String(),
		From:         req.From,
		FromName:     req.FromName,
		To:           req.To,
		Channel:      req.Channel,
		Type:         req.Type,
		Content:      req.Content,
		Metadata:     req.Metadata,
		CreatedAt:    time.Now(),
		ReadBy:       make(map[string]bool),
		ExcludeRoles: excludeRoles,
	}

	b.postMu.Lock()
	defer b.postMu.Unlock()

	b.mu.Lock()
	idx := len(b.messages)
	b.messages = append(b.messages, msg)
	b.byID[msg.ID] = idx
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(msg)
	}
	return msg, nil
}

// Query returns every message matching the given filter, in post order.
func (b *Bus) Query(q Query) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.messages {
		if q.To != "" && m.To != q.To {
			continue
		}
		if q.From != "" && m.From != q.From {
			continue
		}
		if q.Channel != "" && m.Channel != q.Channel {
			continue
		}
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if q.UnreadBy != "" && m.ReadBy[q.UnreadBy] {
			continue
		}
		if !q.Since.IsZero() && !m.CreatedAt.After(q.Since) {
			continue
		}
		if q.AgentRole != "" && m.ExcludeRoles[q.AgentRole] {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// MarkRead marks msgID as read by agentID. Returns false if msgID is
// unknown.
func (b *Bus) MarkRead(msgID, agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.byID[msgID]
	if !ok {
		return false
	}
	b.messages[idx].ReadBy[agentID] = true
	return true
}

// MarkAllRead marks every message addressed to agentID (optionally filtered
// by role exclusion) as read, returning the count marked.
func (b *Bus) MarkAllRead(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for i, m := range b.messages {
		if m.To != agentID && m.To != "" {
			continue
		}
		if role != "" && m.ExcludeRoles[role] {
			continue
		}
		if !b.messages[i].ReadBy[agentID] {
			b.messages[i].ReadBy[agentID] = true
			count++
		}
	}
	return count
}

// Subscribe registers listener, returning an idempotent unsubscribe func.
func (b *Bus) Subscribe(listener Listener) func() {
	b.mu.Lock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = listener
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// DeleteMessage removes a single message by id.
func (b *Bus) DeleteMessage(msgID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(func(m Message) bool { return m.ID == msgID })
}

// CleanupForAgent drops every message with agentID as sender or recipient.
func (b *Bus) CleanupForAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(func(m Message) bool { return m.From == agentID || m.To == agentID })
}

// ClearAll removes every message, returning the count removed.
func (b *Bus) ClearAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.messages)
	b.messages = nil
	b.byID = make(map[string]int)
	return n
}

func (b *Bus) removeLocked(match func(Message) bool) {
	kept := b.messages[:0]
	for _, m := range b.messages {
		if match(m) {
			continue
		}
		kept = append(kept, m)
	}
	b.messages = kept
	b.byID = make(map[string]int, len(kept))
	for i, m := range kept {
		b.byID[m.ID] = i
	}
}

// UnreadCount returns the number of messages addressed to agentID (subject
// to role exclusion) that agentID has not yet marked read.
func (b *Bus) UnreadCount(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, m := range b.messages {
		if m.To != agentID && m.To != "" {
			continue
		}
		if role != "" && m.ExcludeRoles[role] {
			continue
		}
		if !m.ReadBy[agentID] {
			count++
		}
	}
	return count
}
