package bus

import (
	"context"
	"sync"
)

// MemoryPublisher is the in-process bus used in single-node deployments and
// tests. Publishes are recorded and fanned out to subscribers.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	subs     []chan Message
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	for _, ch := range p.subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber; it catches up from durable saga state, not
			// from the bus.
		}
	}
	return nil
}

// Subscribe returns a channel receiving future messages.
func (p *MemoryPublisher) Subscribe() <-chan Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Message, 64)
	p.subs = append(p.subs, ch)
	return ch
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// OfType filters recorded messages by type.
func (p *MemoryPublisher) OfType(t MessageType) []Message {
	var out []Message
	for _, m := range p.Messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

var _ Publisher = (*MemoryPublisher)(nil)
