// Package memory implements harvest.Publisher over a bounded in-memory ring.
// It stands in for Pub/Sub when no project is configured, keeping the event
// mirror inspectable without external infrastructure, and doubles as the
// mirror test double.
package memory

import (
	"context"
	"fmt"
	"sync"
)

const defaultRetain = 256

// Event captures one mirrored publish.
type Event struct {
	Topic   string
	Payload any
}

// Publisher retains the most recent publishes.
type Publisher struct {
	mu     sync.RWMutex
	retain int
	seq    int
	events []Event
}

// New returns a Publisher keeping the latest retain events; retain <= 0 uses
// the default.
func New(retain int) *Publisher {
	if retain <= 0 {
		retain = defaultRetain
	}
	return &Publisher{retain: retain}
}

// Publish records the event, evicting the oldest once the ring is full.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.events = append(p.events, Event{Topic: topic, Payload: payload})
	if len(p.events) > p.retain {
		p.events = p.events[len(p.events)-p.retain:]
	}
	return fmt.Sprintf("mem-%d", p.seq), nil
}

// Events returns a snapshot of the retained publishes, oldest first.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
