// Package memory contains an in-memory publisher used in development mode
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// DefaultRetention bounds how many messages are kept.
const DefaultRetention = 10000

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu        sync.RWMutex
	messages  []PublishedMessage
	retention int
	seq       int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher keeping the last DefaultRetention messages.
func New() *Publisher {
	return &Publisher{retention: DefaultRetention}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.retention > 0 && len(p.messages) > p.retention {
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.retention:]...)
	}
	return id, nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns recorded scraper events of the given type in publish order.
// An empty type returns every event.
func (p *Publisher) Events(eventType string) []scraper.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []scraper.Event
	for _, msg := range p.messages {
		event, ok := msg.Payload.(scraper.Event)
		if !ok {
			continue
		}
		if eventType == "" || event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
