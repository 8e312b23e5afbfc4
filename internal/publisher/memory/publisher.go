// Package memory records completion events in process. It stands in for
// Pub/Sub in tests and single-node dev runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PublishedMessage is one recorded completion event.
type PublishedMessage struct {
	Topic       string
	Payload     any
	PublishedAt time.Time
}

// Publisher implements crawl.Publisher against an in-process slice.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a local sequence ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	})
	return fmt.Sprintf("local-%d", len(p.messages)), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMessage(nil), p.messages...)
}

// ByTopic returns the recorded events for one topic, in publish order.
func (p *Publisher) ByTopic(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
