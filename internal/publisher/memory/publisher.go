// Package memory keeps completion notifications in process, grouped by topic.
// It backs notify.backend=memory and the app tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Message is one notification as a broker would receive it.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher records JSON-encoded notifications per topic. A positive limit
// keeps only the newest messages of each topic.
type Publisher struct {
	limit int

	mu     sync.Mutex
	seq    int
	topics map[string][]Message
}

// New returns a Publisher that keeps at most limit messages per topic
// (0 keeps everything).
func New(limit int) *Publisher {
	return &Publisher{limit: limit, topics: map[string][]Message{}}
}

// Publish encodes payload and appends it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{ID: fmt.Sprintf("%s/%d", topic, p.seq), Topic: topic, Data: data}
	log := append(p.topics[topic], msg)
	if p.limit > 0 && len(log) > p.limit {
		log = append([]Message(nil), log[len(log)-p.limit:]...)
	}
	p.topics[topic] = log
	return msg.ID, nil
}

// Messages returns a copy of topic's retained messages, oldest first.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.topics[topic]...)
}

// Topics lists topics that have received at least one message.
func (p *Publisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.topics))
	for name := range p.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
