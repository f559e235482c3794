package forum

import (
	"context"
	"sync"

	"github.com/dagwork/dagwork/internal/events"
)

// MemorySink is an in-process events.Sink that records what was posted,
// for tests and dry runs.
type MemorySink struct {
	mu     sync.Mutex
	topics map[string][]events.Event
}

var _ events.Sink = (*MemorySink)(nil)

// NewMemorySink returns an empty recording sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{topics: make(map[string][]events.Event)}
}

// Post implements events.Sink.
func (m *MemorySink) Post(_ context.Context, topic string, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic] = append(m.topics[topic], ev)
	return nil
}

// Events returns a copy of the events posted to topic, in order.
func (m *MemorySink) Events(topic string) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, len(m.topics[topic]))
	copy(out, m.topics[topic])
	return out
}

// All returns every recorded event across topics in an unspecified
// interleaving, topic by topic.
func (m *MemorySink) All() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, evs := range m.topics {
		out = append(out, evs...)
	}
	return out
}
