package session

import (
	"sync"

	"github.com/sokinpui/artifact/internal/preview"
	"github.com/sokinpui/artifact/internal/protocol"
	"github.com/sokinpui/artifact/model"
)

// EventType names what changed.
type EventType string

const (
	EventMessage  EventType = "message"
	EventSnapshot EventType = "snapshot"
	EventSettled  EventType = "settled"
	EventFiles    EventType = "files"
	EventPreview  EventType = "preview"
	EventError    EventType = "error"
)

// Event is published to subscribers on every state change.
type Event struct {
	Type      EventType          `json:"type"`
	MessageID string             `json:"messageId,omitempty"`
	Message   *model.Message     `json:"message,omitempty"`
	Snapshot  *protocol.Snapshot `json:"snapshot,omitempty"`
	Summary   *model.Summary     `json:"summary,omitempty"`
	Files     []model.FileNode   `json:"files,omitempty"`
	Preview   *preview.State     `json:"preview,omitempty"`
	Error     string             `json:"error,omitempty"`
}

const subscriberBuffer = 256

// broadcaster fans events out to subscribers. A subscriber that falls behind
// loses events rather than blocking the stream.
type broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			getLog().Warn().Int("subscriber", id).Str("event", string(e.Type)).Msg("Subscriber is slow, dropping event")
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
