package events

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/assetgrid/backend/internal/library"
)

const (
	TypeRowCreated        = "row-created"
	TypeRowDeleted        = "row-deleted"
	TypeFieldUpdated      = "field-updated"
	TypeRowsPasted        = "rows-pasted"
	TypeRowsFilled        = "rows-filled"
	TypeRowsChanged       = "rows-changed"
	TypeLibraryReconciled = "library-reconciled"
	TypePresence          = "presence"
	TypeHeartbeat         = "heartbeat"
	SourceBackend         = "assetgrid-backend"
	defaultBufferSize     = 16
)

type Event struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	LibraryID string          `json:"library_id,omitempty"`
	RowIDs    []string        `json:"row_ids,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// LibraryTopic is the topic carrying every event of one library.
func LibraryTopic(libraryID library.LibraryID) string {
	return "library:" + libraryID.String()
}

// Bus fans events out per topic. Stream subscribers get a buffered channel and miss events while it is full;
// listeners are called synchronously in registration order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	listeners   map[string]map[int64]func(Event)
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[int64]*subscriber),
		listeners:   make(map[string]map[int64]func(Event)),
		bufferSize:  defaultBufferSize,
	}
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Event, b.bufferSize),
	}
	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*subscriber)
	}
	b.subscribers[topic][sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subscribers[topic]; subs != nil {
				delete(subs, sub.id)
				if len(subs) == 0 {
					delete(b.subscribers, topic)
				}
			}
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (b *Bus) Listen(topic string, handler func(Event)) func() {
	if topic == "" || handler == nil {
		return func() {}
	}
	id := b.nextSequence()
	b.mu.Lock()
	if _, ok := b.listeners[topic]; !ok {
		b.listeners[topic] = make(map[int64]func(Event))
	}
	b.listeners[topic][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if handlers := b.listeners[topic]; handlers != nil {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(b.listeners, topic)
				}
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(event Event) {
	if event.Topic == "" || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlerIDs := make([]int64, 0, len(b.listeners[event.Topic]))
	for id := range b.listeners[event.Topic] {
		handlerIDs = append(handlerIDs, id)
	}
	sort.Slice(handlerIDs, func(i, j int) bool { return handlerIDs[i] < handlerIDs[j] })
	handlers := make([]func(Event), 0, len(handlerIDs))
	for _, id := range handlerIDs {
		handlers = append(handlers, b.listeners[event.Topic][id])
	}
	streams := make([]*subscriber, 0, len(b.subscribers[event.Topic]))
	for _, sub := range b.subscribers[event.Topic] {
		streams = append(streams, sub)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	for _, sub := range streams {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic]) + len(b.listeners[topic])
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}
