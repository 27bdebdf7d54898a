package queue

import (
	"sync"
	"time"
)

// EventType is a job lifecycle event kind.
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one job lifecycle notification.
type Event struct {
	Event       EventType  `json:"event"`
	ID          int64      `json:"id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Percent     int        `json:"percent"`
	Current     int64      `json:"current"`
	Total       int64      `json:"total"`
	RequestID   *int64     `json:"requestId,omitempty"`
	ParentJobID *int64     `json:"parentJobId,omitempty"`
	DedupeKey   *string    `json:"dedupeKey,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Subscriber receives job lifecycle events. Callbacks must not block.
type Subscriber func(Event)

type eventBus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

func (b *eventBus) subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *eventBus) publish(e Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
