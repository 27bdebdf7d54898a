package logger

import (
	"encoding/json"
	"sync"
)

const defaultBufferSize = 1000

// Hub is the interface log entries are streamed to.
type Hub interface {
	Broadcast(msgType string, payload interface{}) error
}

// Entry is a parsed log entry for streaming.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Broadcaster implements io.Writer, keeps a ring of recent entries, and
// forwards new ones to an attached hub.
type Broadcaster struct {
	mu     sync.RWMutex
	hub    Hub
	buffer *ringBuffer[Entry]
}

// NewBroadcaster creates a broadcaster with the given buffer capacity.
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broadcaster{buffer: newRingBuffer[Entry](bufferSize)}
}

// SetHub attaches the hub that receives streamed entries.
func (b *Broadcaster) SetHub(hub Hub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub = hub
}

// Write implements io.Writer. It receives JSON log lines from zerolog.
func (b *Broadcaster) Write(p []byte) (int, error) {
	entry, err := parseEntry(p)
	if err != nil {
		// Malformed lines are dropped, not surfaced as write errors.
		return len(p), nil
	}

	b.buffer.push(entry)

	b.mu.RLock()
	hub := b.hub
	b.mu.RUnlock()

	if hub != nil {
		_ = hub.Broadcast("logs:entry", entry)
	}

	return len(p), nil
}

// Recent returns the buffered entries, oldest first.
func (b *Broadcaster) Recent() []Entry {
	return b.buffer.all()
}

func parseEntry(data []byte) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Entry{}, err
	}

	entry := Entry{Fields: make(map[string]any)}

	if ts, ok := raw["time"].(string); ok {
		entry.Timestamp = ts
		delete(raw, "time")
	}
	if level, ok := raw["level"].(string); ok {
		entry.Level = level
		delete(raw, "level")
	}
	if component, ok := raw["component"].(string); ok {
		entry.Component = component
		delete(raw, "component")
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
		delete(raw, "message")
	}
	for k, v := range raw {
		entry.Fields[k] = v
	}

	return entry, nil
}

// ringBuffer is a fixed-capacity circular buffer.
type ringBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	count int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{items: make([]T, capacity)}
}

func (r *ringBuffer[T]) push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % len(r.items)
	r.items[tail] = item
	if r.count < len(r.items) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.items)
	}
}

func (r *ringBuffer[T]) all() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}
