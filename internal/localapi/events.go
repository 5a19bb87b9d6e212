// Package localapi implements the control plane a co-located client
// process uses against this node: Connect, SendMessage, Stop, and
// ListAgents over a Unix-domain-socket HTTP API. Events fan out through a
// tagged-variant Event type and a Broadcaster (multiple receivers, lossy
// on a full buffer) that the HTTP layer adapts to a newline-delimited
// JSON stream.
package localapi

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind tags the closed set of events a stream can observe.
type EventKind string

const (
	EventReady         EventKind = "ready"
	EventPeerConnected EventKind = "peer_connected"
	EventMessage       EventKind = "message"
	EventError         EventKind = "error"
)

// Event is the tagged variant delivered to every open stream.
type Event struct {
	Kind EventKind `json:"kind"`

	PeerID string `json:"peerId,omitempty"`

	MessageID   string `json:"messageId,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Content     []byte `json:"content,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`

	ErrorCode    string `json:"code,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
}

// streamBufferSize bounds each subscriber's channel. Event fan-out is
// lossy: drop after one attempt, without blocking the source, which a
// full buffered channel plus a non-blocking send implements directly.
const streamBufferSize = 64

// Broadcaster fans Events out to every currently open stream. Publishing to
// a closed or saturated stream drops the event instead of blocking.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]chan Event)}
}

// Subscribe registers a new stream and returns its id and receive channel.
// Call Unsubscribe(id) when the stream closes.
func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, streamBufferSize)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a stream's channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish fans out ev to every open stream. A stream whose buffer is full
// misses the event rather than blocking the publisher.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Count returns the number of currently open streams, for the
// api_streams_active metric.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
