// Package chat is the in-process broadcaster that lets HTTP handlers and
// other subsystems push chat messages to a user's connected browsers. The
// relay subscribes each browser session on connect; publishers never touch
// connection state directly.
package chat

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster fans published messages out to every subscriber of a user.
// Delivery functions are invoked on the publisher's goroutine and must not
// block — the relay's subscribers only enqueue onto a buffered channel.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(msgType string, payload json.RawMessage)

	logger *zap.Logger
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]map[int]func(msgType string, payload json.RawMessage)),
		logger: logger.Named("chat"),
	}
}

// Subscribe registers a delivery function for the user and returns its
// unsubscribe function. Unsubscribing twice is a no-op.
func (b *Broadcaster) Subscribe(userID string, deliver func(msgType string, payload json.RawMessage)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	set, ok := b.subs[userID]
	if !ok {
		set = make(map[int]func(msgType string, payload json.RawMessage))
		b.subs[userID] = set
	}
	set[id] = deliver
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if set, ok := b.subs[userID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.subs, userID)
			}
		}
		b.mu.Unlock()
	}
}

// Publish delivers a message to every subscriber of the user and returns
// how many subscribers received it. Zero means the user has no connected
// browsers right now; the message is not queued.
func (b *Broadcaster) Publish(userID, msgType string, payload json.RawMessage) int {
	b.mu.RLock()
	set := b.subs[userID]
	delivers := make([]func(string, json.RawMessage), 0, len(set))
	for _, fn := range set {
		delivers = append(delivers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range delivers {
		fn(msgType, payload)
	}

	if len(delivers) == 0 {
		b.logger.Debug("publish to user with no subscribers", zap.String("user_id", userID))
	}
	return len(delivers)
}
