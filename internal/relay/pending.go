package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/panemux-io/panemux/internal/metrics"
)

// Error kinds a pending request can be rejected with.
var (
	// ErrRequestTimeout means the deadline fired before a response arrived.
	ErrRequestTimeout = errors.New("relay: request timed out")

	// ErrAgentOffline means the target agent is not, or is no longer,
	// connected.
	ErrAgentOffline = errors.New("relay: agent offline")

	// ErrBrowserDisconnected means the issuing browser left. Internal only:
	// there is nobody to deliver a response to.
	ErrBrowserDisconnected = errors.New("relay: browser disconnected")

	// ErrDuplicateCorrelationID means the browser reused an id that is
	// still in flight. A client programming error; the request is dropped.
	ErrDuplicateCorrelationID = errors.New("relay: duplicate correlation id")
)

// pendingEntry is one in-flight correlated request.
type pendingEntry struct {
	correlationID string
	targetAgentID string
	createdAt     time.Time
	timer         *time.Timer

	// resolve delivers the final response payload. Invoked at most once,
	// after the entry has been removed from the registry.
	resolve func(payload json.RawMessage)

	// reject delivers a failure. Invoked at most once, mutually exclusive
	// with resolve.
	reject func(err error)

	// onPartial delivers a streaming partial. May be invoked any number of
	// times while the entry is live; nil when the request is not streaming.
	onPartial func(payload json.RawMessage)
}

// PendingRequests is the per-browser registry of in-flight correlated
// requests, keyed by the browser's own correlation id. Each entry carries an
// independent deadline timer. Callbacks are always invoked outside the
// registry lock.
type PendingRequests struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[string]*pendingEntry
}

// NewPendingRequests creates an empty registry whose entries expire after
// the given timeout.
func NewPendingRequests(timeout time.Duration) *PendingRequests {
	return &PendingRequests{
		timeout: timeout,
		entries: make(map[string]*pendingEntry),
	}
}

// Create inserts a new in-flight request. onPartial may be nil for
// non-streaming requests. Returns ErrDuplicateCorrelationID if the id is
// already in flight.
func (p *PendingRequests) Create(
	correlationID, targetAgentID string,
	resolve func(payload json.RawMessage),
	reject func(err error),
	onPartial func(payload json.RawMessage),
) error {
	p.mu.Lock()
	if _, exists := p.entries[correlationID]; exists {
		p.mu.Unlock()
		return ErrDuplicateCorrelationID
	}

	entry := &pendingEntry{
		correlationID: correlationID,
		targetAgentID: targetAgentID,
		createdAt:     time.Now(),
		resolve:       resolve,
		reject:        reject,
		onPartial:     onPartial,
	}
	entry.timer = time.AfterFunc(p.timeout, func() {
		if p.ResolveError(correlationID, ErrRequestTimeout) {
			metrics.RequestTimeouts.Inc()
		}
	})
	p.entries[correlationID] = entry
	p.mu.Unlock()

	metrics.PendingRequests.Inc()
	return nil
}

// Resolve pops the entry and invokes its resolver with the response payload.
// Returns false if no entry holds the id (already resolved, timed out, or
// never created).
func (p *PendingRequests) Resolve(correlationID string, payload json.RawMessage) bool {
	entry := p.remove(correlationID)
	if entry == nil {
		return false
	}
	entry.resolve(payload)
	return true
}

// ResolveError pops the entry and invokes its reject callback.
func (p *PendingRequests) ResolveError(correlationID string, kind error) bool {
	entry := p.remove(correlationID)
	if entry == nil {
		return false
	}
	entry.reject(kind)
	return true
}

// DeliverPartial invokes the streaming callback without removing the entry.
// Returns false if no entry holds the id. Partials on a non-streaming
// request are silently ignored, matching the drop semantics for responses
// with unknown ids.
func (p *PendingRequests) DeliverPartial(correlationID string, payload json.RawMessage) bool {
	p.mu.Lock()
	entry, ok := p.entries[correlationID]
	var cb func(json.RawMessage)
	if ok {
		cb = entry.onPartial
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	if cb != nil {
		cb(payload)
	}
	return true
}

// CancelAll rejects every entry with the given error kind. Invoked from the
// browser close handler.
func (p *PendingRequests) CancelAll(kind error) {
	p.mu.Lock()
	drained := make([]*pendingEntry, 0, len(p.entries))
	for id, entry := range p.entries {
		entry.timer.Stop()
		drained = append(drained, entry)
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for _, entry := range drained {
		metrics.PendingRequests.Dec()
		entry.reject(kind)
	}
}

// CancelByAgent rejects every entry targeting the given agent. Invoked when
// an agent goes offline or is superseded.
func (p *PendingRequests) CancelByAgent(agentID string, kind error) {
	p.mu.Lock()
	var drained []*pendingEntry
	for id, entry := range p.entries {
		if entry.targetAgentID != agentID {
			continue
		}
		entry.timer.Stop()
		drained = append(drained, entry)
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for _, entry := range drained {
		metrics.PendingRequests.Dec()
		entry.reject(kind)
	}
}

// Len reports the number of in-flight entries.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// remove pops an entry and disarms its timer. Returns nil if absent.
func (p *PendingRequests) remove(correlationID string) *pendingEntry {
	p.mu.Lock()
	entry, ok := p.entries[correlationID]
	if ok {
		entry.timer.Stop()
		delete(p.entries, correlationID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.PendingRequests.Dec()
	return entry
}
