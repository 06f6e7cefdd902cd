package taskmesh

import (
	"sync"
	"time"
)

// EventType classifies engine notifications.
type EventType string

const (
	EventPeersChanged     EventType = "peersChanged"
	EventSyncStarted      EventType = "syncStarted"
	EventSyncProgress     EventType = "syncProgress"
	EventSyncCompleted    EventType = "syncCompleted"
	EventSyncFailed       EventType = "syncFailed"
	EventDataUpdated      EventType = "dataUpdated"
	EventTimerConflict    EventType = "timerConflict"
	EventTimerProgress    EventType = "timerProgress"
	EventIntegrityFailure EventType = "integrityFailure"
)

// SyncProgress reports how far a sync session has advanced.
type SyncProgress struct {
	Phase     string `json:"phase"`
	Sent      int    `json:"sent"`
	Received  int    `json:"received"`
	Conflicts int    `json:"conflicts"`
}

// Event is one engine notification. Only the fields relevant to the
// event type are populated.
type Event struct {
	Type      EventType           `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	PeerID    string              `json:"peerId,omitempty"`
	DataType  string              `json:"dataType,omitempty"`
	Peers     []DeviceInfo        `json:"peers,omitempty"`
	Progress  *SyncProgress       `json:"progress,omitempty"`
	Conflict  *TimerConflict      `json:"conflict,omitempty"`
	Timer     *TimerUpdatePayload `json:"timer,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// EventSubscription is one subscriber's view of the bus. Close it when
// done; an unclosed subscription that stops draining loses events but
// never blocks publishers.
type EventSubscription struct {
	ch     chan Event
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// C returns the channel events arrive on. It is closed when the
// subscription or the bus shuts down.
func (s *EventSubscription) C() <-chan Event { return s.ch }

// Close detaches the subscription from the bus. Safe to call more than
// once.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// EventBus fans engine events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu         sync.Mutex
	subs       map[*EventSubscription]struct{}
	bufferSize int
	closed     bool
}

// NewEventBus returns a bus whose subscriptions buffer the given number
// of events. Zero or negative selects 64.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{
		subs:       make(map[*EventSubscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed bus
// returns an already-closed subscription.
func (b *EventBus) Subscribe() *EventSubscription {
	sub := &EventSubscription{
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.done)
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every live subscriber, reaping the
// closed ones as it goes.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case <-sub.done:
			delete(b.subs, sub)
			close(sub.ch)
			continue
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
