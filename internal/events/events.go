// Package events is the in-process event bus connecting ops components,
// monitors and the surrounding application. Events are a closed set of
// typed variants; subscribers hold a handle whose Close unsubscribes.
package events

import (
	"context"
	"sync"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

type Event interface {
	isEvent()
}

// EventOnline is published when a server round trip succeeds after a
// period offline, EventOffline when one fails with no response.
type EventOnline struct{}

type EventOffline struct{}

type EventCertificatesUpdated struct {
	Index uint64
}

type EventRealmVlobUpdated struct {
	RealmID    types.VlobID
	Checkpoint uint64
	SrcID      types.VlobID
	SrcVersion uint32
}

type EventOutboundSyncNeeded struct {
	RealmID types.VlobID
	EntryID types.VlobID
}

type EventOutboundSyncStarted struct {
	RealmID types.VlobID
	EntryID types.VlobID
}

type EventOutboundSyncDone struct {
	RealmID types.VlobID
	EntryID types.VlobID
}

type EventInboundSyncDone struct {
	RealmID types.VlobID
	EntryID types.VlobID
}

type EventWorkspaceLocallyCreated struct {
	RealmID types.VlobID
	Name    string
}

type EventWorkspaceRenamed struct {
	RealmID types.VlobID
	NewName string
}

type EventMonitorCrashed struct {
	Monitor string
	RealmID types.VlobID
	Err     error
}

type EventTooMuchDriftWithServerClock struct {
	ClientTimestamp types.DateTime
	ServerTimestamp types.DateTime
}

type EventInvalidCertificate struct {
	Reason string
}

type EventInvalidManifest struct {
	RealmID types.VlobID
	EntryID types.VlobID
	Reason  string
}

func (EventOnline) isEvent()                      {}
func (EventOffline) isEvent()                     {}
func (EventCertificatesUpdated) isEvent()         {}
func (EventRealmVlobUpdated) isEvent()            {}
func (EventOutboundSyncNeeded) isEvent()          {}
func (EventOutboundSyncStarted) isEvent()         {}
func (EventOutboundSyncDone) isEvent()            {}
func (EventInboundSyncDone) isEvent()             {}
func (EventWorkspaceLocallyCreated) isEvent()     {}
func (EventWorkspaceRenamed) isEvent()            {}
func (EventMonitorCrashed) isEvent()              {}
func (EventTooMuchDriftWithServerClock) isEvent() {}
func (EventInvalidCertificate) isEvent()          {}
func (EventInvalidManifest) isEvent()             {}

type Bus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]*Subscription
}

func NewBus() *Bus {
	return &Bus{subscribers: map[uint64]*Subscription{}}
}

// Subscription delivers matching events in publication order through an
// unbounded queue, so a slow consumer never blocks publishers or loses
// events. Close detaches it from the bus.
type Subscription struct {
	bus    *Bus
	id     uint64
	filter func(Event) bool

	mu      sync.Mutex
	pending []Event
	signal  chan struct{}
	closed  bool
}

// Subscribe registers a subscriber for events matching filter. A nil
// filter matches every event.
func (b *Bus) Subscribe(filter func(Event) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		bus:    b,
		id:     b.nextID,
		filter: filter,
		signal: make(chan struct{}, 1),
	}
	b.subscribers[sub.id] = sub
	return sub
}

func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (s *Subscription) deliver(event Event) {
	if s.filter != nil && !s.filter(event) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, event)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			event := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return event, nil
		}
		s.mu.Unlock()
		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext returns the next pending event without blocking.
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	event := s.pending[0]
	s.pending = s.pending[1:]
	return event, true
}

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
}
