// Package events implements the Event Stream: a single
// broadcast fan-out of zone change events to multiple subscribers, bounded
// capacity 1000, reporting lag to subscribers who fall behind rather than
// blocking the publisher.
package events

import (
	"sync"
	"time"

	"github.com/zonelabs/zoned/types"
)

// Kind is the reason a zone change event was published.
type Kind string

const (
	KindCreated   Kind = "created"
	KindFailed    Kind = "failed"
	KindExited    Kind = "exited"
	KindDestroyed Kind = "destroyed"
)

// Event is one zone state change, published by the Reconciler (on every
// store write) and the Event Generator (on observed domain exits).
type Event struct {
	ZoneUUID  string
	Kind      Kind
	Zone      *types.Zone // snapshot at publish time; nil for Destroyed, whose record is already gone
	Timestamp time.Time
}

// capacity is the broadcast channel's bound.
const capacity = 1000

// Subscription is one subscriber's view of the stream.
type Subscription struct {
	ch chan Event
	s  *Stream
	id int
}

// Stream fans every published Event out to every current subscriber.
// Subscribers that fall behind lose intermediate events rather than stall
// the publisher; the channel reports the lag.
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]*subEntry
	nextID int
}

type subEntry struct {
	ch  chan Event
	lag int64
}

// New creates an empty Stream.
func New() *Stream {
	return &Stream{subs: make(map[int]*subEntry)}
}

// Subscribe registers a new bounded subscription. Call Unsubscribe (or the
// returned cancel func) when done.
func (s *Stream) Subscribe() (*Subscription, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	entry := &subEntry{ch: make(chan Event, capacity)}
	s.subs[id] = entry
	s.mu.Unlock()

	sub := &Subscription{ch: entry.ch, s: s, id: id}
	return sub, func() { s.unsubscribe(id) }
}

func (s *Stream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(entry.ch)
	}
}

// Publish fans out ev to every current subscriber, dropping it (and
// incrementing that subscriber's lag count) for any subscriber whose
// channel is full.
func (s *Stream) Publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.subs {
		select {
		case entry.ch <- ev:
		default:
			entry.lag++
		}
	}
}

// Events returns the channel to range over for delivered events.
func (sub *Subscription) Events() <-chan Event { return sub.ch }

// Lag reports how many events have been dropped for this subscription so
// far because it fell behind.
func (sub *Subscription) Lag() int64 {
	sub.s.mu.RLock()
	defer sub.s.mu.RUnlock()
	if entry, ok := sub.s.subs[sub.id]; ok {
		return entry.lag
	}
	return 0
}
