// Package events implements the change-data event publisher (spec
// §4.I): after a successful local write, the state machine appends a
// typed event here; subscribers with optional key-pattern/op-type
// filters receive it on a best-effort, at-least-once basis.
package events

import (
	"path"
	"sync"

	metrics "github.com/armon/go-metrics"
)

// Event describes one committed, locally-applied write.
type Event struct {
	Op           string
	Keys         []string
	Version      uint64
	AppliedIndex uint64
	NodeID       string
}

// Filter narrows which events a subscriber receives. An empty
// KeyPattern or nil Ops matches everything on that axis.
type Filter struct {
	KeyPattern string
	Ops        []string
}

func (f Filter) matches(e Event) bool {
	if len(f.Ops) > 0 {
		found := false
		for _, op := range f.Ops {
			if op == e.Op {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.KeyPattern == "" {
		return true
	}
	for _, k := range e.Keys {
		if ok, _ := path.Match(f.KeyPattern, k); ok {
			return true
		}
	}
	return false
}

// DefaultBufferSize is the per-subscriber channel depth before the
// slowest subscribers start getting dropped (spec §4.I, default 10,000).
const DefaultBufferSize = 10_000

type subscriber struct {
	id     uint64
	filter Filter
	ch     chan Event
}

// Publisher fans committed events out to registered subscribers.
// Delivery is at-least-once best-effort: a subscriber whose buffer is
// full is dropped (its channel is closed and it receives no further
// events) and a BackpressureDropped counter incremented, rather than
// blocking the publishing write path.
type Publisher struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber
	nextID     uint64
	bufferSize int
	enabled    bool
}

// Config controls the publisher (spec §6 `event_stream.{enabled, buffer_size}`).
type Config struct {
	Enabled    bool
	BufferSize int
}

// New returns a Publisher configured per cfg. Sizes <= 0 fall back to DefaultBufferSize.
func New(cfg Config) *Publisher {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Publisher{
		subs:       make(map[uint64]*subscriber),
		bufferSize: size,
		enabled:    cfg.Enabled,
	}
}

// Subscription is a live registration; call Unsubscribe to stop
// receiving events and release its buffer.
type Subscription struct {
	id uint64
	C  <-chan Event
	p  *Publisher
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if sub, ok := s.p.subs[s.id]; ok {
		close(sub.ch)
		delete(s.p.subs, s.id)
	}
}

// Subscribe registers a new subscriber matching filter.
func (p *Publisher) Subscribe(filter Filter) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	sub := &subscriber{id: p.nextID, filter: filter, ch: make(chan Event, p.bufferSize)}
	p.subs[sub.id] = sub
	return &Subscription{id: sub.id, C: sub.ch, p: p}
}

// Publish fans out e to every matching subscriber. Called after the
// state mutation has been committed to local state, before the reply
// reaches the originating caller (spec §4.I).
func (p *Publisher) Publish(e Event) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			close(sub.ch)
			delete(p.subs, id)
			metrics.IncrCounter([]string{"events", "backpressure_dropped"}, 1)
		}
	}
}

// SubscriberCount reports the number of live subscriptions, for stats.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
