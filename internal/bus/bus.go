// Package bus fans session lifecycle events out to realtime observers.
//
// A new subscription first receives an init frame holding the current session
// records, and only then becomes visible to publishers, so an observer never
// misses or double-counts a transition that races with its arrival. Frames for
// one session reach each observer in publish order.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	logs "github.com/danmuck/sessiongate/internal/logging"
	"github.com/danmuck/sessiongate/internal/observability"
	"github.com/danmuck/sessiongate/internal/store"
)

var ErrClosed = errors.New("bus: closed")

const DefaultBuffer = 64

// Event names carried on the realtime channel.
const (
	EventInit          = "init"
	EventQR            = "qr"
	EventMessage       = "message"
	EventReady         = "ready"
	EventAuthenticated = "authenticated"
	EventAuthFailure   = "auth_failure"
	EventRemoveSession = "remove-session"
)

// Frame is one realtime message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type SessionPayload struct {
	ID string `json:"id"`
}

type QRPayload struct {
	ID  string `json:"id"`
	Src string `json:"src"`
}

type MessagePayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type AuthFailurePayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// SnapshotFunc returns the session records replayed to new observers.
type SnapshotFunc func(ctx context.Context) ([]store.Record, error)

// Publisher is the write side used by the lifecycle manager.
type Publisher interface {
	Publish(event string, data any)
}

// Bus is an in-process broadcast hub.
type Bus struct {
	snapshot SnapshotFunc
	buffer   int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

var _ Publisher = (*Bus)(nil)

// New builds a bus; buffer <= 0 selects DefaultBuffer.
func New(snapshot SnapshotFunc, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		snapshot: snapshot,
		buffer:   buffer,
		subs:     make(map[uint64]*Subscription),
	}
}

// Publish delivers a frame to every current subscription. A subscription
// whose buffer is full is evicted rather than blocking the publisher.
func (b *Bus) Publish(event string, data any) {
	frame := Frame{Event: event, Data: data}

	var slow []*Subscription
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- frame:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		if b.remove(sub) {
			sub.evicted.Store(true)
			observability.RecordObserverEvicted()
			logs.Warnf("bus.Bus.Publish evicted slow observer id=%d event=%q", sub.id, event)
		}
	}
}

// Subscribe registers an observer and queues the init frame first.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	records := []store.Record{}
	if b.snapshot != nil {
		loaded, err := b.snapshot(ctx)
		if err != nil {
			logs.Warnf("bus.Bus.Subscribe snapshot failed err=%v", err)
		} else if loaded != nil {
			records = loaded
		}
	}

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan Frame, b.buffer+1),
		bus: b,
	}
	sub.ch <- Frame{Event: EventInit, Data: records}
	b.subs[sub.id] = sub
	observability.SetObservers(len(b.subs))
	return sub, nil
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	observability.SetObservers(0)
}

func (b *Bus) remove(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return false
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	observability.SetObservers(len(b.subs))
	return true
}

// Subscription is one observer's ordered frame queue.
type Subscription struct {
	id      uint64
	ch      chan Frame
	bus     *Bus
	evicted atomic.Bool
}

func (s *Subscription) ID() uint64 {
	return s.id
}

// C yields frames until the subscription is closed or evicted.
func (s *Subscription) C() <-chan Frame {
	return s.ch
}

// Evicted reports whether the bus dropped this subscription for lagging.
func (s *Subscription) Evicted() bool {
	return s.evicted.Load()
}

func (s *Subscription) Close() {
	s.bus.remove(s)
}
