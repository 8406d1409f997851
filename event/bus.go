// bus.go - buffering event bus.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package event

import (
	"sync"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/haven-im/wamd/internal/worker"
	"github.com/haven-im/wamd/log"
	"github.com/haven-im/wamd/types"
)

// Handler consumes events. Handlers run on the bus dispatch goroutine;
// a slow handler delays later events but never loses them.
type Handler func(Event)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus delivers events to subscribers through an unbounded queue, so
// emitters never block. While buffering, events are held and coalesced;
// Flush releases them in insertion order.
type Bus struct {
	worker.Worker

	log *logging.Logger

	mutex  sync.Mutex
	depth  int
	queue  []Event
	closed bool

	sink *channels.InfiniteChannel

	subMutex sync.RWMutex
	subs     []subscriber
	nextID   uint64
}

func NewBus(logBackend *log.Backend) *Bus {
	b := &Bus{
		log:  logBackend.GetLogger("event/bus"),
		sink: channels.NewInfiniteChannel(),
	}
	b.Go(b.dispatchWorker)
	return b
}

// Subscribe registers a handler and returns its id for Unsubscribe.
func (b *Bus) Subscribe(fn Handler) uint64 {
	b.subMutex.Lock()
	defer b.subMutex.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, fn: fn})
	return b.nextID
}

func (b *Bus) Unsubscribe(id uint64) {
	b.subMutex.Lock()
	defer b.subMutex.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers or buffers one event.
func (b *Bus) Emit(ev Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		b.log.Warningf("dropping %s: bus closed", ev)
		return
	}
	if b.depth > 0 {
		b.coalesce(ev)
		return
	}
	b.sink.In() <- ev
}

// Buffer begins (or deepens) buffered delivery.
func (b *Bus) Buffer() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.depth++
}

// Flush ends one level of buffering. When the outermost level ends, the
// queue drains in insertion order. Flushing an unbuffered bus is a no-op.
func (b *Bus) Flush() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.depth == 0 {
		return
	}
	b.depth--
	if b.depth > 0 || b.closed {
		return
	}
	for _, ev := range b.queue {
		b.sink.In() <- ev
	}
	b.queue = nil
}

// WithScope buffers every event fn emits and flushes them atomically when
// fn returns, even on error.
func (b *Bus) WithScope(fn func() error) error {
	b.Buffer()
	defer b.Flush()
	return fn()
}

// Close flushes anything still queued and stops the dispatcher after the
// backlog drains.
func (b *Bus) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	for _, ev := range b.queue {
		b.sink.In() <- ev
	}
	b.queue = nil
	b.sink.Close()
	b.mutex.Unlock()

	b.Halt()
}

// coalesce merges ev into the buffered queue per the per-type rules, or
// appends it. Caller holds b.mutex.
func (b *Bus) coalesce(ev Event) {
	switch incoming := ev.(type) {
	case *CredsUpdate:
		// A later creds snapshot supersedes an earlier one in place.
		for i, q := range b.queue {
			if _, ok := q.(*CredsUpdate); ok {
				b.queue[i] = incoming
				return
			}
		}
	case *MessagesUpsert:
		for _, q := range b.queue {
			if existing, ok := q.(*MessagesUpsert); ok && existing.Type == incoming.Type {
				existing.Messages = append(existing.Messages, incoming.Messages...)
				return
			}
		}
	case *ContactsUpdate:
		for _, q := range b.queue {
			existing, ok := q.(*ContactsUpdate)
			if !ok {
				continue
			}
			for _, c := range incoming.Contacts {
				mergeContact(existing, c)
			}
			return
		}
	}
	b.queue = append(b.queue, ev)
}

func mergeContact(into *ContactsUpdate, c types.ContactUpdate) {
	for i := range into.Contacts {
		if into.Contacts[i].JID.Equal(c.JID) {
			into.Contacts[i].Merge(c)
			return
		}
	}
	into.Contacts = append(into.Contacts, c)
}

func (b *Bus) dispatchWorker() {
	for v := range b.sink.Out() {
		ev, ok := v.(Event)
		if !ok {
			continue
		}
		b.subMutex.RLock()
		subs := make([]subscriber, len(b.subs))
		copy(subs, b.subs)
		b.subMutex.RUnlock()
		for _, s := range subs {
			s.fn(ev)
		}
	}
}
