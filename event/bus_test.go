// bus_test.go
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-im/wamd/log"
	"github.com/haven-im/wamd/types"
)

func newTestBus(t *testing.T) *Bus {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	b := NewBus(logBackend)
	t.Cleanup(b.Close)
	return b
}

type collector struct {
	mutex  sync.Mutex
	events []Event
	ch     chan Event
}

func newCollector(b *Bus) *collector {
	c := &collector{ch: make(chan Event, 64)}
	b.Subscribe(func(ev Event) {
		c.mutex.Lock()
		c.events = append(c.events, ev)
		c.mutex.Unlock()
		c.ch <- ev
	})
	return c
}

func (c *collector) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (c *collector) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-c.ch:
		t.Fatalf("unexpected event: %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitDirect(t *testing.T) {
	b := newTestBus(t)
	c := newCollector(b)

	b.Emit(&LoggedOut{Reason: types.ReasonLoggedOut})
	ev := c.next(t)
	lo, ok := ev.(*LoggedOut)
	require.True(t, ok)
	assert.Equal(t, types.ReasonLoggedOut, lo.Reason)
}

func TestBufferPreservesOrder(t *testing.T) {
	b := newTestBus(t)
	c := newCollector(b)

	b.Buffer()
	b.Emit(&ConnectionUpdate{Connection: types.StateOpen})
	b.Emit(&ChatsDelete{JIDs: []types.JID{types.NewJID("1", types.DefaultUserServer)}})
	b.Emit(&PresenceUpdate{From: types.NewJID("2", types.DefaultUserServer)})
	c.quiet(t)
	b.Flush()

	_, ok := c.next(t).(*ConnectionUpdate)
	require.True(t, ok)
	_, ok = c.next(t).(*ChatsDelete)
	require.True(t, ok)
	_, ok = c.next(t).(*PresenceUpdate)
	require.True(t, ok)
}

func TestCredsCoalesce(t *testing.T) {
	b := newTestBus(t)
	c := newCollector(b)

	first := &CredsUpdate{}
	second := &CredsUpdate{}

	b.Buffer()
	b.Emit(first)
	b.Emit(&ChatsDelete{})
	b.Emit(second)
	b.Flush()

	// The creds update keeps its original queue position but carries the
	// later payload.
	ev := c.next(t)
	cu, ok := ev.(*CredsUpdate)
	require.True(t, ok)
	assert.Same(t, second, cu)
	_, ok = c.next(t).(*ChatsDelete)
	require.True(t, ok)
	c.quiet(t)
}

func TestUpsertCoalesceByType(t *testing.T) {
	b := newTestBus(t)
	c := newCollector(b)

	b.Buffer()
	b.Emit(&MessagesUpsert{Type: UpsertNotify, Messages: []UpsertMessage{{}, {}}})
	b.Emit(&MessagesUpsert{Type: UpsertAppend, Messages: []UpsertMessage{{}}})
	b.Emit(&MessagesUpsert{Type: UpsertNotify, Messages: []UpsertMessage{{}}})
	b.Flush()

	ev := c.next(t).(*MessagesUpsert)
	assert.Equal(t, UpsertNotify, ev.Type)
	assert.Len(t, ev.Messages, 3)
	ev = c.next(t).(*MessagesUpsert)
	assert.Equal(t, UpsertAppend, ev.Type)
	assert.Len(t, ev.Messages, 1)
	c.quiet(t)
}

func TestContactsCoalesceByJID(t *testing.T) {
	b := newTestBus(t)
	c := newCollector(b)

	alice := types.NewJID("alice", types.DefaultUserServer)
	bob := types.NewJID("bob", types.DefaultUserServer)
	name1, name2, full := "A", "A2", "Alice Fullname"

	b.Buffer()
	b.Emit(&ContactsUpdate{Contacts: []types.ContactUpdate{{JID: alice, PushName: &name1}}})
	b.Emit(&ContactsUpdate{Contacts: []types.ContactUpdate{
		{JID: alice, PushName: &name2, FullName: &full},
		{JID: bob, PushName: &name1},
	}})
	b.Flush()

	ev := c.next(t).(*ContactsUpdate)
	require.Len(t, ev.Contacts, 2)
	assert.True(t, ev.Contacts[0].JID.Equal(alice))
	assert.Equal(t, "A2", *ev.Contacts[0].PushName)
	assert.Equal(t, full, *ev.Contacts[0].FullName)
	assert.True(t, ev.Contacts[1].JID.Equal(bob))
	c.quiet(t)
}

func TestNestedBuffering(t *testing.T) {
	b := newTestBus(t)
	c := newCollector(b)

	b.Buffer()
	b.Buffer()
	b.Emit(&ChatsDelete{})
	b.Flush()
	c.quiet(t)

	b.Flush()
	_, ok := c.next(t).(*ChatsDelete)
	require.True(t, ok)

	// Flushing an unbuffered bus is a no-op.
	b.Flush()
	b.Emit(&ChatsDelete{})
	_, ok = c.next(t).(*ChatsDelete)
	require.True(t, ok)
}

func TestWithScope(t *testing.T) {
	b := newTestBus(t)
	c := newCollector(b)

	err := b.WithScope(func() error {
		b.Emit(&ConnectionUpdate{Connection: types.StateOpen})
		b.Emit(&ConnectionUpdate{Connection: types.StateClosed})
		c.quiet(t)
		return nil
	})
	require.NoError(t, err)

	first := c.next(t).(*ConnectionUpdate)
	second := c.next(t).(*ConnectionUpdate)
	assert.Equal(t, types.StateOpen, first.Connection)
	assert.Equal(t, types.StateClosed, second.Connection)
}

func TestCloseDeliversBacklog(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	b := NewBus(logBackend)
	c := newCollector(b)

	b.Buffer()
	b.Emit(&ChatsDelete{})
	b.Close()

	select {
	case ev := <-c.ch:
		_, ok := ev.(*ChatsDelete)
		assert.True(t, ok)
	default:
		t.Fatal("backlog was not delivered before Close returned")
	}

	// Emitting after Close must not panic.
	b.Emit(&ChatsDelete{})
}
