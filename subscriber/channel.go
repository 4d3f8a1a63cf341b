package subscriber

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

type ChannelState int

const (
	Pending ChannelState = iota
	Subscribed
	Failed
)

func (s ChannelState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Subscribed:
		return "subscribed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

// SubscriptionError is the relay's reason for refusing a channel. Status
// is 0 for local failures such as a missing configuration.
type SubscriptionError struct {
	Status  int
	Message string
}

func (e *SubscriptionError) Error() string {
	if e.Status == 0 {
		return "subscription failed: " + e.Message
	}
	return fmt.Sprintf("subscription failed (status %d): %s", e.Status, e.Message)
}

// Handler receives event data with the relay's string encoding removed.
type Handler func(data json.RawMessage)

// Binding is the token returned by Bind, needed to Unbind.
type Binding struct {
	ch      *Channel
	event   string
	handler Handler
	active  atomic.Bool
}

type Channel struct {
	m    *Manager
	name string

	mu       sync.Mutex
	state    ChannelState
	err      *SubscriptionError
	sentGen  uint64
	released bool
	bindings map[string][]*Binding
}

func newChannel(m *Manager, name string) *Channel {
	return &Channel{
		m:        m,
		name:     name,
		bindings: make(map[string][]*Binding),
	}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the last subscription failure, nil unless State is Failed.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

/*
Bind registers h for event on this channel. Handlers for one event run in
registration order on the manager's reader goroutine. Binding on a
channel that was released puts it back under management, or attaches to
the channel that replaced it.
*/
func (c *Channel) Bind(event string, h Handler) *Binding {
	b := &Binding{event: event, handler: h}
	b.active.Store(true)

	target := c
	for {
		target.mu.Lock()
		if !target.released {
			b.ch = target
			target.bindings[event] = append(target.bindings[event], b)
			target.mu.Unlock()
			return b
		}
		target.mu.Unlock()

		live := target.m.readopt(target)
		if live == nil {
			// manager closed, the binding never fires
			target.mu.Lock()
			b.ch = target
			target.bindings[event] = append(target.bindings[event], b)
			target.mu.Unlock()
			return b
		}
		target = live
	}
}

// Unbind removes b. It is idempotent and safe to call from a handler.
// Removing the last binding releases the channel.
func (c *Channel) Unbind(b *Binding) {
	if b == nil || !b.active.CompareAndSwap(true, false) {
		return
	}
	target := b.ch

	target.mu.Lock()
	list := target.bindings[b.event]
	for i, existing := range list {
		if existing == b {
			target.bindings[b.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(target.bindings[b.event]) == 0 {
		delete(target.bindings, b.event)
	}
	empty := len(target.bindings) == 0
	target.mu.Unlock()

	if empty {
		target.m.release(target)
	}
}

// Unbind is shorthand for b's channel Unbind.
func (b *Binding) Unbind() {
	if b != nil {
		b.ch.Unbind(b)
	}
}

func (c *Channel) emit(event string, data json.RawMessage) {
	c.mu.Lock()
	handlers := append([]*Binding(nil), c.bindings[event]...)
	c.mu.Unlock()

	for _, b := range handlers {
		if b.active.Load() {
			b.handler(data)
		}
	}
}

func (c *Channel) succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Subscribed
	c.err = nil
}

func (c *Channel) fail(err *SubscriptionError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Failed
	c.err = err
}

func (c *Channel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Pending
	c.err = nil
	c.sentGen = 0
	c.released = false
}

// markSent reports whether a subscribe for gen still needs to be sent.
func (c *Channel) markSent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sentGen == gen {
		return false
	}
	c.sentGen = gen
	return true
}
