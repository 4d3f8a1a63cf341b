package watch

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/InsulaLabs/drift/protocol"
	"github.com/InsulaLabs/drift/subscriber"
)

type Status int

const (
	Idle Status = iota
	Subscribing
	Connected
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribing:
		return "subscribing"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Source hands out channels. *subscriber.Manager satisfies it.
type Source interface {
	Subscribe(name string) *subscriber.Channel
}

type Options struct {
	Channel string
	Event   string
	Enabled bool
}

// Snapshot is what a view renders. Data holds only the latest event.
type Snapshot struct {
	Data        json.RawMessage
	IsConnected bool
	Err         error
	Status      Status
}

/*
Watcher keeps one event binding alive for a view and folds everything
the channel reports into a Snapshot.

Every setup bumps a generation counter and the callbacks it registers
carry the generation they were made for, so a callback that was already
in flight when the binding was torn down cannot overwrite newer state.
*/
type Watcher struct {
	src Source

	mu       sync.Mutex
	opts     Options
	gen      uint64
	ch       *subscriber.Channel
	bindings []*subscriber.Binding
	snap     Snapshot
	closed   bool
	changes  chan Snapshot
}

func New(src Source, opts Options) *Watcher {
	w := &Watcher{
		src:     src,
		changes: make(chan Snapshot, 1),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opts = opts
	w.setup()
	w.notify()
	return w
}

// Update applies new options. Changing the channel or event while
// enabled drops the old binding before the new one is made.
func (w *Watcher) Update(opts Options) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || opts == w.opts {
		return
	}

	identityChanged := opts.Channel != w.opts.Channel || opts.Event != w.opts.Event
	w.teardown()
	w.opts = opts
	if identityChanged {
		w.snap.Data = nil
	}
	w.setup()
	w.notify()
}

// Resubscribe tears the binding down and builds it again. It is the only
// way out of Failed that keeps the same options.
func (w *Watcher) Resubscribe() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.teardown()
	w.setup()
	w.notify()
}

func (w *Watcher) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Changes delivers the latest snapshot after every transition. Only the
// newest value is buffered; it is closed by Close.
func (w *Watcher) Changes() <-chan Snapshot {
	return w.changes
}

func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.teardown()
	w.closed = true
	close(w.changes)
}

// setup expects w.mu to be held.
func (w *Watcher) setup() {
	w.gen++
	if !w.opts.Enabled || w.opts.Channel == "" || w.opts.Event == "" {
		w.snap.Status = Idle
		w.snap.IsConnected = false
		w.snap.Err = nil
		return
	}

	gen := w.gen
	w.snap.Status = Subscribing
	w.snap.IsConnected = false
	w.snap.Err = nil

	ch := w.src.Subscribe(w.opts.Channel)
	w.ch = ch
	w.bindings = []*subscriber.Binding{
		ch.Bind(w.opts.Event, func(data json.RawMessage) { w.onEvent(gen, data) }),
		ch.Bind(protocol.EventSubscriptionSucceeded, func(json.RawMessage) { w.onSucceeded(gen) }),
		ch.Bind(protocol.EventSubscriptionError, func(data json.RawMessage) { w.onError(gen, data) }),
		ch.Bind(protocol.EventSubscriptionPending, func(json.RawMessage) { w.onPending(gen) }),
	}

	// The channel may have settled before these bindings existed.
	switch ch.State() {
	case subscriber.Subscribed:
		w.snap.Status = Connected
		w.snap.IsConnected = true
	case subscriber.Failed:
		w.snap.Status = Failed
		w.snap.Err = ch.Err()
	}
}

// teardown expects w.mu to be held.
func (w *Watcher) teardown() {
	w.gen++
	for _, b := range w.bindings {
		w.ch.Unbind(b)
	}
	w.bindings = nil
	w.ch = nil
	w.snap.Status = Idle
	w.snap.IsConnected = false
}

func (w *Watcher) onEvent(gen uint64, data json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.snap.Status == Failed {
		return
	}
	w.snap.Data = append(json.RawMessage(nil), data...)
	w.snap.IsConnected = true
	w.snap.Err = nil
	w.snap.Status = Connected
	w.notify()
}

func (w *Watcher) onSucceeded(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.snap.Status != Subscribing {
		return
	}
	w.snap.Status = Connected
	w.snap.IsConnected = true
	w.snap.Err = nil
	w.notify()
}

// onPending runs when the connection drops. The channel is resubscribed on
// the next connection, so the view goes back to Subscribing. Failed stays
// Failed until Resubscribe.
func (w *Watcher) onPending(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || (w.snap.Status != Connected && w.snap.Status != Subscribing) {
		return
	}
	w.snap.Status = Subscribing
	w.snap.IsConnected = false
	w.snap.Err = nil
	w.notify()
}

func (w *Watcher) onError(gen uint64, data json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.snap.Status != Subscribing {
		return
	}
	var err error
	if w.ch != nil {
		err = w.ch.Err()
	}
	if err == nil {
		d := protocol.DecodeSubscriptionError(data)
		err = &subscriber.SubscriptionError{Status: d.Status, Message: d.Error}
	}
	w.snap.Status = Failed
	w.snap.IsConnected = false
	w.snap.Err = err
	w.notify()
}

// notify expects w.mu to be held.
func (w *Watcher) notify() {
	if w.closed {
		return
	}
	select {
	case w.changes <- w.snap:
		return
	default:
	}
	select {
	case <-w.changes:
	default:
	}
	select {
	case w.changes <- w.snap:
	default:
	}
}
