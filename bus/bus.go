// Package bus fans printer events out to subscribers. The LAN and cloud
// services publish onto one bus each; an application can subscribe to both
// and see a single merged stream.
package bus

import (
	"sync"

	"github.com/TheLab-ms/printerlink/biz"
)

// Bus multiplexes published events to any number of subscribers. Slow
// subscribers have frames dropped rather than blocking the publisher: the
// inbound message pump must never stall behind an application callback.
type Bus struct {
	mu      sync.RWMutex
	clients map[chan biz.Event]struct{}
	cb      biz.EventCallback
}

func New() *Bus {
	return &Bus{clients: make(map[chan biz.Event]struct{})}
}

// SetCallback installs the application-facing callback. It is invoked
// synchronously from Publish but never under the bus lock.
func (b *Bus) SetCallback(cb biz.EventCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = cb
}

// Subscribe returns a channel receiving every published event. The caller
// must Unsubscribe when done.
func (b *Bus) Subscribe() chan biz.Event {
	ch := make(chan biz.Event, 30)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unsubscribing a
// channel that was never subscribed is a no-op.
func (b *Bus) Unsubscribe(ch chan biz.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; !ok {
		return
	}
	delete(b.clients, ch)
	close(ch)
}

// Publish delivers ev to every subscriber and the installed callback.
// Only event-kind methods are accepted; request methods are silently
// rejected to keep the surface closed.
func (b *Bus) Publish(ev biz.Event) {
	if !ev.Method.IsEvent() {
		return
	}

	b.mu.RLock()
	cb := b.cb
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Drop frame for slow subscriber.
		}
	}
	b.mu.RUnlock()

	if cb != nil {
		cb(ev)
	}
}

// Close unsubscribes everyone and drops the callback.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
	b.cb = nil
}
