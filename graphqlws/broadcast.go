package graphqlws

import (
	"context"
	"sync"
)

// Event is one delivery from a Broadcaster: either a message or an error.
type Event struct {
	Message *Message
	Err     error
}

// Broadcaster fans inbound messages out to any number of listeners. It is independent of any
// particular transport, so listeners remain attached when the transport is replaced.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
	closed    bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: map[*Listener]struct{}{},
	}
}

// Listen attaches a listener that receives messages accepted by filter and all errors. A nil
// filter accepts everything. Listening on a closed broadcaster returns a listener that is already
// closed.
func (b *Broadcaster) Listen(filter func(*Message) bool) *Listener {
	l := &Listener{
		broadcaster: b,
		filter:      filter,
		notify:      make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		l.ended = true
	} else {
		b.listeners[l] = struct{}{}
	}
	return l
}

// ListenID attaches a listener for messages with the given id.
func (b *Broadcaster) ListenID(id string) *Listener {
	return b.Listen(func(msg *Message) bool {
		return msg.Id == id
	})
}

// Publish delivers msg to every listener whose filter accepts it. It never blocks.
func (b *Broadcaster) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for l := range b.listeners {
		if l.filter == nil || l.filter(msg) {
			l.push(Event{Message: msg})
		}
	}
}

// PublishError delivers err to every listener.
func (b *Broadcaster) PublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for l := range b.listeners {
		l.push(Event{Err: err})
	}
}

// Close ends every listener once it has drained its queue. Subsequent publishes are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for l := range b.listeners {
		l.end()
	}
	b.listeners = map[*Listener]struct{}{}
}

func (b *Broadcaster) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broadcaster) remove(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, l)
}

// Listener is a view of a Broadcaster. Events are queued without bound and returned in publish
// order.
type Listener struct {
	broadcaster *Broadcaster
	filter      func(*Message) bool
	notify      chan struct{}

	mu     sync.Mutex
	queue  []Event
	ended  bool
	closed bool
}

func (l *Listener) push(ev Event) {
	l.mu.Lock()
	if !l.closed {
		l.queue = append(l.queue, ev)
	}
	l.mu.Unlock()
	l.wake()
}

func (l *Listener) end() {
	l.mu.Lock()
	l.ended = true
	l.mu.Unlock()
	l.wake()
}

func (l *Listener) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event. It returns ErrFlowClosed once the broadcaster is closed and the
// queue is drained, or if the listener itself was closed.
func (l *Listener) Next(ctx context.Context) (Event, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return Event{}, ErrFlowClosed
		}
		if len(l.queue) > 0 {
			ev := l.queue[0]
			l.queue[0] = Event{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return ev, nil
		}
		ended := l.ended
		l.mu.Unlock()
		if ended {
			return Event{}, ErrFlowClosed
		}

		select {
		case <-l.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close detaches the listener and discards anything queued. It is safe to call more than once.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	l.broadcaster.remove(l)
	l.wake()
}
