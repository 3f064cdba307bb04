package proc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/go-delve/dbgcore/pkg/logflags"
)

// Topic selects one of the event streams of a Broadcaster.
type Topic uint8

const (
	// TopicPrivate carries every state transition reported by the backend.
	TopicPrivate Topic = iota
	// TopicPublic carries the transitions that passed the broadcast policy.
	TopicPublic
)

func (t Topic) String() string {
	switch t {
	case TopicPrivate:
		return "private"
	case TopicPublic:
		return "public"
	}
	return fmt.Sprintf("topic(%d)", uint8(t))
}

// WaitForever can be passed as a timeout to wait without a bound.
const WaitForever time.Duration = -1

// Broadcaster delivers events to the listeners subscribed to a topic, or
// exclusively to the listener currently hijacking it.
// Delivery is FIFO per topic.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[Topic][]*Listener
	hijackers   map[Topic][]*HijackToken
	onRemoval   func(*Event)
	log         logflags.Logger
}

// NewBroadcaster returns a new Broadcaster. The onRemoval function, if not
// nil, is called once for every armed event, by the first listener that
// removes it from its queue.
func NewBroadcaster(onRemoval func(*Event)) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[Topic][]*Listener),
		hijackers:   make(map[Topic][]*HijackToken),
		onRemoval:   onRemoval,
		log:         logflags.EventsLogger(),
	}
}

// NewListener returns a listener that is not subscribed to any topic.
func (b *Broadcaster) NewListener(name string) *Listener {
	return &Listener{
		name:  name,
		bus:   b,
		q:     queue.New(),
		ready: make(chan struct{}, 1),
	}
}

// Subscribe adds l to the subscribers of topic.
func (b *Broadcaster) Subscribe(topic Topic, l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers[topic] {
		if s == l {
			return
		}
	}
	b.subscribers[topic] = append(b.subscribers[topic], l)
}

// Unsubscribe removes l from the subscribers of topic.
func (b *Broadcaster) Unsubscribe(topic Topic, l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i := range subs {
		if subs[i] == l {
			b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev on topic. An event published on a topic nobody
// listens to is considered removed immediately.
func (b *Broadcaster) Publish(topic Topic, ev *Event) {
	b.mu.Lock()
	delivered := b.deliverLocked(topic, ev)
	b.mu.Unlock()
	if !delivered {
		b.removed(ev)
	}
}

func (b *Broadcaster) deliverLocked(topic Topic, ev *Event) bool {
	if hs := b.hijackers[topic]; len(hs) > 0 {
		h := hs[len(hs)-1]
		b.log.Debugf("publish %s on %s, hijacked by %s", ev, topic, h.l.name)
		h.l.push(topic, ev)
		return true
	}
	subs := b.subscribers[topic]
	b.log.Debugf("publish %s on %s to %d listeners", ev, topic, len(subs))
	for _, l := range subs {
		l.push(topic, ev)
	}
	return len(subs) > 0
}

func (b *Broadcaster) removed(ev *Event) {
	if ev.takeRemoval() && b.onRemoval != nil {
		b.onRemoval(ev)
	}
}

// IsHijacked returns true if topic is currently hijacked.
func (b *Broadcaster) IsHijacked(topic Topic) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hijackers[topic]) > 0
}

// Hijack redirects every event published on topic to l until the returned
// token is released. Hijacks of the same topic nest and must be released
// in reverse order.
func (b *Broadcaster) Hijack(topic Topic, l *Listener) (*HijackToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.hijackers[topic] {
		if h.l == l {
			return nil, fmt.Errorf("listener %s already hijacks the %s topic", l.name, topic)
		}
	}
	tok := &HijackToken{b: b, topic: topic, l: l}
	b.hijackers[topic] = append(b.hijackers[topic], tok)
	b.log.Debugf("%s topic hijacked by %s", topic, l.name)
	return tok, nil
}

// HijackToken is the scope of a hijack, returned by Hijack.
type HijackToken struct {
	b        *Broadcaster
	topic    Topic
	l        *Listener
	released bool
}

// Release ends the hijack. Events that reached the hijacking listener and
// were not consumed are handed, in order, to whoever receives the topic
// next. Calling Release more than once is a no-op.
func (t *HijackToken) Release() {
	b := t.b
	b.mu.Lock()
	if t.released {
		b.mu.Unlock()
		return
	}
	stack := b.hijackers[t.topic]
	if len(stack) == 0 || stack[len(stack)-1] != t {
		b.mu.Unlock()
		panic(fmt.Sprintf("hijack of the %s topic by %s released out of order", t.topic, t.l.name))
	}
	t.released = true
	b.hijackers[t.topic] = stack[:len(stack)-1]
	var dropped []*Event
	for _, ev := range t.l.drain(t.topic) {
		if !b.deliverLocked(t.topic, ev) {
			dropped = append(dropped, ev)
		}
	}
	b.log.Debugf("%s topic released by %s", t.topic, t.l.name)
	b.mu.Unlock()
	for _, ev := range dropped {
		b.removed(ev)
	}
}

type queuedEvent struct {
	topic Topic
	ev    *Event
}

// Listener is a FIFO of events received from a Broadcaster.
type Listener struct {
	name  string
	bus   *Broadcaster
	mu    sync.Mutex
	q     *queue.Queue
	ready chan struct{}
}

// Name returns the name of the listener.
func (l *Listener) Name() string {
	return l.name
}

func (l *Listener) push(topic Topic, ev *Event) {
	l.mu.Lock()
	l.q.Add(queuedEvent{topic, ev})
	l.mu.Unlock()
	l.signal()
}

func (l *Listener) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *Listener) pop() (*Event, bool) {
	l.mu.Lock()
	if l.q.Length() == 0 {
		l.mu.Unlock()
		return nil, false
	}
	qe := l.q.Remove().(queuedEvent)
	more := l.q.Length() > 0
	l.mu.Unlock()
	if more {
		l.signal()
	}
	return qe.ev, true
}

// drain removes and returns every queued event of topic.
func (l *Listener) drain(topic Topic) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Event
	keep := queue.New()
	for l.q.Length() > 0 {
		qe := l.q.Remove().(queuedEvent)
		if qe.topic == topic {
			out = append(out, qe.ev)
		} else {
			keep.Add(qe)
		}
	}
	l.q = keep
	return out
}

// Ready returns a channel that receives a value when events may be
// available. It is meant to be used in a select statement, followed by a
// call to TryGetEvent.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Len returns the number of queued events.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Length()
}

// PeekEvent returns the next event without removing it.
func (l *Listener) PeekEvent() (*Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.q.Length() == 0 {
		return nil, false
	}
	return l.q.Peek().(queuedEvent).ev, true
}

// TryGetEvent removes the next event without waiting.
func (l *Listener) TryGetEvent() (*Event, bool) {
	ev, ok := l.pop()
	if ok {
		l.bus.removed(ev)
	}
	return ev, ok
}

// GetEvent removes the next event, waiting at most timeout for one to
// arrive. Pass WaitForever to wait without a bound.
func (l *Listener) GetEvent(timeout time.Duration) (*Event, bool) {
	return l.GetEventContext(context.Background(), timeout)
}

// GetEventContext is like GetEvent but also gives up when ctx is done.
func (l *Listener) GetEventContext(ctx context.Context, timeout time.Duration) (*Event, bool) {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		if ev, ok := l.TryGetEvent(); ok {
			return ev, true
		}
		select {
		case <-l.ready:
		case <-expired:
			return l.TryGetEvent()
		case <-ctx.Done():
			return nil, false
		}
	}
}
