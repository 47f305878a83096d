// Package fanout delivers syncevents.Event values to subscribed
// clients with bounded, per-subscription queues. A subscription that
// can't keep up is closed rather than allowed to apply backpressure to
// the publisher or silently drop events forever, generalized from the
// teacher's watcher/broadcast registry.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsync/hub/internal/metrics"
	"github.com/agentsync/hub/internal/syncevents"
)

// Scope narrows a Subscription to the events it cares about. Namespace
// is the tenant the subscribing client is authenticated into; it is
// checked before anything else so a client can never receive an event
// belonging to another namespace regardless of how All/SessionID/
// MachineID are set.
type Scope struct {
	Namespace string
	All       bool
	SessionID string
	MachineID string
}

func (s Scope) matches(evt syncevents.Event) bool {
	if evt.Namespace != "" && s.Namespace != "" && evt.Namespace != s.Namespace {
		return false
	}
	if s.All {
		return true
	}
	if s.SessionID != "" && evt.SessionID == s.SessionID {
		return true
	}
	if s.MachineID != "" && evt.MachineID == s.MachineID {
		return true
	}
	return false
}

// VisibilityFilter lets a Subscription suppress events it's scoped to
// receive but shouldn't see beyond the standard toast/visible gating.
// A nil filter admits everything the Scope matches.
type VisibilityFilter func(evt syncevents.Event) bool

const outboundQueueSize = 64

// Subscription is a single client's live event channel. visible is
// mutable after creation — a client's later POST /api/visibility call
// flips it via Fanout.SetVisibility, which takes effect on the very
// next toast the fanout considers delivering.
type Subscription struct {
	ID        int64
	Events    <-chan syncevents.Event
	Closed    <-chan struct{}
	events    chan syncevents.Event
	closed    chan struct{}
	closeOnce sync.Once
	visible   atomic.Bool
}

// Visible reports whether the subscription is currently marked
// foregrounded (eligible for toast delivery).
func (s *Subscription) Visible() bool { return s.visible.Load() }

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

type subscriber struct {
	scope    Scope
	filter   VisibilityFilter
	sub      *Subscription
}

// Fanout owns the live set of subscriptions and the heartbeat ticker
// that keeps idle WebSocket/SSE connections from being reaped by
// intermediaries.
type Fanout struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64

	unsubscribe func()
	heartbeat   time.Duration
	stopHB      chan struct{}
	hbOnce      sync.Once
}

// New wires a Fanout to receive events from pub and begins delivering
// them to subscriptions as they register.
func New(pub *syncevents.Publisher, heartbeatInterval time.Duration) *Fanout {
	f := &Fanout{
		subscribers: make(map[int64]*subscriber),
		heartbeat:   heartbeatInterval,
	}

	sink := make(chan syncevents.Event, 256)
	f.unsubscribe = pub.Subscribe(sink)
	go f.pump(sink)
	return f
}

func (f *Fanout) pump(sink <-chan syncevents.Event) {
	for evt := range sink {
		f.deliver(evt)
	}
}

const kindHeartbeat = syncevents.Kind("heartbeat")

func (f *Fanout) deliver(evt syncevents.Event) {
	f.mu.RLock()
	targets := make([]*subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		if evt.Kind == kindHeartbeat {
			targets = append(targets, sub)
			continue
		}
		if !sub.scope.matches(evt) {
			continue
		}
		if evt.Kind == syncevents.KindToast && !sub.sub.visible.Load() {
			continue
		}
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		targets = append(targets, sub)
	}
	f.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.sub.events <- evt:
		case <-sub.sub.closed:
		default:
			f.closeSubscription(sub.sub.ID)
			metrics.SubscriptionsClosedOverflowTotal.Inc()
		}
	}
}

// Subscribe registers a new subscription matching scope, optionally
// narrowed by filter. initialVisible sets the subscription's starting
// visibility flag; a later POST /api/visibility call can flip it via
// SetVisibility. Callers must call Unsubscribe when done.
func (f *Fanout) Subscribe(scope Scope, initialVisible bool, filter VisibilityFilter) *Subscription {
	f.mu.Lock()
	id := f.nextID
	f.nextID++

	sub := &Subscription{
		ID:     id,
		events: make(chan syncevents.Event, outboundQueueSize),
		closed: make(chan struct{}),
	}
	sub.Events = sub.events
	sub.Closed = sub.closed
	sub.visible.Store(initialVisible)

	f.subscribers[id] = &subscriber{scope: scope, filter: filter, sub: sub}
	count := len(f.subscribers)
	f.mu.Unlock()

	metrics.SubscriptionsActive.Set(float64(count))
	if count == 1 {
		f.startHeartbeat()
	}
	return sub
}

// SetVisibility flips a live subscription's visibility flag. Returns
// false if id names no currently-open subscription (already
// unsubscribed, or never existed) so callers can surface a 404 instead
// of silently no-op'ing.
func (f *Fanout) SetVisibility(id int64, visible bool) bool {
	f.mu.RLock()
	sub, ok := f.subscribers[id]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	sub.sub.visible.Store(visible)
	return true
}

// Unsubscribe removes a subscription and stops the heartbeat if it
// was the last one.
func (f *Fanout) Unsubscribe(id int64) {
	f.closeSubscription(id)
}

func (f *Fanout) closeSubscription(id int64) {
	f.mu.Lock()
	sub, ok := f.subscribers[id]
	if ok {
		delete(f.subscribers, id)
	}
	count := len(f.subscribers)
	f.mu.Unlock()

	if !ok {
		return
	}
	sub.sub.close()
	metrics.SubscriptionsActive.Set(float64(count))

	if count == 0 {
		f.stopHeartbeat()
	}
}

func (f *Fanout) startHeartbeat() {
	f.mu.Lock()
	if f.stopHB != nil {
		f.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	f.stopHB = stop
	f.mu.Unlock()

	go func() {
		ticker := time.NewTicker(f.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.deliver(syncevents.Event{Kind: kindHeartbeat})
			}
		}
	}()
}

func (f *Fanout) stopHeartbeat() {
	f.mu.Lock()
	stop := f.stopHB
	f.stopHB = nil
	f.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Close tears the Fanout down: stops the heartbeat, unsubscribes from
// the publisher, and closes every live subscription.
func (f *Fanout) Close() {
	f.stopHeartbeat()
	f.unsubscribe()

	f.mu.Lock()
	subs := f.subscribers
	f.subscribers = make(map[int64]*subscriber)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.sub.close()
	}
}
