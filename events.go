package cdpkit

import (
	"sync"

	"github.com/chromedp/cdproto"
	"golang.org/x/exp/slices"
)

// EventHandler receives a decoded event. It must not block, since handlers
// run synchronously, in registration order, on the dispatching goroutine.
type EventHandler func(msg *cdproto.Message)

// subscription is one registered handler, tagged so Dispatch can remove
// one-shot subscribers after their single invocation. See spec §4.C.
type subscription struct {
	id      uint64
	handler EventHandler
	oneShot bool
}

// EventRouter fans incoming events out to subscribers registered by event
// method name, preserving registration order and supporting one-shot
// (auto-unregistering) subscriptions.
type EventRouter struct {
	mu    sync.Mutex
	nextID uint64
	subs  map[cdproto.MethodType][]subscription
}

// NewEventRouter constructs an empty EventRouter.
func NewEventRouter() *EventRouter {
	return &EventRouter{
		subs: make(map[cdproto.MethodType][]subscription),
	}
}

// On registers handler to run for every future event named method, until
// explicitly removed via the returned unregister func. Subscribers for the
// same method fire in the order they were registered.
func (r *EventRouter) On(method cdproto.MethodType, handler EventHandler) (unregister func()) {
	return r.register(method, handler, false)
}

// Once registers handler to run exactly once for the next event named
// method, then auto-unregister.
func (r *EventRouter) Once(method cdproto.MethodType, handler EventHandler) (unregister func()) {
	return r.register(method, handler, true)
}

func (r *EventRouter) register(method cdproto.MethodType, handler EventHandler, oneShot bool) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[method] = append(r.subs[method], subscription{id: id, handler: handler, oneShot: oneShot})
	r.mu.Unlock()

	return func() { r.unregister(method, id) }
}

func (r *EventRouter) unregister(method cdproto.MethodType, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[method]
	idx := slices.IndexFunc(list, func(s subscription) bool { return s.id == id })
	if idx == -1 {
		return
	}
	r.subs[method] = slices.Delete(list, idx, idx+1)
}

// Dispatch runs every subscriber registered for msg.Method, in registration
// order, removing one-shot subscribers after they fire.
func (r *EventRouter) Dispatch(msg *cdproto.Message) {
	r.mu.Lock()
	list := r.subs[msg.Method]
	handlers := make([]subscription, len(list))
	copy(handlers, list)

	var remaining []subscription
	for _, s := range list {
		if !s.oneShot {
			remaining = append(remaining, s)
		}
	}
	r.subs[msg.Method] = remaining
	r.mu.Unlock()

	for _, s := range handlers {
		s.handler(msg)
	}
}

// Close removes every subscription. Handlers in flight are unaffected.
func (r *EventRouter) Close() {
	r.mu.Lock()
	r.subs = make(map[cdproto.MethodType][]subscription)
	r.mu.Unlock()
}
