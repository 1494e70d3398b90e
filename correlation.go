package cdpkit

import (
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
)

// correlationTable maps outstanding CommandIds to the channel a waiter is
// blocked on, serving Transport.SendAndAwait. See spec §4.B.
type correlationTable struct {
	next int64 // atomically incremented command id source

	mu      sync.Mutex
	pending map[int64]chan *cdproto.Message
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{
		pending: make(map[int64]chan *cdproto.Message),
	}
}

// allocate reserves the next CommandId and returns a slot for its eventual
// response. The returned channel receives exactly one value: the response,
// or nil if the table is drained before one arrives.
func (c *correlationTable) allocate() (int64, chan *cdproto.Message) {
	id := atomic.AddInt64(&c.next, 1)
	ch := make(chan *cdproto.Message, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	return id, ch
}

// resolve delivers msg to the waiter for id, if any is still pending. It
// reports whether a waiter was found.
func (c *correlationTable) resolve(id int64, msg *cdproto.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// cancel removes a slot without delivering a response, used when a write
// fails or the caller's context is done before a response arrives.
func (c *correlationTable) cancel(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// drain rejects every outstanding slot by closing its channel, used on
// Transport.Close or an unsolicited socket failure.
func (c *correlationTable) drain(_ error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *cdproto.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}
