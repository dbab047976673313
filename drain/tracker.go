package drain

import (
	"net"
	"net/http"
	"sync"
)

// connTracker accounts for every connection the server has accepted and how
// many requests are currently being served on each. The per-connection count
// is a multiset: with pipelining the same connection may back several
// concurrent requests, and releasing one request must decrement exactly one
// occurrence.
//
// A connection is idle when it has no registered requests and the server has
// not reported it active (bytes read, handler not yet dispatched). Idle
// connections are the ones the drainer may destroy outright.
type connTracker struct {
	mu     sync.Mutex
	states map[net.Conn]http.ConnState
	active map[net.Conn]int
}

func newConnTracker() *connTracker {
	return &connTracker{
		states: make(map[net.Conn]http.ConnState),
		active: make(map[net.Conn]int),
	}
}

// observe records a newly accepted connection.
func (t *connTracker) observe(c net.Conn, state http.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[c] = state
}

// setState updates the server-reported state of a connection.
func (t *connTracker) setState(c net.Conn, state http.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[c] = state
}

// markActive registers one in-flight request on c. The connection is added to
// the tracked set first if it has not been observed yet, so an active
// connection is always also a tracked one.
func (t *connTracker) markActive(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[c]; !ok {
		t.states[c] = http.StateActive
	}
	t.active[c]++
}

// markDone releases exactly one in-flight request on c. Other concurrent
// requests on the same connection stay accounted for.
func (t *connTracker) markDone(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.active[c]
	switch {
	case n > 1:
		t.active[c] = n - 1
	case n == 1:
		delete(t.active, c)
	}
}

// forget drops all accounting for c, e.g. once the connection has closed.
func (t *connTracker) forget(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, c)
	delete(t.active, c)
}

// idle returns the tracked connections with no in-flight requests that the
// server has not reported active.
func (t *connTracker) idle() []net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	var conns []net.Conn
	for c, state := range t.states {
		if t.active[c] == 0 && state != http.StateActive {
			conns = append(conns, c)
		}
	}
	return conns
}

func (t *connTracker) activeCount(c net.Conn) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[c]
}

func (t *connTracker) tracked(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[c]
	return ok
}

func (t *connTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
