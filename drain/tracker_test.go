package drain

import (
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server
}

// TestTrackerMultiset checks the per-connection request accounting: the same
// connection may back several concurrent requests, and releasing one must
// decrement exactly one occurrence.
func TestTrackerMultiset(t *testing.T) {
	tr := newConnTracker()
	a := pipeConn(t)
	b := pipeConn(t)

	tr.observe(a, http.StateNew)
	tr.observe(b, http.StateNew)

	tr.markActive(a)
	tr.markActive(a) // pipelined second request on the same socket
	require.Equal(t, 2, tr.activeCount(a))
	require.Equal(t, 0, tr.activeCount(b))

	idle := tr.idle()
	require.Len(t, idle, 1)
	require.Equal(t, b, idle[0])

	tr.markDone(a)
	require.Equal(t, 1, tr.activeCount(a))
	require.Len(t, tr.idle(), 1)

	tr.markDone(a)
	require.Equal(t, 0, tr.activeCount(a))
	require.Len(t, tr.idle(), 2)

	// releasing below zero must not wrap around
	tr.markDone(a)
	require.Equal(t, 0, tr.activeCount(a))
}

// TestTrackerActiveSubsetOfTracked checks that marking a request on a socket
// the server has not reported yet still records the socket first.
func TestTrackerActiveSubsetOfTracked(t *testing.T) {
	tr := newConnTracker()
	c := pipeConn(t)

	tr.markActive(c)
	require.True(t, tr.tracked(c))
	require.Equal(t, 1, tr.activeCount(c))

	tr.forget(c)
	require.False(t, tr.tracked(c))
	require.Equal(t, 0, tr.activeCount(c))
	require.Equal(t, 0, tr.len())
}

// TestTrackerServerActiveNotIdle checks that a connection the server reports
// as active is not considered idle even with no registered request, since
// request bytes may be mid-read.
func TestTrackerServerActiveNotIdle(t *testing.T) {
	tr := newConnTracker()
	c := pipeConn(t)

	tr.observe(c, http.StateNew)
	tr.setState(c, http.StateActive)
	require.Len(t, tr.idle(), 0)

	tr.setState(c, http.StateIdle)
	require.Len(t, tr.idle(), 1)
}
