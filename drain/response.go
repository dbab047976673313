package drain

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// responseWriter decorates the server's http.ResponseWriter so the drainer
// can force a "Connection: close" header onto a response no matter how or
// when the handler finishes it. All of the drainer's header injection runs
// through this wrapper's own write path; the framework's writer is never
// mutated in place.
//
// Once the response headers have been flushed, header injection is no longer
// possible. The rule then is socket-level: with keepalives disabled for the
// drain, the server closes the connection after the in-flight response, and
// the drainer's reaper sweeps up anything the server misses.
type responseWriter struct {
	http.ResponseWriter
	d    *Drainer
	conn net.Conn

	finishOnce     sync.Once
	closeRequested atomic.Bool

	// wroteHeader is only touched from the request goroutine.
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter, d *Drainer, conn net.Conn) *responseWriter {
	return &responseWriter{ResponseWriter: w, d: d, conn: conn}
}

// requestClose marks the response so its connection is not reused: the close
// header is injected if headers have not been flushed yet.
func (w *responseWriter) requestClose() {
	w.closeRequested.Store(true)
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if w.closeRequested.Load() || w.d.isClosed() {
			w.closeRequested.Store(true)
			w.Header().Set("Connection", "close")
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	// Handlers may write a body without ever calling WriteHeader; route the
	// implicit 200 through our WriteHeader so injection still happens.
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying response writer does not support hijacking")
	}
	return hj.Hijack()
}

// finish fires the single completion for this response. The server emits
// several underlying completion signals; whichever path reaches here first
// wins and the rest are no-ops.
func (w *responseWriter) finish() {
	w.finishOnce.Do(func() {
		w.d.complete(w)
	})
}
