package drain

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/thehelp/cluster/graceful"
)

// DefaultReaperInterval is the default cadence of the sweep that destroys
// connections that have become idle since shutdown began.
const DefaultReaperInterval = 500 * time.Millisecond

// RetryMessage is the body sent with the 503 rejection for requests that
// arrive after shutdown has begun.
const RetryMessage = "Please try again later; this server is shutting down"

type connKey struct{}

// Drainer tracks the sockets and in-flight requests of one HTTP server so
// the server can be shut down without dropping accepted work. It registers a
// shutdown listener and a readiness check with a Graceful coordinator via
// Attach.
type Drainer struct {
	l              log15.Logger
	clock          clock.WithTicker
	reaperInterval time.Duration
	inProcessTest  bool

	srv   *http.Server
	conns *connTracker

	mu            sync.Mutex
	g             *graceful.Graceful
	closed        bool
	listener      net.Listener
	responses     map[*responseWriter]struct{}
	reaperStopC   chan struct{}
	reaperStarted bool
}

// Option is an option function for Drainer.
type Option func(d *Drainer)

// WithLogger configures the logger to use for drain operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(d *Drainer) {
		d.l = l
	}
}

// WithReaperInterval configures how often connections that have become idle
// after shutdown began are swept up. New returns an error for non-positive
// values.
func WithReaperInterval(interval time.Duration) Option {
	return func(d *Drainer) {
		d.reaperInterval = interval
	}
}

// WithInProcessTest flags the drainer for in-process request simulation: the
// readiness check passes immediately and no reaper runs, so test harnesses
// can exercise handlers without timers or sockets.
func WithInProcessTest() Option {
	return func(d *Drainer) {
		d.inProcessTest = true
	}
}

// New constructs a drainer for srv. The server's handler is wrapped with the
// drainer's middleware and its ConnContext/ConnState hooks are chained so
// every accepted socket is tracked. srv may be nil when the drainer is used
// purely as middleware, in which case there is nothing to drain and the
// readiness check always passes.
func New(srv *http.Server, opts ...Option) (*Drainer, error) {
	return newDrainer(clock.RealClock{}, srv, opts...)
}

func newDrainer(clk clock.WithTicker, srv *http.Server, opts ...Option) (*Drainer, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	d := &Drainer{
		l:              noopLogger,
		clock:          clk,
		reaperInterval: DefaultReaperInterval,
		srv:            srv,
		conns:          newConnTracker(),
		responses:      make(map[*responseWriter]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.reaperInterval <= 0 {
		return nil, errors.Errorf("reaper interval must be positive, got %v", d.reaperInterval)
	}
	if srv != nil {
		if srv.Handler == nil {
			return nil, errors.New("server must have a handler before draining can wrap it")
		}
		srv.Handler = d.Middleware(srv.Handler)

		prevCtx := srv.ConnContext
		srv.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
			if prevCtx != nil {
				ctx = prevCtx(ctx, c)
			}
			return context.WithValue(ctx, connKey{}, c)
		}
		prevState := srv.ConnState
		srv.ConnState = func(c net.Conn, state http.ConnState) {
			d.connState(c, state)
			if prevState != nil {
				prevState(c, state)
			}
		}
	}
	return d, nil
}

// Attach links the drainer to a shutdown coordinator: shutdown begins the
// drain, and the coordinator may not exit gracefully until the drain is
// complete.
func (d *Drainer) Attach(g *graceful.Graceful) {
	d.mu.Lock()
	d.g = g
	d.mu.Unlock()
	g.OnShutdown(d.beginDrain)
	g.AddCheck(d.Drained)
}

// Middleware wraps next with request/socket tracking, close-header
// injection, the post-shutdown 503 backstop, and a fault boundary that turns
// an unhandled panic into a well-formed response plus a process shutdown
// trigger.
func (d *Drainer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := connFrom(r.Context())
		rw := newResponseWriter(w, d, conn)
		d.register(conn, rw)
		defer rw.finish()

		if d.isClosed() {
			// Backstop for requests that leak in after shutdown began.
			d.reject(rw)
			return
		}

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				d.handleError(recoveredError(p), r, rw)
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// Serve serves d's server on ln, tracking the listener so the drainer can
// stop it from accepting new connections when shutdown begins. Like
// http.Server.Serve, it always returns a non-nil error; after a drain this
// is http.ErrServerClosed or a listener error.
func (d *Drainer) Serve(ln net.Listener) error {
	if d.srv == nil {
		return errors.New("no server configured")
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	return d.srv.Serve(ln)
}

// ListenAndServe listens on the server's configured address and calls Serve.
func (d *Drainer) ListenAndServe() error {
	if d.srv == nil {
		return errors.New("no server configured")
	}
	addr := d.srv.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %q", addr)
	}
	return d.Serve(ln)
}

// Drained is the readiness check registered with the coordinator. It reports
// true when there is no server to drain or no responses remain in flight. A
// response whose handler never terminates blocks this forever; the
// coordinator's force timeout is the backstop for that.
func (d *Drainer) Drained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inProcessTest {
		return true
	}
	if d.srv == nil {
		return true
	}
	return len(d.responses) == 0
}

// Close stops the reaper, if one is running. The reaper also stops on its
// own once the drain is complete; Close exists for callers that tear the
// drainer down without finishing a drain.
func (d *Drainer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reaperStopC != nil {
		close(d.reaperStopC)
		d.reaperStopC = nil
	}
	return nil
}

// beginDrain is the shutdown listener. It stops the server from accepting
// new connections (best effort), marks every in-flight response to close its
// connection, destroys the currently idle connections, and starts the reaper
// to catch connections that become idle later.
func (d *Drainer) beginDrain() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for rw := range d.responses {
		rw.requestClose()
	}
	ln := d.listener
	inFlight := len(d.responses)
	d.mu.Unlock()

	d.l.Info("draining connections", "inFlight", inFlight, "tracked", d.conns.len())

	if d.srv != nil {
		d.srv.SetKeepAlivesEnabled(false)
	}
	if ln != nil {
		// The listener may already be on its way down; an error here changes
		// nothing about the drain.
		_ = ln.Close()
	}

	d.destroyIdle()
	d.startReaper()
}

func (d *Drainer) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Drainer) coordinator() *graceful.Graceful {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.g
}

// register tracks a request's socket and response. The socket is added to
// the tracked set before it is marked active, so the active set is always a
// subset of the tracked set.
func (d *Drainer) register(conn net.Conn, rw *responseWriter) {
	if conn != nil {
		d.conns.markActive(conn)
	}
	d.mu.Lock()
	d.responses[rw] = struct{}{}
	d.mu.Unlock()
}

// complete is called exactly once per response, whichever completion signal
// fires first. It releases one occurrence of the socket. The socket itself is
// not closed here: the server is still flushing this very response when the
// handler returns, so disposal is left to the server (keepalives are off
// during a drain) with the reaper as the sweep backstop.
func (d *Drainer) complete(rw *responseWriter) {
	d.mu.Lock()
	delete(d.responses, rw)
	d.mu.Unlock()

	if rw.conn == nil {
		return
	}
	d.conns.markDone(rw.conn)
}

// reject answers a request that arrived after shutdown began.
func (d *Drainer) reject(rw *responseWriter) {
	rw.requestClose()
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(rw, RetryMessage)
}

// handleError is the internal error handler for panics escaping a request
// handler. The policy is that any unhandled request error is serious enough
// to drain the whole process, not just the one request: if a coordinator is
// linked, shutdown is triggered with the error. A response is still produced
// either way.
func (d *Drainer) handleError(err error, r *http.Request, rw *responseWriter) {
	rw.requestClose()
	// %v keeps attached stack traces out of the log record.
	d.l.Error("unhandled error in request handler",
		"method", r.Method, "url", r.URL.Path, "err", fmt.Sprintf("%v", err))

	if g := d.coordinator(); g != nil {
		g.Shutdown(err, "method", r.Method, "url", r.URL.String())
	}
	if !rw.wroteHeader {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(rw, "Internal server error")
	}
}

func (d *Drainer) connState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		d.conns.observe(c, state)
	case http.StateActive, http.StateIdle:
		d.conns.setState(c, state)
	case http.StateClosed, http.StateHijacked:
		d.conns.forget(c)
	}
}

// destroyIdle hard-closes every tracked connection with no in-flight
// request. These are presumed to be genuinely idle keepalive connections
// with no pending work, so they get an immediate close rather than a
// graceful one.
func (d *Drainer) destroyIdle() {
	for _, c := range d.conns.idle() {
		d.destroy(c)
	}
}

func (d *Drainer) destroy(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = c.Close()
	d.l.Debug("destroyed idle connection", "remote", remoteAddr(c))
}

// startReaper starts the recurring idle sweep. The reaper runs on its own
// goroutine and stops itself once the drain is complete, so it never keeps
// the process alive.
func (d *Drainer) startReaper() {
	d.mu.Lock()
	if d.reaperStarted || d.inProcessTest {
		d.mu.Unlock()
		return
	}
	d.reaperStarted = true
	stop := make(chan struct{})
	d.reaperStopC = stop
	d.mu.Unlock()

	go func() {
		ticker := d.clock.NewTicker(d.reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				d.destroyIdle()
				if d.Drained() && d.conns.len() == 0 {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func connFrom(ctx context.Context) net.Conn {
	c, _ := ctx.Value(connKey{}).(net.Conn)
	return c
}

func remoteAddr(c net.Conn) string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func recoveredError(p interface{}) error {
	if err, ok := p.(error); ok {
		return err
	}
	return errors.Errorf("panic: %v", p)
}
