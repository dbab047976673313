package graceful

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

const (
	// DefaultPollInterval is the cadence at which the readiness checks are
	// re-evaluated once shutdown has begun.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultForceTimeout is the maximum time the coordinator waits for its
	// readiness checks before terminating the process anyway.
	DefaultForceTimeout = 5 * time.Second
)

// Graceful coordinates process-wide graceful shutdown. Interested subsystems
// register shutdown listeners and readiness checks with it; once Shutdown is
// triggered the listeners are notified and the process exits as soon as every
// check passes, or when the force timeout elapses, whichever comes first.
type Graceful struct {
	pollInterval time.Duration
	forceTimeout time.Duration
	messenger    Messenger
	exit         func(code int)
	clock        clock.WithTicker

	l log15.Logger

	stateLock    sync.Mutex
	state        exitState
	err          error
	sendingError bool
	checks       []func() bool
	listeners    []*listener
	nextListener int

	doneC       chan struct{}
	terminatedC chan struct{}
}

type listener struct {
	id int
	fn func()
}

// Option is an option function for Graceful.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(g *Graceful)

// WithPollInterval configures how often the readiness checks are re-evaluated
// during shutdown. New returns an error for non-positive values.
func WithPollInterval(d time.Duration) Option {
	return func(g *Graceful) {
		g.pollInterval = d
	}
}

// WithForceTimeout configures the maximum time to wait for readiness checks
// before exiting anyway. New returns an error for non-positive values.
func WithForceTimeout(d time.Duration) Option {
	return func(g *Graceful) {
		g.forceTimeout = d
	}
}

// WithMessenger configures the error transport used to record the triggering
// error before the process exits.
func WithMessenger(m Messenger) Option {
	return func(g *Graceful) {
		g.messenger = m
	}
}

// WithLogger configures the logger to use for shutdown coordination.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(g *Graceful) {
		g.l = l
	}
}

// WithExitFunc replaces the function invoked to terminate the process.
// The default is os.Exit. Test harnesses use this to observe the exit code
// without killing the test process.
func WithExitFunc(exit func(code int)) Option {
	return func(g *Graceful) {
		g.exit = exit
	}
}

// New constructs a shutdown coordinator. If no process-wide default
// coordinator has been set yet, the new coordinator becomes it.
func New(opts ...Option) (*Graceful, error) {
	return newGraceful(clock.RealClock{}, opts...)
}

func newGraceful(clk clock.WithTicker, opts ...Option) (*Graceful, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	g := &Graceful{
		pollInterval: DefaultPollInterval,
		forceTimeout: DefaultForceTimeout,
		messenger:    LastResort(os.Stderr),
		exit:         os.Exit,
		clock:        clk,
		l:            noopLogger,
		state:        stateRunning,
		doneC:        make(chan struct{}),
		terminatedC:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.pollInterval <= 0 {
		return nil, errors.Errorf("poll interval must be positive, got %v", g.pollInterval)
	}
	if g.forceTimeout <= 0 {
		return nil, errors.Errorf("force timeout must be positive, got %v", g.forceTimeout)
	}
	if g.messenger == nil {
		return nil, errors.New("messenger must not be nil")
	}
	if g.exit == nil {
		return nil, errors.New("exit function must not be nil")
	}
	setDefault(g)
	return g, nil
}

// AddCheck registers a readiness predicate consulted during shutdown. The
// process may not exit gracefully until every registered check returns true.
// A nil check is a programming error and panics.
func (g *Graceful) AddCheck(check func() bool) {
	if check == nil {
		panic("graceful: AddCheck called with a nil check")
	}
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	g.checks = append(g.checks, check)
}

// OnShutdown registers fn to be called once, synchronously, when shutdown
// begins. Listeners fire in registration order. The returned function
// unregisters the listener; it is safe to call more than once.
func (g *Graceful) OnShutdown(fn func()) func() {
	if fn == nil {
		panic("graceful: OnShutdown called with a nil listener")
	}
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	id := g.nextListener
	g.nextListener++
	g.listeners = append(g.listeners, &listener{id: id, fn: fn})
	return func() {
		g.stateLock.Lock()
		defer g.stateLock.Unlock()
		for i, l := range g.listeners {
			if l.id == id {
				g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
				return
			}
		}
	}
}

// EnsureForceTimeout raises the force timeout to at least d. It never lowers
// it, and has no effect once shutdown has begun. Subsystems whose own
// escalation runs on an independent timer use this to guarantee their
// escalation fires before the coordinator gives up on them.
func (g *Graceful) EnsureForceTimeout(d time.Duration) {
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	if g.state != stateRunning {
		return
	}
	if d > g.forceTimeout {
		g.forceTimeout = d
	}
}

// ForceTimeout returns the currently configured force timeout.
func (g *Graceful) ForceTimeout() time.Duration {
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	return g.forceTimeout
}

// ShuttingDown reports whether Shutdown has been triggered.
func (g *Graceful) ShuttingDown() bool {
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	return g.state != stateRunning
}

// Err returns the error shutdown was triggered with, if any.
func (g *Graceful) Err() error {
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	return g.err
}

// Done returns a channel which is closed once shutdown has been triggered and
// all listeners have been notified.
func (g *Graceful) Done() <-chan struct{} {
	return g.doneC
}

// Terminated returns a channel which is closed after the exit function has
// been invoked. With the default exit function the process is gone before
// anything can observe this; it exists for callers that install a custom exit
// function via WithExitFunc.
func (g *Graceful) Terminated() <-chan struct{} {
	return g.terminatedC
}

// HandleSignals arranges for the given signals to trigger Shutdown with no
// error. With no arguments it handles SIGTERM.
func (g *Graceful) HandleSignals(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{unix.SIGTERM}
	}
	c := make(chan os.Signal, 1)
	signal.Notify(c, sigs...)
	go func() {
		sig := <-c
		g.l.Info("received signal, beginning shutdown", "signal", sig)
		g.Shutdown(nil)
	}()
}

// Shutdown triggers process shutdown. It is idempotent; every call after the
// first is a no-op, including concurrent ones. If err is non-nil it is
// recorded with the messenger before the process is allowed to exit, and it
// determines the exit code. details are optional key/value pairs passed to
// the messenger alongside the error.
//
// Listeners are notified synchronously, in registration order, before
// Shutdown returns; the exit sequence then polls the readiness checks in the
// background until they all pass or the force timeout elapses.
func (g *Graceful) Shutdown(err error, details ...interface{}) {
	g.stateLock.Lock()
	if g.state != stateRunning {
		g.stateLock.Unlock()
		return
	}
	if terr := g.state.transitionTo(statePolling); terr != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", statePolling, terr))
	}
	g.err = err
	if err != nil {
		g.sendingError = true
	}
	listeners := make([]*listener, len(g.listeners))
	copy(listeners, g.listeners)
	g.stateLock.Unlock()

	if err != nil {
		g.l.Error("shutting down due to error", "err", err)
		go g.sendError(err, normalizeDetails(details))
	} else {
		g.l.Info("shutting down")
	}

	for _, l := range listeners {
		g.notify(l.fn)
	}
	close(g.doneC)

	go g.exitSequence()
}

// sendError delivers the triggering error to the messenger. While the call is
// in flight the coordinator refuses to exit gracefully, so the error is
// durably recorded before the process dies.
func (g *Graceful) sendError(err error, details map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			g.l.Error("messenger panicked", "panic", r)
		}
		g.stateLock.Lock()
		g.sendingError = false
		g.stateLock.Unlock()
	}()
	g.messenger(err, details)
}

func (g *Graceful) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.l.Error("shutdown listener panicked", "panic", r)
		}
	}()
	fn()
}

// ready evaluates the conjunction of all readiness checks. A panicking check
// counts as not ready; it never aborts the exit sequence.
func (g *Graceful) ready() bool {
	g.stateLock.Lock()
	if g.sendingError {
		g.stateLock.Unlock()
		return false
	}
	checks := make([]func() bool, len(g.checks))
	copy(checks, g.checks)
	g.stateLock.Unlock()

	for _, check := range checks {
		if !g.runCheck(check) {
			return false
		}
	}
	return true
}

func (g *Graceful) runCheck(check func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.l.Error("readiness check panicked, treating as not ready", "panic", r)
			ok = false
		}
	}()
	return check()
}

// exitSequence polls the readiness checks until they all pass or the force
// timeout elapses, then terminates the process.
func (g *Graceful) exitSequence() {
	if g.ready() {
		g.die(stateReady)
		return
	}

	poll := g.clock.NewTicker(g.pollInterval)
	defer poll.Stop()
	force := g.clock.NewTimer(g.ForceTimeout())
	defer force.Stop()

	for {
		select {
		case <-poll.C():
			if g.ready() {
				g.die(stateReady)
				return
			}
		case <-force.C():
			g.die(stateForced)
			return
		}
	}
}

func (g *Graceful) die(final exitState) {
	g.stateLock.Lock()
	if err := g.state.transitionTo(final); err != nil {
		g.stateLock.Unlock()
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", final, err))
	}
	code := CodeOf(g.err)
	if err := g.state.transitionTo(stateDead); err != nil {
		g.stateLock.Unlock()
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", stateDead, err))
	}
	g.stateLock.Unlock()

	// The final log line is best effort; termination proceeds whether or not
	// the handler flushes it.
	switch final {
	case stateReady:
		g.l.Info("all readiness checks passed, exiting", "code", code)
	case stateForced:
		g.l.Warn("force timeout elapsed with readiness checks still failing, exiting", "code", code)
	}

	defer close(g.terminatedC)
	g.exit(code)
}

func normalizeDetails(details []interface{}) map[string]interface{} {
	if len(details) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(details)/2)
	for i := 0; i+1 < len(details); i += 2 {
		key, ok := details[i].(string)
		if !ok {
			key = fmt.Sprint(details[i])
		}
		m[key] = details[i+1]
	}
	if len(details)%2 != 0 {
		m["_arg"] = details[len(details)-1]
	}
	return m
}
