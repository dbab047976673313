package supervisor

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/euank/filelock"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/thehelp/cluster/graceful"
)

const (
	// DefaultNumberWorkers is how many workers the master forks.
	DefaultNumberWorkers = 1
	// DefaultSpinTimeout is the minimum worker lifetime below which an exit is
	// treated as a crash-loop signal rather than a normal termination.
	DefaultSpinTimeout = 5 * time.Second
	// DefaultDelayStart is how long a replacement fork is delayed after a
	// crash-loop exit, so a fast-failing resource is not hammered.
	DefaultDelayStart = 60 * time.Second
	// DefaultKillTimeout is how long workers get to exit after SIGTERM before
	// they are SIGKILLed.
	DefaultKillTimeout = 7 * time.Second
	// DefaultPollInterval is the cadence at which the stop sequence checks
	// whether any workers remain.
	DefaultPollInterval = 500 * time.Millisecond
)

// Supervisor is the master-side process manager. It forks worker processes,
// restarts them on unexpected exit (with a cool-down when a worker died too
// fast), and on shutdown terminates them all with a SIGKILL escalation
// timeout.
type Supervisor struct {
	l   log15.Logger
	clk clock.WithTicker
	osi osIface

	numberWorkers int
	spinTimeout   time.Duration
	delayStart    time.Duration
	killTimeout   time.Duration
	pollInterval  time.Duration
	pidFile       string

	stateLock     sync.Mutex
	workers       map[int]*workerRecord
	nextID        int
	started       bool
	stopping      bool
	stopC         chan struct{}
	workersActive bool
	pidLock       *filelock.FileLock
}

// workerRecord tracks one live worker process.
type workerRecord struct {
	id        int
	pid       int
	startedAt time.Time
	proc      workerProcess
}

// Option is an option function for Supervisor.
type Option func(s *Supervisor)

// WithLogger configures the logger to use for supervision.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(s *Supervisor) {
		s.l = l
	}
}

// WithNumberWorkers configures how many workers to fork.
func WithNumberWorkers(n int) Option {
	return func(s *Supervisor) {
		s.numberWorkers = n
	}
}

// WithSpinTimeout configures the minimum lifetime below which a worker exit
// counts as a crash loop.
func WithSpinTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.spinTimeout = d
	}
}

// WithDelayStart configures the cool-down before replacing a crash-looping
// worker.
func WithDelayStart(d time.Duration) Option {
	return func(s *Supervisor) {
		s.delayStart = d
	}
}

// WithKillTimeout configures how long workers get to exit after SIGTERM
// before SIGKILL.
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killTimeout = d
	}
}

// WithPollInterval configures the stop sequence's zero-workers poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.pollInterval = d
	}
}

// WithPIDFile configures a pidfile the master takes an exclusive lock on, so
// two masters cannot supervise the same service concurrently.
func WithPIDFile(path string) Option {
	return func(s *Supervisor) {
		s.pidFile = path
	}
}

// New constructs a worker supervisor.
func New(opts ...Option) (*Supervisor, error) {
	return newSupervisor(clock.RealClock{}, realOS{}, opts...)
}

func newSupervisor(clk clock.WithTicker, osi osIface, opts ...Option) (*Supervisor, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	s := &Supervisor{
		l:             noopLogger,
		clk:           clk,
		osi:           osi,
		numberWorkers: DefaultNumberWorkers,
		spinTimeout:   DefaultSpinTimeout,
		delayStart:    DefaultDelayStart,
		killTimeout:   DefaultKillTimeout,
		pollInterval:  DefaultPollInterval,
		workers:       make(map[int]*workerRecord),
		stopC:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.numberWorkers < 1 {
		return nil, errors.Errorf("number of workers must be at least 1, got %d", s.numberWorkers)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"spin timeout", s.spinTimeout},
		{"delay start", s.delayStart},
		{"kill timeout", s.killTimeout},
		{"poll interval", s.pollInterval},
	} {
		if d.val <= 0 {
			return nil, errors.Errorf("%s must be positive, got %v", d.name, d.val)
		}
	}
	return s, nil
}

// Start locks the pidfile, if one is configured, and forks the configured
// number of workers.
func (s *Supervisor) Start() error {
	s.stateLock.Lock()
	if s.started {
		s.stateLock.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.stateLock.Unlock()

	if s.pidFile != "" {
		if err := s.lockPIDFile(); err != nil {
			return err
		}
	}

	eg := new(errgroup.Group)
	for i := 0; i < s.numberWorkers; i++ {
		eg.Go(s.forkWorker)
	}
	return eg.Wait()
}

// Attach links the supervisor to a shutdown coordinator: shutdown stops the
// workers, and the coordinator may not exit gracefully while any worker
// remains. The coordinator's force timeout is raised so the supervisor's own
// SIGKILL escalation always has a chance to run first.
func (s *Supervisor) Attach(g *graceful.Graceful) {
	g.EnsureForceTimeout(s.killTimeout + 2*s.pollInterval)
	g.AddCheck(func() bool {
		s.stateLock.Lock()
		defer s.stateLock.Unlock()
		return !s.workersActive
	})
	g.OnShutdown(func() {
		s.stateLock.Lock()
		s.workersActive = true
		s.stateLock.Unlock()
		s.Stop(func() {
			s.stateLock.Lock()
			s.workersActive = false
			s.stateLock.Unlock()
		})
	})
}

// Stop terminates all workers: SIGTERM now, SIGKILL for stragglers once the
// kill timeout elapses. callback is invoked exactly once, when no workers
// remain. A nil callback is a programming error and panics.
func (s *Supervisor) Stop(callback func()) {
	if callback == nil {
		panic("supervisor: Stop requires a callback")
	}
	s.stateLock.Lock()
	if !s.stopping {
		s.stopping = true
		close(s.stopC)
	}
	procs := s.procsLocked()
	s.stateLock.Unlock()

	s.l.Info("stopping workers", "count", len(procs))
	s.signalAll(procs, unix.SIGTERM)
	go s.awaitStopped(callback)
}

// WorkerCount returns the number of currently tracked workers.
func (s *Supervisor) WorkerCount() int {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return len(s.workers)
}

// Close releases the pidfile lock, if held. Stopping via Stop releases it as
// well; Close exists for callers tearing a supervisor down without a stop
// sequence.
func (s *Supervisor) Close() error {
	return s.releasePIDLock()
}

func (s *Supervisor) lockPIDFile() error {
	if err := touchFile(s.pidFile); err != nil {
		return errors.Wrapf(err, "unable to create pidfile %q", s.pidFile)
	}
	lock, err := filelock.TryExclusiveLock(s.pidFile, filelock.RegFile)
	if err != nil {
		return errors.Wrapf(err, "unable to lock pidfile %q, is another master running", s.pidFile)
	}
	s.stateLock.Lock()
	s.pidLock = lock
	s.stateLock.Unlock()
	if err := os.WriteFile(s.pidFile, []byte(strconv.Itoa(s.osi.Getpid())), 0644); err != nil {
		return errors.Wrapf(err, "unable to write pidfile %q", s.pidFile)
	}
	s.l.Info("locked pidfile", "path", s.pidFile)
	return nil
}

func (s *Supervisor) releasePIDLock() error {
	s.stateLock.Lock()
	lock := s.pidLock
	s.pidLock = nil
	s.stateLock.Unlock()
	if lock == nil {
		return nil
	}
	return lock.Unlock()
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *Supervisor) forkWorker() error {
	s.stateLock.Lock()
	if s.stopping {
		s.stateLock.Unlock()
		return nil
	}
	s.nextID++
	id := s.nextID
	s.stateLock.Unlock()

	proc, err := s.osi.StartWorker(id)
	if err != nil {
		s.l.Error("unable to fork worker", "workerId", id, "err", err)
		return errors.Wrapf(err, "unable to fork worker %d", id)
	}
	w := &workerRecord{id: id, pid: proc.Pid(), startedAt: s.clk.Now(), proc: proc}
	s.stateLock.Lock()
	s.workers[w.pid] = w
	s.stateLock.Unlock()
	s.l.Info("forked worker", "workerId", id, "pid", w.pid)

	go s.watch(w)
	return nil
}

func (s *Supervisor) watch(w *workerRecord) {
	err := w.proc.Wait()
	s.onWorkerExit(w, err)
}

// onWorkerExit implements the restart policy: a worker that died after less
// than the spin timeout signals a crash loop, so its replacement is delayed;
// otherwise a replacement is forked immediately. During a stop sequence
// exits are expected and nothing is restarted.
func (s *Supervisor) onWorkerExit(w *workerRecord, err error) {
	s.stateLock.Lock()
	delete(s.workers, w.pid)
	stopping := s.stopping
	s.stateLock.Unlock()

	if stopping {
		return
	}

	lifetime := s.clk.Since(w.startedAt)
	if lifetime < s.spinTimeout {
		s.l.Error("worker died after less than spin timeout, delaying restart",
			"workerId", w.id, "pid", w.pid, "lifetime", lifetime, "delay", s.delayStart, "err", err)
		go s.delayedFork()
	} else {
		s.l.Info("worker exited unexpectedly, forking replacement",
			"workerId", w.id, "pid", w.pid, "lifetime", lifetime, "err", err)
		_ = s.forkWorker()
	}

	// Counted after the restart path so an immediate replacement keeps the
	// pool non-empty; a delayed restart genuinely leaves it empty.
	if s.WorkerCount() == 0 {
		s.l.Error("no workers currently running")
	}
}

// delayedFork holds a replacement back for the cool-down. A stop sequence
// releases the timer immediately instead of leaving the goroutine parked for
// the remainder of the delay.
func (s *Supervisor) delayedFork() {
	t := s.clk.NewTimer(s.delayStart)
	defer t.Stop()
	select {
	case <-t.C():
	case <-s.stopC:
		return
	}
	if !s.isStopping() {
		_ = s.forkWorker()
	}
}

func (s *Supervisor) awaitStopped(callback func()) {
	if s.WorkerCount() == 0 {
		s.finishStop(callback)
		return
	}

	poll := s.clk.NewTicker(s.pollInterval)
	defer poll.Stop()
	kill := s.clk.NewTimer(s.killTimeout)
	defer kill.Stop()

	for {
		select {
		case <-poll.C():
			if s.WorkerCount() == 0 {
				s.finishStop(callback)
				return
			}
		case <-kill.C():
			s.stateLock.Lock()
			procs := s.procsLocked()
			s.stateLock.Unlock()
			s.l.Warn("workers still alive after kill timeout, sending SIGKILL", "count", len(procs))
			s.signalAll(procs, unix.SIGKILL)
		}
	}
}

func (s *Supervisor) finishStop(callback func()) {
	if err := s.releasePIDLock(); err != nil {
		s.l.Error("unable to release pidfile lock", "err", err)
	}
	s.l.Info("all workers stopped")
	callback()
}

func (s *Supervisor) signalAll(procs []*workerRecord, sig os.Signal) {
	for _, w := range procs {
		if err := w.proc.Signal(sig); err != nil {
			s.l.Warn("unable to signal worker", "workerId", w.id, "pid", w.pid, "signal", sig, "err", err)
		}
	}
}

func (s *Supervisor) procsLocked() []*workerRecord {
	procs := make([]*workerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		procs = append(procs, w)
	}
	return procs
}

func (s *Supervisor) isStopping() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.stopping
}
