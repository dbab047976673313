package cluster

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/thehelp/cluster/graceful"
	"github.com/thehelp/cluster/supervisor"
)

// App describes a clustered process: one binary that runs as a supervising
// master by default, and as a worker when the supervisor's environment marker
// is set.
type App struct {
	// Worker runs the worker role. It should block for as long as the worker
	// has work to do; returning hands the process over to the shutdown
	// sequence. Required.
	Worker func(g *graceful.Graceful) error

	// Master, when set, replaces the built-in supervising master. It
	// receives the coordinator and must arrange its own supervision.
	Master func(g *graceful.Graceful) error

	// Options tunes the coordinator and supervisor. Nil means all defaults.
	Options *Options

	// Logger receives structured logs from every component. Nil means no
	// logging.
	Logger log15.Logger

	// Messenger is the error transport for shutdown-triggering errors. Nil
	// means the bundled last-resort transport writing JSON lines to stderr.
	Messenger graceful.Messenger

	// exitFunc overrides how the coordinator ends the process.
	exitFunc func(code int)
}

// Launch starts the role this process was launched as and blocks until the
// process terminates. The master forks and supervises workers; a worker runs
// app.Worker inside a fault boundary that routes any failure, panics
// included, through the coordinator's shutdown sequence.
//
// Launch only returns when the coordinator's exit function does, which with
// the default os.Exit is never. An error return before that means the app
// could not be brought up at all.
func Launch(app App) error {
	if app.Worker == nil {
		return errors.New("an App needs a Worker before it can launch")
	}
	opts := app.Options
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.validate(); err != nil {
		return err
	}

	gopts := opts.coordinatorOptions()
	if app.Logger != nil {
		gopts = append(gopts, graceful.WithLogger(app.Logger))
	}
	if app.Messenger != nil {
		gopts = append(gopts, graceful.WithMessenger(app.Messenger))
	}
	if app.exitFunc != nil {
		gopts = append(gopts, graceful.WithExitFunc(app.exitFunc))
	}
	g, err := graceful.New(gopts...)
	if err != nil {
		return err
	}
	g.HandleSignals(unix.SIGTERM, unix.SIGINT)

	role := app.Master
	roleName := "master"
	if IsWorker() {
		role = app.Worker
		roleName = "worker"
	} else if role == nil {
		role = supervisingMaster(opts, app.Logger)
	}

	go runRole(g, roleName, role)
	<-g.Terminated()
	return nil
}

// runRole is the top-level fault boundary for a role. When the role returns
// or panics, the shutdown sequence takes over; Shutdown is idempotent, so a
// role that returns because shutdown is already under way changes nothing.
func runRole(g *graceful.Graceful, name string, role func(*graceful.Graceful) error) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = errors.Errorf("panic in %s: %v", name, p)
			}
		}()
		return role(g)
	}()

	details := []interface{}{"role", name}
	if id, ok := WorkerID(); ok {
		details = append(details, "workerId", id)
	}
	g.Shutdown(IgnoreServerClosed(err), details...)
}

// supervisingMaster is the built-in master role: fork the configured workers,
// restart them as they die, and hold the process open until shutdown begins.
func supervisingMaster(opts *Options, l log15.Logger) func(g *graceful.Graceful) error {
	return func(g *graceful.Graceful) error {
		sopts := opts.supervisorOptions()
		if l != nil {
			sopts = append(sopts, supervisor.WithLogger(l))
		}
		sup, err := supervisor.New(sopts...)
		if err != nil {
			return err
		}
		sup.Attach(g)
		if err := sup.Start(); err != nil {
			return err
		}
		<-g.Done()
		return nil
	}
}

// IsWorker reports whether this process was forked as a worker.
func IsWorker() bool {
	_, ok := WorkerID()
	return ok
}

// WorkerID returns the worker id the supervisor assigned to this process, if
// it assigned one.
func WorkerID() (int, bool) {
	v := os.Getenv(supervisor.WorkerIDEnv)
	if v == "" {
		return 0, false
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IgnoreServerClosed maps the errors a deliberately stopped server returns to
// nil, so a worker whose serve loop was shut down on purpose reads as a clean
// exit rather than a failure.
func IgnoreServerClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Cause(err) == http.ErrServerClosed {
		return nil
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return nil
	}
	return err
}

// Seams for the no-coordinator termination path.
var (
	osExit                  = os.Exit
	lastResortOut io.Writer = os.Stderr
)

// ReportAndTerminate handles a fatal error from code running before or
// outside any coordinator. If the process-wide default coordinator exists the
// error goes through the normal shutdown sequence; otherwise the error is
// written through the last-resort transport and the process exits with the
// code the error carries.
func ReportAndTerminate(err error) {
	if err == nil {
		return
	}
	if g := graceful.Default(); g != nil {
		g.Shutdown(err)
		<-g.Terminated()
		return
	}
	report := graceful.LastResort(lastResortOut)
	report(err, map[string]interface{}{"pid": os.Getpid()})
	osExit(graceful.CodeOf(err))
}
