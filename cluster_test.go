package cluster

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/thehelp/cluster/graceful"
	"github.com/thehelp/cluster/supervisor"
)

func writeOptionsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadOptions(t *testing.T) {
	path := writeOptionsFile(t, `
numberWorkers: 4
pollInterval: 100
forceTimeout: 10000
spinTimeout: 2000
delayStart: 30000
killTimeout: 5000
stopPollInterval: 250
reaperPollInterval: 1000
pidFile: /tmp/svc.pid
`)
	opts, err := LoadOptions(path)
	require.NoError(t, err)
	require.Equal(t, 4, opts.NumberWorkers)
	require.Equal(t, 100, opts.PollInterval)
	require.Equal(t, 10000, opts.ForceTimeout)
	require.Equal(t, 2000, opts.SpinTimeout)
	require.Equal(t, 30000, opts.DelayStart)
	require.Equal(t, 5000, opts.KillTimeout)
	require.Equal(t, 250, opts.StopPollInterval)
	require.Equal(t, 1000, opts.ReaperPollInterval)
	require.Equal(t, "/tmp/svc.pid", opts.PIDFile)
}

func TestLoadOptionsRejectsUnknownKeys(t *testing.T) {
	path := writeOptionsFile(t, "numberOfWorkers: 4\n")
	_, err := LoadOptions(path)
	require.Error(t, err)
}

func TestLoadOptionsRejectsNegativeValues(t *testing.T) {
	path := writeOptionsFile(t, "killTimeout: -1\n")
	_, err := LoadOptions(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "killTimeout")
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestOptionTranslation(t *testing.T) {
	opts := &Options{NumberWorkers: 2, KillTimeout: 5000, StopPollInterval: 250, PIDFile: "/tmp/x.pid"}
	require.Len(t, opts.supervisorOptions(), 4)
	require.Empty(t, opts.coordinatorOptions())
	require.Empty(t, opts.DrainerOptions())

	opts = &Options{PollInterval: 100, ForceTimeout: 10000, ReaperPollInterval: 1000}
	require.Len(t, opts.coordinatorOptions(), 2)
	require.Len(t, opts.DrainerOptions(), 1)
	require.Empty(t, opts.supervisorOptions())
}

func TestWorkerID(t *testing.T) {
	_, ok := WorkerID()
	require.False(t, ok)
	require.False(t, IsWorker())

	t.Setenv(supervisor.WorkerIDEnv, "3")
	id, ok := WorkerID()
	require.True(t, ok)
	require.Equal(t, 3, id)
	require.True(t, IsWorker())

	t.Setenv(supervisor.WorkerIDEnv, "junk")
	_, ok = WorkerID()
	require.False(t, ok)
}

// launchWorker runs Launch in the worker role with a recorded exit code and
// a captured messenger, and waits for it to come back through the shutdown
// sequence.
func launchWorker(t *testing.T, worker func(g *graceful.Graceful) error) (int, []error) {
	t.Helper()
	graceful.ResetDefault()
	t.Cleanup(graceful.ResetDefault)
	t.Setenv(supervisor.WorkerIDEnv, "1")

	codeC := make(chan int, 1)
	var reported []error
	err := Launch(App{
		Worker:   worker,
		Options:  &Options{PollInterval: 5},
		exitFunc: func(code int) { codeC <- code },
		Messenger: func(err error, details map[string]interface{}) {
			reported = append(reported, err)
		},
	})
	require.NoError(t, err)

	select {
	case code := <-codeC:
		return code, reported
	default:
		t.Fatalf("Launch returned before the exit function ran")
		return 0, nil
	}
}

func TestLaunchWorkerClean(t *testing.T) {
	code, reported := launchWorker(t, func(g *graceful.Graceful) error {
		return nil
	})
	require.Equal(t, 0, code)
	require.Empty(t, reported)
}

func TestLaunchWorkerServerClosedIsClean(t *testing.T) {
	code, reported := launchWorker(t, func(g *graceful.Graceful) error {
		return http.ErrServerClosed
	})
	require.Equal(t, 0, code)
	require.Empty(t, reported)
}

func TestLaunchWorkerError(t *testing.T) {
	code, reported := launchWorker(t, func(g *graceful.Graceful) error {
		return graceful.WithExitCode(errors.New("backend unreachable"), 4)
	})
	require.Equal(t, 4, code)
	require.Len(t, reported, 1)
	require.Contains(t, reported[0].Error(), "backend unreachable")
}

func TestLaunchWorkerPanic(t *testing.T) {
	code, reported := launchWorker(t, func(g *graceful.Graceful) error {
		panic("wires crossed")
	})
	require.Equal(t, 1, code)
	require.Len(t, reported, 1)
	require.Contains(t, reported[0].Error(), "wires crossed")
}

func TestLaunchRequiresWorker(t *testing.T) {
	require.Error(t, Launch(App{}))
}

func TestLaunchRejectsInvalidOptions(t *testing.T) {
	err := Launch(App{
		Worker:  func(g *graceful.Graceful) error { return nil },
		Options: &Options{NumberWorkers: -1},
	})
	require.Error(t, err)
}

func TestIgnoreServerClosed(t *testing.T) {
	require.NoError(t, IgnoreServerClosed(nil))
	require.NoError(t, IgnoreServerClosed(http.ErrServerClosed))
	require.NoError(t, IgnoreServerClosed(errors.Wrap(http.ErrServerClosed, "serve")))
	require.NoError(t, IgnoreServerClosed(errors.New("accept tcp: use of closed network connection")))
	require.Error(t, IgnoreServerClosed(errors.New("address already in use")))
}

func TestReportAndTerminateLastResort(t *testing.T) {
	graceful.ResetDefault()
	t.Cleanup(graceful.ResetDefault)

	var out bytes.Buffer
	codeC := make(chan int, 1)
	prevExit, prevOut := osExit, lastResortOut
	osExit = func(code int) { codeC <- code }
	lastResortOut = &out
	t.Cleanup(func() { osExit, lastResortOut = prevExit, prevOut })

	ReportAndTerminate(graceful.WithExitCode(errors.New("config unreadable"), 9))
	require.Equal(t, 9, <-codeC)
	require.Contains(t, out.String(), "config unreadable")
	require.Contains(t, out.String(), `"pid"`)
}

func TestReportAndTerminateUsesCoordinator(t *testing.T) {
	graceful.ResetDefault()
	t.Cleanup(graceful.ResetDefault)

	codeC := make(chan int, 1)
	_, err := graceful.New(
		graceful.WithPollInterval(5*time.Millisecond),
		graceful.WithExitFunc(func(code int) { codeC <- code }),
		graceful.WithMessenger(func(error, map[string]interface{}) {}),
	)
	require.NoError(t, err)

	ReportAndTerminate(errors.New("late failure"))
	require.Equal(t, 1, <-codeC)
}

func TestReportAndTerminateNilIsNoop(t *testing.T) {
	prevExit := osExit
	osExit = func(code int) { t.Fatalf("exit called for a nil error") }
	t.Cleanup(func() { osExit = prevExit })
	ReportAndTerminate(nil)
}
