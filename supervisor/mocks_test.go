package supervisor

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

type mockOS struct {
	mu         sync.Mutex
	pid        int
	nextPid    int
	started    []*mockProcess
	exitOnTerm bool
	dieOnKill  bool
}

func newMockOS(pid int) *mockOS {
	return &mockOS{pid: pid, nextPid: 100, exitOnTerm: true}
}

func (m *mockOS) Getpid() int {
	return m.pid
}

func (m *mockOS) StartWorker(id int) (workerProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPid++
	p := &mockProcess{
		id:         id,
		pid:        m.nextPid,
		exitC:      make(chan error, 1),
		exitOnTerm: m.exitOnTerm,
		dieOnKill:  m.dieOnKill,
	}
	m.started = append(m.started, p)
	return p, nil
}

func (m *mockOS) startedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}

func (m *mockOS) proc(i int) *mockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started[i]
}

type mockProcess struct {
	id  int
	pid int

	mu         sync.Mutex
	signals    []os.Signal
	exited     bool
	exitOnTerm bool
	dieOnKill  bool
	exitC      chan error
}

func (p *mockProcess) Pid() int {
	return p.pid
}

func (p *mockProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	exitNow := (sig == unix.SIGTERM && p.exitOnTerm) || (sig == unix.SIGKILL && p.dieOnKill)
	p.mu.Unlock()
	if exitNow {
		p.exit(nil)
	}
	return nil
}

func (p *mockProcess) Wait() error {
	return <-p.exitC
}

// exit simulates the worker process exiting with err.
func (p *mockProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.exitC <- err
}

func (p *mockProcess) signalled(sig os.Signal) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.signals {
		if s == sig {
			n++
		}
	}
	return n
}
