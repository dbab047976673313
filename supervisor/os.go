package supervisor

import (
	"fmt"
	"os"
	"os/exec"
)

// WorkerIDEnv is the environment variable that marks a forked process as a
// worker and carries its worker id. The master sets it when forking; the
// bootstrap reads it to decide the process role.
const WorkerIDEnv = "THEHELP_CLUSTER_WORKER_ID"

type osIface interface {
	Getpid() int
	StartWorker(id int) (workerProcess, error)
}

type workerProcess interface {
	Pid() int
	Signal(sig os.Signal) error
	Wait() error
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

// StartWorker re-executes the current binary with the worker marker in its
// environment. Workers inherit the master's arguments and standard streams.
func (realOS) StartWorker(id int) (workerProcess, error) {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", WorkerIDEnv, id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &realProcess{cmd: cmd}, nil
}

type realProcess struct {
	cmd *exec.Cmd
}

func (p *realProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *realProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *realProcess) Wait() error {
	return p.cmd.Wait()
}
