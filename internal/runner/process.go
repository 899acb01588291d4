package runner

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// process abstracts the agent subprocess so pipelines can be tested with
// scripted output.
type process interface {
	// Stdout is the combined stdout+stderr stream.
	Stdout() io.Reader
	// Terminate asks the process to stop.
	Terminate()
	// Kill force-stops the process.
	Kill()
	// Wait blocks until exit or the timeout elapses.
	Wait(timeout time.Duration) error
	// ExitCode returns the exit code after Wait. Killed processes
	// report a negative code.
	ExitCode() int
}

// processStarter launches a command in dir with combined output.
type processStarter func(dir string, name string, args ...string) (process, error)

type osProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	done   chan error
}

func startOSProcess(dir string, name string, args ...string) (process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	pw.Close()

	p := &osProcess{cmd: cmd, stdout: pr, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		pr.Close()
	}()
	return p, nil
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Terminate() {
	if p.cmd.Process != nil {
		p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *osProcess) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

func (p *osProcess) Wait(timeout time.Duration) error {
	select {
	case err := <-p.done:
		return err
	case <-time.After(timeout):
		return os.ErrDeadlineExceeded
	}
}

func (p *osProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}
