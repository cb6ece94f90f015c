package vpn

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Process is a spawned tunnel subprocess.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int
	// Kill terminates the process.
	Kill() error
	// Wait blocks until the process has exited. It may be called more than once.
	Wait() error
}

// Commander abstracts process execution for testability.
type Commander interface {
	// Output runs a command to completion and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a long-running command without waiting for it.
	Start(name string, args ...string) (Process, error)
	// LookPath resolves an executable name in PATH.
	LookPath(name string) (string, error)
}

// ExecCommander runs real commands with os/exec.
type ExecCommander struct{}

// NewExecCommander returns the os/exec backed Commander.
func NewExecCommander() ExecCommander {
	return ExecCommander{}
}

func (ExecCommander) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func (ExecCommander) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (ExecCommander) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// execProcess reaps its child in the background so Wait can be repeated
// and an exited tunnel never lingers as a zombie.
type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	killOnce sync.Once
	killErr  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killOnce.Do(func() {
		p.killErr = p.cmd.Process.Kill()
	})
	return p.killErr
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}
