// Package process launches and stops supervised child processes. The
// lifecycle manager, the mode manager and the orchestrator all launch
// through a Starter and stop through Stop, so every child gets the same
// isolated environment, resource limits, output capture and two-phase
// termination.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process errors
var (
	ErrEmptyCommand       = errors.New("empty command")
	ErrUnsafeArgument     = errors.New("command argument contains shell metacharacters")
	ErrEntryPointNotFound = errors.New("entry point not found")
	ErrStopTimeout        = errors.New("process did not exit after kill")
	ErrExitedEarly        = errors.New("process exited during start grace period")
)

// Stream names passed to an OutputFunc.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// OutputFunc receives one line of child output at a time.
type OutputFunc func(stream, line string)

// Limits are per-process resource ceilings. Zero means unlimited.
type Limits struct {
	MemoryBytes uint64 `json:"memory_bytes" yaml:"memory_bytes" toml:"memory_bytes"`
	CPUSeconds  uint64 `json:"cpu_seconds" yaml:"cpu_seconds" toml:"cpu_seconds"`
	OpenFiles   uint64 `json:"open_files" yaml:"open_files" toml:"open_files"`
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l == Limits{}
}

// Spec describes a child process to launch.
type Spec struct {
	Name    string
	Command []string
	Dir     string
	Env     []string
	Limits  Limits
	Output  OutputFunc
}

// Process is a handle to a launched child. A handle is owned by the
// component that started it; nothing else signals or waits on it.
type Process interface {
	Pid() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitErr is the wait error once Done is closed.
	ExitErr() error
	Signal(sig os.Signal) error
	Kill() error
}

// Starter launches processes.
type Starter interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// StarterFunc adapts a function to the Starter interface.
type StarterFunc func(ctx context.Context, spec Spec) (Process, error)

// Start calls f.
func (f StarterFunc) Start(ctx context.Context, spec Spec) (Process, error) {
	return f(ctx, spec)
}

// Alive reports whether p has been started and has not exited.
func Alive(p Process) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// WaitGrace waits up to grace for p to exit. It returns ErrExitedEarly when
// the process exited within the grace period.
func WaitGrace(ctx context.Context, p Process, grace time.Duration) error {
	if grace <= 0 {
		if !Alive(p) {
			return fmt.Errorf("%w: %v", ErrExitedEarly, p.ExitErr())
		}
		return nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.Done():
		return fmt.Errorf("%w: %v", ErrExitedEarly, p.ExitErr())
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecStarter launches real operating system processes.
type ExecStarter struct {
	// WaitDelay bounds how long output copying may outlive the process.
	WaitDelay time.Duration
}

// Start validates spec.Command, launches it and applies spec.Limits. The
// process is not tied to ctx; it lives until stopped.
func (s ExecStarter) Start(_ context.Context, spec Spec) (Process, error) {
	if err := ValidateCommand(spec.Command); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	configureSysProcAttr(cmd)

	var outputs []*lineWriter
	if spec.Output != nil {
		stdout := newLineWriter(Stdout, spec.Output)
		stderr := newLineWriter(Stderr, spec.Output)
		cmd.Stdout, cmd.Stderr = stdout, stderr
		outputs = append(outputs, stdout, stderr)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait(outputs)

	if !spec.Limits.IsZero() {
		if err := applyLimits(cmd.Process.Pid, spec.Limits); err != nil {
			_ = p.Kill()
			<-p.done
			return nil, fmt.Errorf("apply limits to %s: %w", spec.Name, err)
		}
	}
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) wait(outputs []*lineWriter) {
	err := p.cmd.Wait()
	for _, w := range outputs {
		w.Flush()
	}
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) Signal(sig os.Signal) error {
	if !Alive(p) {
		return os.ErrProcessDone
	}
	return signalGroup(p.cmd, sig)
}

func (p *execProcess) Kill() error {
	if !Alive(p) {
		return os.ErrProcessDone
	}
	return killGroup(p.cmd)
}
