// Package processtest provides in-memory process.Starter and
// process.Process implementations for supervisor tests.
package processtest

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/GoCodeAlone/modplane/process"
)

// ErrCrashed is the exit error of a Crash()ed fake process.
var ErrCrashed = errors.New("fake process crashed")

// Process is a fake child. It exits when Crash, Exit, Kill or a signal
// honoured by IgnoreSignals=false is delivered.
type Process struct {
	pid  int
	spec process.Spec

	mu            sync.Mutex
	done          chan struct{}
	exitErr       error
	signals       []os.Signal
	ignoreSignals bool
	killed        bool
}

// NewProcess creates a running fake with the given pid.
func NewProcess(pid int, spec process.Spec) *Process {
	return &Process{pid: pid, spec: spec, done: make(chan struct{})}
}

func (p *Process) Pid() int              { return p.pid }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Spec returns the spec the process was started with.
func (p *Process) Spec() process.Spec { return p.spec }

// IgnoreSignals makes graceful signals have no effect.
func (p *Process) IgnoreSignals() {
	p.mu.Lock()
	p.ignoreSignals = true
	p.mu.Unlock()
}

// Signals returns the signals delivered so far.
func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// Killed reports whether Kill was called while the process was alive.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	if !process.Alive(p) {
		p.mu.Unlock()
		return os.ErrProcessDone
	}
	p.signals = append(p.signals, sig)
	ignore := p.ignoreSignals
	p.mu.Unlock()
	if !ignore {
		p.Exit(nil)
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	if !process.Alive(p) {
		p.mu.Unlock()
		return os.ErrProcessDone
	}
	p.killed = true
	p.mu.Unlock()
	p.Exit(errors.New("signal: killed"))
	return nil
}

// Crash makes the process exit unexpectedly.
func (p *Process) Crash() { p.Exit(ErrCrashed) }

// Exit ends the process with err. Later calls are ignored.
func (p *Process) Exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.exitErr = err
	close(p.done)
}

// Starter records every launch and hands out fake processes.
type Starter struct {
	mu          sync.Mutex
	nextPid     int
	started     []*Process
	failWith    error
	exitAtBirth bool
	onStart     func(*Process)
}

// NewStarter returns a starter whose first pid is 1000.
func NewStarter() *Starter {
	return &Starter{nextPid: 1000}
}

// FailWith makes subsequent starts fail with err (nil restores success).
func (s *Starter) FailWith(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// ExitImmediately makes subsequent processes exit as soon as they start.
func (s *Starter) ExitImmediately(v bool) {
	s.mu.Lock()
	s.exitAtBirth = v
	s.mu.Unlock()
}

// OnStart registers a hook run for every new process.
func (s *Starter) OnStart(fn func(*Process)) {
	s.mu.Lock()
	s.onStart = fn
	s.mu.Unlock()
}

// Start implements process.Starter.
func (s *Starter) Start(_ context.Context, spec process.Spec) (process.Process, error) {
	if err := process.ValidateCommand(spec.Command); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return nil, err
	}
	s.nextPid++
	p := NewProcess(s.nextPid, spec)
	s.started = append(s.started, p)
	exit := s.exitAtBirth
	hook := s.onStart
	s.mu.Unlock()

	if exit {
		p.Exit(errors.New("exit status 1"))
	}
	if hook != nil {
		hook(p)
	}
	return p, nil
}

// Started returns every process launched so far.
func (s *Starter) Started() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.started...)
}

// Count returns the number of launches.
func (s *Starter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

// Last returns the most recent process or nil.
func (s *Starter) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.started) == 0 {
		return nil
	}
	return s.started[len(s.started)-1]
}

// Running returns the launched processes that have not exited.
func (s *Starter) Running() []*Process {
	var out []*Process
	for _, p := range s.Started() {
		if process.Alive(p) {
			out = append(out, p)
		}
	}
	return out
}
