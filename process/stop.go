package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// KillWait bounds how long Stop waits for the process to be reaped after
// the forced kill.
var KillWait = 2 * time.Second

// Stop terminates p in two phases: sig, then up to grace for a clean exit,
// then a forced kill. A cancelled ctx skips straight to the kill. Stop on an
// exited or nil process is a no-op.
func Stop(ctx context.Context, p Process, sig os.Signal, grace time.Duration) error {
	if !Alive(p) {
		return nil
	}
	if sig == nil {
		sig = GracefulSignal
	}

	if err := p.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		grace = 0
	}
	if grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-p.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	select {
	case <-p.Done():
		return nil
	case <-time.After(KillWait):
		return fmt.Errorf("%w: pid %d", ErrStopTimeout, p.Pid())
	}
}

// Kill force-kills p without a graceful phase and waits up to KillWait for
// it to be reaped.
func Kill(p Process) error {
	if !Alive(p) {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	select {
	case <-p.Done():
		return nil
	case <-time.After(KillWait):
		return fmt.Errorf("%w: pid %d", ErrStopTimeout, p.Pid())
	}
}
