//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func configureSysProcAttr(*exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	return cmd.Process.Signal(sig)
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

// GracefulSignal is the default signal for the first phase of Stop.
var GracefulSignal os.Signal = os.Interrupt

// InterruptSignal is used by the orchestrator for graceful service stops.
var InterruptSignal os.Signal = os.Interrupt
