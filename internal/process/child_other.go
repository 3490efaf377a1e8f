//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup falls back to killing the child; interrupts are not delivered
// to other processes on this platform.
func signalGroup(cmd *exec.Cmd, _ os.Signal) error {
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
