//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// pipeDrainGrace bounds how long Wait keeps reading pipes that a killed
// agent's grandchildren still hold open.
const pipeDrainGrace = 5 * time.Second

// isolateProcessGroup starts the agent in its own process group and makes
// cancellation kill the whole group, so tool subprocesses spawned by the
// agent die with it on timeout or interrupt.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = pipeDrainGrace
}
