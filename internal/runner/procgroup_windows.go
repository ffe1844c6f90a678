//go:build windows

package runner

import (
	"os/exec"
	"time"
)

// isolateProcessGroup relies on the default Cancel (kill the process) on
// Windows, which has no Unix process groups.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 5 * time.Second
}
