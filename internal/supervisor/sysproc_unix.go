//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// isolate puts the child in its own process group so terminal signals
// reach only the host, which then shuts the server down itself.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
