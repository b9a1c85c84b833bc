//go:build windows

package encoder

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no process groups or SIGINT delivery for console-less
// children, so both steps of the cascade just kill.
func interruptGroup(p *os.Process) error {
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return p.Kill()
}
