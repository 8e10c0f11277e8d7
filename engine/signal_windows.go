//go:build windows

package engine

import (
	"os"
	"os/exec"
)

func configureCommand(cmd *exec.Cmd) {}

// interrupt kills directly, Windows has no SIGTERM for console processes.
func interrupt(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}
