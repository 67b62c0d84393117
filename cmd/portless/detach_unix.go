//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// detach puts the daemon in its own session so it survives the terminal.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
