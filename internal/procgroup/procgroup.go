// SPDX-License-Identifier: MIT

// Package procgroup starts external tasks in their own process group so
// a timeout can reap the task and everything it forked.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Set configures cmd to start as a process group leader. Required for
// Signal to reach child processes.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Signal delivers sig to the whole process group of a command started
// after Set. A process that already exited is not an error.
func Signal(cmd *exec.Cmd, sig syscall.Signal) error {
	return signal(cmd, sig)
}
