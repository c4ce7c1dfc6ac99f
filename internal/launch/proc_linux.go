//go:build linux

package launch

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// the remote dies with its parent
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}
}
