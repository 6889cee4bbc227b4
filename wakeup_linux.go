//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

const (
	efdCloexec  = unix.EFD_CLOEXEC
	efdNonblock = unix.EFD_NONBLOCK
)

// createWakeFd creates the eventfd an EventLoop polls to be woken from other
// goroutines.
func createWakeFd(initval uint, flags int) (int, error) {
	fd, err := unix.Eventfd(initval, flags)
	if err != nil {
		return -1, &FDError{Op: "eventfd", FD: -1, Err: err}
	}
	return fd, nil
}
