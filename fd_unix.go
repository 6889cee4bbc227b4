//go:build linux || darwin

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor. It is never retried, on Linux the
// descriptor is released even when close reports EINTR.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// readCounter reads one eventfd counter value. It returns the number of
// bytes read, which is 8 unless the read was short.
func readCounter(fd int) (uint64, int, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if n < 0 {
		n = 0
	}
	return binary.NativeEndian.Uint64(buf[:]), n, err
}

// writeCounter adds v to an eventfd counter. It returns the number of bytes
// written, which is 8 unless the write was short.
func writeCounter(fd int, v uint64) (int, error) {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	n, err := unix.Write(fd, buf[:])
	if n < 0 {
		n = 0
	}
	return n, err
}
