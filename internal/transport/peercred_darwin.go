//go:build darwin

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerPID returns the pid of the process on the other end of conn
// (getsockopt SOL_LOCAL/LOCAL_PEERPID).
func PeerPID(conn net.Conn) (int32, error) {
	var pid int
	err := withFd(conn, func(fd int) error {
		v, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID)
		if err != nil {
			return fmt.Errorf("getsockopt LOCAL_PEERPID: %w", err)
		}
		pid = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, fmt.Errorf("getsockopt LOCAL_PEERPID: no pid for peer")
	}
	return int32(pid), nil
}
