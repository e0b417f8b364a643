//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerPID returns the pid of the process on the other end of conn, as
// recorded by the kernel when the connection was established (SO_PEERCRED).
func PeerPID(conn net.Conn) (int32, error) {
	var pid int32
	err := withFd(conn, func(fd int) error {
		cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return fmt.Errorf("getsockopt SO_PEERCRED: %w", err)
		}
		pid = cred.Pid
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		// peers in another pid namespace are reported as 0
		return 0, fmt.Errorf("getsockopt SO_PEERCRED: no pid for peer")
	}
	return pid, nil
}
