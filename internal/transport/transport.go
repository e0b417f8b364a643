// Package transport contains the low-level socket operations behind peer
// authentication.
//
// PeerPID is implemented once per supported build target (peercred_linux.go,
// peercred_darwin.go). There is deliberately no fallback: building for any
// other target fails because PeerPID is undefined there.
package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrUnsupportedConn is returned for connections that are not unix sockets.
var ErrUnsupportedConn = errors.New("connection does not expose a unix socket descriptor")

// rawConn extracts the syscall.RawConn behind a unix socket connection.
func rawConn(conn net.Conn) (syscall.RawConn, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedConn, conn)
	}
	rc, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	return rc, nil
}

// withFd runs fn against the connection's descriptor. The descriptor is only
// valid for the duration of fn.
func withFd(conn net.Conn, fn func(fd int) error) error {
	rc, err := rawConn(conn)
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	}); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return opErr
}
