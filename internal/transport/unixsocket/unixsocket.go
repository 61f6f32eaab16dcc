// Package unixsocket wraps the OS-level details of dialing and listening on
// Unix-domain sockets for the Rialto transport: fd-preopened connections
// (RIALTO_SOCKET_FD), path-based connections (RIALTO_SOCKET_PATH), and the
// server-side permission step (chmod/chown on the listening socket).
package unixsocket

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// DialFD adopts an already-open, pre-connected socket file descriptor
// (passed to the process, e.g. by a launcher) as a net.Conn.
func DialFD(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "rialto-socket")
	if f == nil {
		return nil, fmt.Errorf("unixsocket: invalid fd %d", fd)
	}
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("unixsocket: adopt fd %d: %w", fd, err)
	}
	_ = f.Close() // net.FileConn dup'd the fd; close our reference
	return conn, nil
}

// DialPath connects to a Unix-domain socket at path.
func DialPath(path string) (net.Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("unixsocket: dial %s: %w", path, err)
	}
	return conn, nil
}

// Listen creates a Unix-domain socket listener at path, removing any stale
// socket file left behind by a previous, uncleanly-terminated server.
func Listen(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("unixsocket: listen %s: %w", path, err)
	}
	return l.(*net.UnixListener), nil
}

// ListenFD adopts an already-open, pre-bound-and-listening socket file
// descriptor (passed to the process by a launcher) as a net.Listener.
func ListenFD(fd int) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), "rialto-listen-socket")
	if f == nil {
		return nil, fmt.Errorf("unixsocket: invalid fd %d", fd)
	}
	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("unixsocket: adopt listening fd %d: %w", fd, err)
	}
	_ = f.Close() // net.FileListener dup'd the fd; close our reference
	return l, nil
}

// SetPermissions chmods the socket at path, and chowns it only when both
// owner and group are non-empty, per the external-interfaces contract.
func SetPermissions(path string, mode os.FileMode, owner, group string) error {
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("unixsocket: chmod %s: %w", path, err)
	}
	if owner == "" || group == "" {
		return nil
	}
	uid, gid, err := lookupOwner(owner, group)
	if err != nil {
		return err
	}
	if err := unix.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("unixsocket: chown %s to %s:%s: %w", path, owner, group, err)
	}
	return nil
}
