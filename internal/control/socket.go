// Package control implements the administrative channel: a unix-domain
// stream socket carrying one JSON request and one JSON response per line.
package control

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Socket is the listening end of the control channel. It exposes its raw
// descriptor so the controller can register it in the poll registry.
type Socket struct {
	fd   int
	path string
}

// Listen binds the control socket at the given filesystem path. A stale
// socket file left behind by a previous run is removed first.
func Listen(path string) (*Socket, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving control socket path: %w", err)
	}
	// A previous instance that crashed leaves the socket file around;
	// binding over it needs the unlink.
	if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(abs)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating control socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: abs}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding control socket at %s: %w", abs, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		_ = os.Remove(abs)
		return nil, fmt.Errorf("listening on control socket: %w", err)
	}
	return &Socket{fd: fd, path: abs}, nil
}

// Fileno returns the listening descriptor, or -1 after Close.
func (s *Socket) Fileno() int {
	if s.fd < 0 {
		return -1
	}
	return s.fd
}

// Path returns the filesystem path the socket is bound at.
func (s *Socket) Path() string { return s.path }

// Accept takes one pending connection and wraps it as a client. The
// accepted descriptor is non-blocking and close-on-exec.
func (s *Socket) Accept() (*Client, error) {
	fd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("accepting control client: %w", err)
	}
	return newClient(fd), nil
}

// Close shuts the listener down and removes the socket file.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if s.path != "" {
		_ = os.Remove(s.path)
	}
	return err
}
