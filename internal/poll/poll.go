// Package poll provides readiness multiplexing over file descriptors for
// the supervisor event loop.
package poll

import (
	"time"

	"golang.org/x/sys/unix"
)

// Handle is anything that can be registered for readiness polling. A handle
// whose Fileno returns a negative value has no descriptor and is ignored.
type Handle interface {
	Fileno() int
}

// Registry multiplexes readiness over a set of registered handles.
type Registry struct {
	handles map[int]Handle
}

// New creates an empty poll registry.
func New() *Registry {
	return &Registry{
		handles: make(map[int]Handle),
	}
}

// Add registers a handle for readiness polling. Handles without a descriptor
// and handles whose descriptor is already registered are ignored.
func (r *Registry) Add(h Handle) {
	fd := h.Fileno()
	if fd < 0 {
		return
	}
	if _, ok := r.handles[fd]; ok {
		return
	}
	r.handles[fd] = h
}

// Remove unregisters a handle. Removing an unregistered handle is a no-op.
// The handle must still report a valid descriptor.
func (r *Registry) Remove(h Handle) {
	fd := h.Fileno()
	if fd < 0 {
		return
	}
	delete(r.handles, fd)
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	return len(r.handles)
}

// Poll waits up to timeout for any registered descriptor to become readable
// and returns the handles that are ready. Error conditions on a descriptor
// count as readiness so the owner can observe them with a read. A wait
// interrupted by a signal reports no handles ready instead of failing.
func (r *Registry) Poll(timeout time.Duration) ([]Handle, error) {
	if len(r.handles) == 0 {
		// Nothing registered; still honor the timeout so callers keep
		// a steady tick.
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	fds := make([]unix.PollFd, 0, len(r.handles))
	for fd := range r.handles {
		fds = append(fds, unix.PollFd{
			Fd:     int32(fd),
			Events: unix.POLLIN | unix.POLLERR,
		})
	}

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]Handle, 0, n)
	for _, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
			continue
		}
		if h, ok := r.handles[int(pfd.Fd)]; ok {
			ready = append(ready, h)
		}
	}
	return ready, nil
}
