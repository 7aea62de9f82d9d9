// Package daemonize detaches the supervisor from its controlling terminal.
// The classic double fork is not expressible in-process in Go, so the
// detach re-executes the binary as a new session child; the original
// parent waits until the child reports its listeners and pipes healthy,
// then exits 0.
package daemonize

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// markerEnv tells the re-executed child that it is the detached instance.
const markerEnv = "DAEMONSHEPHERD_DETACHED"

// ackFd is the descriptor number the child writes its readiness byte to.
const ackFd = 3

// IsChild reports whether this process is the detached instance.
func IsChild() bool {
	return os.Getenv(markerEnv) != ""
}

// Spawn re-executes the binary with the detach marker set and waits for
// the child's readiness acknowledgement. It returns once the child is
// healthy; the caller is expected to exit afterwards without cleanup.
func Spawn() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary: %w", err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating ack pipe: %w", err)
	}
	defer r.Close()

	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   append(os.Environ(), markerEnv+"=1"),
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr, w},
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("re-executing for detach: %w", err)
	}
	w.Close()
	proc.Release()

	buf := make([]byte, 1)
	n, _ := r.Read(buf)
	if n == 0 {
		return fmt.Errorf("detached process exited before becoming ready")
	}
	return nil
}

// Ready is called by the detached child once its listeners and pipes are
// healthy: it acknowledges success to the waiting parent, starts a new
// session and points the standard streams at /dev/null.
func Ready() error {
	ack := os.NewFile(ackFd, "detach-ack")
	if ack != nil {
		_, _ = ack.Write([]byte{0})
		ack.Close()
	}

	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return fmt.Errorf("starting new session: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()
	for _, fd := range []int{0, 1, 2} {
		if err := unix.Dup3(int(devnull.Fd()), fd, 0); err != nil {
			return fmt.Errorf("redirecting fd %d: %w", fd, err)
		}
	}
	return nil
}
