package daemon

import (
	"golang.org/x/sys/unix"

	"github.com/dozzie/seismometer-toolbox/internal/command"
)

// StopAction is one admin command from a daemon definition: either a signal
// delivered to the child or an external command run synchronously.
type StopAction interface {
	// Apply executes the action against the child with the given pid
	// (0 when not running) and returns an exit code plus any captured
	// output. Signal actions always report code 0 and no output.
	Apply(pid int, extraEnv map[string]string) (int, []byte, error)
}

// SignalAction delivers a signal to the child, optionally to its whole
// process group.
type SignalAction struct {
	Signal unix.Signal
	Group  bool
}

// Apply sends the signal. Delivery failures are ignored: the daemon may
// already be dead, which is exactly the state the caller wanted.
func (a SignalAction) Apply(pid int, _ map[string]string) (int, []byte, error) {
	if pid == 0 {
		return 0, nil, nil
	}
	target := pid
	if a.Group {
		target = -pid
	}
	_ = unix.Kill(target, a.Signal)
	return 0, nil, nil
}

// ExecAction runs an external command synchronously, capturing its output
// when the command pipes stdout.
type ExecAction struct {
	Command *command.Command
}

// Apply runs the command and returns its exit code and captured output.
func (a ExecAction) Apply(_ int, extraEnv map[string]string) (int, []byte, error) {
	return a.Command.RunWait(extraEnv)
}
