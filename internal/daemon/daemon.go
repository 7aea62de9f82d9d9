// Package daemon wraps a single supervised child process: starting and
// stopping it, tracking its pid, reading its piped stdout and applying
// admin commands from its definition.
package daemon

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/dozzie/seismometer-toolbox/internal/command"
)

// StopCommand is the admin command every daemon has. When the definition
// does not provide one, the default sends SIGTERM to the child's process
// group.
const StopCommand = "stop"

// pidEnvVar carries the supervised child's pid into admin commands.
const pidEnvVar = "DAEMON_PID"

// Meta is the controller-facing bookkeeping attached to a daemon handle.
type Meta struct {
	Name          string
	Running       bool
	StartPriority int
	Restart       []int
}

// Daemon is a handle for one supervised child process. A handle never owns
// two concurrent children: it has a pid iff an OS process exists for it.
type Daemon struct {
	name  string
	start *command.Command
	admin map[string]StopAction
	meta  Meta

	pid int
	out *command.LineReader
}

// New creates a handle from a definition. The admin command map is copied
// and a default stop command is installed when missing.
func New(name string, start *command.Command, admin map[string]StopAction, meta Meta) *Daemon {
	cmds := make(map[string]StopAction, len(admin)+1)
	for k, v := range admin {
		cmds[k] = v
	}
	if _, ok := cmds[StopCommand]; !ok {
		cmds[StopCommand] = SignalAction{Signal: unix.SIGTERM, Group: true}
	}
	meta.Name = name
	return &Daemon{
		name:  name,
		start: start,
		admin: cmds,
		meta:  meta,
	}
}

// Name returns the daemon's name from the spec.
func (d *Daemon) Name() string { return d.name }

// Pid returns the child's pid, or 0 when no child is running.
func (d *Daemon) Pid() int { return d.pid }

// Meta returns a pointer to the controller bookkeeping for this handle.
func (d *Daemon) Meta() *Meta { return &d.meta }

// StartCommand returns the command used to start the child.
func (d *Daemon) StartCommand() *command.Command { return d.start }

// Equal reports whether two handles would start the same child. This is
// how the controller detects a changed definition on reload.
func (d *Daemon) Equal(o *Daemon) bool {
	return d.start.Equal(o.start)
}

// UpdateMeta adopts the metadata and admin commands from a freshly loaded
// definition without touching the running child.
func (d *Daemon) UpdateMeta(o *Daemon) {
	d.admin = o.admin
	d.meta.StartPriority = o.meta.StartPriority
	d.meta.Restart = o.meta.Restart
}

// Start launches the child. A handle that already has a child silently
// keeps it, so two concurrent children are never produced.
func (d *Daemon) Start() error {
	if d.pid != 0 {
		return nil
	}
	pid, out, err := d.start.Run(nil)
	if err != nil {
		return fmt.Errorf("starting daemon %s: %w", d.name, err)
	}
	d.pid = pid
	d.out = out
	d.meta.Running = true
	return nil
}

// Stop applies the stop admin command and reaps the child. Stopping a
// handle without a child is a no-op.
func (d *Daemon) Stop() error {
	if d.pid == 0 {
		return nil
	}
	if _, _, err := d.Command(StopCommand, nil); err != nil {
		return err
	}
	return d.Reap()
}

// HasCommand reports whether the named admin command is defined.
func (d *Daemon) HasCommand(name string) bool {
	_, ok := d.admin[name]
	return ok
}

// Command applies the named admin command to the child. Exec commands run
// synchronously and return the exit code (negative for death by signal)
// together with any captured output; signal commands return a zero code.
// The command's environment carries the child's pid in DAEMON_PID, empty
// when the child is not running.
func (d *Daemon) Command(name string, extraEnv map[string]string) (int, []byte, error) {
	action, ok := d.admin[name]
	if !ok {
		return 0, nil, fmt.Errorf("daemon %s: unknown admin command %q", d.name, name)
	}
	env := map[string]string{pidEnvVar: ""}
	if d.pid != 0 {
		env[pidEnvVar] = strconv.Itoa(d.pid)
	}
	for k, v := range extraEnv {
		env[k] = v
	}
	return action.Apply(d.pid, env)
}

// Reap waits for the child to exit and forgets its pid. A child already
// collected through the controller's global reaping is treated as gone.
func (d *Daemon) Reap() error {
	if d.pid == 0 {
		return nil
	}
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(d.pid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.ECHILD {
			return fmt.Errorf("reaping daemon %s (pid %d): %w", d.name, d.pid, err)
		}
		break
	}
	d.forgetChild()
	return nil
}

// ChildExited records that the controller observed the child's death
// through its own wait. The stdout pipe stays open until drained.
func (d *Daemon) ChildExited() {
	d.pid = 0
	d.meta.Running = false
}

// CloseOutput closes and forgets the stdout read end, if any.
func (d *Daemon) CloseOutput() {
	if d.out != nil {
		d.out.Close()
		d.out = nil
	}
}

// forgetChild clears all per-child state.
func (d *Daemon) forgetChild() {
	d.pid = 0
	d.meta.Running = false
	d.CloseOutput()
}

// Fileno returns the descriptor of the stdout read end, or -1 when the
// output is not piped or already closed.
func (d *Daemon) Fileno() int {
	if d.out == nil {
		return -1
	}
	return d.out.Fileno()
}

// ReadLine reads the next complete line from the child's stdout. It
// returns command.ErrNoData when nothing complete is buffered and io.EOF
// once the pipe is closed and drained. EOF does not imply the child died.
func (d *Daemon) ReadLine() (string, error) {
	if d.out == nil {
		return "", fmt.Errorf("daemon %s: stdout not piped", d.name)
	}
	return d.out.ReadLine()
}
