package command

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Run starts the command as a supervised child: the child becomes a process
// group leader, drops credentials if requested, reads stdin from /dev/null
// and has its stdout handled according to the configured disposition. The
// extra environment overrides the command's own environment on clash.
//
// When the disposition is StdoutPipe, the returned reader is the
// non-blocking, close-on-exec read end of the child's output pipe;
// otherwise it is nil. The caller owns reaping the returned pid.
func (c *Command) Run(extraEnv map[string]string) (int, *LineReader, error) {
	if len(c.Argv) == 0 {
		return 0, nil, fmt.Errorf("empty command")
	}

	path, err := exec.LookPath(c.Argv[0])
	if err != nil {
		return 0, nil, fmt.Errorf("looking up %q: %w", c.Argv[0], err)
	}

	cred, err := lookupCredential(c.User, c.Group)
	if err != nil {
		return 0, nil, err
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	var (
		files  []*os.File
		reader *LineReader
	)
	switch c.Stdout {
	case StdoutConsole:
		files = []*os.File{devnull, os.Stdout, os.Stderr}
	case StdoutDevNull:
		files = []*os.File{devnull, devnull, devnull}
	case StdoutPipe:
		var p [2]int
		if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
			return 0, nil, fmt.Errorf("creating stdout pipe: %w", err)
		}
		if err := unix.SetNonblock(p[0], true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return 0, nil, fmt.Errorf("configuring stdout pipe: %w", err)
		}
		w := os.NewFile(uintptr(p[1]), "|1")
		defer w.Close()
		files = []*os.File{devnull, w, w}
		reader = NewLineReader(p[0])
	}

	proc, err := os.StartProcess(path, c.argv(), &os.ProcAttr{
		Dir:   c.Cwd,
		Env:   c.environ(extraEnv),
		Files: files,
		Sys: &syscall.SysProcAttr{
			Setpgid:    true,
			Credential: cred,
		},
	})
	if err != nil {
		if reader != nil {
			reader.Close()
		}
		return 0, nil, fmt.Errorf("starting %q: %w", c.Argv[0], err)
	}

	pid := proc.Pid
	// The pid is reaped with wait4 by the caller, not through os.Process.
	proc.Release()
	return pid, reader, nil
}

// RunWait starts the command, captures its output (when the disposition is
// StdoutPipe) and waits for it to finish. The returned code is the exit
// status for a normal exit, or the negated signal number when the child was
// killed by a signal.
func (c *Command) RunWait(extraEnv map[string]string) (int, []byte, error) {
	if len(c.Argv) == 0 {
		return 0, nil, fmt.Errorf("empty command")
	}

	path, err := exec.LookPath(c.Argv[0])
	if err != nil {
		return 0, nil, fmt.Errorf("looking up %q: %w", c.Argv[0], err)
	}

	cred, err := lookupCredential(c.User, c.Group)
	if err != nil {
		return 0, nil, err
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	var (
		files   []*os.File
		rd      *os.File
		capture bool
	)
	switch c.Stdout {
	case StdoutConsole:
		files = []*os.File{devnull, os.Stdout, os.Stderr}
	case StdoutDevNull:
		files = []*os.File{devnull, devnull, devnull}
	case StdoutPipe:
		r, w, err := os.Pipe()
		if err != nil {
			return 0, nil, fmt.Errorf("creating stdout pipe: %w", err)
		}
		defer r.Close()
		defer w.Close()
		files = []*os.File{devnull, w, w}
		rd = r
		capture = true
	}

	proc, err := os.StartProcess(path, c.argv(), &os.ProcAttr{
		Dir:   c.Cwd,
		Env:   c.environ(extraEnv),
		Files: files,
		Sys: &syscall.SysProcAttr{
			Setpgid:    true,
			Credential: cred,
		},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("starting %q: %w", c.Argv[0], err)
	}
	pid := proc.Pid
	proc.Release()

	var output []byte
	if capture {
		// Close our copy of the write end first, otherwise the read
		// below never sees EOF.
		files[1].Close()
		output, _ = io.ReadAll(rd)
	}

	var status unix.WaitStatus
	for {
		_, err = unix.Wait4(pid, &status, 0, nil)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, output, fmt.Errorf("waiting for pid %d: %w", pid, err)
	}

	code := 0
	switch {
	case status.Exited():
		code = status.ExitStatus()
	case status.Signaled():
		code = -int(status.Signal())
	}
	return code, output, nil
}

// argv returns the argument vector with the optional argv[0] override
// applied.
func (c *Command) argv() []string {
	if c.Argv0 == "" {
		return c.Argv
	}
	argv := append([]string{c.Argv0}, c.Argv[1:]...)
	return argv
}

// environ builds the child environment: the inherited environment with the
// command's own variables layered on top, then the extra variables, which
// win on clash.
func (c *Command) environ(extraEnv map[string]string) []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = setEnv(env, k, v)
	}
	for k, v := range extraEnv {
		env = setEnv(env, k, v)
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
