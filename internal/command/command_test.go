package command

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestArgvPlainString(t *testing.T) {
	assert.Equal(t, []string{"sleep", "10"}, Argv("sleep 10"))
	assert.Equal(t, []string{"/usr/bin/env", "true"}, Argv("/usr/bin/env true"))
}

func TestArgvShellMetacharacters(t *testing.T) {
	for _, src := range []string{
		"echo $HOME",
		"a | b",
		"for i in 1 2 3; do echo $i; done",
		"echo 'quoted'",
		"cat < input",
	} {
		assert.Equal(t, []string{"/bin/sh", "-c", src}, Argv(src), "source %q", src)
	}
}

func TestCommandEqual(t *testing.T) {
	a := &Command{Argv: []string{"sleep", "10"}, Env: map[string]string{"A": "1"}}
	b := &Command{Argv: []string{"sleep", "10"}, Env: map[string]string{"A": "1"}}
	assert.True(t, a.Equal(b))

	b.Env["A"] = "2"
	assert.False(t, a.Equal(b))

	c := &Command{Argv: []string{"sleep", "10"}, Env: map[string]string{"A": "1"}, Cwd: "/tmp"}
	assert.False(t, a.Equal(c))

	d := &Command{Argv: []string{"sleep", "10"}, Env: map[string]string{"A": "1"}, Stdout: StdoutPipe}
	assert.False(t, a.Equal(d))
}

// reap collects a child started by Run so tests do not leak zombies.
func reap(t *testing.T, pid int) unix.WaitStatus {
	t.Helper()
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		return status
	}
}

// readAllLines drains a LineReader until EOF, waiting for data as needed.
func readAllLines(t *testing.T, r *LineReader) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var lines []string
	for {
		line, err := r.ReadLine()
		switch {
		case err == nil:
			lines = append(lines, line)
		case errors.Is(err, ErrNoData):
			require.True(t, time.Now().Before(deadline), "timed out waiting for output")
			time.Sleep(10 * time.Millisecond)
		case errors.Is(err, io.EOF):
			return lines
		default:
			t.Fatalf("unexpected read error: %v", err)
		}
	}
}

func TestRunPipedOutput(t *testing.T) {
	cmd := &Command{Argv: Argv("echo hello"), Stdout: StdoutPipe}
	pid, out, err := cmd.Run(nil)
	require.NoError(t, err)
	require.NotNil(t, out)
	defer out.Close()

	assert.Equal(t, []string{"hello"}, readAllLines(t, out))
	status := reap(t, pid)
	assert.Equal(t, 0, status.ExitStatus())
}

func TestRunEnvironmentOverlay(t *testing.T) {
	cmd := &Command{
		Argv:   Argv("echo $FIRST $SECOND"),
		Env:    map[string]string{"FIRST": "from-command", "SECOND": "from-command"},
		Stdout: StdoutPipe,
	}
	pid, out, err := cmd.Run(map[string]string{"SECOND": "from-extra"})
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, []string{"from-command from-extra"}, readAllLines(t, out))
	reap(t, pid)
}

func TestRunNoPipeWithoutDisposition(t *testing.T) {
	cmd := &Command{Argv: Argv("true"), Stdout: StdoutDevNull}
	pid, out, err := cmd.Run(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	reap(t, pid)
}

func TestRunUnknownProgram(t *testing.T) {
	cmd := &Command{Argv: []string{"no-such-program-here"}}
	_, _, err := cmd.Run(nil)
	assert.Error(t, err)
}

func TestRunWaitExitCodes(t *testing.T) {
	code, _, err := (&Command{Argv: Argv("true")}).RunWait(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, _, err = (&Command{Argv: Argv("false")}).RunWait(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestRunWaitSignalDeath(t *testing.T) {
	cmd := &Command{Argv: Argv("kill -TERM $$")}
	code, _, err := cmd.RunWait(nil)
	require.NoError(t, err)
	assert.Equal(t, -int(unix.SIGTERM), code)
}

func TestRunWaitCapturesOutput(t *testing.T) {
	cmd := &Command{Argv: Argv("echo captured"), Stdout: StdoutPipe}
	code, output, err := cmd.RunWait(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "captured\n", string(output))
}
