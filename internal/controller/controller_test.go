package controller

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/dozzie/seismometer-toolbox/internal/control"
)

// writeSpec writes a daemons spec file and returns its path.
func writeSpec(t *testing.T, path, content string) string {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "daemons.yaml")
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// newController builds a controller around a spec file. The initial load
// inside New still uses the real inter-priority delay; it is disabled
// afterwards to keep later reloads fast.
func newController(t *testing.T, spec string) (*Controller, string) {
	t.Helper()
	path := writeSpec(t, "", spec)
	c, err := New(path, "", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.sleep = func(time.Duration) {}
	t.Cleanup(c.Shutdown)
	return c, path
}

// runTicks drives the event loop until the condition holds or the
// deadline expires.
func runTicks(t *testing.T, c *Controller, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached in time")
		c.tick()
	}
}

const twoDaemons = `
daemons:
  a:
    start_command: sleep 60
    start_priority: 5
  b:
    start_command: sleep 60
    start_priority: 20
`

func TestInitialLoadStartsFleet(t *testing.T) {
	c, _ := newController(t, twoDaemons)

	require.Len(t, c.daemons, 2)
	assert.Greater(t, c.daemons["a"].Pid(), 0)
	assert.Greater(t, c.daemons["b"].Pid(), 0)
}

func TestSpecLoadFailureFailsConstruction(t *testing.T) {
	path := writeSpec(t, "", "daemons: [")
	_, err := New(path, "", nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestReloadIsIdempotent(t *testing.T) {
	c, _ := newController(t, twoDaemons)

	pa, pb := c.daemons["a"].Pid(), c.daemons["b"].Pid()
	require.NoError(t, c.Reload())

	assert.Equal(t, pa, c.daemons["a"].Pid())
	assert.Equal(t, pb, c.daemons["b"].Pid())
}

func TestReloadRestartsChangedCommand(t *testing.T) {
	c, path := newController(t, twoDaemons)
	pa, pb := c.daemons["a"].Pid(), c.daemons["b"].Pid()

	writeSpec(t, path, `
daemons:
  a:
    start_command: sleep 60
    start_priority: 5
  b:
    start_command: sleep 61
    start_priority: 20
`)
	require.NoError(t, c.Reload())

	assert.Equal(t, pa, c.daemons["a"].Pid(), "unchanged daemon must keep its child")
	assert.NotEqual(t, pb, c.daemons["b"].Pid(), "changed daemon must get a new child")
	assert.Greater(t, c.daemons["b"].Pid(), 0)
}

func TestReloadStopsRemovedDaemon(t *testing.T) {
	c, path := newController(t, twoDaemons)
	pb := c.daemons["b"].Pid()

	writeSpec(t, path, `
daemons:
  a:
    start_command: sleep 60
    start_priority: 5
`)
	require.NoError(t, c.Reload())

	require.Len(t, c.daemons, 1)
	assert.Contains(t, c.daemons, "a")

	// The removed daemon's child must actually be gone.
	assert.Eventually(t, func() bool { return processGone(pb) },
		5*time.Second, 50*time.Millisecond)
}

// processGone reports whether the pid no longer names a live process.
func processGone(pid int) bool {
	return unix.Kill(pid, 0) != nil
}

func TestReloadUpdatesMetadataInPlace(t *testing.T) {
	c, path := newController(t, twoDaemons)
	pa := c.daemons["a"].Pid()

	writeSpec(t, path, `
daemons:
  a:
    start_command: sleep 60
    start_priority: 1
    restart: [9]
  b:
    start_command: sleep 60
    start_priority: 20
`)
	require.NoError(t, c.Reload())

	assert.Equal(t, pa, c.daemons["a"].Pid())
	assert.Equal(t, 1, c.daemons["a"].Meta().StartPriority)
	assert.Equal(t, []int{9}, c.daemons["a"].Meta().Restart)
}

func TestReloadFailureLeavesFleetUntouched(t *testing.T) {
	c, path := newController(t, twoDaemons)
	pa := c.daemons["a"].Pid()

	writeSpec(t, path, "daemons: [")
	assert.Error(t, c.Reload())
	assert.Equal(t, pa, c.daemons["a"].Pid())
}

func TestDeathSchedulesRestart(t *testing.T) {
	c, _ := newController(t, `
daemons:
  flap:
    start_command: "false"
    restart: [1, 2]
`)

	runTicks(t, c, 5*time.Second, func() bool {
		_, pending := c.queue.PendingAt("flap")
		return pending && c.daemons["flap"].Pid() == 0
	})
}

func TestRestartFiresAfterBackoff(t *testing.T) {
	c, _ := newController(t, `
daemons:
  late:
    start_command: sleep 60
    restart: [1]
`)
	first := c.daemons["late"].Pid()
	require.Greater(t, first, 0)

	// Kill the child; the controller must notice, wait out the back-off
	// and start a replacement.
	p, err := os.FindProcess(first)
	require.NoError(t, err)
	require.NoError(t, p.Kill())

	runTicks(t, c, 10*time.Second, func() bool {
		pid := c.daemons["late"].Pid()
		return pid != 0 && pid != first
	})
}

func TestCancelledRestartDoesNotFire(t *testing.T) {
	c, _ := newController(t, `
daemons:
  flap:
    start_command: "false"
    restart: [1, 1, 1]
`)

	runTicks(t, c, 5*time.Second, func() bool {
		_, pending := c.queue.PendingAt("flap")
		return pending
	})

	_, err := c.commandCancelRestart(&control.Request{Daemon: "flap"})
	require.NoError(t, err)

	// Tick past the wake-time: the daemon must stay down.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.tick()
	}
	assert.Equal(t, 0, c.daemons["flap"].Pid())
	_, pending := c.queue.PendingAt("flap")
	assert.False(t, pending)
}

func TestCommandPs(t *testing.T) {
	c, _ := newController(t, twoDaemons)

	result, err := c.commandPs(&control.Request{})
	require.NoError(t, err)
	entries := result.([]psEntry)
	require.Len(t, entries, 2)

	assert.Equal(t, "a", entries[0].Daemon)
	assert.Equal(t, "b", entries[1].Daemon)
	for _, e := range entries {
		assert.True(t, e.Running)
		require.NotNil(t, e.Pid)
		assert.Greater(t, *e.Pid, 0)
		assert.Nil(t, e.RestartAt)
	}
}

func TestCommandStopAndStart(t *testing.T) {
	c, _ := newController(t, twoDaemons)

	_, err := c.commandStop(&control.Request{Daemon: "a"})
	require.NoError(t, err)
	assert.Equal(t, 0, c.daemons["a"].Pid())

	_, err = c.commandStart(&control.Request{Daemon: "a"})
	require.NoError(t, err)
	assert.Greater(t, c.daemons["a"].Pid(), 0)
}

func TestCommandRestart(t *testing.T) {
	c, _ := newController(t, twoDaemons)
	old := c.daemons["a"].Pid()

	_, err := c.commandRestart(&control.Request{Daemon: "a"})
	require.NoError(t, err)
	assert.Greater(t, c.daemons["a"].Pid(), 0)
	assert.NotEqual(t, old, c.daemons["a"].Pid())
}

func TestCommandUnknownDaemon(t *testing.T) {
	c, _ := newController(t, twoDaemons)

	for _, handler := range []func(*control.Request) (any, error){
		c.commandStart, c.commandStop, c.commandRestart, c.commandCancelRestart,
	} {
		_, err := handler(&control.Request{Daemon: "ghost"})
		assert.Error(t, err)
		_, err = handler(&control.Request{})
		assert.Error(t, err)
	}
}

func TestCommandAdminCommand(t *testing.T) {
	c, _ := newController(t, `
daemons:
  svc:
    start_command: sleep 60
    commands:
      ok-cmd:
        command: "true"
      failing-cmd:
        command: "false"
`)

	_, err := c.commandAdminCommand(&control.Request{Daemon: "svc", AdminCommand: "ok-cmd"})
	assert.NoError(t, err)

	_, err = c.commandAdminCommand(&control.Request{Daemon: "svc", AdminCommand: "failing-cmd"})
	assert.Error(t, err)

	_, err = c.commandAdminCommand(&control.Request{Daemon: "svc", AdminCommand: "missing"})
	assert.Error(t, err)

	_, err = c.commandAdminCommand(&control.Request{Daemon: "svc"})
	assert.Error(t, err)
}

func TestHistoryWithoutStore(t *testing.T) {
	c, _ := newController(t, twoDaemons)
	_, err := c.commandHistory(&control.Request{Daemon: "a"})
	assert.Error(t, err)
}

func TestCommandTableCoversProtocol(t *testing.T) {
	c, _ := newController(t, twoDaemons)
	for _, name := range []string{
		"ps", "start", "stop", "restart", "cancel_restart",
		"reload", "admin_command", "history",
	} {
		assert.Contains(t, c.handlers, name)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	path := writeSpec(t, "", twoDaemons)
	c, err := New(path, "", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.sleep = func(time.Duration) {}

	pa := c.daemons["a"].Pid()
	c.Shutdown()

	assert.Empty(t, c.daemons)
	assert.Eventually(t, func() bool { return processGone(pa) },
		5*time.Second, 50*time.Millisecond)
}
