package controller

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// roundTrip sends one request line over the control socket and decodes the
// response, ticking the controller's loop until the reply arrives.
func roundTrip(t *testing.T, c *Controller, conn net.Conn, request string) map[string]any {
	t.Helper()
	_, err := conn.Write([]byte(request + "\n"))
	require.NoError(t, err)

	lines := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err == nil {
			lines <- line
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case line := <-lines:
			var resp map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &resp))
			return resp
		default:
			require.True(t, time.Now().Before(deadline), "no response in time")
			c.tick()
		}
	}
}

func TestControlChannelEndToEnd(t *testing.T) {
	specPath := writeSpec(t, "", `
daemons:
  tick:
    start_command: sleep 60
`)
	socketPath := filepath.Join(t.TempDir(), "control")
	c, err := New(specPath, socketPath, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.sleep = func(time.Duration) {}
	defer c.Shutdown()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	// ps: one entry per daemon, with the documented keys.
	resp := roundTrip(t, c, conn, `{"command":"ps"}`)
	require.Equal(t, "ok", resp["status"])
	result := resp["result"].([]any)
	require.Len(t, result, 1)
	entry := result[0].(map[string]any)
	assert.Equal(t, "tick", entry["daemon"])
	assert.Equal(t, true, entry["running"])
	assert.NotNil(t, entry["pid"])
	assert.Nil(t, entry["restart_at"])

	// stop, then ps again: not running, no pending restart.
	resp = roundTrip(t, c, conn, `{"command":"stop","daemon":"tick"}`)
	assert.Equal(t, "ok", resp["status"])

	resp = roundTrip(t, c, conn, `{"command":"ps"}`)
	entry = resp["result"].([]any)[0].(map[string]any)
	assert.Equal(t, false, entry["running"])
	assert.Nil(t, entry["pid"])
	assert.Nil(t, entry["restart_at"])

	// unknown command: error, but the connection survives.
	resp = roundTrip(t, c, conn, `{"command":"frobnicate"}`)
	assert.Equal(t, "error", resp["status"])
	assert.NotEmpty(t, resp["message"])

	// malformed JSON: error, connection still survives.
	resp = roundTrip(t, c, conn, `{{{`)
	assert.Equal(t, "error", resp["status"])

	// unknown daemon: error response.
	resp = roundTrip(t, c, conn, `{"command":"start","daemon":"ghost"}`)
	assert.Equal(t, "error", resp["status"])

	// and the channel still works afterwards.
	resp = roundTrip(t, c, conn, `{"command":"start","daemon":"tick"}`)
	assert.Equal(t, "ok", resp["status"])
}

func TestControlSocketFileRemovedOnShutdown(t *testing.T) {
	specPath := writeSpec(t, "", `
daemons:
  tick:
    start_command: sleep 60
`)
	socketPath := filepath.Join(t.TempDir(), "control")
	c, err := New(specPath, socketPath, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.sleep = func(time.Duration) {}

	_, err = os.Stat(socketPath)
	require.NoError(t, err)

	c.Shutdown()
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}
