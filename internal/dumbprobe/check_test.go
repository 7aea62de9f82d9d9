package dumbprobe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dozzie/seismometer-toolbox/internal/command"
)

func shellCheck(src string) *ShellCheck {
	cmd := &command.Command{Argv: command.Argv(src), Stdout: command.StdoutPipe}
	return NewShellCheck("probe", cmd, 30*time.Second,
		map[string]string{"host": "testhost"}, "uptime")
}

func TestShellCheckStates(t *testing.T) {
	for _, tc := range []struct {
		command string
		state   string
	}{
		{"true", "ok"},
		{"false", "warning"},
		{"(exit 2)", "critical"},
		{"(exit 3)", "unknown"},
	} {
		t.Run(tc.command, func(t *testing.T) {
			msgs, err := shellCheck(tc.command).Run()
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			event := msgs[0]["event"].(map[string]any)
			state := event["state"].(map[string]any)
			assert.Equal(t, tc.state, state["value"])
			assert.Equal(t, "uptime", event["name"])
			assert.Equal(t, map[string]string{"host": "testhost"},
				msgs[0]["location"])
		})
	}
}

func TestShellCheckSchedule(t *testing.T) {
	c := shellCheck("true")
	assert.True(t, c.NextRun().IsZero(), "a fresh check is due immediately")

	now := time.Unix(3_000_000, 0)
	c.now = func() time.Time { return now }
	_, err := c.Run()
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), c.NextRun())
}

func TestShellCheckDefaultAspect(t *testing.T) {
	cmd := &command.Command{Argv: command.Argv("true"), Stdout: command.StdoutPipe}
	c := NewShellCheck("disk-free", cmd, time.Minute, nil, "")

	msgs, err := c.Run()
	require.NoError(t, err)
	event := msgs[0]["event"].(map[string]any)
	assert.Equal(t, "disk-free", event["name"])
}

func TestParseLine(t *testing.T) {
	msg := parseLine(`{"v": 2, "event": {"name": "load"}}`)
	assert.EqualValues(t, 2, msg["v"])

	msg = parseLine("plain text output")
	assert.Equal(t, Message{"message": "plain text output"}, msg)
}

func TestConfigBuild(t *testing.T) {
	cfg := &Config{
		Host: "default-host",
		Checks: map[string]CheckSpec{
			"uptime": {Command: "uptime-probe", Interval: 30, Service: "system"},
		},
		Streams: map[string]StreamSpec{
			"events": {Command: "event-tail -f"},
		},
	}
	checks, handles, err := cfg.Build()
	require.NoError(t, err)
	require.Len(t, checks, 1)
	require.Len(t, handles, 1)

	check := checks[0].(*ShellCheck)
	assert.Equal(t, "uptime", check.Name())
	assert.Equal(t, map[string]string{"host": "default-host", "service": "system"},
		check.location)

	stream := handles[0].(*CommandStream)
	assert.Equal(t, "events", stream.Name())
	assert.Equal(t, command.StdoutPipe, stream.cmd.Stdout)
}

func TestConfigBuildErrors(t *testing.T) {
	_, _, err := (&Config{Checks: map[string]CheckSpec{
		"bad": {Interval: 30},
	}}).Build()
	assert.Error(t, err)

	_, _, err = (&Config{Checks: map[string]CheckSpec{
		"bad": {Command: "true"},
	}}).Build()
	assert.Error(t, err)

	_, _, err = (&Config{Streams: map[string]StreamSpec{
		"bad": {},
	}}).Build()
	assert.Error(t, err)
}
