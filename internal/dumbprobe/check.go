// Package dumbprobe schedules monitoring checks at declared intervals and
// streams their results as monitoring messages. It shares the supervisor's
// poll and queue discipline: timed checks live in a time-ordered heap,
// stream handles are driven by readiness.
package dumbprobe

import (
	"time"

	"github.com/dozzie/seismometer-toolbox/internal/command"
)

// Message is one monitoring message produced by a check or a stream
// handle. The message schema itself is defined elsewhere; the scheduler
// only moves these around.
type Message map[string]any

// Check is a periodically executed producer of monitoring messages.
type Check interface {
	// Name identifies the check in logs.
	Name() string
	// NextRun returns when the check should run next. A zero time means
	// immediately.
	NextRun() time.Time
	// Run executes the check and returns its messages, if any.
	Run() ([]Message, error)
}

// stateByCode maps a check command's exit code to a monitoring state.
func stateByCode(code int) string {
	switch code {
	case 0:
		return "ok"
	case 1:
		return "warning"
	case 2:
		return "critical"
	default:
		return "unknown"
	}
}

// ShellCheck runs an external command on a schedule and reports a state
// derived from its exit code.
type ShellCheck struct {
	name     string
	location map[string]string
	aspect   string
	cmd      *command.Command
	interval time.Duration
	lastRun  time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewShellCheck builds a check from a command line. The location
// identifies the monitored entity (host, service) and the aspect names
// what is being checked.
func NewShellCheck(name string, cmd *command.Command, interval time.Duration,
	location map[string]string, aspect string) *ShellCheck {
	if aspect == "" {
		aspect = name
	}
	return &ShellCheck{
		name:     name,
		location: location,
		aspect:   aspect,
		cmd:      cmd,
		interval: interval,
		now:      time.Now,
	}
}

// Name implements Check.
func (c *ShellCheck) Name() string { return c.name }

// NextRun implements Check. A check that never ran is due immediately.
func (c *ShellCheck) NextRun() time.Time {
	if c.lastRun.IsZero() {
		return time.Time{}
	}
	return c.lastRun.Add(c.interval)
}

// Run executes the command and maps its exit code to a state: 0 is ok,
// 1 warning, 2 critical, anything else (including death by signal) is
// unknown.
func (c *ShellCheck) Run() ([]Message, error) {
	code, _, err := c.cmd.RunWait(nil)
	c.lastRun = c.now()
	if err != nil {
		return nil, err
	}
	msg := Message{
		"v":        2,
		"time":     c.now().Unix(),
		"location": c.location,
		"event": map[string]any{
			"name": c.aspect,
			"state": map[string]any{
				"value":     stateByCode(code),
				"expected":  []string{"ok"},
				"attention": []string{"warning"},
			},
		},
	}
	return []Message{msg}, nil
}
