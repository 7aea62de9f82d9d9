package controller

import (
	"fmt"
	"sort"
	"time"

	"github.com/dozzie/seismometer-toolbox/internal/control"
	"github.com/dozzie/seismometer-toolbox/internal/daemon"
)

// psEntry is one element of the ps command's result.
type psEntry struct {
	Daemon    string `json:"daemon"`
	Pid       *int   `json:"pid"`
	Running   bool   `json:"running"`
	RestartAt *int64 `json:"restart_at"`
}

// historyEntry is the result of the history command.
type historyEntry struct {
	Daemon      string `json:"daemon"`
	LastPid     int    `json:"last_pid"`
	LastExit    *int   `json:"last_exit"`
	Starts      int    `json:"starts"`
	Deaths      int    `json:"deaths"`
	LastStartAt *int64 `json:"last_start_at"`
	LastExitAt  *int64 `json:"last_exit_at"`
	LastStopAt  *int64 `json:"last_stop_at"`
}

// commandTable maps control request names to their handlers. Command
// dispatch is an explicit table, not reflection.
func (c *Controller) commandTable() map[string]func(*control.Request) (any, error) {
	return map[string]func(*control.Request) (any, error){
		"ps":             c.commandPs,
		"start":          c.commandStart,
		"stop":           c.commandStop,
		"restart":        c.commandRestart,
		"cancel_restart": c.commandCancelRestart,
		"reload":         c.commandReload,
		"admin_command":  c.commandAdminCommand,
		"history":        c.commandHistory,
	}
}

// lookupDaemon resolves the daemon named in a request.
func (c *Controller) lookupDaemon(req *control.Request) (*daemon.Daemon, error) {
	if req.Daemon == "" {
		return nil, fmt.Errorf("daemon name required")
	}
	d, ok := c.daemons[req.Daemon]
	if !ok {
		return nil, fmt.Errorf("unknown daemon: %s", req.Daemon)
	}
	return d, nil
}

// commandPs lists the fleet with pids and pending restart times.
func (c *Controller) commandPs(*control.Request) (any, error) {
	names := make([]string, 0, len(c.daemons))
	for name := range c.daemons {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]psEntry, 0, len(names))
	for _, name := range names {
		d := c.daemons[name]
		entry := psEntry{Daemon: name, Running: d.Pid() != 0}
		if pid := d.Pid(); pid != 0 {
			entry.Pid = &pid
		}
		if at, ok := c.queue.PendingAt(name); ok {
			ts := at.Unix()
			entry.RestartAt = &ts
		}
		result = append(result, entry)
	}
	return result, nil
}

// commandStart starts a stopped daemon now and clears any pending restart.
func (c *Controller) commandStart(req *control.Request) (any, error) {
	d, err := c.lookupDaemon(req)
	if err != nil {
		return nil, err
	}
	c.queue.CancelRestart(d.Name())
	if d.Pid() == 0 {
		c.startDaemon(d.Name())
	}
	return nil, nil
}

// commandStop stops a running daemon and clears any pending restart.
func (c *Controller) commandStop(req *control.Request) (any, error) {
	d, err := c.lookupDaemon(req)
	if err != nil {
		return nil, err
	}
	c.queue.CancelRestart(d.Name())
	if d.Pid() != 0 {
		c.stopDaemon(d)
	}
	return nil, nil
}

// commandRestart stops the daemon if running, then starts it.
func (c *Controller) commandRestart(req *control.Request) (any, error) {
	d, err := c.lookupDaemon(req)
	if err != nil {
		return nil, err
	}
	c.queue.CancelRestart(d.Name())
	if d.Pid() != 0 {
		c.stopDaemon(d)
	}
	c.startDaemon(d.Name())
	return nil, nil
}

// commandCancelRestart clears a pending restart without touching anything
// else.
func (c *Controller) commandCancelRestart(req *control.Request) (any, error) {
	d, err := c.lookupDaemon(req)
	if err != nil {
		return nil, err
	}
	c.queue.CancelRestart(d.Name())
	return nil, nil
}

// commandReload re-reads the daemons spec and converges the fleet.
func (c *Controller) commandReload(*control.Request) (any, error) {
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return nil, nil
}

// commandAdminCommand applies a named admin command to a daemon. A
// non-zero exit is reported as an error; there is no automatic
// remediation.
func (c *Controller) commandAdminCommand(req *control.Request) (any, error) {
	d, err := c.lookupDaemon(req)
	if err != nil {
		return nil, err
	}
	if req.AdminCommand == "" {
		return nil, fmt.Errorf("admin_command name required")
	}
	if !d.HasCommand(req.AdminCommand) {
		return nil, fmt.Errorf("daemon %s: unknown admin command: %s",
			d.Name(), req.AdminCommand)
	}
	code, _, err := d.Command(req.AdminCommand, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case code > 0:
		return nil, fmt.Errorf("admin command %s exited with code %d",
			req.AdminCommand, code)
	case code < 0:
		return nil, fmt.Errorf("admin command %s died on signal %d",
			req.AdminCommand, -code)
	}
	return nil, nil
}

// commandHistory returns the persisted lifecycle record of a daemon.
func (c *Controller) commandHistory(req *control.Request) (any, error) {
	if c.store == nil {
		return nil, fmt.Errorf("state store not configured")
	}
	if req.Daemon == "" {
		return nil, fmt.Errorf("daemon name required")
	}
	rec, err := c.store.History(req.Daemon)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no history for daemon: %s", req.Daemon)
	}
	entry := historyEntry{
		Daemon:   rec.Name,
		LastPid:  rec.LastPid,
		LastExit: rec.LastExit,
		Starts:   rec.Starts,
		Deaths:   rec.Deaths,
	}
	entry.LastStartAt = unixOrNil(rec.LastStartAt)
	entry.LastExitAt = unixOrNil(rec.LastExitAt)
	entry.LastStopAt = unixOrNil(rec.LastStopAt)
	return entry, nil
}

func unixOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ts := t.Unix()
	return &ts
}
