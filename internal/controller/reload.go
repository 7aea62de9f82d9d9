package controller

import (
	"sort"

	"go.uber.org/zap"

	"github.com/dozzie/seismometer-toolbox/internal/config"
	"github.com/dozzie/seismometer-toolbox/internal/daemon"
)

// Reload loads the daemons spec and converges the fleet with it: new names
// start, removed names stop, changed commands restart, and a definition
// whose command is unchanged only has its metadata refreshed in place.
// Only a spec that fails to load or parse fails the reload; a daemon that
// fails to start lands in the restart queue through the normal death path.
func (c *Controller) Reload() error {
	c.log.Info("reloading daemons spec", zap.String("path", c.specPath))
	defs, err := config.Load(c.specPath)
	if err != nil {
		return err
	}

	incoming := make(map[string]*daemon.Daemon, len(defs))
	for name, def := range defs {
		incoming[name] = daemon.New(name, def.Start, def.Admin, daemon.Meta{
			StartPriority: def.StartPriority,
			Restart:       def.Restart,
		})
	}

	var toStart, toRestart, toStop []*daemon.Daemon
	for name, nd := range incoming {
		cur, ok := c.daemons[name]
		switch {
		case !ok:
			toStart = append(toStart, nd)
		case !cur.Equal(nd):
			toRestart = append(toRestart, nd)
		default:
			// Same command: refresh metadata, leave the child alone.
			cur.UpdateMeta(nd)
		}
	}
	for name, cur := range c.daemons {
		if _, ok := incoming[name]; !ok {
			toStop = append(toStop, cur)
		}
	}

	// Outgoing daemons stop first, in reverse priority order so that the
	// earliest-starting daemons are the last to go.
	sortByPriority(toStop)
	for i := len(toStop) - 1; i >= 0; i-- {
		d := toStop[i]
		c.stopDaemon(d)
		delete(c.daemons, d.Name())
	}

	// The restart queue is rebuilt from scratch with every daemon that is
	// part of the new spec.
	c.queue.Clear()
	for name, nd := range incoming {
		c.queue.Add(name, nd.Meta().Restart)
	}

	// Changed definitions: stop the old child, adopt the new handle and
	// start it.
	sortByPriority(toRestart)
	c.startBatch(toRestart, func(nd *daemon.Daemon) {
		if old, ok := c.daemons[nd.Name()]; ok {
			c.stopDaemon(old)
		}
		c.daemons[nd.Name()] = nd
		c.startDaemon(nd.Name())
	})

	// Brand-new definitions.
	sortByPriority(toStart)
	c.startBatch(toStart, func(nd *daemon.Daemon) {
		c.daemons[nd.Name()] = nd
		c.startDaemon(nd.Name())
	})

	// Recovery: anything in the fleet that is still not running gets
	// started now (covers a spec that renamed a definition).
	for _, d := range c.fleetByPriority() {
		if d.Pid() == 0 {
			c.startDaemon(d.Name())
		}
	}
	return nil
}

// startBatch runs start for each daemon in order, inserting a short delay
// whenever the batch crosses a priority boundary.
func (c *Controller) startBatch(batch []*daemon.Daemon, start func(*daemon.Daemon)) {
	started := false
	lastPriority := 0
	for _, nd := range batch {
		priority := nd.Meta().StartPriority
		if started && priority != lastPriority {
			c.sleep(priorityDelay)
		}
		start(nd)
		started = true
		lastPriority = priority
	}
}

// fleetByPriority returns the current fleet sorted by (priority, name).
func (c *Controller) fleetByPriority() []*daemon.Daemon {
	fleet := make([]*daemon.Daemon, 0, len(c.daemons))
	for _, d := range c.daemons {
		fleet = append(fleet, d)
	}
	sortByPriority(fleet)
	return fleet
}

// sortByPriority orders daemons by start priority, then name.
func sortByPriority(ds []*daemon.Daemon) {
	sort.Slice(ds, func(i, j int) bool {
		pi, pj := ds[i].Meta().StartPriority, ds[j].Meta().StartPriority
		if pi != pj {
			return pi < pj
		}
		return ds[i].Name() < ds[j].Name()
	})
}
