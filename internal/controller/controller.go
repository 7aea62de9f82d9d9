// Package controller owns the supervised fleet: it converges the set of
// running children with the daemons specification, restarts the ones that
// die according to their back-off strategy, and services the control
// channel. Everything runs on a single event loop; signal handlers only
// enqueue intent.
package controller

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dozzie/seismometer-toolbox/internal/control"
	"github.com/dozzie/seismometer-toolbox/internal/daemon"
	"github.com/dozzie/seismometer-toolbox/internal/poll"
	"github.com/dozzie/seismometer-toolbox/internal/restart"
	"github.com/dozzie/seismometer-toolbox/internal/state"
)

// pollInterval bounds one loop tick so restart deadlines and signal intent
// are serviced promptly.
const pollInterval = 100 * time.Millisecond

// priorityDelay separates start batches of different priorities, giving
// earlier bands a moment to initialize external resources.
const priorityDelay = 100 * time.Millisecond

// startFailureCode stands in for the exit code of a child that could not
// be started at all, mirroring the shell's command-not-found status.
const startFailureCode = 127

// Controller runs the supervisor: fleet, restart queue, poll registry and
// control channel.
type Controller struct {
	specPath string

	daemons  map[string]*daemon.Daemon
	queue    *restart.Queue
	registry *poll.Registry
	socket   *control.Socket
	clients  map[int]*control.Client
	store    *state.Store

	log      *zap.Logger
	childLog *zap.Logger

	keepRunning bool
	signals     chan os.Signal
	handlers    map[string]func(*control.Request) (any, error)

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// New builds a controller, opens the control socket (when a path is
// given), performs the initial spec load and installs the signal handlers.
// A spec that fails to load fails construction.
func New(specPath, socketPath string, store *state.Store, log *zap.Logger) (*Controller, error) {
	c := &Controller{
		specPath: specPath,
		daemons:  make(map[string]*daemon.Daemon),
		queue:    restart.New(log.Named("restart_queue")),
		registry: poll.New(),
		clients:  make(map[int]*control.Client),
		store:    store,
		log:      log.Named("controller"),
		childLog: log.Named("daemon"),
		signals:  make(chan os.Signal, 16),
		sleep:    time.Sleep,
	}
	c.handlers = c.commandTable()

	if socketPath != "" {
		socket, err := control.Listen(socketPath)
		if err != nil {
			return nil, err
		}
		c.socket = socket
		c.registry.Add(socket)
	}

	// Install the handlers before the first start: a child that dies
	// instantly must not slip its SIGCHLD past us.
	signal.Notify(c.signals, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGCHLD)

	if err := c.Reload(); err != nil {
		signal.Stop(c.signals)
		if c.socket != nil {
			c.socket.Close()
		}
		return nil, err
	}

	c.keepRunning = true
	return c, nil
}

// Run drives the event loop until a termination signal arrives. Children
// are not stopped here; call Shutdown for that.
func (c *Controller) Run() {
	for c.keepRunning {
		c.tick()
	}
}

// tick is one loop iteration: service ready handles, consume signal
// intent, then start whatever the restart queue released.
func (c *Controller) tick() {
	ready, err := c.registry.Poll(pollInterval)
	if err != nil {
		c.log.Error("poll failed", zap.Error(err))
		c.sleep(pollInterval)
	}
	for _, h := range ready {
		switch h := h.(type) {
		case *control.Socket:
			c.acceptClient()
		case *control.Client:
			c.serveClient(h)
		case *daemon.Daemon:
			c.handleOutput(h)
		}
	}

	c.drainSignals()

	for _, name := range c.queue.RestartReady() {
		c.startDaemon(name)
	}
}

// drainSignals consumes all pending signal intent without blocking.
func (c *Controller) drainSignals() {
	for {
		select {
		case sig := <-c.signals:
			switch sig {
			case unix.SIGTERM, unix.SIGINT:
				c.log.Info("got signal, shutting down", zap.String("signal", sig.String()))
				c.keepRunning = false
			case unix.SIGHUP:
				c.log.Info("got signal, reloading spec", zap.String("signal", sig.String()))
				if err := c.Reload(); err != nil {
					c.log.Error("reload failed", zap.Error(err))
				}
			case unix.SIGCHLD:
				c.reapChildren()
			}
		default:
			return
		}
	}
}

// reapChildren collects every exited child the OS has for us and routes
// each death into the restart queue. Pids we do not own are logged and
// discarded.
func (c *Controller) reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}

		code := 0
		switch {
		case status.Exited():
			code = status.ExitStatus()
		case status.Signaled():
			code = -int(status.Signal())
		default:
			continue // stopped/continued, not a death
		}

		d := c.findByPid(pid)
		if d == nil {
			c.log.Warn("reaped a child that is not ours",
				zap.Int("pid", pid), zap.Int("code", code))
			continue
		}

		name := d.Name()
		c.registry.Remove(d)
		d.CloseOutput()
		d.ChildExited()
		c.queue.DaemonDied(name, code)
		if c.store != nil {
			if err := c.store.RecordExit(name, code); err != nil {
				c.log.Warn("state store update failed", zap.Error(err))
			}
		}
	}
}

// findByPid returns the handle owning the given child pid.
func (c *Controller) findByPid(pid int) *daemon.Daemon {
	for _, d := range c.daemons {
		if d.Pid() == pid {
			return d
		}
	}
	return nil
}

// startDaemon starts one daemon and registers its stdout pipe. A start
// failure takes the normal death path so the back-off strategy applies.
func (c *Controller) startDaemon(name string) {
	d, ok := c.daemons[name]
	if !ok || d.Pid() != 0 {
		return
	}
	c.log.Info("starting daemon", zap.String("daemon", name))
	c.queue.DaemonStarted(name)
	if err := d.Start(); err != nil {
		c.log.Error("daemon failed to start",
			zap.String("daemon", name), zap.Error(err))
		c.queue.DaemonDied(name, startFailureCode)
		return
	}
	c.registry.Add(d)
	if c.store != nil {
		if err := c.store.RecordStart(name, d.Pid()); err != nil {
			c.log.Warn("state store update failed", zap.Error(err))
		}
	}
}

// stopDaemon stops one daemon through its stop admin command and reaps it.
func (c *Controller) stopDaemon(d *daemon.Daemon) {
	name := d.Name()
	c.log.Info("stopping daemon", zap.String("daemon", name))
	c.registry.Remove(d)
	if err := d.Stop(); err != nil {
		c.log.Warn("stopping daemon failed",
			zap.String("daemon", name), zap.Error(err))
	}
	c.queue.DaemonStopped(name)
	if c.store != nil {
		if err := c.store.RecordStop(name); err != nil {
			c.log.Warn("state store update failed", zap.Error(err))
		}
	}
}

// acceptClient takes one pending control connection.
func (c *Controller) acceptClient() {
	client, err := c.socket.Accept()
	if err != nil {
		c.log.Warn("accepting control client failed", zap.Error(err))
		return
	}
	c.log.Debug("control client connected", zap.String("client", client.ID()))
	c.clients[client.Fileno()] = client
	c.registry.Add(client)
}

// serveClient handles every request the client has buffered. The
// connection survives protocol errors and dies on EOF.
func (c *Controller) serveClient(client *control.Client) {
	for {
		req, err := client.ReadRequest()
		switch {
		case err == nil:
			c.dispatch(client, req)
		case errors.Is(err, control.ErrNoRequest):
			return
		case errors.Is(err, control.ErrBadRequest):
			c.log.Warn("malformed control request",
				zap.String("client", client.ID()), zap.Error(err))
			if err := client.Send(control.Error(err.Error())); err != nil {
				c.dropClient(client)
				return
			}
		default: // io.EOF or a hard read error
			c.dropClient(client)
			return
		}
	}
}

// dispatch routes one request through the command table and sends exactly
// one response.
func (c *Controller) dispatch(client *control.Client, req *control.Request) {
	c.log.Debug("control request",
		zap.String("client", client.ID()),
		zap.String("command", req.Command),
		zap.String("daemon", req.Daemon))

	handler, ok := c.handlers[req.Command]
	var resp control.Response
	if !ok {
		resp = control.Error("command not implemented: " + req.Command)
	} else if result, err := handler(req); err != nil {
		resp = control.Error(err.Error())
	} else {
		resp = control.OK(result)
	}
	if err := client.Send(resp); err != nil {
		c.log.Warn("sending control response failed",
			zap.String("client", client.ID()), zap.Error(err))
		c.dropClient(client)
	}
}

// dropClient unregisters and closes a control connection.
func (c *Controller) dropClient(client *control.Client) {
	c.log.Debug("control client disconnected", zap.String("client", client.ID()))
	c.registry.Remove(client)
	delete(c.clients, client.Fileno())
	client.Close()
}

// handleOutput drains the ready stdout pipe of one daemon, forwarding each
// complete line to the logging subsystem tagged with the daemon's name.
// EOF closes the pipe but says nothing about the child being alive.
func (c *Controller) handleOutput(d *daemon.Daemon) {
	logger := c.childLog.Named(d.Name())
	for {
		line, err := d.ReadLine()
		if err == nil {
			logger.Info(line)
			continue
		}
		if errors.Is(err, io.EOF) {
			c.registry.Remove(d)
			d.CloseOutput()
		}
		return
	}
}

// Shutdown stops every daemon in reverse priority order, so the daemons
// that started first are the last to go, and closes the control channel.
func (c *Controller) Shutdown() {
	c.log.Info("shutting down")
	batch := c.fleetByPriority()
	for i := len(batch) - 1; i >= 0; i-- {
		c.stopDaemon(batch[i])
		delete(c.daemons, batch[i].Name())
	}
	for _, client := range c.clients {
		c.registry.Remove(client)
		client.Close()
	}
	c.clients = make(map[int]*control.Client)
	if c.socket != nil {
		c.registry.Remove(c.socket)
		c.socket.Close()
		c.socket = nil
	}
	signal.Stop(c.signals)
}
