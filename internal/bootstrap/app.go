// Package bootstrap wires the supervisor's dependencies together with
// Wire: configuration, logger, state store and controller.
package bootstrap

import (
	"go.uber.org/zap"

	"github.com/dozzie/seismometer-toolbox/internal/controller"
)

// Options carries the command-line surface into the injector.
type Options struct {
	// SpecPath is the daemons specification file (required).
	SpecPath string
	// SocketPath is the control channel socket path, empty to disable.
	SocketPath string
	// LoggingPath is an optional logging configuration file.
	LoggingPath string
	// StatePath is an optional BoltDB state journal path.
	StatePath string
}

// App is the fully wired supervisor.
type App struct {
	Log        *zap.Logger
	Controller *controller.Controller
}

// NewApp assembles the application from its wired parts.
func NewApp(log *zap.Logger, ctrl *controller.Controller) *App {
	return &App{Log: log, Controller: ctrl}
}

// Run drives the controller's event loop until a termination signal
// arrives, then stops the fleet.
func (a *App) Run() {
	a.Controller.Run()
	a.Controller.Shutdown()
}
