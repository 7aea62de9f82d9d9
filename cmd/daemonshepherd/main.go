// Package main is the daemonshepherd entry point: a supervisor that keeps
// a fleet of daemons running according to a declarative specification,
// restarts the ones that die with per-daemon back-off, and exposes a
// line-JSON control channel for administration.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dozzie/seismometer-toolbox/internal/bootstrap"
	"github.com/dozzie/seismometer-toolbox/internal/command"
	"github.com/dozzie/seismometer-toolbox/internal/daemonize"
	"github.com/dozzie/seismometer-toolbox/internal/pidfile"
)

var (
	daemonsPath   = flag.String("daemons", "", "path to the daemons specification file (required)")
	controlSocket = flag.String("control-socket", "", "unix socket path for the control channel")
	pidFilePath   = flag.String("pid-file", "", "pid file to create")
	background    = flag.Bool("background", false, "detach from the terminal and run in the background")
	userName      = flag.String("user", "", "user to run as")
	groupName     = flag.String("group", "", "group to run as")
	loggingPath   = flag.String("logging", "", "logging configuration file (YAML or JSON)")
	stateDB       = flag.String("state-db", "", "BoltDB file for the daemon state journal")
)

func main() {
	flag.Parse()
	if *daemonsPath == "" {
		fmt.Fprintln(os.Stderr, "error: --daemons is required")
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// The parent side of --background only spawns the detached instance
	// and waits for its readiness acknowledgement.
	if *background && !daemonize.IsChild() {
		return daemonize.Spawn()
	}

	if *userName != "" || *groupName != "" {
		if err := command.DropPrivileges(*userName, *groupName); err != nil {
			return err
		}
	}

	var pf *pidfile.File
	if *pidFilePath != "" {
		var err error
		pf, err = pidfile.Create(*pidFilePath)
		if err != nil {
			return err
		}
		defer pf.Remove()
	}

	app, cleanup, err := bootstrap.InitializeApp(bootstrap.Options{
		SpecPath:    *daemonsPath,
		SocketPath:  *controlSocket,
		LoggingPath: *loggingPath,
		StatePath:   *stateDB,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	// Listeners and pipes are healthy at this point; let the original
	// parent exit 0.
	if daemonize.IsChild() {
		if err := daemonize.Ready(); err != nil {
			return err
		}
	}

	app.Log.Info("daemonshepherd running",
		zap.String("daemons", *daemonsPath),
		zap.String("control_socket", *controlSocket))
	app.Run()
	return nil
}
