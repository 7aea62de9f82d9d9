package bootstrap

import (
	"go.uber.org/zap"

	"github.com/dozzie/seismometer-toolbox/internal/controller"
	"github.com/dozzie/seismometer-toolbox/internal/logging"
	"github.com/dozzie/seismometer-toolbox/internal/state"
)

// ProvideLogger builds the structured logger, from the logging
// configuration file when one is given.
func ProvideLogger(opts Options) (*zap.Logger, func(), error) {
	var cfg *logging.Config
	if opts.LoggingPath != "" {
		loaded, err := logging.LoadConfig(opts.LoggingPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	logger, err := logging.Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

// ProvideStore opens the state journal. Without a configured path the
// store is nil and the history command reports it as unavailable.
func ProvideStore(opts Options) (*state.Store, func(), error) {
	if opts.StatePath == "" {
		return nil, func() {}, nil
	}
	store, err := state.Open(opts.StatePath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// ProvideController builds the controller, loading the initial spec and
// opening the control socket.
func ProvideController(opts Options, log *zap.Logger, store *state.Store) (*controller.Controller, error) {
	return controller.New(opts.SpecPath, opts.SocketPath, store, log)
}
