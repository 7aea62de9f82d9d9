//go:build wireinject
// +build wireinject

package bootstrap

import "github.com/google/wire"

// InitializeApp is the Wire injector: it builds the supervisor from its
// options. The generated implementation lives in wire_gen.go.
func InitializeApp(opts Options) (*App, func(), error) {
	wire.Build(
		ProvideLogger,
		ProvideStore,
		ProvideController,
		NewApp,
	)
	return nil, nil, nil
}
