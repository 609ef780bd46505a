//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/worldsync/internal/config"
	"github.com/zeusync/worldsync/internal/server"
)

func InitializeServer(cfg *config.Config) (*server.Server, error) {
	wire.Build(ServerSet)
	return nil, nil
}

func InitializeViewer(cfg *config.Config) (*Viewer, error) {
	wire.Build(ViewerSet)
	return nil, nil
}
