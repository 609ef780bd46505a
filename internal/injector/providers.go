package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/worldsync/internal/config"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/server"
	"github.com/zeusync/worldsync/sdk/go/client"
)

// ServerSet builds a game server from a loaded configuration.
var ServerSet = wire.NewSet(
	ProvideLogger,
	ProvideServerConfig,
	server.NewServer,
)

// ViewerSet builds a viewer: its client plus the settings the command needs.
var ViewerSet = wire.NewSet(
	ProvideLogger,
	ProvideViewerConfig,
	ProvideClientConfig,
	client.NewClient,
	wire.Struct(new(Viewer), "*"),
)

// Viewer bundles what worldsync-viewer runs with.
type Viewer struct {
	Config config.ViewerConfig
	Client *client.Client
	Logger log.Log
}

// ProvideLogger builds the process logger from the log section.
func ProvideLogger(cfg *config.Config) log.Log {
	return log.NewWithConfig(log.Config{
		Level:    cfg.Log.ParsedLevel(),
		Encoding: cfg.Log.Format,
		Output:   []string{"stderr"},
	})
}

func ProvideServerConfig(cfg *config.Config) config.ServerConfig {
	return cfg.Server
}

func ProvideViewerConfig(cfg *config.Config) config.ViewerConfig {
	return cfg.Viewer
}

func ProvideClientConfig(v config.ViewerConfig) client.Config {
	return client.ConfigFromViewer(v)
}
